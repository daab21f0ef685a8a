package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"

	"webstead/pkg/indieauth"
	"webstead/pkg/mf2"
	"webstead/pkg/storage"
)

const maxMicropubBody = 1 << 20 // 1 MiB

// Properties lifted into dedicated post columns; everything else stays in
// the raw mf2 bag so unknown vocabulary round-trips through q=source.
var liftedProps = map[string]bool{
	"name": true, "content": true, "category": true, "photo": true,
	"like-of": true, "repost-of": true, "in-reply-to": true, "bookmark-of": true,
	"published": true, "post-status": true,
}

var controlProps = map[string]bool{
	"action": true, "url": true, "replace": true, "add": true,
	"delete": true, "remove": true, "access_token": true, "h": true,
}

// micropubHandler is the Micropub ingestion gateway: create, update,
// delete and undelete, each gated on the matching token scope.
func (api *API) micropubHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	props, formToken, err := api.parseMicropubBody(w, r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[micropubHandler][%s] failed to parse body: %v", sID, err)
		return
	}

	headerToken := bearerToken(r)
	if headerToken != "" && formToken != "" {
		// RFC 6750 forbids presenting the token in two places at once.
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[micropubHandler][%s] token in both header and body", sID)
		return
	}
	token := headerToken
	if token == "" {
		token = formToken
	}

	record, err := api.Auth.VerifyToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, indieauth.ErrInvalidToken) {
			writeOAuthError(w, http.StatusUnauthorized, "unauthorized")
			log.Debugf("[micropubHandler][%s] invalid token presented", sID)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[micropubHandler][%s] VerifyToken() returned error: %v", sID, err)
		return
	}

	if ok, retryAfter := api.micropubLimiter.allow(record.TokenHash); !ok {
		w.Header().Set("Retry-After", formatSeconds(retryAfter))
		writeOAuthError(w, http.StatusTooManyRequests, "too_many_requests")
		log.Debugf("[micropubHandler][%s] rate limited client %s", sID, record.ClientID)
		return
	}

	action := props.First("action")
	if action == "" {
		action = "create"
	}
	switch action {
	case "create", "update", "delete", "undelete":
	default:
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[micropubHandler][%s] unknown action %q", sID, action)
		return
	}

	// Each action is gated on the scope of the same name.
	if !record.HasScope(action) {
		writeOAuthError(w, http.StatusForbidden, "insufficient_scope")
		log.Debugf("[micropubHandler][%s] token for %s lacks %q scope", sID, record.Me, action)
		return
	}

	switch action {
	case "create":
		api.micropubCreate(w, r, props, record, sID)
	case "update":
		api.micropubUpdate(w, r, props, sID)
	case "delete":
		api.micropubSetDeleted(w, r, props, true, sID)
	case "undelete":
		api.micropubSetDeleted(w, r, props, false, sID)
	}
}

// parseMicropubBody normalizes the request payload into a property bag and
// pulls the form token out before it can leak into stored properties.
func (api *API) parseMicropubBody(w http.ResponseWriter, r *http.Request) (mf2.Properties, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMicropubBody))
		if err != nil {
			return nil, "", err
		}
		props, err := mf2.ParseJSON(body)
		return props, "", err
	}

	if err := r.ParseForm(); err != nil {
		return nil, "", err
	}
	formToken := r.PostForm.Get("access_token")
	r.PostForm.Del("access_token")

	return mf2.ParseForm(r.PostForm), formToken, nil
}

func (api *API) micropubCreate(w http.ResponseWriter, r *http.Request, props mf2.Properties, token storage.AccessToken, sID string) {
	post := buildPost(props, token.Me, time.Now().UTC())

	id, err := api.DB.AddPost(r.Context(), post)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[micropubCreate][%s] AddPost() returned error: %v", sID, err)
		return
	}

	location := api.conf.SiteURL + "/posts/" + post.Slug
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusCreated)
	log.Debugf("[micropubCreate][%s] created %s post %v at %s", sID, post.Kind, id, location)
}

func (api *API) micropubUpdate(w http.ResponseWriter, r *http.Request, props mf2.Properties, sID string) {
	post, ok := api.resolvePostURL(w, r, props.First("url"), sID)
	if !ok {
		return
	}
	if post.Deleted {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[micropubUpdate][%s] refusing update of tombstoned post %v", sID, post.ID)
		return
	}

	bag := make(mf2.Properties, len(post.MF2)+1)
	for key, values := range post.MF2 {
		bag[key] = values
	}
	if post.PublishedAt == nil {
		// Drafts stay drafts unless the update names post-status itself.
		bag["post-status"] = []any{"draft"}
	}
	applyUpdateOps(bag, props)

	updated := buildPost(bag, post.Author, time.Now().UTC())
	updated.ID = post.ID
	updated.Slug = post.Slug
	updated.CreatedAt = post.CreatedAt
	updated.Deleted = post.Deleted
	if post.PublishedAt != nil && updated.PublishedAt != nil {
		// An update never bumps the publish timestamp.
		updated.PublishedAt = post.PublishedAt
	}

	if err := api.DB.UpdatePost(r.Context(), updated); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[micropubUpdate][%s] UpdatePost() returned error: %v", sID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	log.Debugf("[micropubUpdate][%s] updated post %v", sID, post.ID)
}

func (api *API) micropubSetDeleted(w http.ResponseWriter, r *http.Request, props mf2.Properties, deleted bool, sID string) {
	post, ok := api.resolvePostURL(w, r, props.First("url"), sID)
	if !ok {
		return
	}

	// Deleting a tombstone and undeleting a live post are both no-ops.
	if err := api.DB.SetPostDeleted(r.Context(), post.ID, deleted); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[micropubSetDeleted][%s] SetPostDeleted() returned error: %v", sID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	log.Debugf("[micropubSetDeleted][%s] post %v deleted=%v", sID, post.ID, deleted)
}

// resolvePostURL maps a post URL from an update/delete body onto the stored
// post. Tombstoned posts resolve too, otherwise undelete could never work.
func (api *API) resolvePostURL(w http.ResponseWriter, r *http.Request, rawURL, sID string) (storage.Post, bool) {
	slug, ok := api.slugFromURL(rawURL)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[micropubHandler][%s] unresolvable post url %q", sID, rawURL)
		return storage.Post{}, false
	}

	post, err := api.DB.PostBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, storage.ErrPostNotFound) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			log.Debugf("[micropubHandler][%s] no post for url %q", sID, rawURL)
			return storage.Post{}, false
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[micropubHandler][%s] PostBySlug() returned error: %v", sID, err)
		return storage.Post{}, false
	}

	return post, true
}

func (api *API) slugFromURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	site, err := url.Parse(api.conf.SiteURL)
	if err != nil || !strings.EqualFold(u.Host, site.Host) {
		return "", false
	}

	path := strings.Trim(u.Path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] != "posts" || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}

// applyUpdateOps applies Micropub update operations to a property bag.
// replace swaps a property's values, add appends, delete removes either
// whole properties (list form) or specific values (map form). Clients in
// the wild send "remove" for delete, so both spellings are honored.
func applyUpdateOps(bag mf2.Properties, props mf2.Properties) {
	if op, ok := opMap(props, "replace"); ok {
		for key, values := range op {
			bag[strings.TrimSuffix(key, "[]")] = values
		}
	}
	if op, ok := opMap(props, "add"); ok {
		for key, values := range op {
			normKey := strings.TrimSuffix(key, "[]")
			bag[normKey] = append(bag[normKey], values...)
		}
	}

	for _, spelling := range []string{"delete", "remove"} {
		for _, raw := range props[spelling] {
			switch v := raw.(type) {
			case string:
				delete(bag, v)
			case map[string]any:
				for key, values := range v {
					removeValues(bag, strings.TrimSuffix(key, "[]"), values)
				}
			}
		}
	}
}

func opMap(props mf2.Properties, key string) (map[string][]any, bool) {
	for _, raw := range props[key] {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out := make(map[string][]any, len(obj))
		for k, v := range obj {
			if list, ok := v.([]any); ok {
				out[k] = list
			} else {
				out[k] = []any{v}
			}
		}
		return out, true
	}
	return nil, false
}

func removeValues(bag mf2.Properties, key string, raw any) {
	drop := make(map[string]bool)
	switch v := raw.(type) {
	case string:
		drop[v] = true
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				drop[s] = true
			}
		}
	}

	var kept []any
	for _, value := range bag[key] {
		if s, ok := value.(string); ok && drop[s] {
			continue
		}
		kept = append(kept, value)
	}
	if len(kept) == 0 {
		delete(bag, key)
		return
	}
	bag[key] = kept
}

// buildPost materializes a post from a property bag: the classifier picks
// the kind, well-known properties become columns, and the rest of the bag
// is carried verbatim so nothing a client sent is lost.
func buildPost(props mf2.Properties, author string, now time.Time) storage.Post {
	cls := mf2.Classify(props)

	post := storage.Post{
		Kind:       cls.Kind,
		Title:      props.First("name"),
		Content:    props.First("content"),
		Author:     author,
		Tags:       props.Strings("category"),
		LikeOf:     props.First("like-of"),
		RepostOf:   props.First("repost-of"),
		InReplyTo:  props.First("in-reply-to"),
		BookmarkOf: props.First("bookmark-of"),
		CreatedAt:  now,
	}

	for _, raw := range props["photo"] {
		switch v := raw.(type) {
		case string:
			post.Attachments = append(post.Attachments, storage.Attachment{URL: v})
		case map[string]any:
			att := storage.Attachment{}
			if u, ok := v["url"].(string); ok {
				att.URL = u
			}
			if alt, ok := v["alt"].(string); ok {
				att.Alt = alt
			}
			if att.URL != "" {
				post.Attachments = append(post.Attachments, att)
			}
		}
	}

	if post.Content == "" {
		switch post.Kind {
		case storage.KindLike:
			post.Content = "Liked " + post.LikeOf
		case storage.KindRepost:
			post.Content = "Reposted " + post.RepostOf
		case storage.KindBookmark:
			post.Content = "Bookmarked " + post.BookmarkOf
		}
	}

	if props.First("post-status") != "draft" {
		publishedAt := now
		if ts, err := time.Parse(time.RFC3339, props.First("published")); err == nil {
			publishedAt = ts.UTC()
		}
		post.PublishedAt = &publishedAt
	}

	post.MF2 = make(map[string][]any)
	for key, values := range props {
		if controlProps[key] || liftedProps[key] || strings.HasPrefix(key, "mp-") {
			continue
		}
		post.MF2[key] = values
	}
	// Structured payloads the kind accessors parse on demand stay in the
	// bag even though pieces of them also land in columns.
	for _, key := range []string{"checkin", "location", "start", "end", "rsvp", "type"} {
		if props.Has(key) {
			post.MF2[key] = props[key]
		}
	}
	if post.Kind == storage.KindCheckin {
		if payload, ok := checkinPayload(props); ok {
			post.MF2["checkin"] = []any{payload}
		}
	}

	post.Slug = slugFor(props, post, now)

	return post
}

// checkinPayload flattens the checkin into the map shape the kind accessor
// reads: coordinates from a nested h-card's properties or a geo: location.
func checkinPayload(props mf2.Properties) (map[string]any, bool) {
	for _, obj := range props.Objects("checkin") {
		nested, ok := obj["properties"].(map[string]any)
		if !ok {
			continue
		}
		get := func(key string) (string, bool) {
			list, _ := nested[key].([]any)
			for _, v := range list {
				switch s := v.(type) {
				case string:
					return s, s != ""
				case float64:
					return strconv.FormatFloat(s, 'f', -1, 64), true
				}
			}
			return "", false
		}
		latRaw, latOK := get("latitude")
		lonRaw, lonOK := get("longitude")
		if !latOK || !lonOK {
			continue
		}
		lat, errLat := strconv.ParseFloat(latRaw, 64)
		lon, errLon := strconv.ParseFloat(lonRaw, 64)
		if errLat != nil || errLon != nil {
			continue
		}
		payload := map[string]any{"latitude": lat, "longitude": lon}
		if name, ok := get("name"); ok {
			payload["name"] = name
		}
		return payload, true
	}

	if geo, ok := mf2.ParseGeoURI(props.First("location")); ok {
		return map[string]any{"latitude": geo.Latitude, "longitude": geo.Longitude}, true
	}

	return nil, false
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugFor(props mf2.Properties, post storage.Post, now time.Time) string {
	if s := slugify(props.First("mp-slug")); s != "" {
		return s
	}
	if s := slugify(post.Title); s != "" {
		return s
	}
	// Untitled posts get a timestamp slug with a random tail so two notes
	// in the same second cannot collide.
	tail, err := uuid.NewV4()
	if err != nil {
		return now.Format("20060102-150405")
	}
	return now.Format("20060102-150405") + "-" + tail.String()[:8]
}

func slugify(raw string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(raw), "-")
	return strings.Trim(s, "-")
}

// micropubQueryHandler serves the Micropub query interface: q=config
// describes the endpoint's capabilities, q=source returns the stored
// properties of a post for read-scoped clients.
func (api *API) micropubQueryHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	record, err := api.Auth.VerifyToken(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, indieauth.ErrInvalidToken) {
			writeOAuthError(w, http.StatusUnauthorized, "unauthorized")
			log.Debugf("[micropubQueryHandler][%s] invalid token presented", sID)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[micropubQueryHandler][%s] VerifyToken() returned error: %v", sID, err)
		return
	}

	switch r.URL.Query().Get("q") {
	case "config":
		writeJSON(w, http.StatusOK, map[string]any{
			"q":            []string{"config", "source"},
			"syndicate-to": []string{},
			"post-types":   postTypesConfig(),
		})
		log.Debugf("[micropubQueryHandler][%s] config sent to client %s", sID, record.ClientID)

	case "source":
		if !record.HasScope("read") {
			writeOAuthError(w, http.StatusForbidden, "insufficient_scope")
			log.Debugf("[micropubQueryHandler][%s] token for %s lacks read scope", sID, record.Me)
			return
		}
		post, ok := api.resolvePostURL(w, r, r.URL.Query().Get("url"), sID)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sourceView(post, r.URL.Query()["properties[]"]))
		log.Debugf("[micropubQueryHandler][%s] source of post %v sent", sID, post.ID)

	default:
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[micropubQueryHandler][%s] unknown query %q", sID, r.URL.Query().Get("q"))
	}
}

func postTypesConfig() []map[string]string {
	kinds := []storage.Kind{
		storage.KindArticle, storage.KindNote, storage.KindPhoto,
		storage.KindLike, storage.KindRepost, storage.KindReply,
		storage.KindBookmark, storage.KindEvent, storage.KindRSVP,
		storage.KindCheckin,
	}
	out := make([]map[string]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, map[string]string{"type": string(k), "name": string(k)})
	}
	return out
}

// sourceView rebuilds the canonical mf2 shape of a post from its columns
// and raw bag, optionally filtered to the requested properties.
func sourceView(post storage.Post, filter []string) map[string]any {
	props := make(map[string][]any)
	for key, values := range post.MF2 {
		if key == "type" {
			continue
		}
		props[key] = values
	}

	setIf := func(key, value string) {
		if value != "" {
			props[key] = []any{value}
		}
	}
	setIf("name", post.Title)
	setIf("content", post.Content)
	setIf("like-of", post.LikeOf)
	setIf("repost-of", post.RepostOf)
	setIf("in-reply-to", post.InReplyTo)
	setIf("bookmark-of", post.BookmarkOf)
	if len(post.Tags) > 0 {
		list := make([]any, 0, len(post.Tags))
		for _, tag := range post.Tags {
			list = append(list, tag)
		}
		props["category"] = list
	}
	for _, att := range post.Attachments {
		if att.Alt != "" {
			props["photo"] = append(props["photo"], map[string]any{"url": att.URL, "alt": att.Alt})
		} else {
			props["photo"] = append(props["photo"], att.URL)
		}
	}
	if post.PublishedAt != nil {
		props["published"] = []any{post.PublishedAt.Format(time.RFC3339)}
	}

	if len(filter) > 0 {
		keep := make(map[string][]any, len(filter))
		for _, key := range filter {
			if values, ok := props[key]; ok {
				keep[key] = values
			}
		}
		props = keep
	}

	hType := "h-entry"
	if post.Kind == storage.KindEvent {
		hType = "h-event"
	}
	return map[string]any{"type": []string{hType}, "properties": props}
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
