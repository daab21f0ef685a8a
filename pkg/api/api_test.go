package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"webstead/pkg/indieauth"
	"webstead/pkg/storage"
	"webstead/pkg/storage/memdb"
	"webstead/pkg/webmention"
)

const testSite = "https://me.example"

func TestMain(m *testing.M) {
	log.SetLevel(log.PanicLevel)
	exitCode := m.Run()
	os.Exit(exitCode)
}

func newTestAPI(t *testing.T, conf Config) (*API, *memdb.Store) {
	t.Helper()

	db := memdb.New()
	auth := indieauth.New(db, indieauth.Config{Issuer: testSite})
	verifier := webmention.NewVerifier(db, webmention.Config{})
	receiver, err := webmention.NewReceiver(db, verifier, testSite)
	if err != nil {
		t.Fatalf("unexpected error while creating receiver: %v", err)
	}

	if conf.ServiceName == "" {
		conf.ServiceName = "webstead-test"
	}
	if conf.SiteURL == "" {
		conf.SiteURL = testSite
	}

	return New(conf, db, auth, receiver, nil), db
}

func issueTestToken(t *testing.T, db *memdb.Store, scopes ...string) string {
	t.Helper()

	token := "test-token-" + strings.Join(scopes, "-")
	err := db.SaveAccessToken(context.Background(), storage.AccessToken{
		TokenHash: indieauth.HashToken(token),
		ClientID:  "https://app.example/",
		Me:        testSite + "/",
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected error while saving token: %v", err)
	}

	return token
}

func postForm(api *API, path, token string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)
	return rr
}

func postJSON(api *API, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)
	return rr
}

func TestAPI_micropubCreateNote(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create")

	rr := postForm(api, "/micropub", token, url.Values{
		"h":          {"entry"},
		"content":    {"just a quick note"},
		"category[]": {"go", "indieweb"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}

	location := rr.Header().Get("Location")
	if !strings.HasPrefix(location, testSite+"/posts/") {
		t.Fatalf("want Location under %s/posts/, got %q", testSite, location)
	}

	slug := strings.TrimPrefix(location, testSite+"/posts/")
	post, err := db.PostBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("unexpected error while getting created post: %v", err)
	}
	if post.Kind != storage.KindNote {
		t.Errorf("want kind %v, got %v", storage.KindNote, post.Kind)
	}
	if post.Author != testSite+"/" {
		t.Errorf("want author from token, got %q", post.Author)
	}
	if len(post.Tags) != 2 {
		t.Errorf("want 2 tags, got %v", post.Tags)
	}
	if !post.Published() {
		t.Error("want created post to be published")
	}
}

func TestAPI_micropubCreateLikeJSON(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create")

	rr := postJSON(api, "/micropub", token, `{
		"type": ["h-entry"],
		"properties": {"like-of": ["https://other.example/article"]}
	}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}

	slug := strings.TrimPrefix(rr.Header().Get("Location"), testSite+"/posts/")
	post, err := db.PostBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("unexpected error while getting created post: %v", err)
	}
	if post.Kind != storage.KindLike {
		t.Errorf("want kind %v, got %v", storage.KindLike, post.Kind)
	}
	if post.LikeOf != "https://other.example/article" {
		t.Errorf("want like_of target, got %q", post.LikeOf)
	}
}

func TestAPI_micropubDraft(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create")

	rr := postForm(api, "/micropub", token, url.Values{
		"h":           {"entry"},
		"content":     {"not ready yet"},
		"post-status": {"draft"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}

	slug := strings.TrimPrefix(rr.Header().Get("Location"), testSite+"/posts/")
	post, err := db.PostBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("unexpected error while getting created post: %v", err)
	}
	if post.PublishedAt != nil {
		t.Error("want draft to have no published timestamp")
	}
}

func TestAPI_micropubAuth(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create")

	t.Run("no token", func(t *testing.T) {
		rr := postForm(api, "/micropub", "", url.Values{"content": {"hi"}})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("want status code %v, got status code %v", http.StatusUnauthorized, rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("unexpected error while unmarshaling body: %v", err)
		}
		if body["error"] != "unauthorized" {
			t.Errorf("want error unauthorized, got %q", body["error"])
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rr := postForm(api, "/micropub", "not-a-real-token", url.Values{"content": {"hi"}})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("want status code %v, got status code %v", http.StatusUnauthorized, rr.Code)
		}
	})

	t.Run("token in header and body", func(t *testing.T) {
		rr := postForm(api, "/micropub", token, url.Values{
			"content":      {"hi"},
			"access_token": {token},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("want status code %v, got status code %v", http.StatusBadRequest, rr.Code)
		}
	})

	t.Run("token in body only", func(t *testing.T) {
		rr := postForm(api, "/micropub", "", url.Values{
			"content":      {"hi"},
			"access_token": {token},
		})
		if rr.Code != http.StatusCreated {
			t.Errorf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
		}
	})
}

func TestAPI_micropubInsufficientScope(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	createOnly := issueTestToken(t, db, "create")

	rr := postForm(api, "/micropub", createOnly, url.Values{
		"h":       {"entry"},
		"content": {"to be deleted"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}
	location := rr.Header().Get("Location")

	rr = postForm(api, "/micropub", createOnly, url.Values{
		"action": {"delete"},
		"url":    {location},
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("want status code %v, got status code %v", http.StatusForbidden, rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error while unmarshaling body: %v", err)
	}
	if body["error"] != "insufficient_scope" {
		t.Errorf("want error insufficient_scope, got %q", body["error"])
	}
}

func TestAPI_micropubDeleteUndelete(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create", "delete", "undelete")
	ctx := context.Background()

	rr := postForm(api, "/micropub", token, url.Values{
		"h":       {"entry"},
		"content": {"ephemeral"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}
	location := rr.Header().Get("Location")
	slug := strings.TrimPrefix(location, testSite+"/posts/")

	deleteForm := url.Values{"action": {"delete"}, "url": {location}}
	for i := 0; i < 2; i++ {
		rr = postForm(api, "/micropub", token, deleteForm)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("delete attempt %d: want status code %v, got status code %v", i+1, http.StatusNoContent, rr.Code)
		}
	}

	post, err := db.PostBySlug(ctx, slug)
	if err != nil {
		t.Fatalf("tombstoned post must stay retrievable, got error: %v", err)
	}
	if !post.Deleted {
		t.Error("want post tombstoned after delete")
	}

	rr = postForm(api, "/micropub", token, url.Values{"action": {"undelete"}, "url": {location}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("want status code %v, got status code %v", http.StatusNoContent, rr.Code)
	}
	post, _ = db.PostBySlug(ctx, slug)
	if post.Deleted {
		t.Error("want post restored after undelete")
	}
}

func TestAPI_micropubUpdate(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create", "update")

	rr := postJSON(api, "/micropub", token, `{
		"type": ["h-entry"],
		"properties": {
			"content": ["original text"],
			"category": ["go"]
		}
	}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}
	location := rr.Header().Get("Location")
	slug := strings.TrimPrefix(location, testSite+"/posts/")

	rr = postJSON(api, "/micropub", token, `{
		"action": "update",
		"url": "`+location+`",
		"replace": {"content": ["updated text"]},
		"add": {"category": ["indieweb"]}
	}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("want status code %v, got status code %v (body %s)", http.StatusNoContent, rr.Code, rr.Body.String())
	}

	post, err := db.PostBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("unexpected error while getting updated post: %v", err)
	}
	if post.Content != "updated text" {
		t.Errorf("want replaced content, got %q", post.Content)
	}
	if len(post.Tags) != 2 {
		t.Errorf("want added category, got %v", post.Tags)
	}
	if post.Slug != slug {
		t.Errorf("want stable slug %q, got %q", slug, post.Slug)
	}
}

func TestAPI_micropubUpdateKeepsDraft(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create", "update")

	rr := postForm(api, "/micropub", token, url.Values{
		"h":           {"entry"},
		"content":     {"still cooking"},
		"post-status": {"draft"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}
	location := rr.Header().Get("Location")
	slug := strings.TrimPrefix(location, testSite+"/posts/")

	rr = postJSON(api, "/micropub", token, `{
		"action": "update",
		"url": "`+location+`",
		"replace": {"content": ["still cooking, now with butter"]}
	}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("want status code %v, got status code %v (body %s)", http.StatusNoContent, rr.Code, rr.Body.String())
	}

	post, err := db.PostBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("unexpected error while getting updated post: %v", err)
	}
	if post.Content != "still cooking, now with butter" {
		t.Errorf("want replaced content, got %q", post.Content)
	}
	if post.PublishedAt != nil {
		t.Fatalf("want draft to stay unpublished after update, got published_at=%v", post.PublishedAt)
	}

	// Replacing post-status is the one update that publishes the draft.
	rr = postJSON(api, "/micropub", token, `{
		"action": "update",
		"url": "`+location+`",
		"replace": {"post-status": ["published"]}
	}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("want status code %v, got status code %v (body %s)", http.StatusNoContent, rr.Code, rr.Body.String())
	}

	post, err = db.PostBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("unexpected error while getting published post: %v", err)
	}
	if post.PublishedAt == nil {
		t.Error("want explicit post-status replace to publish the draft")
	}
}

func TestAPI_micropubRateLimit(t *testing.T) {
	api, db := newTestAPI(t, Config{MicropubRateLimit: 1})
	token := issueTestToken(t, db, "create")

	rr := postForm(api, "/micropub", token, url.Values{"content": {"one"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}

	rr = postForm(api, "/micropub", token, url.Values{"content": {"two"}})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("want status code %v, got status code %v", http.StatusTooManyRequests, rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("want Retry-After header on throttled response")
	}
}

func TestAPI_micropubQuery(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create", "read")
	createOnly := issueTestToken(t, db, "create")

	rr := postJSON(api, "/micropub", token, `{
		"type": ["h-entry"],
		"properties": {"content": ["source me"], "category": ["go"]}
	}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}
	location := rr.Header().Get("Location")

	t.Run("config", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/micropub?q=config", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		api.Router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("want status code %v, got status code %v", http.StatusOK, rec.Code)
		}
		var conf struct {
			PostTypes []map[string]string `json:"post-types"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &conf); err != nil {
			t.Fatalf("unexpected error while unmarshaling config: %v", err)
		}
		if len(conf.PostTypes) == 0 {
			t.Error("want post-types in config response")
		}
	})

	t.Run("source", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/micropub?q=source&url="+url.QueryEscape(location), nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		api.Router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("want status code %v, got status code %v", http.StatusOK, rec.Code)
		}
		var source struct {
			Type       []string         `json:"type"`
			Properties map[string][]any `json:"properties"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &source); err != nil {
			t.Fatalf("unexpected error while unmarshaling source: %v", err)
		}
		if len(source.Type) == 0 || source.Type[0] != "h-entry" {
			t.Errorf("want type h-entry, got %v", source.Type)
		}
		if got := source.Properties["content"]; len(got) == 0 || got[0] != "source me" {
			t.Errorf("want stored content in source, got %v", got)
		}
	})

	t.Run("source without read scope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/micropub?q=source&url="+url.QueryEscape(location), nil)
		req.Header.Set("Authorization", "Bearer "+createOnly)
		rec := httptest.NewRecorder()
		api.Router.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("want status code %v, got status code %v", http.StatusForbidden, rec.Code)
		}
	})
}

func TestAPI_webmentionHandler(t *testing.T) {
	api, db := newTestAPI(t, Config{})

	now := time.Now().UTC()
	_, err := db.AddPost(context.Background(), storage.Post{
		Kind:        storage.KindNote,
		Slug:        "target-note",
		PublishedAt: &now,
	})
	if err != nil {
		t.Fatalf("unexpected error while adding post: %v", err)
	}
	target := testSite + "/posts/target-note"
	source := "https://blog.example/reply"

	tests := []struct {
		name       string
		form       url.Values
		statusWant int
	}{
		{
			name:       "valid notification",
			form:       url.Values{"source": {source}, "target": {target}},
			statusWant: http.StatusAccepted,
		},
		{
			name:       "missing source",
			form:       url.Values{"target": {target}},
			statusWant: http.StatusBadRequest,
		},
		{
			name:       "self mention",
			form:       url.Values{"source": {target}, "target": {target}},
			statusWant: http.StatusBadRequest,
		},
		{
			name:       "unknown target",
			form:       url.Values{"source": {source}, "target": {testSite + "/posts/nope"}},
			statusWant: http.StatusBadRequest,
		},
		{
			name:       "foreign target",
			form:       url.Values{"source": {source}, "target": {"https://other.example/posts/x"}},
			statusWant: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postForm(api, "/webmention", "", tt.form)
			if rr.Code != tt.statusWant {
				t.Errorf("want status code %v, got status code %v", tt.statusWant, rr.Code)
			}
		})
	}

	t.Run("status endpoint", func(t *testing.T) {
		id := storage.WebmentionID(source, target)
		req := httptest.NewRequest(http.MethodGet, "/webmentions/"+id.String(), nil)
		rr := httptest.NewRecorder()
		api.Router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("want status code %v, got status code %v", http.StatusOK, rr.Code)
		}
		var m storage.Webmention
		if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
			t.Fatalf("unexpected error while unmarshaling mention: %v", err)
		}
		if m.Source != source || m.Target != target {
			t.Errorf("want stored pair, got %s -> %s", m.Source, m.Target)
		}
	})
}

func TestAPI_webmentionRateLimit(t *testing.T) {
	api, db := newTestAPI(t, Config{MentionRateLimit: 1})

	now := time.Now().UTC()
	_, err := db.AddPost(context.Background(), storage.Post{
		Kind:        storage.KindNote,
		Slug:        "limited",
		PublishedAt: &now,
	})
	if err != nil {
		t.Fatalf("unexpected error while adding post: %v", err)
	}
	target := testSite + "/posts/limited"

	rr := postForm(api, "/webmention", "", url.Values{
		"source": {"https://blog.example/a"}, "target": {target},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("want status code %v, got status code %v", http.StatusAccepted, rr.Code)
	}

	rr = postForm(api, "/webmention", "", url.Values{
		"source": {"https://blog.example/b"}, "target": {target},
	})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("want status code %v, got status code %v", http.StatusTooManyRequests, rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("want Retry-After header on throttled response")
	}
}

func TestAPI_tokenHandler(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	err := db.SaveClient(ctx, storage.Client{
		ClientID:      "https://app.example/",
		RedirectURIs:  []string{"https://app.example/cb"},
		LastFetchedAt: &now,
	})
	if err != nil {
		t.Fatalf("unexpected error while seeding client: %v", err)
	}

	t.Run("invalid grant", func(t *testing.T) {
		rr := postForm(api, "/indieauth/token", "", url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {"bogus"},
			"client_id":    {"https://app.example/"},
			"redirect_uri": {"https://app.example/cb"},
		})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("want status code %v, got status code %v", http.StatusBadRequest, rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("unexpected error while unmarshaling body: %v", err)
		}
		if body["error"] != "invalid_grant" {
			t.Errorf("want error invalid_grant, got %q", body["error"])
		}
	})

	t.Run("revoke always succeeds", func(t *testing.T) {
		rr := postForm(api, "/indieauth/token", "", url.Values{
			"action": {"revoke"},
			"token":  {"whatever"},
		})
		if rr.Code != http.StatusOK {
			t.Errorf("want status code %v, got status code %v", http.StatusOK, rr.Code)
		}
	})
}

func TestAPI_introspectHandler(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create")

	t.Run("active token", func(t *testing.T) {
		rr := postForm(api, "/indieauth/introspect", "", url.Values{"token": {token}})
		if rr.Code != http.StatusOK {
			t.Fatalf("want status code %v, got status code %v", http.StatusOK, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("unexpected error while unmarshaling body: %v", err)
		}
		if body["active"] != true {
			t.Error("want active=true for a live token")
		}
		if body["me"] != testSite+"/" {
			t.Errorf("want me %q, got %v", testSite+"/", body["me"])
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		rr := postForm(api, "/indieauth/introspect", "", url.Values{"token": {"bogus"}})
		if rr.Code != http.StatusOK {
			t.Fatalf("want status code %v, got status code %v", http.StatusOK, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("unexpected error while unmarshaling body: %v", err)
		}
		if body["active"] != false {
			t.Error("want active=false for an unknown token")
		}
	})
}

func TestAPI_metadataHandler(t *testing.T) {
	api, _ := newTestAPI(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/indieauth/metadata", nil)
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("want status code %v, got status code %v", http.StatusOK, rr.Code)
	}
	var meta map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &meta); err != nil {
		t.Fatalf("unexpected error while unmarshaling metadata: %v", err)
	}
	if meta["issuer"] != testSite {
		t.Errorf("want issuer %q, got %v", testSite, meta["issuer"])
	}
	if meta["token_endpoint"] != testSite+"/indieauth/token" {
		t.Errorf("want token endpoint, got %v", meta["token_endpoint"])
	}
}

func TestAPI_authorizeHandlers(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	err := db.SaveClient(ctx, storage.Client{
		ClientID:      "https://app.example/",
		Name:          "Test App",
		RedirectURIs:  []string{"https://app.example/cb"},
		LastFetchedAt: &now,
	})
	if err != nil {
		t.Fatalf("unexpected error while seeding client: %v", err)
	}

	query := url.Values{
		"response_type": {"code"},
		"client_id":     {"https://app.example/"},
		"redirect_uri":  {"https://app.example/cb"},
		"me":            {testSite},
		"scope":         {"create"},
		"state":         {"abc"},
	}

	t.Run("consent context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/indieauth/authorize?"+query.Encode(), nil)
		rr := httptest.NewRecorder()
		api.Router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("want status code %v, got status code %v (body %s)", http.StatusOK, rr.Code, rr.Body.String())
		}
		var body struct {
			Client map[string]string `json:"client"`
			Scopes []string          `json:"scopes"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("unexpected error while unmarshaling body: %v", err)
		}
		if body.Client["name"] != "Test App" {
			t.Errorf("want client name in consent context, got %q", body.Client["name"])
		}
		if len(body.Scopes) != 1 || body.Scopes[0] != "create" {
			t.Errorf("want requested scopes, got %v", body.Scopes)
		}
	})

	t.Run("approve redirects with code", func(t *testing.T) {
		form := url.Values{}
		for key, values := range query {
			form[key] = values
		}
		form.Set("action", "approve")

		rr := postForm(api, "/indieauth/authorize", "", form)
		if rr.Code != http.StatusFound {
			t.Fatalf("want status code %v, got status code %v", http.StatusFound, rr.Code)
		}
		location, err := url.Parse(rr.Header().Get("Location"))
		if err != nil {
			t.Fatalf("unexpected error while parsing redirect: %v", err)
		}
		if location.Host != "app.example" {
			t.Errorf("want redirect to client, got %v", location)
		}
		if location.Query().Get("code") == "" {
			t.Error("want code in redirect")
		}
		if location.Query().Get("state") != "abc" {
			t.Errorf("want state echoed, got %q", location.Query().Get("state"))
		}
	})

	t.Run("deny redirects with access_denied", func(t *testing.T) {
		form := url.Values{}
		for key, values := range query {
			form[key] = values
		}
		form.Set("action", "deny")

		rr := postForm(api, "/indieauth/authorize", "", form)
		if rr.Code != http.StatusFound {
			t.Fatalf("want status code %v, got status code %v", http.StatusFound, rr.Code)
		}
		location, _ := url.Parse(rr.Header().Get("Location"))
		if location.Query().Get("error") != "access_denied" {
			t.Errorf("want access_denied in redirect, got %v", location)
		}
	})

	t.Run("unregistered redirect_uri never redirects", func(t *testing.T) {
		bad := url.Values{}
		for key, values := range query {
			bad[key] = values
		}
		bad.Set("redirect_uri", "https://evil.example/cb")
		bad.Set("action", "approve")

		rr := postForm(api, "/indieauth/authorize", "", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("want status code %v, got status code %v", http.StatusBadRequest, rr.Code)
		}
		if rr.Header().Get("Location") != "" {
			t.Error("validation failure must not redirect")
		}
	})
}

func TestAPI_postDetailedHandler(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	id, err := db.AddPost(ctx, storage.Post{
		Kind:        storage.KindArticle,
		Title:       "Hello",
		Slug:        "hello",
		PublishedAt: &now,
	})
	if err != nil {
		t.Fatalf("unexpected error while adding post: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/posts/"+id.String(), nil)
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("want status code %v, got status code %v", http.StatusOK, rr.Code)
	}
	var post storage.Post
	if err := json.Unmarshal(rr.Body.Bytes(), &post); err != nil {
		t.Fatalf("unexpected error while unmarshaling post: %v", err)
	}
	if post.ID != id {
		t.Errorf("want post ID %v, got %v", id, post.ID)
	}
}

// The kind accessors parse structured payloads out of the stored bag, so a
// checkin created through the gateway must round-trip its coordinates.
func TestAPI_micropubCheckinRoundTrip(t *testing.T) {
	api, db := newTestAPI(t, Config{})
	token := issueTestToken(t, db, "create")

	rr := postForm(api, "/micropub", token, url.Values{
		"h":        {"entry"},
		"content":  {"at the park"},
		"location": {"geo:55.75,37.61"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("want status code %v, got status code %v", http.StatusCreated, rr.Code)
	}

	slug := strings.TrimPrefix(rr.Header().Get("Location"), testSite+"/posts/")
	post, err := db.PostBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("unexpected error while getting created post: %v", err)
	}
	if post.Kind != storage.KindCheckin {
		t.Fatalf("want kind %v, got %v", storage.KindCheckin, post.Kind)
	}
	checkin, ok := post.Checkin()
	if !ok {
		t.Fatal("want checkin payload from stored bag")
	}
	if checkin.Latitude != 55.75 || checkin.Longitude != 37.61 {
		t.Errorf("want coordinates (55.75, 37.61), got (%v, %v)", checkin.Latitude, checkin.Longitude)
	}
}
