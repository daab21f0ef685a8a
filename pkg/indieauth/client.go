package indieauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"

	"webstead/pkg/storage"
)

const (
	clientCacheTTL   = 12 * time.Hour
	maxMetadataBytes = 1 << 20

	userAgent = "webstead-indieauth"
)

var errForbiddenHost = fmt.Errorf("client host is not allowed")

// ResolveClient returns the cached metadata for a client_id, fetching or
// refreshing it from the client's URL when the cache is stale. A fetch
// failure is recorded on the client record but does not fail resolution:
// validation then falls back to the same-origin redirect rule.
func (a *Authority) ResolveClient(ctx context.Context, clientID string) (storage.Client, error) {
	u, err := url.Parse(clientID)
	if err != nil || u.Host == "" || u.Fragment != "" {
		return storage.Client{}, ErrInvalidClient
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return storage.Client{}, ErrInvalidClient
	}

	client, err := a.db.Client(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return storage.Client{}, err
	}
	client.ClientID = clientID

	fresh := client.LastFetchedAt != nil && time.Since(*client.LastFetchedAt) < clientCacheTTL
	if fresh && len(client.RedirectURIs) > 0 {
		return client, nil
	}

	meta, err := a.fetchClientMetadata(ctx, clientID)
	if err != nil {
		log.Debugf("[indieauth] client metadata fetch failed for %s: %v", clientID, err)
		client.FetchError = err.Error()
	} else {
		client.RedirectURIs = meta.RedirectURIs
		if meta.Name != "" {
			client.Name = meta.Name
		}
		if meta.LogoURL != "" {
			client.LogoURL = meta.LogoURL
		}
		client.FetchError = ""
	}
	now := time.Now().UTC()
	client.LastFetchedAt = &now

	if err := a.db.SaveClient(ctx, client); err != nil {
		return storage.Client{}, err
	}

	return client, nil
}

type clientMetadata struct {
	Name         string
	LogoURL      string
	RedirectURIs []string
}

// fetchClientMetadata retrieves the client_id document and extracts
// registered redirect URIs, the client name, and a logo. Sources, in
// order: HTTP Link headers, a JSON client-metadata document, or
// rel=redirect_uri links plus <title> in HTML.
func (a *Authority) fetchClientMetadata(ctx context.Context, clientID string) (clientMetadata, error) {
	base, err := url.Parse(clientID)
	if err != nil {
		return clientMetadata{}, err
	}
	if !a.hostAllowed(base.Hostname()) {
		return clientMetadata{}, errForbiddenHost
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID, nil)
	if err != nil {
		return clientMetadata{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return clientMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return clientMetadata{}, fmt.Errorf("client metadata fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes+1))
	if err != nil {
		return clientMetadata{}, err
	}
	if len(body) > maxMetadataBytes {
		return clientMetadata{}, fmt.Errorf("client metadata response too large")
	}

	var meta clientMetadata
	for _, ref := range parseLinkHeader(resp.Header.Values("Link"), "redirect_uri") {
		meta.RedirectURIs = append(meta.RedirectURIs, ref)
	}
	if logos := parseLinkHeader(resp.Header.Values("Link"), "logo"); len(logos) > 0 {
		meta.LogoURL = logos[0]
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "json"):
		var payload struct {
			ClientName   string          `json:"client_name"`
			Name         string          `json:"name"`
			LogoURI      string          `json:"logo_uri"`
			Logo         string          `json:"logo"`
			RedirectURIs json.RawMessage `json:"redirect_uris"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			meta.Name = strings.TrimSpace(firstNonEmpty(payload.ClientName, payload.Name))
			if logo := firstNonEmpty(payload.LogoURI, payload.Logo); logo != "" {
				meta.LogoURL = logo
			}
			meta.RedirectURIs = append(meta.RedirectURIs, decodeRedirectURIs(payload.RedirectURIs)...)
		}

	case strings.Contains(contentType, "html"):
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
		if err != nil {
			break
		}
		doc.Find("link[rel],a[rel]").Each(func(_ int, sel *goquery.Selection) {
			rel, _ := sel.Attr("rel")
			href, ok := sel.Attr("href")
			if !ok || href == "" {
				return
			}
			for _, r := range strings.Fields(rel) {
				switch r {
				case "redirect_uri":
					meta.RedirectURIs = append(meta.RedirectURIs, href)
				case "icon", "logo":
					if meta.LogoURL == "" {
						meta.LogoURL = href
					}
				}
			}
		})
		if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
			meta.Name = title
		}
	}

	meta.RedirectURIs = cleanRedirectURIs(base, meta.RedirectURIs)
	if meta.LogoURL != "" {
		if abs, err := base.Parse(meta.LogoURL); err == nil {
			meta.LogoURL = abs.String()
		}
	}

	return meta, nil
}

func decodeRedirectURIs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

// cleanRedirectURIs resolves relative references against the client_id,
// drops anything that is not absolute http(s), and deduplicates.
func cleanRedirectURIs(base *url.URL, uris []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range uris {
		if raw == "" {
			continue
		}
		abs, err := base.Parse(raw)
		if err != nil {
			continue
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		if abs.Host == "" || abs.Fragment != "" {
			continue
		}
		s := abs.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// parseLinkHeader extracts URI references for a rel from HTTP Link headers.
func parseLinkHeader(headers []string, relName string) []string {
	var out []string
	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			segment := strings.TrimSpace(part)
			if !strings.HasPrefix(segment, "<") || !strings.Contains(segment, ">") {
				continue
			}
			ref, params, _ := strings.Cut(segment[1:], ">")
			var rel string
			for _, param := range strings.Split(params, ";") {
				name, value, _ := strings.Cut(strings.TrimSpace(param), "=")
				if strings.EqualFold(name, "rel") {
					rel = strings.Trim(value, `"`)
					break
				}
			}
			for _, r := range strings.Fields(rel) {
				if r == relName {
					out = append(out, ref)
					break
				}
			}
		}
	}
	return out
}

// hostAllowed refuses loopback, private and otherwise non-public hosts so
// metadata fetches cannot be steered at internal services.
func (a *Authority) hostAllowed(hostname string) bool {
	if hostname == "" {
		return false
	}
	if isLoopbackHost(hostname) {
		return a.conf.AllowLoopbackClients
	}

	ips, err := net.LookupIP(hostname)
	if err != nil || len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
			return false
		}
	}
	return true
}

func isLoopbackHost(hostname string) bool {
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (a *Authority) checkClientRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return fmt.Errorf("too many redirects")
	}
	if !a.hostAllowed(req.URL.Hostname()) {
		return errForbiddenHost
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
