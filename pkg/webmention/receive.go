// Package webmention implements the inbound Webmention pipeline: boundary
// validation of (source, target) notifications and asynchronous
// verification of the claimed backlink on a bounded worker pool.
package webmention

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"webstead/pkg/storage"
)

var (
	ErrInvalidURL    = fmt.Errorf("source and target must be absolute http(s) URLs")
	ErrSelfMention   = fmt.Errorf("self-mention")
	ErrUnknownTarget = fmt.Errorf("unknown target")
)

// Receiver accepts Webmention notifications. Validation failures are
// reported to the sender; everything after the pending upsert happens
// asynchronously and per protocol is never reported back.
type Receiver struct {
	db       storage.Storage
	verifier *Verifier
	site     *url.URL
}

func NewReceiver(db storage.Storage, verifier *Verifier, siteURL string) (*Receiver, error) {
	site, err := url.Parse(siteURL)
	if err != nil || site.Host == "" {
		return nil, fmt.Errorf("invalid site URL %q", siteURL)
	}

	return &Receiver{db: db, verifier: verifier, site: site}, nil
}

// Receive validates a (source, target) notification, upserts the pending
// record and enqueues verification. Re-notification of a known pair resets
// it to pending and re-queues, which supports edit-and-repost upstream.
func (r *Receiver) Receive(ctx context.Context, source, target string) (storage.Webmention, error) {
	srcURL, err := parseAbsoluteURL(source)
	if err != nil {
		return storage.Webmention{}, err
	}
	tgtURL, err := parseAbsoluteURL(target)
	if err != nil {
		return storage.Webmention{}, err
	}

	if urlsEqual(srcURL, tgtURL) {
		return storage.Webmention{}, ErrSelfMention
	}

	post, err := r.resolveTarget(ctx, tgtURL)
	if err != nil {
		return storage.Webmention{}, err
	}

	mention, err := r.db.UpsertPendingWebmention(ctx, storage.Webmention{
		Source:       source,
		Target:       target,
		TargetPostID: post.ID,
	})
	if err != nil {
		return storage.Webmention{}, err
	}

	r.verifier.Enqueue(mention)
	log.Debugf("[webmention] accepted %s -> %s, verification queued", source, target)

	return mention, nil
}

// resolveTarget maps a target URL onto a post owned by this site. The only
// recognized pattern is the canonical post URL, {site}/posts/{slug}.
func (r *Receiver) resolveTarget(ctx context.Context, target *url.URL) (storage.Post, error) {
	if !strings.EqualFold(target.Host, r.site.Host) {
		return storage.Post{}, ErrUnknownTarget
	}

	slug := slugFromPath(target.Path)
	if slug == "" {
		return storage.Post{}, ErrUnknownTarget
	}

	post, err := r.db.PostBySlug(ctx, slug)
	if err != nil {
		return storage.Post{}, ErrUnknownTarget
	}
	if post.Deleted {
		return storage.Post{}, ErrUnknownTarget
	}

	return post, nil
}

func slugFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] != "posts" || parts[1] == "" {
		return ""
	}
	return parts[1]
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

func urlsEqual(a, b *url.URL) bool {
	return a.Scheme == b.Scheme &&
		strings.EqualFold(a.Host, b.Host) &&
		strings.TrimSuffix(a.Path, "/") == strings.TrimSuffix(b.Path, "/") &&
		a.RawQuery == b.RawQuery
}
