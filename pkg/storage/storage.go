package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

var (
	ErrDBNotResponding = fmt.Errorf("DB not responding")

	ErrPostNotFound       = fmt.Errorf("post not found")
	ErrWebmentionNotFound = fmt.Errorf("webmention not found")
	ErrCodeNotFound       = fmt.Errorf("authorization code not found")
	ErrTokenNotFound      = fmt.Errorf("access token not found")
	ErrClientNotFound     = fmt.Errorf("client not found")
)

// Kind is the post kind discriminant. Interaction kinds carry exactly one
// of the interaction URL fields; event, rsvp and checkin kinds carry a
// structured payload parsed on demand from the raw MF2 bag.
type Kind string

const (
	KindArticle  Kind = "article"
	KindNote     Kind = "note"
	KindPhoto    Kind = "photo"
	KindActivity Kind = "activity"
	KindLike     Kind = "like"
	KindRepost   Kind = "repost"
	KindReply    Kind = "reply"
	KindEvent    Kind = "event"
	KindRSVP     Kind = "rsvp"
	KindCheckin  Kind = "checkin"
	KindBookmark Kind = "bookmark"
)

type Attachment struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

type Post struct {
	ID          uuid.UUID        `json:"id"`
	Kind        Kind             `json:"kind"`
	Title       string           `json:"title,omitempty"`
	Slug        string           `json:"slug"`
	Content     string           `json:"content,omitempty"`
	Author      string           `json:"author"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	Deleted     bool             `json:"deleted,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	LikeOf      string           `json:"like_of,omitempty"`
	RepostOf    string           `json:"repost_of,omitempty"`
	InReplyTo   string           `json:"in_reply_to,omitempty"`
	BookmarkOf  string           `json:"bookmark_of,omitempty"`
	MF2         map[string][]any `json:"mf2,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Published reports whether the post is live: a draft has no published
// timestamp and a tombstoned post stays retrievable but is not published.
func (p *Post) Published() bool {
	return p.PublishedAt != nil && !p.Deleted
}

// InteractionTarget returns the URL an interaction kind points at.
func (p *Post) InteractionTarget() (string, bool) {
	switch p.Kind {
	case KindLike:
		return p.LikeOf, p.LikeOf != ""
	case KindRepost:
		return p.RepostOf, p.RepostOf != ""
	case KindReply:
		return p.InReplyTo, p.InReplyTo != ""
	case KindBookmark:
		return p.BookmarkOf, p.BookmarkOf != ""
	}
	return "", false
}

type Checkin struct {
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Checkin parses the checkin payload out of the raw MF2 bag. It returns
// false for posts of any other kind or when the bag has no usable payload.
func (p *Post) Checkin() (Checkin, bool) {
	if p.Kind != KindCheckin {
		return Checkin{}, false
	}
	raw, ok := firstMap(p.MF2["checkin"])
	if !ok {
		return Checkin{}, false
	}
	lat, latOK := toFloat(raw["latitude"])
	lon, lonOK := toFloat(raw["longitude"])
	if !latOK || !lonOK {
		return Checkin{}, false
	}
	c := Checkin{Latitude: lat, Longitude: lon}
	if name, ok := raw["name"].(string); ok {
		c.Name = name
	}
	return c, true
}

type Event struct {
	Name     string     `json:"name,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Location string     `json:"location,omitempty"`
}

// Event parses the event payload out of the raw MF2 bag.
func (p *Post) Event() (Event, bool) {
	if p.Kind != KindEvent {
		return Event{}, false
	}
	e := Event{}
	if name, ok := firstString(p.MF2["name"]); ok {
		e.Name = name
	}
	if loc, ok := firstString(p.MF2["location"]); ok {
		e.Location = loc
	}
	if s, ok := firstString(p.MF2["start"]); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			e.Start = &t
		}
	}
	if s, ok := firstString(p.MF2["end"]); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			e.End = &t
		}
	}
	if e.Start == nil {
		return Event{}, false
	}
	return e, true
}

// RSVP returns the rsvp value (yes, no, maybe, interested) for rsvp posts.
func (p *Post) RSVP() (string, bool) {
	if p.Kind != KindRSVP {
		return "", false
	}
	return firstString(p.MF2["rsvp"])
}

func firstString(values []any) (string, bool) {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func firstMap(values []any) (map[string]any, bool) {
	for _, v := range values {
		if m, ok := v.(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

type WebmentionStatus string

const (
	StatusPending  WebmentionStatus = "pending"
	StatusVerified WebmentionStatus = "verified"
	StatusRejected WebmentionStatus = "rejected"
)

type WebmentionKind string

const (
	MentionGeneric WebmentionKind = "mention"
	MentionReply   WebmentionKind = "reply"
	MentionLike    WebmentionKind = "like"
	MentionRepost  WebmentionKind = "repost"
)

type Webmention struct {
	ID           uuid.UUID        `json:"id"`
	Source       string           `json:"source"`
	Target       string           `json:"target"`
	TargetPostID uuid.UUID        `json:"target_post_id"`
	Status       WebmentionStatus `json:"status"`
	Kind         WebmentionKind   `json:"kind"`
	AuthorName   string           `json:"author_name,omitempty"`
	AuthorURL    string           `json:"author_url,omitempty"`
	AuthorPhoto  string           `json:"author_photo,omitempty"`
	Excerpt      string           `json:"excerpt,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	VerifiedAt   *time.Time       `json:"verified_at,omitempty"`
}

// WebmentionID derives the identity of a mention from its (source, target)
// pair, so repeated notifications map onto the same row.
func WebmentionID(source, target string) uuid.UUID {
	return uuid.NewV5(uuid.NamespaceURL, source+"\n"+target)
}

type AuthorizationCode struct {
	CodeHash            string     `json:"-"`
	ClientID            string     `json:"client_id"`
	RedirectURI         string     `json:"redirect_uri"`
	Me                  string     `json:"me"`
	Scopes              []string   `json:"scopes"`
	CodeChallenge       string     `json:"-"`
	CodeChallengeMethod string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	UsedAt              *time.Time `json:"used_at,omitempty"`
}

type AccessToken struct {
	TokenHash string     `json:"-"`
	ClientID  string     `json:"client_id"`
	Me        string     `json:"me"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// HasScope reports whether the token grants the given scope.
func (t *AccessToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Client is the cached metadata of an IndieAuth client, fetched from its
// client_id URL and refreshed when stale.
type Client struct {
	ClientID      string     `json:"client_id"`
	Name          string     `json:"name,omitempty"`
	LogoURL       string     `json:"logo_url,omitempty"`
	RedirectURIs  []string   `json:"redirect_uris,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	FetchError    string     `json:"fetch_error,omitempty"`
}

type Storage interface {
	// Posts. AddPost assigns the ID when it is nil and returns it.
	AddPost(ctx context.Context, post Post) (uuid.UUID, error)
	Post(ctx context.Context, id uuid.UUID) (Post, error)
	PostBySlug(ctx context.Context, slug string) (Post, error)
	UpdatePost(ctx context.Context, post Post) error
	SetPostDeleted(ctx context.Context, id uuid.UUID, deleted bool) error

	// Webmentions, unique on (source, target). UpsertPending creates the
	// row in pending status or resets an existing row to pending.
	// SaveWebmentionResult overwrites the stored verification snapshot.
	UpsertPendingWebmention(ctx context.Context, m Webmention) (Webmention, error)
	Webmention(ctx context.Context, id uuid.UUID) (Webmention, error)
	WebmentionsForPost(ctx context.Context, postID uuid.UUID) ([]Webmention, error)
	SaveWebmentionResult(ctx context.Context, m Webmention) error

	// IndieAuth. ConsumeAuthorizationCode marks the code used and returns
	// it; the operation is atomic, so of two concurrent calls exactly one
	// receives the code and the other ErrCodeNotFound.
	SaveAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (AuthorizationCode, error)
	SaveAccessToken(ctx context.Context, token AccessToken) error
	AccessTokenByHash(ctx context.Context, tokenHash string) (AccessToken, error)
	RevokeAccessToken(ctx context.Context, tokenHash string, now time.Time) error
	Client(ctx context.Context, clientID string) (Client, error)
	SaveClient(ctx context.Context, client Client) error
}
