package storage

import (
	"testing"
	"time"
)

func TestWebmentionIDDeterministic(t *testing.T) {
	a := WebmentionID("https://blog.example/a", "https://me.example/posts/x")
	b := WebmentionID("https://blog.example/a", "https://me.example/posts/x")
	if a != b {
		t.Errorf("want stable ID for the same pair, got %v and %v", a, b)
	}

	c := WebmentionID("https://blog.example/b", "https://me.example/posts/x")
	if a == c {
		t.Error("want different IDs for different sources")
	}

	// Concatenation alone must not collide: ("ab","c") vs ("a","bc").
	d := WebmentionID("ab", "c")
	e := WebmentionID("a", "bc")
	if d == e {
		t.Error("want separator between source and target in the ID input")
	}
}

func TestPost_Published(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name string
		post Post
		want bool
	}{
		{name: "live post", post: Post{PublishedAt: &now}, want: true},
		{name: "draft", post: Post{}, want: false},
		{name: "tombstoned", post: Post{PublishedAt: &now, Deleted: true}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.post.Published(); got != tt.want {
				t.Errorf("want %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPost_InteractionTarget(t *testing.T) {
	tests := []struct {
		name   string
		post   Post
		want   string
		wantOK bool
	}{
		{name: "like", post: Post{Kind: KindLike, LikeOf: "https://a.example/1"}, want: "https://a.example/1", wantOK: true},
		{name: "repost", post: Post{Kind: KindRepost, RepostOf: "https://a.example/2"}, want: "https://a.example/2", wantOK: true},
		{name: "reply", post: Post{Kind: KindReply, InReplyTo: "https://a.example/3"}, want: "https://a.example/3", wantOK: true},
		{name: "bookmark", post: Post{Kind: KindBookmark, BookmarkOf: "https://a.example/4"}, want: "https://a.example/4", wantOK: true},
		{name: "note has none", post: Post{Kind: KindNote}},
		{name: "like without URL", post: Post{Kind: KindLike}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.post.InteractionTarget()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("want (%q, %v), got (%q, %v)", tt.want, tt.wantOK, got, ok)
			}
		})
	}
}

func TestPost_KindAccessors(t *testing.T) {
	t.Run("checkin", func(t *testing.T) {
		post := Post{
			Kind: KindCheckin,
			MF2: map[string][]any{
				"checkin": {map[string]any{"name": "The Park", "latitude": 55.75, "longitude": 37.61}},
			},
		}
		c, ok := post.Checkin()
		if !ok {
			t.Fatal("want checkin payload")
		}
		if c.Name != "The Park" || c.Latitude != 55.75 || c.Longitude != 37.61 {
			t.Errorf("unexpected payload: %+v", c)
		}

		// Wrong kind never exposes a payload.
		post.Kind = KindNote
		if _, ok := post.Checkin(); ok {
			t.Error("want no checkin payload for a note")
		}
	})

	t.Run("event", func(t *testing.T) {
		post := Post{
			Kind: KindEvent,
			MF2: map[string][]any{
				"name":  {"Meetup"},
				"start": {"2026-09-01T10:00:00Z"},
				"end":   {"2026-09-01T12:00:00Z"},
			},
		}
		e, ok := post.Event()
		if !ok {
			t.Fatal("want event payload")
		}
		if e.Name != "Meetup" || e.Start == nil || e.End == nil {
			t.Errorf("unexpected payload: %+v", e)
		}

		// An event without a start is not usable.
		delete(post.MF2, "start")
		if _, ok := post.Event(); ok {
			t.Error("want no event payload without start")
		}
	})

	t.Run("rsvp", func(t *testing.T) {
		post := Post{Kind: KindRSVP, MF2: map[string][]any{"rsvp": {"maybe"}}}
		v, ok := post.RSVP()
		if !ok || v != "maybe" {
			t.Errorf("want (maybe, true), got (%q, %v)", v, ok)
		}
	})
}

func TestAccessToken_HasScope(t *testing.T) {
	token := AccessToken{Scopes: []string{"create", "update"}}
	if !token.HasScope("create") {
		t.Error("want create scope present")
	}
	if token.HasScope("delete") {
		t.Error("want delete scope absent")
	}
}
