package memdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"webstead/pkg/storage"
)

func TestStore_PostLifecycle(t *testing.T) {
	db := New()
	ctx := context.Background()

	now := time.Now().UTC()
	id, err := db.AddPost(ctx, storage.Post{
		Kind:        storage.KindNote,
		Slug:        "first-note",
		Content:     "hello",
		PublishedAt: &now,
	})
	if err != nil {
		t.Fatalf("unexpected error while adding post: %v", err)
	}

	post, err := db.Post(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error while getting post: %v", err)
	}
	if post.Slug != "first-note" {
		t.Errorf("want slug %q, got %q", "first-note", post.Slug)
	}
	if !post.Published() {
		t.Error("want post to be published")
	}

	bySlug, err := db.PostBySlug(ctx, "first-note")
	if err != nil {
		t.Fatalf("unexpected error while getting post by slug: %v", err)
	}
	if bySlug.ID != id {
		t.Errorf("want post ID %v, got %v", id, bySlug.ID)
	}

	if err := db.SetPostDeleted(ctx, id, true); err != nil {
		t.Fatalf("unexpected error while deleting post: %v", err)
	}
	post, err = db.Post(ctx, id)
	if err != nil {
		t.Fatalf("tombstoned post must stay retrievable, got error: %v", err)
	}
	if !post.Deleted || post.Published() {
		t.Error("want post tombstoned and unpublished")
	}

	// Deleting twice is a no-op, not an error.
	if err := db.SetPostDeleted(ctx, id, true); err != nil {
		t.Errorf("unexpected error on repeated delete: %v", err)
	}

	if _, err := db.PostBySlug(ctx, "no-such-slug"); !errors.Is(err, storage.ErrPostNotFound) {
		t.Errorf("want ErrPostNotFound, got %v", err)
	}
}

func TestStore_UpsertPendingWebmention(t *testing.T) {
	db := New()
	ctx := context.Background()

	postID, err := db.AddPost(ctx, storage.Post{Kind: storage.KindNote, Slug: "n"})
	if err != nil {
		t.Fatalf("unexpected error while adding post: %v", err)
	}

	m := storage.Webmention{
		Source:       "https://blog.example/a",
		Target:       "https://me.example/posts/n",
		TargetPostID: postID,
	}
	first, err := db.UpsertPendingWebmention(ctx, m)
	if err != nil {
		t.Fatalf("unexpected error while upserting: %v", err)
	}
	if first.Status != storage.StatusPending {
		t.Errorf("want pending status, got %v", first.Status)
	}
	if first.Kind != storage.MentionGeneric {
		t.Errorf("want generic kind on first upsert, got %v", first.Kind)
	}

	now := time.Now().UTC()
	verified := first
	verified.Status = storage.StatusVerified
	verified.Kind = storage.MentionLike
	verified.AuthorName = "Ann Author"
	verified.AuthorURL = "https://blog.example/"
	verified.Excerpt = "a kind word"
	verified.VerifiedAt = &now
	if err := db.SaveWebmentionResult(ctx, verified); err != nil {
		t.Fatalf("unexpected error while saving result: %v", err)
	}

	second, err := db.UpsertPendingWebmention(ctx, m)
	if err != nil {
		t.Fatalf("unexpected error while re-upserting: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("want stable ID for the pair, got %v then %v", first.ID, second.ID)
	}
	if second.Status != storage.StatusPending || second.VerifiedAt != nil {
		t.Error("want verification state reset on re-upsert")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("want original created_at preserved on re-upsert")
	}
	if second.Kind != storage.MentionLike {
		t.Errorf("want prior kind preserved on re-upsert, got %v", second.Kind)
	}
	if second.AuthorName != "Ann Author" || second.AuthorURL != "https://blog.example/" {
		t.Errorf("want prior author snapshot preserved on re-upsert, got %q %q", second.AuthorName, second.AuthorURL)
	}
	if second.Excerpt != "a kind word" {
		t.Errorf("want prior excerpt preserved on re-upsert, got %q", second.Excerpt)
	}

	mentions, err := db.WebmentionsForPost(ctx, postID)
	if err != nil {
		t.Fatalf("unexpected error while listing mentions: %v", err)
	}
	if len(mentions) != 1 {
		t.Errorf("want 1 mention, got %d", len(mentions))
	}
}

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	db := New()
	ctx := context.Background()

	now := time.Now().UTC()
	code := storage.AuthorizationCode{
		CodeHash:  "hash-1",
		ClientID:  "https://app.example/",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := db.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("unexpected error while saving code: %v", err)
	}

	got, err := db.ConsumeAuthorizationCode(ctx, "hash-1", now)
	if err != nil {
		t.Fatalf("unexpected error while consuming code: %v", err)
	}
	if got.UsedAt == nil {
		t.Error("want used_at set on consume")
	}

	if _, err := db.ConsumeAuthorizationCode(ctx, "hash-1", now); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("want ErrCodeNotFound on second consume, got %v", err)
	}
	if _, err := db.ConsumeAuthorizationCode(ctx, "no-such-hash", now); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("want ErrCodeNotFound for unknown hash, got %v", err)
	}
}

func TestStore_ConsumeAuthorizationCodeConcurrent(t *testing.T) {
	db := New()
	ctx := context.Background()

	now := time.Now().UTC()
	err := db.SaveAuthorizationCode(ctx, storage.AuthorizationCode{
		CodeHash:  "hash-race",
		ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("unexpected error while saving code: %v", err)
	}

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if _, err := db.ConsumeAuthorizationCode(ctx, "hash-race", now); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("want exactly 1 successful consume, got %d", successes)
	}
}

func TestStore_RevokeAccessToken(t *testing.T) {
	db := New()
	ctx := context.Background()

	now := time.Now().UTC()
	err := db.SaveAccessToken(ctx, storage.AccessToken{
		TokenHash: "tok-1",
		Me:        "https://me.example/",
		Scopes:    []string{"create"},
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("unexpected error while saving token: %v", err)
	}

	if err := db.RevokeAccessToken(ctx, "tok-1", now); err != nil {
		t.Fatalf("unexpected error while revoking: %v", err)
	}
	token, err := db.AccessTokenByHash(ctx, "tok-1")
	if err != nil {
		t.Fatalf("unexpected error while getting token: %v", err)
	}
	if token.RevokedAt == nil {
		t.Error("want revoked_at set")
	}

	// A second revocation must not move the timestamp.
	later := now.Add(time.Hour)
	if err := db.RevokeAccessToken(ctx, "tok-1", later); err != nil {
		t.Fatalf("unexpected error on repeated revoke: %v", err)
	}
	token, _ = db.AccessTokenByHash(ctx, "tok-1")
	if !token.RevokedAt.Equal(now) {
		t.Error("want original revoked_at preserved")
	}

	// Unknown tokens are a silent no-op.
	if err := db.RevokeAccessToken(ctx, "no-such-token", now); err != nil {
		t.Errorf("unexpected error while revoking unknown token: %v", err)
	}
}
