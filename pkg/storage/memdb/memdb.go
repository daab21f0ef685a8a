package memdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"webstead/pkg/storage"
)

// Store is an in-memory implementation of storage.Storage used in
// development mode and in tests.
type Store struct {
	mu       sync.Mutex
	posts    map[uuid.UUID]storage.Post
	mentions map[uuid.UUID]storage.Webmention
	codes    map[string]storage.AuthorizationCode
	tokens   map[string]storage.AccessToken
	clients  map[string]storage.Client
}

func New() *Store {
	return &Store{
		posts:    make(map[uuid.UUID]storage.Post),
		mentions: make(map[uuid.UUID]storage.Webmention),
		codes:    make(map[string]storage.AuthorizationCode),
		tokens:   make(map[string]storage.AccessToken),
		clients:  make(map[string]storage.Client),
	}
}

func (db *Store) AddPost(ctx context.Context, post storage.Post) (uuid.UUID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if post.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return uuid.Nil, err
		}
		post.ID = id
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	db.posts[post.ID] = post

	return post.ID, nil
}

func (db *Store) Post(ctx context.Context, id uuid.UUID) (storage.Post, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	post, ok := db.posts[id]
	if !ok {
		return storage.Post{}, storage.ErrPostNotFound
	}

	return post, nil
}

func (db *Store) PostBySlug(ctx context.Context, slug string) (storage.Post, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, post := range db.posts {
		if post.Slug == slug {
			return post, nil
		}
	}

	return storage.Post{}, storage.ErrPostNotFound
}

func (db *Store) UpdatePost(ctx context.Context, post storage.Post) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.posts[post.ID]; !ok {
		return storage.ErrPostNotFound
	}
	db.posts[post.ID] = post

	return nil
}

func (db *Store) SetPostDeleted(ctx context.Context, id uuid.UUID, deleted bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	post, ok := db.posts[id]
	if !ok {
		return storage.ErrPostNotFound
	}
	post.Deleted = deleted
	db.posts[id] = post

	return nil
}

func (db *Store) UpsertPendingWebmention(ctx context.Context, m storage.Webmention) (storage.Webmention, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	m.ID = storage.WebmentionID(m.Source, m.Target)
	if existing, ok := db.mentions[m.ID]; ok {
		// A reset to pending only rebinds the target and clears the
		// verification state; the prior snapshot survives until the
		// verifier overwrites it, same as the postgres upsert.
		m.CreatedAt = existing.CreatedAt
		m.Kind = existing.Kind
		m.AuthorName = existing.AuthorName
		m.AuthorURL = existing.AuthorURL
		m.AuthorPhoto = existing.AuthorPhoto
		m.Excerpt = existing.Excerpt
		m.Reason = existing.Reason
	} else {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		m.Kind = storage.MentionGeneric
	}
	m.Status = storage.StatusPending
	m.VerifiedAt = nil
	db.mentions[m.ID] = m

	return m, nil
}

func (db *Store) Webmention(ctx context.Context, id uuid.UUID) (storage.Webmention, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, ok := db.mentions[id]
	if !ok {
		return storage.Webmention{}, storage.ErrWebmentionNotFound
	}

	return m, nil
}

func (db *Store) WebmentionsForPost(ctx context.Context, postID uuid.UUID) ([]storage.Webmention, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var mentions []storage.Webmention
	for _, m := range db.mentions {
		if m.TargetPostID == postID {
			mentions = append(mentions, m)
		}
	}

	sort.Slice(mentions, func(i, j int) bool {
		return mentions[i].CreatedAt.Before(mentions[j].CreatedAt)
	})

	return mentions, nil
}

func (db *Store) SaveWebmentionResult(ctx context.Context, m storage.Webmention) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	m.ID = storage.WebmentionID(m.Source, m.Target)
	existing, ok := db.mentions[m.ID]
	if !ok {
		return storage.ErrWebmentionNotFound
	}
	m.CreatedAt = existing.CreatedAt
	db.mentions[m.ID] = m

	return nil
}

func (db *Store) SaveAuthorizationCode(ctx context.Context, code storage.AuthorizationCode) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.codes[code.CodeHash] = code

	return nil
}

func (db *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (storage.AuthorizationCode, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	code, ok := db.codes[codeHash]
	if !ok || code.UsedAt != nil {
		return storage.AuthorizationCode{}, storage.ErrCodeNotFound
	}
	code.UsedAt = &now
	db.codes[codeHash] = code

	return code, nil
}

func (db *Store) SaveAccessToken(ctx context.Context, token storage.AccessToken) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.tokens[token.TokenHash] = token

	return nil
}

func (db *Store) AccessTokenByHash(ctx context.Context, tokenHash string) (storage.AccessToken, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	token, ok := db.tokens[tokenHash]
	if !ok {
		return storage.AccessToken{}, storage.ErrTokenNotFound
	}

	return token, nil
}

func (db *Store) RevokeAccessToken(ctx context.Context, tokenHash string, now time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	token, ok := db.tokens[tokenHash]
	if !ok {
		return nil
	}
	if token.RevokedAt == nil {
		token.RevokedAt = &now
		db.tokens[tokenHash] = token
	}

	return nil
}

func (db *Store) Client(ctx context.Context, clientID string) (storage.Client, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	client, ok := db.clients[clientID]
	if !ok {
		return storage.Client{}, storage.ErrClientNotFound
	}

	return client, nil
}

func (db *Store) SaveClient(ctx context.Context, client storage.Client) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.clients[client.ClientID] = client

	return nil
}
