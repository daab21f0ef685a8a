package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"webstead/pkg/storage"
)

type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, conStr string) (*Store, error) {
	db, err := pgxpool.Connect(ctx, conStr)
	if err != nil {
		return nil, err
	}
	s := Store{
		db: db,
	}

	return &s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close() {
	s.db.Close()
}

const postColumns = `
	id, kind, title, slug, content, author, published_at, deleted,
	tags, attachments, like_of, repost_of, in_reply_to, bookmark_of,
	mf2, created_at
`

// AddPost inserts a post, assigning a fresh UUIDv4 when the ID is nil.
func (s *Store) AddPost(ctx context.Context, post storage.Post) (uuid.UUID, error) {
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

	attachments, err := json.Marshal(post.Attachments)
	if err != nil {
		return uuid.Nil, err
	}
	mf2, err := json.Marshal(post.MF2)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = s.db.QueryRow(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`,
		post.ID,
		post.Kind,
		post.Title,
		post.Slug,
		post.Content,
		post.Author,
		post.PublishedAt,
		post.Deleted,
		post.Tags,
		attachments,
		post.LikeOf,
		post.RepostOf,
		post.InReplyTo,
		post.BookmarkOf,
		mf2,
		post.CreatedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

func (s *Store) Post(ctx context.Context, id uuid.UUID) (storage.Post, error) {
	row := s.db.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	return scanPost(row)
}

func (s *Store) PostBySlug(ctx context.Context, slug string) (storage.Post, error) {
	row := s.db.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE slug = $1`, slug)
	return scanPost(row)
}

func scanPost(row pgx.Row) (storage.Post, error) {
	var (
		post        storage.Post
		attachments []byte
		mf2         []byte
	)
	err := row.Scan(
		&post.ID,
		&post.Kind,
		&post.Title,
		&post.Slug,
		&post.Content,
		&post.Author,
		&post.PublishedAt,
		&post.Deleted,
		&post.Tags,
		&attachments,
		&post.LikeOf,
		&post.RepostOf,
		&post.InReplyTo,
		&post.BookmarkOf,
		&mf2,
		&post.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Post{}, storage.ErrPostNotFound
		}
		return storage.Post{}, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &post.Attachments); err != nil {
			return storage.Post{}, err
		}
	}
	if len(mf2) > 0 {
		if err := json.Unmarshal(mf2, &post.MF2); err != nil {
			return storage.Post{}, err
		}
	}
	post.CreatedAt = post.CreatedAt.UTC()

	return post, nil
}

func (s *Store) UpdatePost(ctx context.Context, post storage.Post) error {
	attachments, err := json.Marshal(post.Attachments)
	if err != nil {
		return err
	}
	mf2, err := json.Marshal(post.MF2)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE posts SET
			kind = $2, title = $3, slug = $4, content = $5, author = $6,
			published_at = $7, deleted = $8, tags = $9, attachments = $10,
			like_of = $11, repost_of = $12, in_reply_to = $13,
			bookmark_of = $14, mf2 = $15
		WHERE id = $1
	`,
		post.ID,
		post.Kind,
		post.Title,
		post.Slug,
		post.Content,
		post.Author,
		post.PublishedAt,
		post.Deleted,
		post.Tags,
		attachments,
		post.LikeOf,
		post.RepostOf,
		post.InReplyTo,
		post.BookmarkOf,
		mf2,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrPostNotFound
	}

	return nil
}

func (s *Store) SetPostDeleted(ctx context.Context, id uuid.UUID, deleted bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE posts SET deleted = $2 WHERE id = $1`, id, deleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrPostNotFound
	}

	return nil
}

const mentionColumns = `
	id, source, target, target_post_id, status, kind,
	author_name, author_url, author_photo, excerpt, reason,
	created_at, verified_at
`

// UpsertPendingWebmention creates the (source, target) row in pending
// status, or resets the existing row to pending so the pair is re-verified.
func (s *Store) UpsertPendingWebmention(ctx context.Context, m storage.Webmention) (storage.Webmention, error) {
	m.ID = storage.WebmentionID(m.Source, m.Target)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO webmentions (id, source, target, target_post_id, status, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET
			target_post_id = EXCLUDED.target_post_id,
			status = EXCLUDED.status,
			verified_at = NULL
		RETURNING `+mentionColumns+`
	`,
		m.ID,
		m.Source,
		m.Target,
		m.TargetPostID,
		storage.StatusPending,
		storage.MentionGeneric,
		m.CreatedAt,
	)

	return scanWebmention(row)
}

func (s *Store) Webmention(ctx context.Context, id uuid.UUID) (storage.Webmention, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mentionColumns+` FROM webmentions WHERE id = $1`, id)
	return scanWebmention(row)
}

func (s *Store) WebmentionsForPost(ctx context.Context, postID uuid.UUID) ([]storage.Webmention, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+mentionColumns+`
		FROM webmentions
		WHERE target_post_id = $1
		ORDER BY created_at
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mentions []storage.Webmention
	for rows.Next() {
		m, err := scanWebmention(rows)
		if err != nil {
			return nil, err
		}
		mentions = append(mentions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return mentions, nil
}

// SaveWebmentionResult overwrites the verification snapshot of an existing
// row, so re-running verification never duplicates the pair.
func (s *Store) SaveWebmentionResult(ctx context.Context, m storage.Webmention) error {
	m.ID = storage.WebmentionID(m.Source, m.Target)

	tag, err := s.db.Exec(ctx, `
		UPDATE webmentions SET
			status = $2, kind = $3, author_name = $4, author_url = $5,
			author_photo = $6, excerpt = $7, reason = $8, verified_at = $9
		WHERE id = $1
	`,
		m.ID,
		m.Status,
		m.Kind,
		m.AuthorName,
		m.AuthorURL,
		m.AuthorPhoto,
		m.Excerpt,
		m.Reason,
		m.VerifiedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrWebmentionNotFound
	}

	return nil
}

func scanWebmention(row pgx.Row) (storage.Webmention, error) {
	var m storage.Webmention
	err := row.Scan(
		&m.ID,
		&m.Source,
		&m.Target,
		&m.TargetPostID,
		&m.Status,
		&m.Kind,
		&m.AuthorName,
		&m.AuthorURL,
		&m.AuthorPhoto,
		&m.Excerpt,
		&m.Reason,
		&m.CreatedAt,
		&m.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Webmention{}, storage.ErrWebmentionNotFound
		}
		return storage.Webmention{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()

	return m, nil
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code storage.AuthorizationCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO auth_codes (
			code_hash, client_id, redirect_uri, me, scopes,
			code_challenge, code_challenge_method, created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		code.CodeHash,
		code.ClientID,
		code.RedirectURI,
		code.Me,
		code.Scopes,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.CreatedAt,
		code.ExpiresAt,
	)

	return err
}

// ConsumeAuthorizationCode marks the code used in a single compare-and-set
// statement. Of two concurrent calls for the same hash exactly one gets the
// row back; the other sees ErrCodeNotFound.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (storage.AuthorizationCode, error) {
	var code storage.AuthorizationCode
	err := s.db.QueryRow(ctx, `
		UPDATE auth_codes SET used_at = $2
		WHERE code_hash = $1 AND used_at IS NULL
		RETURNING code_hash, client_id, redirect_uri, me, scopes,
			code_challenge, code_challenge_method, created_at, expires_at, used_at
	`, codeHash, now).Scan(
		&code.CodeHash,
		&code.ClientID,
		&code.RedirectURI,
		&code.Me,
		&code.Scopes,
		&code.CodeChallenge,
		&code.CodeChallengeMethod,
		&code.CreatedAt,
		&code.ExpiresAt,
		&code.UsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.AuthorizationCode{}, storage.ErrCodeNotFound
		}
		return storage.AuthorizationCode{}, err
	}

	return code, nil
}

func (s *Store) SaveAccessToken(ctx context.Context, token storage.AccessToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO access_tokens (token_hash, client_id, me, scopes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		token.TokenHash,
		token.ClientID,
		token.Me,
		token.Scopes,
		token.CreatedAt,
		token.ExpiresAt,
	)

	return err
}

func (s *Store) AccessTokenByHash(ctx context.Context, tokenHash string) (storage.AccessToken, error) {
	var token storage.AccessToken
	err := s.db.QueryRow(ctx, `
		SELECT token_hash, client_id, me, scopes, created_at, expires_at, revoked_at
		FROM access_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&token.TokenHash,
		&token.ClientID,
		&token.Me,
		&token.Scopes,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.AccessToken{}, storage.ErrTokenNotFound
		}
		return storage.AccessToken{}, err
	}

	return token, nil
}

func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE access_tokens SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash, now)

	return err
}

func (s *Store) Client(ctx context.Context, clientID string) (storage.Client, error) {
	var (
		client       storage.Client
		redirectURIs []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT client_id, name, logo_url, redirect_uris, last_fetched_at, fetch_error
		FROM indieauth_clients
		WHERE client_id = $1
	`, clientID).Scan(
		&client.ClientID,
		&client.Name,
		&client.LogoURL,
		&redirectURIs,
		&client.LastFetchedAt,
		&client.FetchError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Client{}, storage.ErrClientNotFound
		}
		return storage.Client{}, err
	}
	if len(redirectURIs) > 0 {
		if err := json.Unmarshal(redirectURIs, &client.RedirectURIs); err != nil {
			return storage.Client{}, err
		}
	}

	return client, nil
}

func (s *Store) SaveClient(ctx context.Context, client storage.Client) error {
	redirectURIs, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO indieauth_clients (client_id, name, logo_url, redirect_uris, last_fetched_at, fetch_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			logo_url = EXCLUDED.logo_url,
			redirect_uris = EXCLUDED.redirect_uris,
			last_fetched_at = EXCLUDED.last_fetched_at,
			fetch_error = EXCLUDED.fetch_error
	`,
		client.ClientID,
		client.Name,
		client.LogoURL,
		redirectURIs,
		client.LastFetchedAt,
		client.FetchError,
	)

	return err
}
