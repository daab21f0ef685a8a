// Package indieauth implements the IndieAuth authority: authorization code
// issue and single-use exchange, PKCE, and bearer token validation.
// Codes and tokens are stored as SHA-256 hashes, never in plaintext.
package indieauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"webstead/pkg/storage"
)

var (
	ErrInvalidRequest       = fmt.Errorf("invalid_request")
	ErrInvalidClient        = fmt.Errorf("invalid client_id")
	ErrRedirectURIMismatch  = fmt.Errorf("redirect_uri mismatch")
	ErrInvalidMe            = fmt.Errorf("invalid or unauthorized me URL")
	ErrUnsupportedChallenge = fmt.Errorf("unsupported code_challenge_method")
	ErrInvalidGrant         = fmt.Errorf("invalid_grant")
	ErrInvalidToken         = fmt.Errorf("invalid_token")
)

// Scopes the authority hands out and the gateway enforces.
var SupportedScopes = []string{"create", "update", "delete", "undelete", "read", "media"}

const (
	defaultCodeTTL  = 10 * time.Minute
	defaultTokenTTL = 30 * 24 * time.Hour

	tokenBytes = 32
)

type Config struct {
	// Issuer is the site base URL, no trailing slash.
	Issuer string
	// AllowedMeURLs are the identity URLs this site will authenticate.
	// The issuer itself is always allowed.
	AllowedMeURLs []string
	CodeTTL       time.Duration
	TokenTTL      time.Duration
	FetchTimeout  time.Duration
	// AllowLoopbackClients permits localhost client_id URLs; development only.
	AllowLoopbackClients bool
}

type Authority struct {
	db        storage.Storage
	conf      Config
	allowedMe map[string]struct{}
	client    *http.Client
}

func New(db storage.Storage, conf Config) *Authority {
	if conf.CodeTTL <= 0 {
		conf.CodeTTL = defaultCodeTTL
	}
	if conf.TokenTTL <= 0 {
		conf.TokenTTL = defaultTokenTTL
	}
	if conf.FetchTimeout <= 0 {
		conf.FetchTimeout = 10 * time.Second
	}
	conf.Issuer = strings.TrimSuffix(conf.Issuer, "/")

	a := Authority{
		db:        db,
		conf:      conf,
		allowedMe: make(map[string]struct{}),
	}
	if me, ok := NormalizeURL(conf.Issuer); ok {
		a.allowedMe[me] = struct{}{}
	}
	for _, raw := range conf.AllowedMeURLs {
		if me, ok := NormalizeURL(raw); ok {
			a.allowedMe[me] = struct{}{}
		}
	}
	a.client = &http.Client{
		Timeout:       conf.FetchTimeout,
		CheckRedirect: a.checkClientRedirect,
	}

	return &a
}

// AuthorizeRequest is the validated query of the authorize endpoint.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Me                  string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorize checks an authorization request against the client's
// registered metadata and this site's identity set. It returns the client
// record for display on the consent screen.
func (a *Authority) ValidateAuthorize(ctx context.Context, req AuthorizeRequest) (storage.Client, error) {
	if req.ResponseType != "" && req.ResponseType != "code" {
		return storage.Client{}, fmt.Errorf("%w: unsupported response_type", ErrInvalidRequest)
	}

	client, err := a.ResolveClient(ctx, req.ClientID)
	if err != nil {
		return storage.Client{}, err
	}

	if !a.redirectURIAllowed(req.ClientID, req.RedirectURI, client) {
		return storage.Client{}, ErrRedirectURIMismatch
	}

	me, ok := NormalizeURL(req.Me)
	if !ok {
		return storage.Client{}, ErrInvalidMe
	}
	if _, allowed := a.allowedMe[me]; !allowed {
		return storage.Client{}, ErrInvalidMe
	}

	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return storage.Client{}, ErrUnsupportedChallenge
	}

	return client, nil
}

// Approve mints a single-use authorization code for an already-validated
// request and returns the redirect URL carrying code, state and iss.
func (a *Authority) Approve(ctx context.Context, req AuthorizeRequest) (string, error) {
	code, err := newToken()
	if err != nil {
		return "", err
	}

	me, _ := NormalizeURL(req.Me)
	now := time.Now().UTC()
	record := storage.AuthorizationCode{
		CodeHash:            HashToken(code),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Me:                  me,
		Scopes:              ParseScopes(req.Scope),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.conf.CodeTTL),
	}
	if err := a.db.SaveAuthorizationCode(ctx, record); err != nil {
		return "", err
	}

	log.Debugf("[indieauth] code issued for client %s, me %s", req.ClientID, me)

	return redirectWithParams(req.RedirectURI, map[string]string{
		"code":  code,
		"state": req.State,
		"iss":   a.conf.Issuer,
	}), nil
}

// Deny returns the redirect URL for a declined authorization.
func (a *Authority) Deny(req AuthorizeRequest) string {
	return redirectWithParams(req.RedirectURI, map[string]string{
		"error": "access_denied",
		"state": req.State,
	})
}

// ExchangeRequest is the body of the token endpoint.
type ExchangeRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// TokenResponse is the successful token-endpoint payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	Me          string `json:"me"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// Exchange redeems an authorization code for an access token. The code is
// consumed atomically: of two concurrent exchanges exactly one succeeds and
// the other fails with ErrInvalidGrant. Any mismatch of client_id,
// redirect_uri or PKCE verifier, and any expired or already-used code, is
// reported uniformly as ErrInvalidGrant.
func (a *Authority) Exchange(ctx context.Context, req ExchangeRequest) (TokenResponse, error) {
	if req.GrantType != "" && req.GrantType != "authorization_code" {
		return TokenResponse{}, fmt.Errorf("%w: unsupported grant_type", ErrInvalidRequest)
	}
	if req.Code == "" || req.ClientID == "" || req.RedirectURI == "" {
		return TokenResponse{}, fmt.Errorf("%w: missing code, client_id or redirect_uri", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	code, err := a.db.ConsumeAuthorizationCode(ctx, HashToken(req.Code), now)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			return TokenResponse{}, ErrInvalidGrant
		}
		return TokenResponse{}, err
	}

	if now.After(code.ExpiresAt) {
		return TokenResponse{}, ErrInvalidGrant
	}
	if code.ClientID != req.ClientID || code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, ErrInvalidGrant
	}
	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" || !VerifyS256(req.CodeVerifier, code.CodeChallenge) {
			return TokenResponse{}, ErrInvalidGrant
		}
	}

	token, err := newToken()
	if err != nil {
		return TokenResponse{}, err
	}
	expiresAt := now.Add(a.conf.TokenTTL)
	record := storage.AccessToken{
		TokenHash: HashToken(token),
		ClientID:  code.ClientID,
		Me:        code.Me,
		Scopes:    code.Scopes,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}
	if err := a.db.SaveAccessToken(ctx, record); err != nil {
		return TokenResponse{}, err
	}

	log.Debugf("[indieauth] token issued for client %s, me %s", code.ClientID, code.Me)

	return TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		Scope:       strings.Join(code.Scopes, " "),
		Me:          code.Me,
		ExpiresIn:   int(a.conf.TokenTTL.Seconds()),
	}, nil
}

// VerifyToken validates a bearer token and returns the bound identity and
// scope set. Revoked and expired tokens fail with ErrInvalidToken.
func (a *Authority) VerifyToken(ctx context.Context, token string) (storage.AccessToken, error) {
	if token == "" {
		return storage.AccessToken{}, ErrInvalidToken
	}

	record, err := a.db.AccessTokenByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return storage.AccessToken{}, ErrInvalidToken
		}
		return storage.AccessToken{}, err
	}

	if record.RevokedAt != nil {
		return storage.AccessToken{}, ErrInvalidToken
	}
	if record.ExpiresAt != nil && !time.Now().UTC().Before(*record.ExpiresAt) {
		return storage.AccessToken{}, ErrInvalidToken
	}

	return record, nil
}

// Revoke marks a token revoked. Unknown tokens are a no-op so revocation
// never leaks token existence.
func (a *Authority) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return a.db.RevokeAccessToken(ctx, HashToken(token), time.Now().UTC())
}

// HashToken returns the hex SHA-256 of a code or token value. Inputs are
// high-entropy random strings, so an unkeyed hash is sufficient.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// VerifyS256 checks a PKCE verifier against its stored S256 challenge.
func VerifyS256(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ParseScopes splits a space-separated scope string.
func ParseScopes(scope string) []string {
	return strings.Fields(scope)
}

// NormalizeURL canonicalizes an identity URL: https assumed when the scheme
// is missing, fragments dropped, the path defaulted to "/". URLs with
// credentials are refused.
func NormalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return "", false
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" || u.User != nil {
		return "", false
	}

	u.Fragment = ""
	u.RawQuery = ""
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), true
}

// redirectURIAllowed applies the registered-or-same-origin rule: a client
// with fetched redirect_uris must list the URI exactly; otherwise the URI
// must share the client_id's origin and stay under its path prefix.
func (a *Authority) redirectURIAllowed(clientID, redirectURI string, client storage.Client) bool {
	if redirectURI == "" {
		return false
	}
	target, err := url.Parse(redirectURI)
	if err != nil || target.Host == "" || target.Fragment != "" {
		return false
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return false
	}

	if len(client.RedirectURIs) > 0 {
		for _, registered := range client.RedirectURIs {
			if registered == redirectURI {
				return true
			}
		}
		return false
	}

	origin, err := url.Parse(clientID)
	if err != nil {
		return false
	}
	if origin.Scheme != target.Scheme || origin.Host != target.Host {
		return false
	}
	if origin.Path != "" && origin.Path != "/" {
		if target.Path == origin.Path {
			return true
		}
		boundary := strings.TrimSuffix(origin.Path, "/") + "/"
		return strings.HasPrefix(target.Path, boundary)
	}

	return true
}

func redirectWithParams(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	query := u.Query()
	for key, value := range params {
		if value == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}
