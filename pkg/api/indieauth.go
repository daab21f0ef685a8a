package api

import (
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"webstead/pkg/indieauth"
)

// metadataHandler publishes the IndieAuth server metadata document so
// clients can discover the endpoints from the issuer URL alone.
func (api *API) metadataHandler(w http.ResponseWriter, r *http.Request) {
	base := api.conf.SiteURL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                           base,
		"authorization_endpoint":           base + "/indieauth/authorize",
		"token_endpoint":                   base + "/indieauth/token",
		"introspection_endpoint":           base + "/indieauth/introspect",
		"revocation_endpoint":              base + "/indieauth/token",
		"response_types_supported":         []string{"code"},
		"grant_types_supported":            []string{"authorization_code"},
		"code_challenge_methods_supported": []string{"S256"},
		"scopes_supported":                 indieauth.SupportedScopes,
	})
}

func authorizeRequestFromValues(get func(string) string) indieauth.AuthorizeRequest {
	return indieauth.AuthorizeRequest{
		ResponseType:        get("response_type"),
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		Me:                  get("me"),
		Scope:               get("scope"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
	}
}

// authorizeGetHandler validates an authorization request and returns the
// consent context: the fetched client metadata plus the requested grant.
// Validation failures never redirect; the error stays on this endpoint.
func (api *API) authorizeGetHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	req := authorizeRequestFromValues(r.URL.Query().Get)
	client, err := api.Auth.ValidateAuthorize(r.Context(), req)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauthErrorCode(err))
		log.Debugf("[authorizeGetHandler][%s] rejected request from client %s: %v", sID, req.ClientID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"client": map[string]string{
			"client_id":    client.ClientID,
			"name":         client.Name,
			"logo":         client.LogoURL,
			"redirect_uri": req.RedirectURI,
		},
		"me":     req.Me,
		"scopes": indieauth.ParseScopes(req.Scope),
		"state":  req.State,
	})
	log.Debugf("[authorizeGetHandler][%s] consent context sent for client %s", sID, req.ClientID)
}

// authorizePostHandler finalizes the consent decision. Approval mints a
// single-use code and redirects back to the client; denial redirects with
// access_denied. The request is re-validated so a forged form cannot
// redirect a code to an unregistered URI.
func (api *API) authorizePostHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[authorizePostHandler][%s] failed to parse form: %v", sID, err)
		return
	}

	req := authorizeRequestFromValues(r.PostForm.Get)
	if _, err := api.Auth.ValidateAuthorize(r.Context(), req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauthErrorCode(err))
		log.Debugf("[authorizePostHandler][%s] rejected request from client %s: %v", sID, req.ClientID, err)
		return
	}

	if r.PostForm.Get("action") != "approve" {
		http.Redirect(w, r, api.Auth.Deny(req), http.StatusFound)
		log.Debugf("[authorizePostHandler][%s] denied grant for client %s", sID, req.ClientID)
		return
	}

	location, err := api.Auth.Approve(r.Context(), req)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		log.Errorf("[authorizePostHandler][%s] Approve() returned error: %v", sID, err)
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
	log.Debugf("[authorizePostHandler][%s] code issued for client %s", sID, req.ClientID)
}

// tokenHandler redeems authorization codes for bearer tokens. With
// action=revoke it instead revokes the presented token; revocation always
// answers 200 so callers cannot probe for live tokens.
func (api *API) tokenHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		log.Debugf("[tokenHandler][%s] failed to parse form: %v", sID, err)
		return
	}

	if r.PostForm.Get("action") == "revoke" {
		if err := api.Auth.Revoke(r.Context(), r.PostForm.Get("token")); err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error")
			log.Errorf("[tokenHandler][%s] Revoke() returned error: %v", sID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
		log.Debugf("[tokenHandler][%s] token revoked", sID)
		return
	}

	resp, err := api.Auth.Exchange(r.Context(), indieauth.ExchangeRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		ClientID:     r.PostForm.Get("client_id"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	})
	if err != nil {
		switch {
		case errors.Is(err, indieauth.ErrInvalidGrant):
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			log.Debugf("[tokenHandler][%s] exchange rejected: %v", sID, err)
		case errors.Is(err, indieauth.ErrInvalidRequest):
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			log.Debugf("[tokenHandler][%s] exchange rejected: %v", sID, err)
		default:
			writeOAuthError(w, http.StatusInternalServerError, "server_error")
			log.Errorf("[tokenHandler][%s] Exchange() returned error: %v", sID, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
	log.Debugf("[tokenHandler][%s] token issued to client %s", sID, resp.Me)
}

// introspectHandler reports whether a token is active and, when it is, the
// identity and scopes bound to it. The token comes from the token form
// field or, for GET requests, the Authorization header.
func (api *API) introspectHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	token := bearerToken(r)
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			log.Debugf("[introspectHandler][%s] failed to parse form: %v", sID, err)
			return
		}
		if v := r.PostForm.Get("token"); v != "" {
			token = v
		}
	}

	record, err := api.Auth.VerifyToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, indieauth.ErrInvalidToken) {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			log.Debugf("[introspectHandler][%s] inactive token presented", sID)
			return
		}
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		log.Errorf("[introspectHandler][%s] VerifyToken() returned error: %v", sID, err)
		return
	}

	payload := map[string]any{
		"active":    true,
		"me":        record.Me,
		"client_id": record.ClientID,
		"scope":     strings.Join(record.Scopes, " "),
		"iat":       record.CreatedAt.Unix(),
	}
	if record.ExpiresAt != nil {
		payload["exp"] = record.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, payload)
	log.Debugf("[introspectHandler][%s] active token for %s", sID, record.Me)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func oauthErrorCode(err error) string {
	switch {
	case errors.Is(err, indieauth.ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, indieauth.ErrInvalidGrant):
		return "invalid_grant"
	default:
		return "invalid_request"
	}
}
