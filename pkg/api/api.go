package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"webstead/pkg/indieauth"
	"webstead/pkg/storage"
	"webstead/pkg/webmention"
)

type Config struct {
	ServiceName string
	// SiteURL is the public base URL of this site, no trailing slash.
	SiteURL string
	// MentionRateLimit and MicropubRateLimit are requests per minute,
	// per source host and per token respectively. Zero disables.
	MentionRateLimit  int
	MicropubRateLimit int
}

type API struct {
	conf     Config
	DB       storage.Storage
	Auth     *indieauth.Authority
	Receiver *webmention.Receiver
	Router   *mux.Router

	kw              *kafka.Writer
	mentionLimiter  *rateLimiter
	micropubLimiter *rateLimiter
}

func New(conf Config, db storage.Storage, auth *indieauth.Authority, receiver *webmention.Receiver, kafkaWriter *kafka.Writer) *API {
	api := API{
		conf:            conf,
		DB:              db,
		Auth:            auth,
		Receiver:        receiver,
		Router:          mux.NewRouter(),
		kw:              kafkaWriter,
		mentionLimiter:  newRateLimiter(conf.MentionRateLimit),
		micropubLimiter: newRateLimiter(conf.MicropubRateLimit),
	}
	api.endpoints()

	return &api
}

func (api *API) endpoints() {
	api.Router.Use(api.requestIDMiddleware)
	api.Router.Use(api.headerMiddleware)

	if api.kw != nil {
		api.Router.Use(api.loggingMiddleware(api.kw))
	}

	api.Router.HandleFunc("/webmention", api.webmentionHandler).Methods(http.MethodPost)
	api.Router.HandleFunc("/webmentions/{id:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$}", api.webmentionStatusHandler).Methods(http.MethodGet)

	api.Router.HandleFunc("/indieauth/metadata", api.metadataHandler).Methods(http.MethodGet)
	api.Router.HandleFunc("/indieauth/authorize", api.authorizeGetHandler).Methods(http.MethodGet)
	api.Router.HandleFunc("/indieauth/authorize", api.authorizePostHandler).Methods(http.MethodPost)
	api.Router.HandleFunc("/indieauth/token", api.tokenHandler).Methods(http.MethodPost)
	api.Router.HandleFunc("/indieauth/introspect", api.introspectHandler).Methods(http.MethodGet, http.MethodPost)

	api.Router.HandleFunc("/micropub", api.micropubHandler).Methods(http.MethodPost)
	api.Router.HandleFunc("/micropub", api.micropubQueryHandler).Methods(http.MethodGet)

	api.Router.HandleFunc("/posts/{id:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$}", api.postDetailedHandler).Methods(http.MethodGet)
}

// postDetailedHandler returns a post by ID, tombstoned posts included so
// deletions stay observable to authenticated tooling.
func (api *API) postDetailedHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	idStr := mux.Vars(r)["id"]
	id, err := uuid.FromString(idStr)
	if err != nil {
		http.Error(w, "Invalid UUID parameter", http.StatusBadRequest)
		log.Debugf("[postDetailedHandler][%s] failed to parse post ID: %v", sID, err)
		return
	}

	post, err := api.DB.Post(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrPostNotFound) {
			http.Error(w, "Post not found", http.StatusNotFound)
			log.Debugf("[postDetailedHandler][%s] failed to retrieve post: %v", sID, err)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[postDetailedHandler][%s] post ID:%v: %v", sID, id, err)
		return
	}

	if err := json.NewEncoder(w).Encode(post); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[postDetailedHandler][%s] failed to encode post data: %v", sID, err)
		return
	}

	log.Debugf("[postDetailedHandler][%s] response sent to: %v", sID, r.RemoteAddr)
}

// GetRequestID extracts the request ID from the context.
// It returns the request ID as a string if present, otherwise returns an empty string.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// shorten truncates a string to 6 characters if it is longer than 6, appends '...' at the end,
// otherwise it returns the string unchanged.
func shorten(s string) string {
	if len(s) > 6 {
		return s[:6] + "..."
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("[api] failed to encode response payload: %v", err)
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
