package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"webstead/pkg/storage"
	"webstead/pkg/webmention"
)

// webmentionHandler accepts a Webmention notification. A valid notification
// is answered 202 immediately; verification runs asynchronously and its
// outcome is never reported back to the sender.
func (api *API) webmentionHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body", http.StatusBadRequest)
		log.Debugf("[webmentionHandler][%s] failed to parse form: %v", sID, err)
		return
	}

	source := r.PostFormValue("source")
	target := r.PostFormValue("target")
	if source == "" || target == "" {
		http.Error(w, "Missing source or target", http.StatusBadRequest)
		log.Debugf("[webmentionHandler][%s] missing source or target from %v", sID, r.RemoteAddr)
		return
	}

	if ok, retryAfter := api.mentionLimiter.allow(sourceHost(source)); !ok {
		w.Header().Set("Retry-After", formatSeconds(retryAfter))
		http.Error(w, "Too many webmentions from this source", http.StatusTooManyRequests)
		log.Debugf("[webmentionHandler][%s] rate limited source %s", sID, source)
		return
	}

	mention, err := api.Receiver.Receive(r.Context(), source, target)
	if err != nil {
		switch {
		case errors.Is(err, webmention.ErrInvalidURL),
			errors.Is(err, webmention.ErrSelfMention),
			errors.Is(err, webmention.ErrUnknownTarget):
			http.Error(w, err.Error(), http.StatusBadRequest)
			log.Debugf("[webmentionHandler][%s] rejected %s -> %s: %v", sID, source, target, err)
		default:
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			log.Errorf("[webmentionHandler][%s] Receive() returned error: %v", sID, err)
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
	log.Debugf("[webmentionHandler][%s] accepted mention %s", sID, mention.ID)
}

// webmentionStatusHandler returns the stored record for a mention ID,
// reflecting the most recently completed verification.
func (api *API) webmentionStatusHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid UUID parameter", http.StatusBadRequest)
		log.Debugf("[webmentionStatusHandler][%s] failed to parse mention ID: %v", sID, err)
		return
	}

	mention, err := api.DB.Webmention(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrWebmentionNotFound) {
			http.Error(w, "Webmention not found", http.StatusNotFound)
			log.Debugf("[webmentionStatusHandler][%s] mention not found: %v", sID, id)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[webmentionStatusHandler][%s] mention ID:%v: %v", sID, id, err)
		return
	}

	if err := json.NewEncoder(w).Encode(mention); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[webmentionStatusHandler][%s] failed to encode mention data: %v", sID, err)
		return
	}

	log.Debugf("[webmentionStatusHandler][%s] response sent to: %v", sID, r.RemoteAddr)
}

func sourceHost(source string) string {
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		return u.Host
	}
	return source
}
