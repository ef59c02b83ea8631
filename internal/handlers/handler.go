package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/toaklink/toaklink/internal/store"
)

// maxMessageBytes caps a single relayed message body.
const maxMessageBytes = 8192

// inboxFetchLimit bounds how many recent messages the inbox aggregates
// into channel summaries.
const inboxFetchLimit = 200

// Handler contains shared dependencies for all HTTP handlers. It runs
// strictly behind the auth and rate-limit middleware, so the agent id
// and tenant id in the request context are trusted.
type Handler struct {
	data    store.DataStore
	timeout time.Duration
	pingers map[string]Pinger
}

// NewHandler creates a new Handler backed by the given store. pingers
// names the backends the health endpoint probes.
func NewHandler(data store.DataStore, storageTimeout time.Duration, pingers map[string]Pinger) *Handler {
	if storageTimeout <= 0 {
		storageTimeout = 5 * time.Second
	}
	if pingers == nil {
		pingers = map[string]Pinger{"store": data}
	}
	return &Handler{data: data, timeout: storageTimeout, pingers: pingers}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, map[string]string{"error": message, "code": code})
}

// NotFound is the router's fallback for unknown paths.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.Error(w, http.StatusNotFound, "not_found", "unknown route")
}
