package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/toaklink/toaklink/internal/api/middleware"
	"github.com/toaklink/toaklink/internal/models"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 50
)

// RecentResponse lists the caller's most recent messages.
type RecentResponse struct {
	Messages []models.Message `json:"messages"`
}

// Recent returns the N most recent messages involving the caller,
// newest first, each carrying its thread id. The path agent must be
// the authenticated caller.
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		h.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return
	}

	pathAgent := strings.ToLower(chi.URLParam(r, "agentId"))
	if pathAgent != ac.AgentID {
		h.Error(w, http.StatusForbidden, "forbidden", "messages belong to a different agent")
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	msgs, err := h.data.MessagesForAgent(ctx, ac.TenantID, ac.AgentID, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "storage_failure", "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	h.JSON(w, http.StatusOK, RecentResponse{Messages: msgs})
}
