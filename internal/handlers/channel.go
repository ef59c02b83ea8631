package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/toaklink/toaklink/internal/api/middleware"
	"github.com/toaklink/toaklink/internal/models"
)

// ChannelResponse is the full view of one conversation.
type ChannelResponse struct {
	ChannelID    string           `json:"channel_id"`
	Messages     []models.Message `json:"messages"`
	Participants []string         `json:"participants"`
}

// MarkReadResponse acknowledges a mark-read operation.
type MarkReadResponse struct {
	Success bool `json:"success"`
}

// Channel returns all messages of a thread, oldest first. The caller
// must be a participant. A thread with no messages is reported as 404:
// deriving "participant" from zero rows would turn channel existence
// into a 403 oracle, and thread ids are computable by anyone anyway.
func (h *Handler) Channel(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		h.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid channel id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	msgs, err := h.data.MessagesInThread(ctx, ac.TenantID, threadID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "storage_failure", "failed to fetch channel")
		return
	}
	if len(msgs) == 0 {
		h.Error(w, http.StatusNotFound, "not_found", "channel not found")
		return
	}

	members := threadParticipants(msgs)
	if !members[ac.AgentID] {
		h.Error(w, http.StatusForbidden, "forbidden", "not a channel participant")
		return
	}

	h.JSON(w, http.StatusOK, ChannelResponse{
		ChannelID:    threadID.String(),
		Messages:     msgs,
		Participants: sortedKeys(members),
	})
}

// MarkChannelRead bulk-marks the caller's unread messages in a thread
// as read. Idempotent: marking an already-read or empty thread
// succeeds.
func (h *Handler) MarkChannelRead(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		h.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid channel id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.data.MarkThreadRead(ctx, ac.TenantID, threadID, ac.AgentID); err != nil {
		h.Error(w, http.StatusInternalServerError, "storage_failure", "failed to mark channel read")
		return
	}

	h.JSON(w, http.StatusOK, MarkReadResponse{Success: true})
}

// threadParticipants derives the participant set from the messages.
func threadParticipants(msgs []models.Message) map[string]bool {
	members := make(map[string]bool)
	for _, m := range msgs {
		members[m.Sender] = true
		members[m.Recipient] = true
	}
	return members
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
