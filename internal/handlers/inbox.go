package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/toaklink/toaklink/internal/api/middleware"
	"github.com/toaklink/toaklink/internal/models"
)

// InboxResponse aggregates the caller's conversations.
type InboxResponse struct {
	Channels    []models.ChannelSummary `json:"channels"`
	TotalUnread int                     `json:"total_unread"`
}

// Inbox returns channel summaries for the caller's recent messages,
// grouped by thread. The path agent must be the authenticated caller.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		h.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return
	}

	pathAgent := strings.ToLower(chi.URLParam(r, "agentId"))
	if pathAgent != ac.AgentID {
		h.Error(w, http.StatusForbidden, "forbidden", "inbox belongs to a different agent")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	msgs, err := h.data.MessagesForAgent(ctx, ac.TenantID, ac.AgentID, inboxFetchLimit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "storage_failure", "failed to fetch messages")
		return
	}

	channels, totalUnread := summarize(msgs, ac.AgentID)

	h.JSON(w, http.StatusOK, InboxResponse{
		Channels:    channels,
		TotalUnread: totalUnread,
	})
}

// summarize folds messages into per-thread channel summaries, newest
// activity first. Messages arrive newest-first, so the first message
// seen for a thread is its latest.
func summarize(msgs []models.Message, caller string) ([]models.ChannelSummary, int) {
	byThread := make(map[uuid.UUID]*models.ChannelSummary)
	order := make([]uuid.UUID, 0)
	totalUnread := 0

	for i := range msgs {
		m := msgs[i]
		ch, ok := byThread[m.ThreadID]
		if !ok {
			ch = &models.ChannelSummary{
				ID:           m.ThreadID,
				Participants: participants(m, caller),
				LastMessage:  &msgs[i],
				LastActivity: m.CreatedAt,
			}
			byThread[m.ThreadID] = ch
			order = append(order, m.ThreadID)
		}
		if m.Recipient == caller && !m.Read {
			ch.UnreadCount++
			totalUnread++
		}
	}

	channels := make([]models.ChannelSummary, 0, len(order))
	for _, id := range order {
		channels = append(channels, *byThread[id])
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].LastActivity.After(channels[j].LastActivity)
	})
	return channels, totalUnread
}

// participants orders the pair caller-first for a stable response shape.
func participants(m models.Message, caller string) []string {
	other := m.Sender
	if other == caller {
		other = m.Recipient
	}
	return []string{caller, other}
}
