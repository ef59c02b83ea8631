package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/toaklink/toaklink/internal/api/middleware"
	"github.com/toaklink/toaklink/internal/crypto"
	"github.com/toaklink/toaklink/internal/metrics"
	"github.com/toaklink/toaklink/internal/models"
)

// SendRequest is the send operation's body.
type SendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

// SendResponse is returned after a message is relayed.
type SendResponse struct {
	Success   bool      `json:"success"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// LinkRequest is the link operation's body.
type LinkRequest struct {
	To string `json:"to"`
}

// ChannelDescriptor describes a channel without creating a message.
type ChannelDescriptor struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Send relays a message from the authenticated agent to a registered
// recipient of the same tenant. The thread id is derived server-side
// from the participant pair.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		h.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	to := strings.ToLower(strings.TrimSpace(req.To))
	if to == "" || req.Message == "" {
		h.Error(w, http.StatusBadRequest, "bad_request", "to and message are required")
		return
	}
	if len(req.Message) > maxMessageBytes {
		h.Error(w, http.StatusBadRequest, "bad_request", "message too long")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if !h.recipientRegistered(ctx, w, ac, to) {
		return
	}

	msg := &models.Message{
		TenantID:  ac.TenantID,
		Sender:    ac.AgentID,
		Recipient: to,
		Subject:   req.Subject,
		Body:      req.Message,
		ThreadID:  crypto.ThreadID(ac.AgentID, to),
	}

	if err := h.data.InsertMessage(ctx, msg); err != nil {
		h.Error(w, http.StatusInternalServerError, "storage_failure", "failed to store message")
		return
	}

	metrics.MessagesSent.Inc()

	h.JSON(w, http.StatusOK, SendResponse{
		Success:   true,
		ChannelID: msg.ThreadID.String(),
		MessageID: msg.ID,
		Timestamp: msg.CreatedAt,
	})
}

// Link returns the channel descriptor for the caller and a recipient
// without creating a message. Timestamps come from the thread's
// existing messages when there are any.
func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		h.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return
	}

	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	to := strings.ToLower(strings.TrimSpace(req.To))
	if to == "" {
		h.Error(w, http.StatusBadRequest, "bad_request", "to is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if !h.recipientRegistered(ctx, w, ac, to) {
		return
	}

	threadID := crypto.ThreadID(ac.AgentID, to)

	msgs, err := h.data.MessagesInThread(ctx, ac.TenantID, threadID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "storage_failure", "failed to fetch channel")
		return
	}

	now := time.Now().UTC()
	createdAt, lastActivity := now, now
	if len(msgs) > 0 {
		createdAt = msgs[0].CreatedAt
		lastActivity = msgs[len(msgs)-1].CreatedAt
	}

	h.JSON(w, http.StatusOK, ChannelDescriptor{
		ID:           threadID.String(),
		Participants: []string{ac.AgentID, to},
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
	})
}

// recipientRegistered checks the recipient holds an active key for the
// caller's tenant, writing the 403 itself when not.
func (h *Handler) recipientRegistered(ctx context.Context, w http.ResponseWriter, ac *middleware.AuthContext, to string) bool {
	key, err := h.data.GetAgentKey(ctx, ac.TenantID, to)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "storage_failure", "failed to check recipient")
		return false
	}
	if key == nil {
		h.Error(w, http.StatusForbidden, "recipient_not_registered", "recipient is not a registered agent")
		return false
	}
	return true
}
