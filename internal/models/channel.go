package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelSummary is the inbox view of one conversation. It is an
// aggregate over the messages sharing a thread id, never stored.
type ChannelSummary struct {
	ID           uuid.UUID `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	UnreadCount  int       `json:"unread_count"`
}
