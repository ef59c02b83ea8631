package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one relayed message between two agents of a tenant.
// ThreadID is derived from the participant pair, never client-supplied.
type Message struct {
	ID        string    `json:"id"` // ULID
	TenantID  uuid.UUID `json:"-"`
	Sender    string    `json:"from"`
	Recipient string    `json:"to"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	ThreadID  uuid.UUID `json:"channel_id"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"ts"`
}
