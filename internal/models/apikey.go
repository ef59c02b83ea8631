package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is the stored form of a tenant credential. The raw bearer key
// is never persisted; KeyID is HMAC-SHA256(pepper, rawKey) in hex and
// is the only lookup token.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	KeyID      string     `json:"key_id"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Active reports whether the key may authenticate requests.
func (k *APIKey) Active() bool {
	return k.RevokedAt == nil
}
