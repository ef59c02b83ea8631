package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentKey maps a (tenant, agent) pair to the agent's ed25519
// verification key, stored as the full DER/SPKI blob. Agent ids are
// normalized to lowercase before storage and lookup. At most one
// non-revoked record may exist per pair.
type AgentKey struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	AgentID   string     `json:"agent_id"`
	PublicKey []byte     `json:"public_key"` // DER/SPKI
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the key may verify signatures.
func (k *AgentKey) Active() bool {
	return k.RevokedAt == nil
}
