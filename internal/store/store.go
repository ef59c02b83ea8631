package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/toaklink/toaklink/internal/models"
)

// ErrNonceReplay is returned by InsertNonce when a live row already
// holds the same (tenant, agent, nonce). The storage-level uniqueness
// constraint behind it is the gateway's only replay gate.
var ErrNonceReplay = errors.New("nonce already used")

// Scope and window identifiers for rate-limit counters.
const (
	ScopeTenant = "tenant"
	ScopeAPIKey = "api_key"

	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// DataStore is the durable record store behind the gateway. Postgres
// is the production implementation; SQLite serves development. All
// cross-request invariants (nonce uniqueness in particular) live here,
// never in process memory.
type DataStore interface {
	Close()
	Ping(ctx context.Context) error

	// Credentials
	GetAPIKeyByKeyID(ctx context.Context, keyID string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error

	// Agent key registry
	GetAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) (*models.AgentKey, error)

	// Nonce ledger. InsertNonce must be atomic: two concurrent inserts
	// of the same (tenant, agent, nonce) admit exactly one.
	InsertNonce(ctx context.Context, tenantID uuid.UUID, agentID, nonce string, expiresAt time.Time) error
	DeleteExpiredNonces(ctx context.Context, now time.Time) error

	// Rate-limit configuration
	GetTenantLimits(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)

	// Messages
	InsertMessage(ctx context.Context, msg *models.Message) error
	MessagesForAgent(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]models.Message, error)
	MessagesInThread(ctx context.Context, tenantID, threadID uuid.UUID) ([]models.Message, error)
	MarkThreadRead(ctx context.Context, tenantID, threadID uuid.UUID, recipient string) error

	// Provisioning; used by out-of-band administration, not the gateway.
	CreateTenant(ctx context.Context, name string, limits *models.RateLimits) (*models.Tenant, error)
	CreateAPIKey(ctx context.Context, tenantID uuid.UUID, keyID string) (*models.APIKey, error)
	RegisterAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string, publicKey []byte) (*models.AgentKey, error)
	RevokeAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) error
}

// CounterStore is the atomic increment-and-return primitive the rate
// limiter runs on. Implementations must guarantee that concurrent
// increments of the same counter are serialized by the storage layer;
// read-then-write is not an acceptable implementation.
type CounterStore interface {
	// IncrCounter atomically increments the counter for
	// (scope, scopeID, windowType, windowStart) and returns the new
	// count. ttl bounds the counter's retention, not its correctness.
	IncrCounter(ctx context.Context, scope, scopeID, windowType string, windowStart time.Time, ttl time.Duration) (int64, error)
}
