package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/toaklink/toaklink/internal/models"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection
// pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		limit_per_minute INT,
		limit_per_hour INT,
		limit_per_day INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		key_id TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		revoked_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS agent_keys (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		agent_id TEXT NOT NULL,
		public_key BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		revoked_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_keys_active
		ON agent_keys(tenant_id, agent_id) WHERE revoked_at IS NULL;

	CREATE TABLE IF NOT EXISTS nonces (
		tenant_id UUID NOT NULL,
		agent_id TEXT NOT NULL,
		nonce TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, agent_id, nonce)
	);
	CREATE INDEX IF NOT EXISTS idx_nonces_expires ON nonces(expires_at);

	CREATE TABLE IF NOT EXISTS rate_limit_counters (
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		window_type TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, scope_id, window_type, window_start)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		tenant_id UUID NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		thread_id UUID NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(tenant_id, thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(tenant_id, recipient, read);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(tenant_id, sender, created_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetAPIKeyByKeyID retrieves a non-revoked API key by its derived
// lookup token.
func (s *PostgresStore) GetAPIKeyByKeyID(ctx context.Context, keyID string) (*models.APIKey, error) {
	key := &models.APIKey{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, key_id, created_at, revoked_at, last_used_at
		FROM api_keys WHERE key_id = $1 AND revoked_at IS NULL
	`, keyID).Scan(
		&key.ID,
		&key.TenantID,
		&key.KeyID,
		&key.CreatedAt,
		&key.RevokedAt,
		&key.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// TouchAPIKey records the key's last successful use.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $2 WHERE id = $1
	`, id, at)
	return err
}

// GetAgentKey retrieves the active verification key for (tenant, agent).
func (s *PostgresStore) GetAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) (*models.AgentKey, error) {
	key := &models.AgentKey{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, agent_id, public_key, created_at, revoked_at
		FROM agent_keys
		WHERE tenant_id = $1 AND agent_id = $2 AND revoked_at IS NULL
	`, tenantID, strings.ToLower(agentID)).Scan(
		&key.ID,
		&key.TenantID,
		&key.AgentID,
		&key.PublicKey,
		&key.CreatedAt,
		&key.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// InsertNonce records a nonce. A unique violation on the
// (tenant, agent, nonce) primary key is the replay signal.
func (s *PostgresStore) InsertNonce(ctx context.Context, tenantID uuid.UUID, agentID, nonce string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nonces (tenant_id, agent_id, nonce, expires_at)
		VALUES ($1, $2, $3, $4)
	`, tenantID, strings.ToLower(agentID), nonce, expiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrNonceReplay
		}
		return err
	}
	return nil
}

// DeleteExpiredNonces drops dead rows. Best-effort housekeeping;
// correctness does not depend on it.
func (s *PostgresStore) DeleteExpiredNonces(ctx context.Context, now time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nonces WHERE expires_at < $1`, now)
	return err
}

// GetTenantLimits retrieves a tenant and its rate-limit overrides.
func (s *PostgresStore) GetTenantLimits(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	t := &models.Tenant{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, limit_per_minute, limit_per_hour, limit_per_day, created_at
		FROM tenants WHERE id = $1
	`, tenantID).Scan(
		&t.ID,
		&t.Name,
		&t.LimitPerMinute,
		&t.LimitPerHour,
		&t.LimitPerDay,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// IncrCounter atomically bumps a window counter via upsert-with-return.
func (s *PostgresStore) IncrCounter(ctx context.Context, scope, scopeID, windowType string, windowStart time.Time, ttl time.Duration) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_counters (scope, scope_id, window_type, window_start, count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (scope, scope_id, window_type, window_start)
		DO UPDATE SET count = rate_limit_counters.count + 1
		RETURNING count
	`, scope, scopeID, windowType, windowStart).Scan(&count)
	return count, err
}

// InsertMessage stores a new message. The id is assigned here when the
// caller left it empty.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, sender, recipient, subject, body, thread_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`, msg.ID, msg.TenantID, msg.Sender, msg.Recipient, msg.Subject, msg.Body, msg.ThreadID, msg.CreatedAt)
	return err
}

// MessagesForAgent retrieves the most recent messages where the agent
// is sender or recipient, newest first.
func (s *PostgresStore) MessagesForAgent(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, sender, recipient, subject, body, thread_id, read, created_at
		FROM messages
		WHERE tenant_id = $1 AND (sender = $2 OR recipient = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, strings.ToLower(agentID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesInThread retrieves all messages of a thread, oldest first.
func (s *PostgresStore) MessagesInThread(ctx context.Context, tenantID, threadID uuid.UUID) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, sender, recipient, subject, body, thread_id, read, created_at
		FROM messages
		WHERE tenant_id = $1 AND thread_id = $2
		ORDER BY created_at ASC
	`, tenantID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkThreadRead bulk-sets read on the caller's unread messages in a
// thread. Idempotent.
func (s *PostgresStore) MarkThreadRead(ctx context.Context, tenantID, threadID uuid.UUID, recipient string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET read = TRUE
		WHERE tenant_id = $1 AND thread_id = $2 AND recipient = $3 AND read = FALSE
	`, tenantID, threadID, strings.ToLower(recipient))
	return err
}

// CreateTenant creates a new tenant with optional rate-limit overrides.
func (s *PostgresStore) CreateTenant(ctx context.Context, name string, limits *models.RateLimits) (*models.Tenant, error) {
	t := &models.Tenant{}
	var perMinute, perHour, perDay *int
	if limits != nil {
		perMinute, perHour, perDay = &limits.PerMinute, &limits.PerHour, &limits.PerDay
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, name, limit_per_minute, limit_per_hour, limit_per_day)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, limit_per_minute, limit_per_hour, limit_per_day, created_at
	`, uuid.New(), name, perMinute, perHour, perDay).Scan(
		&t.ID,
		&t.Name,
		&t.LimitPerMinute,
		&t.LimitPerHour,
		&t.LimitPerDay,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateAPIKey stores a new credential record under its derived key id.
func (s *PostgresStore) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, keyID string) (*models.APIKey, error) {
	key := &models.APIKey{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_id)
		VALUES ($1, $2, $3)
		RETURNING id, tenant_id, key_id, created_at, revoked_at, last_used_at
	`, uuid.New(), tenantID, keyID).Scan(
		&key.ID,
		&key.TenantID,
		&key.KeyID,
		&key.CreatedAt,
		&key.RevokedAt,
		&key.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// RegisterAgentKey stores a verification key for (tenant, agent).
func (s *PostgresStore) RegisterAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string, publicKey []byte) (*models.AgentKey, error) {
	key := &models.AgentKey{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agent_keys (id, tenant_id, agent_id, public_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, tenant_id, agent_id, public_key, created_at, revoked_at
	`, uuid.New(), tenantID, strings.ToLower(agentID), publicKey).Scan(
		&key.ID,
		&key.TenantID,
		&key.AgentID,
		&key.PublicKey,
		&key.CreatedAt,
		&key.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// RevokeAgentKey revokes the active key for (tenant, agent).
func (s *PostgresStore) RevokeAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_keys SET revoked_at = NOW()
		WHERE tenant_id = $1 AND agent_id = $2 AND revoked_at IS NULL
	`, tenantID, strings.ToLower(agentID))
	return err
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		err := rows.Scan(
			&m.ID,
			&m.TenantID,
			&m.Sender,
			&m.Recipient,
			&m.Subject,
			&m.Body,
			&m.ThreadID,
			&m.Read,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
