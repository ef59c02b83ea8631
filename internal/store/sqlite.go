package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/toaklink/toaklink/internal/models"
)

// SQLiteStore is the development implementation of DataStore and
// CounterStore. Same semantics as Postgres, including the nonce
// uniqueness constraint and the upsert-returning counter.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/toaklink.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/toaklink.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		limit_per_minute INTEGER,
		limit_per_hour INTEGER,
		limit_per_day INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		key_id TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		revoked_at DATETIME,
		last_used_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS agent_keys (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		agent_id TEXT NOT NULL,
		public_key BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		revoked_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_keys_active
		ON agent_keys(tenant_id, agent_id) WHERE revoked_at IS NULL;

	CREATE TABLE IF NOT EXISTS nonces (
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		nonce TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, agent_id, nonce)
	);
	CREATE INDEX IF NOT EXISTS idx_nonces_expires ON nonces(expires_at);

	CREATE TABLE IF NOT EXISTS rate_limit_counters (
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		window_type TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, scope_id, window_type, window_start)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(tenant_id, thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(tenant_id, recipient, read);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetAPIKeyByKeyID retrieves a non-revoked API key by lookup token.
func (s *SQLiteStore) GetAPIKeyByKeyID(ctx context.Context, keyID string) (*models.APIKey, error) {
	key := &models.APIKey{}
	var idStr, tenantStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, key_id, created_at, revoked_at, last_used_at
		FROM api_keys WHERE key_id = ? AND revoked_at IS NULL
	`, keyID).Scan(
		&idStr,
		&tenantStr,
		&key.KeyID,
		&key.CreatedAt,
		&key.RevokedAt,
		&key.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	key.ID = uuid.MustParse(idStr)
	key.TenantID = uuid.MustParse(tenantStr)
	return key, nil
}

// TouchAPIKey records the key's last successful use.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ? WHERE id = ?
	`, at, id.String())
	return err
}

// GetAgentKey retrieves the active verification key for (tenant, agent).
func (s *SQLiteStore) GetAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) (*models.AgentKey, error) {
	key := &models.AgentKey{}
	var idStr, tenantStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_id, public_key, created_at, revoked_at
		FROM agent_keys
		WHERE tenant_id = ? AND agent_id = ? AND revoked_at IS NULL
	`, tenantID.String(), strings.ToLower(agentID)).Scan(
		&idStr,
		&tenantStr,
		&key.AgentID,
		&key.PublicKey,
		&key.CreatedAt,
		&key.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	key.ID = uuid.MustParse(idStr)
	key.TenantID = uuid.MustParse(tenantStr)
	return key, nil
}

// InsertNonce records a nonce; a primary-key violation is the replay
// signal, same as Postgres.
func (s *SQLiteStore) InsertNonce(ctx context.Context, tenantID uuid.UUID, agentID, nonce string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (tenant_id, agent_id, nonce, expires_at)
		VALUES (?, ?, ?, ?)
	`, tenantID.String(), strings.ToLower(agentID), nonce, expiresAt)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return ErrNonceReplay
		}
		return err
	}
	return nil
}

// DeleteExpiredNonces drops dead rows.
func (s *SQLiteStore) DeleteExpiredNonces(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < ?`, now)
	return err
}

// GetTenantLimits retrieves a tenant and its rate-limit overrides.
func (s *SQLiteStore) GetTenantLimits(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	t := &models.Tenant{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, limit_per_minute, limit_per_hour, limit_per_day, created_at
		FROM tenants WHERE id = ?
	`, tenantID.String()).Scan(
		&idStr,
		&t.Name,
		&t.LimitPerMinute,
		&t.LimitPerHour,
		&t.LimitPerDay,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.ID = uuid.MustParse(idStr)
	return t, nil
}

// IncrCounter atomically bumps a window counter via upsert-with-return.
func (s *SQLiteStore) IncrCounter(ctx context.Context, scope, scopeID, windowType string, windowStart time.Time, ttl time.Duration) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_counters (scope, scope_id, window_type, window_start, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (scope, scope_id, window_type, window_start)
		DO UPDATE SET count = count + 1
		RETURNING count
	`, scope, scopeID, windowType, windowStart.Unix()).Scan(&count)
	return count, err
}

// InsertMessage stores a new message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, sender, recipient, subject, body, thread_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, msg.ID, msg.TenantID.String(), msg.Sender, msg.Recipient, msg.Subject, msg.Body, msg.ThreadID.String(), msg.CreatedAt)
	return err
}

// MessagesForAgent retrieves recent messages involving an agent,
// newest first.
func (s *SQLiteStore) MessagesForAgent(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sender, recipient, subject, body, thread_id, read, created_at
		FROM messages
		WHERE tenant_id = ? AND (sender = ? OR recipient = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, tenantID.String(), strings.ToLower(agentID), strings.ToLower(agentID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteMessages(rows)
}

// MessagesInThread retrieves all messages of a thread, oldest first.
func (s *SQLiteStore) MessagesInThread(ctx context.Context, tenantID, threadID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sender, recipient, subject, body, thread_id, read, created_at
		FROM messages
		WHERE tenant_id = ? AND thread_id = ?
		ORDER BY created_at ASC
	`, tenantID.String(), threadID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteMessages(rows)
}

// MarkThreadRead bulk-sets read on the caller's unread messages.
func (s *SQLiteStore) MarkThreadRead(ctx context.Context, tenantID, threadID uuid.UUID, recipient string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = 1
		WHERE tenant_id = ? AND thread_id = ? AND recipient = ? AND read = 0
	`, tenantID.String(), threadID.String(), strings.ToLower(recipient))
	return err
}

// CreateTenant creates a new tenant with optional overrides.
func (s *SQLiteStore) CreateTenant(ctx context.Context, name string, limits *models.RateLimits) (*models.Tenant, error) {
	id := uuid.New()
	var perMinute, perHour, perDay *int
	if limits != nil {
		perMinute, perHour, perDay = &limits.PerMinute, &limits.PerHour, &limits.PerDay
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, limit_per_minute, limit_per_hour, limit_per_day, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), name, perMinute, perHour, perDay, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetTenantLimits(ctx, id)
}

// CreateAPIKey stores a new credential record under its derived key id.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, keyID string) (*models.APIKey, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_id, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), tenantID.String(), keyID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetAPIKeyByKeyID(ctx, keyID)
}

// RegisterAgentKey stores a verification key for (tenant, agent).
func (s *SQLiteStore) RegisterAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string, publicKey []byte) (*models.AgentKey, error) {
	id := uuid.New()
	agentID = strings.ToLower(agentID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_keys (id, tenant_id, agent_id, public_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), tenantID.String(), agentID, publicKey, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetAgentKey(ctx, tenantID, agentID)
}

// RevokeAgentKey revokes the active key for (tenant, agent).
func (s *SQLiteStore) RevokeAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_keys SET revoked_at = CURRENT_TIMESTAMP
		WHERE tenant_id = ? AND agent_id = ? AND revoked_at IS NULL
	`, tenantID.String(), strings.ToLower(agentID))
	return err
}

func scanSQLiteMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var tenantStr, threadStr string
		var readInt int
		err := rows.Scan(
			&m.ID,
			&tenantStr,
			&m.Sender,
			&m.Recipient,
			&m.Subject,
			&m.Body,
			&threadStr,
			&readInt,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		m.TenantID = uuid.MustParse(tenantStr)
		m.ThreadID = uuid.MustParse(threadStr)
		m.Read = readInt == 1
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
