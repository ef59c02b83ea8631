// Package storetest provides in-memory fakes of the store interfaces
// for handler and middleware tests. The fakes keep the same observable
// semantics as the SQL stores (nonce uniqueness, atomic counters,
// lowercased agent ids) behind a mutex.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/toaklink/toaklink/internal/models"
	"github.com/toaklink/toaklink/internal/store"
)

// ErrForced is returned by operations whose Fail* flag is set.
var ErrForced = errors.New("storetest: forced failure")

// Store implements store.DataStore and store.CounterStore in memory.
type Store struct {
	mu        sync.Mutex
	tenants   map[uuid.UUID]*models.Tenant
	apiKeys   map[string]*models.APIKey // by key id
	agentKeys map[string]*models.AgentKey
	nonces    map[string]time.Time // value is expires_at
	counters  map[string]int64
	messages  []models.Message

	touchCount int

	// Failure switches for fail-closed tests.
	FailCounters bool
	FailNonces   bool
	FailTouch    bool
}

// New returns an empty fake store.
func New() *Store {
	return &Store{
		tenants:   make(map[uuid.UUID]*models.Tenant),
		apiKeys:   make(map[string]*models.APIKey),
		agentKeys: make(map[string]*models.AgentKey),
		nonces:    make(map[string]time.Time),
		counters:  make(map[string]int64),
	}
}

func (s *Store) Close()                         {}
func (s *Store) Ping(ctx context.Context) error { return nil }

func agentKeyKey(tenantID uuid.UUID, agentID string) string {
	return tenantID.String() + "|" + strings.ToLower(agentID)
}

func (s *Store) GetAPIKeyByKeyID(ctx context.Context, keyID string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[keyID]
	if !ok || key.RevokedAt != nil {
		return nil, nil
	}
	cp := *key
	return &cp, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailTouch {
		return ErrForced
	}
	s.touchCount++
	for _, key := range s.apiKeys {
		if key.ID == id {
			t := at
			key.LastUsedAt = &t
		}
	}
	return nil
}

func (s *Store) GetAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) (*models.AgentKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.agentKeys[agentKeyKey(tenantID, agentID)]
	if !ok || key.RevokedAt != nil {
		return nil, nil
	}
	cp := *key
	return &cp, nil
}

func (s *Store) InsertNonce(ctx context.Context, tenantID uuid.UUID, agentID, nonce string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNonces {
		return ErrForced
	}
	k := tenantID.String() + "|" + strings.ToLower(agentID) + "|" + nonce
	if _, ok := s.nonces[k]; ok {
		return store.ErrNonceReplay
	}
	s.nonces[k] = expiresAt
	return nil
}

func (s *Store) DeleteExpiredNonces(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}
	return nil
}

func (s *Store) GetTenantLimits(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *Store) IncrCounter(ctx context.Context, scope, scopeID, windowType string, windowStart time.Time, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCounters {
		return 0, ErrForced
	}
	k := fmt.Sprintf("%s|%s|%s|%d", scope, scopeID, windowType, windowStart.Unix())
	s.counters[k]++
	return s.counters[k], nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *Store) MessagesForAgent(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agentID = strings.ToLower(agentID)
	var out []models.Message
	for _, m := range s.messages {
		if m.TenantID == tenantID && (m.Sender == agentID || m.Recipient == agentID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MessagesInThread(ctx context.Context, tenantID, threadID uuid.UUID) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkThreadRead(ctx context.Context, tenantID, threadID uuid.UUID, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recipient = strings.ToLower(recipient)
	for i := range s.messages {
		m := &s.messages[i]
		if m.TenantID == tenantID && m.ThreadID == threadID && m.Recipient == recipient {
			m.Read = true
		}
	}
	return nil
}

func (s *Store) CreateTenant(ctx context.Context, name string, limits *models.RateLimits) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &models.Tenant{ID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
	if limits != nil {
		m, h, d := limits.PerMinute, limits.PerHour, limits.PerDay
		t.LimitPerMinute, t.LimitPerHour, t.LimitPerDay = &m, &h, &d
	}
	s.tenants[t.ID] = t
	cp := *t
	return &cp, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, keyID string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := &models.APIKey{ID: uuid.New(), TenantID: tenantID, KeyID: keyID, CreatedAt: time.Now().UTC()}
	s.apiKeys[keyID] = key
	cp := *key
	return &cp, nil
}

func (s *Store) RegisterAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string, publicKey []byte) (*models.AgentKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := &models.AgentKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AgentID:   strings.ToLower(agentID),
		PublicKey: publicKey,
		CreatedAt: time.Now().UTC(),
	}
	s.agentKeys[agentKeyKey(tenantID, agentID)] = key
	cp := *key
	return &cp, nil
}

func (s *Store) RevokeAgentKey(ctx context.Context, tenantID uuid.UUID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.agentKeys[agentKeyKey(tenantID, agentID)]; ok && key.RevokedAt == nil {
		now := time.Now().UTC()
		key.RevokedAt = &now
	}
	return nil
}

// TouchCount reports TouchAPIKey calls; tests assert the
// fire-and-forget side effect landed (or was dropped) without
// affecting responses.
func (s *Store) TouchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchCount
}

// MessageCount reports stored messages; used by tests asserting that a
// rejected send left no row behind.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
