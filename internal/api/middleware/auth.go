package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/toaklink/toaklink/internal/crypto"
	"github.com/toaklink/toaklink/internal/metrics"
	"github.com/toaklink/toaklink/internal/store"
)

// Signature header names. All five are required on every gateway route.
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderSignature = "X-Agent-Signature"
	HeaderAlg       = "X-Signature-Alg"
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderNonce     = "X-Signature-Nonce"
	HeaderBodyHash  = "X-Signature-Body-Hash"
)

type contextKey string

const authContextKey contextKey = "auth"

// AuthContext is what downstream handlers are allowed to trust: the
// resolved tenant and the verified caller. Nothing else from the
// request headers is authenticated.
type AuthContext struct {
	TenantID uuid.UUID
	APIKeyID uuid.UUID
	AgentID  string // lowercased
}

// AuthConfig carries the verifier's knobs.
type AuthConfig struct {
	// Pepper is the HMAC key for deriving API-key lookup tokens.
	Pepper string
	// FreshnessWindow bounds timestamp skew and sets the nonce TTL.
	FreshnessWindow time.Duration
	// StorageTimeout caps each storage call; a timeout fails closed.
	StorageTimeout time.Duration
	// Mount is the path prefix stripped before canonicalization.
	Mount string
}

// AuthMiddleware runs the full request-authentication pipeline:
// credential resolution, agent key lookup, timestamp freshness, body
// hash, nonce ledger insert, signature verification. Order matters and
// is fixed: the nonce is burned before the signature is checked so a
// replayed valid signature dies at the cheaper gate.
type AuthMiddleware struct {
	data   store.DataStore
	cfg    AuthConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewAuthMiddleware creates the authentication middleware.
func NewAuthMiddleware(data store.DataStore, cfg AuthConfig, logger zerolog.Logger) *AuthMiddleware {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 5 * time.Minute
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 5 * time.Second
	}
	return &AuthMiddleware{
		data:   data,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Verify authenticates the request and, on success, stores an
// AuthContext for downstream handlers. After the response is written
// it dispatches the advisory last_used_at update without waiting on it.
func (m *AuthMiddleware) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := m.authenticate(w, r)
		if !ok {
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := context.WithValue(r.Context(), authContextKey, ac)
		next.ServeHTTP(ww, r.WithContext(ctx))

		// Fire-and-forget: must never delay or fail the response.
		if ww.Status() < 400 {
			go m.touchAPIKey(ac.APIKeyID)
		}
	})
}

// authenticate runs the pipeline. It writes the error response itself
// and returns ok=false on any failure.
func (m *AuthMiddleware) authenticate(w http.ResponseWriter, r *http.Request) (*AuthContext, bool) {
	// Stage 1: credential resolution.
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		m.fail(w, "credential", http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return nil, false
	}

	keyID := crypto.KeyID(m.cfg.Pepper, token)

	ctx, cancel := context.WithTimeout(r.Context(), m.cfg.StorageTimeout)
	defer cancel()

	apiKey, err := m.data.GetAPIKeyByKeyID(ctx, keyID)
	if err != nil {
		m.storageFailure(w, "credential", err)
		return nil, false
	}
	if apiKey == nil {
		m.fail(w, "credential", http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return nil, false
	}

	// Stage 2: agent key registry. Same status and body as a bad
	// credential; callers learn nothing about which lookup missed.
	agentID := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderAgentID)))
	if agentID == "" {
		m.fail(w, "agent_key", http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return nil, false
	}

	agentKey, err := m.data.GetAgentKey(ctx, apiKey.TenantID, agentID)
	if err != nil {
		m.storageFailure(w, "agent_key", err)
		return nil, false
	}
	if agentKey == nil {
		m.fail(w, "agent_key", http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
		return nil, false
	}

	// Stage 3: signature headers, all required.
	signature := r.Header.Get(HeaderSignature)
	alg := r.Header.Get(HeaderAlg)
	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	bodyHash := r.Header.Get(HeaderBodyHash)
	if signature == "" || alg == "" || timestamp == "" || nonce == "" || bodyHash == "" {
		m.fail(w, "headers", http.StatusUnprocessableEntity, "malformed_signature_headers", "missing signature headers")
		return nil, false
	}

	// Stage 4: timestamp freshness, both directions of skew.
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		m.fail(w, "headers", http.StatusUnprocessableEntity, "malformed_signature_headers", "unparseable signature timestamp")
		return nil, false
	}
	now := m.now()
	if skew := now.Sub(ts); skew > m.cfg.FreshnessWindow || skew < -m.cfg.FreshnessWindow {
		m.fail(w, "timestamp", http.StatusUnprocessableEntity, "timestamp_expired", "signature timestamp outside freshness window")
		return nil, false
	}

	// Stage 5: body hash over the raw bytes, constant-time compare.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		m.fail(w, "body", http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !crypto.BodyHashMatches(body, bodyHash) {
		m.fail(w, "body_hash", http.StatusUnprocessableEntity, "body_hash_mismatch", "body hash does not match request body")
		return nil, false
	}

	// Stage 6: nonce ledger. Housekeeping first (best effort), then
	// the insert whose uniqueness constraint is the replay gate.
	if err := m.data.DeleteExpiredNonces(ctx, now); err != nil {
		m.logger.Debug().Err(err).Msg("expired nonce cleanup failed")
	}

	err = m.data.InsertNonce(ctx, apiKey.TenantID, agentID, nonce, now.Add(m.cfg.FreshnessWindow))
	if err != nil {
		if err == store.ErrNonceReplay {
			metrics.NonceReplays.Inc()
			m.fail(w, "nonce", http.StatusConflict, "nonce_replay", "nonce already used")
			return nil, false
		}
		m.storageFailure(w, "nonce", err)
		return nil, false
	}

	// Stage 7: signature verification over the canonical string. One
	// error for every mismatch; the response never says which field
	// broke the signature.
	if alg != crypto.AlgEd25519 {
		m.fail(w, "signature", http.StatusUnprocessableEntity, "invalid_signature", "signature verification failed")
		return nil, false
	}

	pubkey, err := crypto.PublicKeyFromSPKI(agentKey.PublicKey)
	if err != nil {
		// A stored key we cannot parse is our misconfiguration, not
		// the caller's signature problem.
		m.storageFailure(w, "signature", err)
		return nil, false
	}

	canonical := crypto.CanonicalString(r.Method, pathBelowMount(r, m.cfg.Mount), timestamp, nonce, bodyHash, agentID)
	if err := crypto.VerifySignature(pubkey, canonical, signature); err != nil {
		m.fail(w, "signature", http.StatusUnprocessableEntity, "invalid_signature", "signature verification failed")
		return nil, false
	}

	return &AuthContext{
		TenantID: apiKey.TenantID,
		APIKeyID: apiKey.ID,
		AgentID:  agentID,
	}, true
}

// touchAPIKey records last_used_at on a detached context. Failures are
// logged and dropped; there is no propagation path back to the caller.
func (m *AuthMiddleware) touchAPIKey(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StorageTimeout)
	defer cancel()
	if err := m.data.TouchAPIKey(ctx, id, m.now()); err != nil {
		m.logger.Debug().Err(err).Str("api_key", id.String()).Msg("last_used_at update dropped")
	}
}

func (m *AuthMiddleware) fail(w http.ResponseWriter, stage string, status int, code, message string) {
	metrics.AuthFailures.WithLabelValues(stage).Inc()
	jsonError(w, status, code, message)
}

func (m *AuthMiddleware) storageFailure(w http.ResponseWriter, stage string, err error) {
	m.logger.Error().Err(err).Str("stage", stage).Msg("storage failure on signature path")
	metrics.AuthFailures.WithLabelValues("storage").Inc()
	jsonError(w, http.StatusInternalServerError, "storage_failure", "internal error")
}

// bearerToken extracts the token from "Bearer <token>".
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// pathBelowMount returns the request path under the service mount with
// the query string verbatim, the exact form the client signed.
func pathBelowMount(r *http.Request, mount string) string {
	p := strings.TrimPrefix(r.URL.Path, mount)
	if p == "" {
		p = "/"
	}
	if r.URL.RawQuery != "" {
		p += "?" + r.URL.RawQuery
	}
	return p
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// GetAuthContext retrieves the verified caller from the request
// context. Nil means the auth middleware did not run.
func GetAuthContext(ctx context.Context) *AuthContext {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok {
		return nil
	}
	return ac
}

// WithAuthContext injects an AuthContext; test hook for exercising
// handlers without the full pipeline.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}
