package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toaklink/toaklink/internal/models"
	"github.com/toaklink/toaklink/internal/store/storetest"
)

type limitFixture struct {
	store   *storetest.Store
	rl      *RateLimiter
	now     time.Time
	handler http.Handler
}

func newLimitFixture(t *testing.T, defaults models.RateLimits) *limitFixture {
	t.Helper()
	st := storetest.New()
	f := &limitFixture{
		store: st,
		now:   time.Date(2026, 6, 1, 12, 30, 30, 0, time.UTC),
	}
	f.rl = NewRateLimiter(st, st, defaults, time.Second, zerolog.Nop())
	f.rl.now = func() time.Time { return f.now }
	f.handler = f.rl.Enforce(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func (f *limitFixture) do(ac *AuthContext) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/toaklink/send", nil)
	req = req.WithContext(WithAuthContext(req.Context(), ac))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func testCaller() *AuthContext {
	return &AuthContext{
		TenantID: uuid.New(),
		APIKeyID: uuid.New(),
		AgentID:  "alice",
	}
}

func TestEnforceAdmitsUnderLimit(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 3, PerHour: 10, PerDay: 100})
	ac := testCaller()

	for i := 0; i < 3; i++ {
		rec := f.do(ac)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
}

func TestEnforceRejectsOverMinuteLimit(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 3, PerHour: 10, PerDay: 100})
	ac := testCaller()

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.do(ac).Code)
	}

	rec := f.do(ac)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", errCode(t, rec))

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)

	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestEnforceNewWindowAdmitsAgain(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 2, PerHour: 100, PerDay: 1000})
	ac := testCaller()

	require.Equal(t, http.StatusOK, f.do(ac).Code)
	require.Equal(t, http.StatusOK, f.do(ac).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(ac).Code)

	f.now = f.now.Add(time.Minute)
	require.Equal(t, http.StatusOK, f.do(ac).Code)
}

func TestEnforceAdvisoryHeadersOnSuccess(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 20, PerHour: 100, PerDay: 1000})
	ac := testCaller()

	rec := f.do(ac)
	require.Equal(t, http.StatusOK, rec.Code)

	// Headers reflect the tenant-hour window.
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))

	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	wantReset := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, wantReset, reset)
}

func TestEnforceTenantOverrides(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 20, PerHour: 100, PerDay: 1000})

	tenant, err := f.store.CreateTenant(context.Background(), "throttled",
		&models.RateLimits{PerMinute: 1, PerHour: 100, PerDay: 1000})
	require.NoError(t, err)
	ac := &AuthContext{TenantID: tenant.ID, APIKeyID: uuid.New(), AgentID: "alice"}

	require.Equal(t, http.StatusOK, f.do(ac).Code)

	rec := f.do(ac)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
}

func TestEnforceTenantScopeSharedAcrossCredentials(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 3, PerHour: 100, PerDay: 1000})

	tenantID := uuid.New()
	keyA := &AuthContext{TenantID: tenantID, APIKeyID: uuid.New(), AgentID: "alice"}
	keyB := &AuthContext{TenantID: tenantID, APIKeyID: uuid.New(), AgentID: "bob"}

	require.Equal(t, http.StatusOK, f.do(keyA).Code)
	require.Equal(t, http.StatusOK, f.do(keyA).Code)
	require.Equal(t, http.StatusOK, f.do(keyB).Code)

	// keyB has only made one request itself, but the shared tenant
	// ceiling is spent.
	rec := f.do(keyB)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestEnforceFailsClosedOnCounterError(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 20, PerHour: 100, PerDay: 1000})
	f.store.FailCounters = true

	rec := f.do(testCaller())
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "storage_failure", errCode(t, rec))
}

func TestEnforceRequiresAuthContext(t *testing.T) {
	f := newLimitFixture(t, models.RateLimits{PerMinute: 20, PerHour: 100, PerDay: 1000})

	req := httptest.NewRequest("POST", "/v1/toaklink/send", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAlignWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 30, 45, 123, time.UTC)

	assert.Equal(t, time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC), alignWindow(now, time.Minute))
	assert.Equal(t, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), alignWindow(now, time.Hour))
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), alignWindow(now, 24*time.Hour))
}

func TestAlignWindowNormalizesZone(t *testing.T) {
	zone := time.FixedZone("UTC+3", 3*60*60)
	now := time.Date(2026, 6, 1, 2, 15, 0, 0, zone) // 2026-05-31 23:15 UTC

	assert.Equal(t, time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC), alignWindow(now, 24*time.Hour))
}
