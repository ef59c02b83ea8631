package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/toaklink/toaklink/internal/metrics"
	"github.com/toaklink/toaklink/internal/models"
	"github.com/toaklink/toaklink/internal/store"
)

// windowDurations maps window types to their aligned length, in check
// order. The check sequence is tenant minute/hour/day, then credential
// minute/hour/day; the first non-admitted check aborts.
var windowDurations = []struct {
	name string
	d    time.Duration
}{
	{store.WindowMinute, time.Minute},
	{store.WindowHour, time.Hour},
	{store.WindowDay, 24 * time.Hour},
}

// RateLimiter enforces per-tenant and per-credential ceilings over
// fixed aligned windows. All counting happens in the CounterStore's
// atomic increment-and-return primitive; the limiter itself holds no
// cross-request state.
type RateLimiter struct {
	counters store.CounterStore
	data     store.DataStore
	defaults models.RateLimits
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRateLimiter creates the rate limiting middleware.
func NewRateLimiter(counters store.CounterStore, data store.DataStore, defaults models.RateLimits, timeout time.Duration, logger zerolog.Logger) *RateLimiter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RateLimiter{
		counters: counters,
		data:     data,
		defaults: defaults,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

type admission struct {
	scope     string
	scopeID   string
	window    string
	limit     int
	remaining int64
	resetAt   time.Time
}

// Enforce runs the six admission checks for the authenticated caller.
// Storage failures fail closed with a 500, never a silent admit.
func (rl *RateLimiter) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := GetAuthContext(r.Context())
		if ac == nil {
			jsonError(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing credentials")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), rl.timeout)
		defer cancel()

		limits, err := rl.tenantLimits(ctx, ac)
		if err != nil {
			rl.logger.Error().Err(err).Msg("rate limit config lookup failed")
			jsonError(w, http.StatusInternalServerError, "storage_failure", "internal error")
			return
		}

		scopes := []struct{ scope, id string }{
			{store.ScopeTenant, ac.TenantID.String()},
			{store.ScopeAPIKey, ac.APIKeyID.String()},
		}

		now := rl.now()
		var tenantHour *admission
		for _, sc := range scopes {
			for _, win := range windowDurations {
				adm, allowed, err := rl.check(ctx, sc.scope, sc.id, win.name, win.d, limits, now)
				if err != nil {
					rl.logger.Error().Err(err).
						Str("scope", sc.scope).
						Str("window", win.name).
						Msg("rate limit counter failure")
					jsonError(w, http.StatusInternalServerError, "storage_failure", "internal error")
					return
				}
				if !allowed {
					rl.reject(w, r, ac, adm, now)
					return
				}
				if sc.scope == store.ScopeTenant && win.name == store.WindowHour {
					tenantHour = adm
				}
			}
		}

		// Advisory headers for admitted requests come from the
		// tenant-hour window.
		if tenantHour != nil {
			setRateLimitHeaders(w, tenantHour)
		}

		next.ServeHTTP(w, r)
	})
}

// check runs one atomic increment-and-compare.
func (rl *RateLimiter) check(ctx context.Context, scope, scopeID, window string, d time.Duration, limits models.RateLimits, now time.Time) (*admission, bool, error) {
	limit := limitFor(limits, window)
	start := alignWindow(now, d)

	count, err := rl.counters.IncrCounter(ctx, scope, scopeID, window, start, 2*d)
	if err != nil {
		return nil, false, err
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	adm := &admission{
		scope:     scope,
		scopeID:   scopeID,
		window:    window,
		limit:     limit,
		remaining: remaining,
		resetAt:   start.Add(d),
	}
	return adm, count <= int64(limit), nil
}

func (rl *RateLimiter) reject(w http.ResponseWriter, r *http.Request, ac *AuthContext, adm *admission, now time.Time) {
	metrics.RateLimitRejections.WithLabelValues(adm.scope, adm.window).Inc()

	retryAfter := int(adm.resetAt.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	setRateLimitHeaders(w, adm)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	rl.logger.Warn().
		Str("tenant", ac.TenantID.String()).
		Str("agent", ac.AgentID).
		Str("scope", adm.scope).
		Str("window", adm.window).
		Str("endpoint", r.URL.Path).
		Msg("rate limit exceeded")

	jsonError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// tenantLimits resolves the tenant's overrides against the defaults.
// Both the tenant scope and the credential scope use the same ceilings.
func (rl *RateLimiter) tenantLimits(ctx context.Context, ac *AuthContext) (models.RateLimits, error) {
	limits := rl.defaults
	tenant, err := rl.data.GetTenantLimits(ctx, ac.TenantID)
	if err != nil {
		return limits, err
	}
	if tenant == nil {
		return limits, nil
	}
	if tenant.LimitPerMinute != nil {
		limits.PerMinute = *tenant.LimitPerMinute
	}
	if tenant.LimitPerHour != nil {
		limits.PerHour = *tenant.LimitPerHour
	}
	if tenant.LimitPerDay != nil {
		limits.PerDay = *tenant.LimitPerDay
	}
	return limits, nil
}

func limitFor(limits models.RateLimits, window string) int {
	switch window {
	case store.WindowMinute:
		return limits.PerMinute
	case store.WindowHour:
		return limits.PerHour
	default:
		return limits.PerDay
	}
}

// alignWindow truncates now to the window boundary. Windows are fixed,
// not sliding: up to roughly twice the nominal rate can pass across a
// boundary, a documented tradeoff. Day windows align to UTC midnight.
func alignWindow(now time.Time, d time.Duration) time.Time {
	now = now.UTC()
	if d == 24*time.Hour {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return now.Truncate(d)
}

func setRateLimitHeaders(w http.ResponseWriter, adm *admission) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(adm.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(adm.remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(adm.resetAt.Unix(), 10))
}
