package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is the isolation boundary. It owns API keys, agent keys,
// messages, and optional rate-limit overrides. Tenants are created by
// out-of-band administration, never through the gateway.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// Per-tenant rate-limit overrides. Nil means the server default.
	LimitPerMinute *int `json:"limit_per_minute,omitempty"`
	LimitPerHour   *int `json:"limit_per_hour,omitempty"`
	LimitPerDay    *int `json:"limit_per_day,omitempty"`
}

// RateLimits holds the effective ceilings for one scope after
// overrides have been resolved against the defaults.
type RateLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}
