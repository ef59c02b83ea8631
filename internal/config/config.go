package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default rate-limit ceilings, applied per tenant and per credential
// unless the tenant carries overrides.
const (
	DefaultLimitPerMinute = 20
	DefaultLimitPerHour   = 100
	DefaultLimitPerDay    = 1000
)

// Config holds all configuration for the gateway.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string
	SQLitePath  string // dev fallback when DATABASE_URL is unset

	// APIKeyPepper is the server-side HMAC key for deriving API key
	// lookup tokens. Raw keys are never stored.
	APIKeyPepper string

	// FreshnessWindow bounds the accepted clock skew for signature
	// timestamps, and doubles as the nonce TTL.
	FreshnessWindow time.Duration

	// StorageTimeout caps each storage call on the signature path.
	StorageTimeout time.Duration

	// Default ceilings; tenants may override.
	LimitPerMinute int
	LimitPerHour   int
	LimitPerDay    int
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		SQLitePath:      getEnv("SQLITE_PATH", "./data/toaklink.db"),
		APIKeyPepper:    os.Getenv("API_KEY_PEPPER"),
		FreshnessWindow: getDuration("SIGNATURE_FRESHNESS", 5*time.Minute),
		StorageTimeout:  getDuration("STORAGE_TIMEOUT", 5*time.Second),
		LimitPerMinute:  getInt("RATE_LIMIT_PER_MINUTE", DefaultLimitPerMinute),
		LimitPerHour:    getInt("RATE_LIMIT_PER_HOUR", DefaultLimitPerHour),
		LimitPerDay:     getInt("RATE_LIMIT_PER_DAY", DefaultLimitPerDay),
	}

	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.APIKeyPepper == "" {
			panic("API_KEY_PEPPER is required in production")
		}
	}
	if cfg.APIKeyPepper == "" {
		cfg.APIKeyPepper = "dev-pepper-not-for-production"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
