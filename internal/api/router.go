package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/toaklink/toaklink/internal/api/middleware"
	"github.com/toaklink/toaklink/internal/handlers"
	"github.com/toaklink/toaklink/internal/models"
	"github.com/toaklink/toaklink/internal/store"
)

// Mount is the path prefix all gateway routes live under. The canonical
// signing string contains the path below this prefix.
const Mount = "/v1/toaklink"

// Options wires the router's dependencies.
type Options struct {
	Logger          zerolog.Logger
	Data            store.DataStore
	Counters        store.CounterStore
	Pingers         map[string]handlers.Pinger
	Pepper          string
	FreshnessWindow time.Duration
	StorageTimeout  time.Duration
	DefaultLimits   models.RateLimits
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024))
	r.Use(middleware.RequireJSON)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(opts.Logger))
	r.Use(chimw.Recoverer)

	// CORS - agents call from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			middleware.HeaderAgentID, middleware.HeaderSignature, middleware.HeaderAlg,
			middleware.HeaderTimestamp, middleware.HeaderNonce, middleware.HeaderBodyHash,
		},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(opts.Data, opts.StorageTimeout, opts.Pingers)
	auth := middleware.NewAuthMiddleware(opts.Data, middleware.AuthConfig{
		Pepper:          opts.Pepper,
		FreshnessWindow: opts.FreshnessWindow,
		StorageTimeout:  opts.StorageTimeout,
		Mount:           Mount,
	}, opts.Logger)
	limiter := middleware.NewRateLimiter(opts.Counters, opts.Data, opts.DefaultLimits, opts.StorageTimeout, opts.Logger)

	r.NotFound(h.NotFound)

	// Unauthenticated operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	// Gateway routes: every request passes the full signature pipeline
	// and the rate limiter before reaching a handler.
	r.Route(Mount, func(r chi.Router) {
		r.Use(auth.Verify)
		r.Use(limiter.Enforce)

		r.Post("/send", h.Send)
		r.Post("/link", h.Link)
		r.Get("/inbox/{agentId}", h.Inbox)
		r.Get("/channel/{id}", h.Channel)
		r.Post("/channel/{id}/read", h.MarkChannelRead)
		r.Get("/recent/{agentId}", h.Recent)

		r.NotFound(h.NotFound)
	})

	return r
}
