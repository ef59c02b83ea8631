package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toaklink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toaklink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Auth pipeline metrics. Stage labels are server-side only; the
	// client-facing error never carries them.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toaklink_auth_failures_total",
			Help: "Authentication pipeline failures by stage",
		},
		[]string{"stage"},
	)

	NonceReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toaklink_nonce_replays_total",
			Help: "Requests rejected by the nonce ledger",
		},
	)

	// Rate limit metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toaklink_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope", "window"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toaklink_messages_sent_total",
			Help: "Total messages relayed",
		},
	)
)
