package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by provider and result
	// (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credkit_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"provider", "result"},
	)

	// PasscodesIssued counts one-time passcodes issued per purpose, including
	// rate-limited refusals.
	PasscodesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credkit_passcodes_issued_total",
			Help: "Total number of one-time passcode issuance requests",
		},
		[]string{"purpose", "result"},
	)

	// PasscodeVerifications counts verification outcomes (valid|invalid|error).
	PasscodeVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credkit_passcode_verifications_total",
			Help: "Total number of one-time passcode verification attempts",
		},
		[]string{"purpose", "result"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credkit_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credkit_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
