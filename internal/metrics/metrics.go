// Package metrics exposes the router's Prometheus instrumentation,
// grounded on bun-kms/internal/metrics (promauto-registered vectors on
// package-level vars).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive is the number of currently connected client sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ddprouter_sessions_active",
		Help: "Number of currently connected client sessions",
	})

	// SubscriptionsActive counts the cursors of locally-offloaded
	// subscriptions by source kind (changestream or polling); a
	// subscription with several cursors counts once per cursor.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ddprouter_subscriptions_active",
			Help: "Number of cursors of subscriptions currently served locally",
		},
		[]string{"source"},
	)

	// SubscriptionDeclinedTotal counts subscriptions forwarded upstream
	// because offload was declined, by reason.
	SubscriptionDeclinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddprouter_subscriptions_declined_total",
			Help: "Total number of subscriptions declined for local offload",
		},
		[]string{"reason"},
	)

	// MergeboxFlushDuration is the latency of one mergebox Flush call.
	MergeboxFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ddprouter_mergebox_flush_duration_seconds",
		Help:    "Latency of mergebox flush operations",
		Buckets: prometheus.DefBuckets,
	})

	// SourceFailuresTotal counts fatal reactive-source failures by kind.
	SourceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddprouter_source_failures_total",
			Help: "Total number of fatal reactive source failures",
		},
		[]string{"source"},
	)

	// SessionsTerminatedTotal counts session teardowns by cause.
	SessionsTerminatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddprouter_sessions_terminated_total",
			Help: "Total number of sessions torn down, by cause",
		},
		[]string{"cause"},
	)
)
