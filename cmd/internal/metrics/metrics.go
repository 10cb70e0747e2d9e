// Package metrics defines Aula's Prometheus instrumentation. Collectors are
// registered on the default registry and exposed via /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logins counts login attempts by role and outcome
	// (ok, invalid_credentials, inactive, session_active, error).
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aula",
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Login attempts by role and result.",
	}, []string{"role", "result"})

	// GuardRejections counts request-guard failures by reason.
	GuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aula",
		Subsystem: "auth",
		Name:      "guard_rejections_total",
		Help:      "Session guard rejections by reason.",
	}, []string{"reason"})

	// Evictions counts realtime connections evicted by a newer connection
	// for the same account.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aula",
		Subsystem: "presence",
		Name:      "evictions_total",
		Help:      "Connections evicted by single-live-connection enforcement.",
	})

	// SweepOffline counts accounts forced offline by the stale sweep.
	SweepOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aula",
		Subsystem: "presence",
		Name:      "sweep_offline_total",
		Help:      "Accounts forced offline by the stale-presence sweep.",
	})

	// WSConnections tracks currently registered realtime connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aula",
		Subsystem: "realtime",
		Name:      "connections",
		Help:      "Currently registered realtime connections.",
	})
)
