// Package metrics provides Prometheus instrumentation for the Ventline
// service. It exposes gauges for connection, queue, and session counts,
// counters for message and moderation throughput, and histograms for
// matching latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ventline_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueDepth tracks the current number of waiting participants per role.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ventline_queue_depth",
		Help: "Current number of participants waiting in the admission queue",
	}, []string{"role"}) // role = "speaker", "listener"

	// ActiveSessions tracks the current number of active sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ventline_active_sessions",
		Help: "Current number of active sessions",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// type: "sent", "received", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ventline_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "received", "blocked"

	// MatchesTotal counts the total number of pairings made.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ventline_matches_total",
		Help: "Total number of speaker/listener pairings made",
	})

	// MatchWaitSeconds records the time a participant spent in the queue
	// before being matched.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ventline_match_wait_seconds",
		Help:    "Time from queue admission to match found",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// ReportsTotal counts the total number of reports filed, labeled by category.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ventline_reports_total",
		Help: "Total number of reports filed",
	}, []string{"category"})

	// RestrictionsTotal counts the total number of restrictions issued,
	// labeled by kind.
	RestrictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ventline_restrictions_total",
		Help: "Total number of restrictions issued",
	}, []string{"kind"}) // kind = "warning", "temporary_ban", "permanent_ban"

	// BackendDegraded is 1 while the distributed backend has failed over to
	// local in-memory storage.
	BackendDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ventline_backend_degraded",
		Help: "1 when the service has failed over to local in-memory storage",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueDepth,
		ActiveSessions,
		MessagesTotal,
		MatchesTotal,
		MatchWaitSeconds,
		ReportsTotal,
		RestrictionsTotal,
		BackendDegraded,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
