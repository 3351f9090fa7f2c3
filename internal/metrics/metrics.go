// Package metrics holds the Prometheus collectors for the coordinator.
//
// Label sets are kept small and bounded: event classes, outcomes and close
// reasons are fixed vocabularies, never user or session ids.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_connections_active",
		Help: "Authenticated websocket connections currently open.",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_connections_rejected_total",
		Help: "Connection attempts that failed authentication, by reason.",
	}, []string{"reason"})

	QueueEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_queue_entries",
		Help: "Users currently waiting in any language-pair bucket.",
	})

	QueueJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_queue_joins_total",
		Help: "Queue join attempts by result.",
	}, []string{"result"})

	QueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_queue_evictions_total",
		Help: "Entries evicted for exceeding the maximum wait.",
	})

	QueueWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_queue_wait_seconds",
		Help:    "Time an entry waited before it was paired.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_sweep_duration_seconds",
		Help:    "Duration of one pairing sweep across all buckets.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	PairsFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_pairs_formed_total",
		Help: "Pairs produced by pairing sweeps.",
	})

	MatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_match_outcomes_total",
		Help: "Resolved negotiations by final state.",
	}, []string{"state"})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_sessions_active",
		Help: "Open two-party sessions.",
	})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_sessions_closed_total",
		Help: "Closed sessions by reason.",
	}, []string{"reason"})

	SignalsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_signals_relayed_total",
		Help: "Signaling messages by relay result.",
	}, []string{"result"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_rate_limited_total",
		Help: "Events denied by the per-user limiter, by class.",
	}, []string{"class"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive, ConnectionsRejected,
		QueueEntries, QueueJoins, QueueEvictions, QueueWaitSeconds, SweepDuration, PairsFormed,
		MatchOutcomes,
		SessionsActive, SessionsClosed, SignalsRelayed,
		RateLimited,
		HTTPRequests, HTTPDuration,
	)
}
