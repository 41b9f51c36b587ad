// Package metrics defines the agent's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "build_agent"

var (
	TasksStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Total number of build tasks started.",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of build tasks completed, labeled by terminal state.",
		},
		[]string{"state"},
	)

	BuildDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of build tasks, including post-processing (seconds).",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 10800, 36000},
		},
	)

	CachePushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_pushes_total",
			Help:      "Total number of store path pushes, labeled by cache and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	LogEntriesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_dropped_total",
			Help:      "Total number of log entries dropped by the full logger bus.",
		},
	)

	LogShipperReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_shipper_reconnects_total",
			Help:      "Total number of connections (initial and reconnects) made to the remote log socket.",
		},
	)

	APIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Total number of retried CI API calls, labeled by operation.",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksStartedTotal,
		TasksCompletedTotal,
		BuildDurationSeconds,
		CachePushesTotal,
		LogEntriesDroppedTotal,
		LogShipperReconnectsTotal,
		APIRetriesTotal,
	)
}
