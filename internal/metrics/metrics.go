// Package metrics holds the Prometheus collectors exported by plangraph.
// Collectors register with the default registry on package load and are
// served by the HTTP server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	// BusEvents counts delivered bus events by update type.
	BusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangraph_bus_events_total",
		Help: "Total update events published on session buses by update type",
	}, []string{"update_type"})

	// CircularUpdatesSuppressed counts incoming events a node ignored.
	CircularUpdatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plangraph_circular_updates_suppressed_total",
		Help: "Total incoming updates suppressed by the update guard",
	})

	// DerivedWritesDropped counts derived field writes rejected by the recency buffer.
	DerivedWritesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plangraph_derived_writes_dropped_total",
		Help: "Total derived field writes dropped because the field was written too recently",
	})

	// Persists counts debounced backend writes by result.
	Persists = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangraph_persist_total",
		Help: "Total debounced node writes by result",
	}, []string{"result"})

	// PersistDuration tracks backend write latency.
	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plangraph_persist_duration_seconds",
		Help:    "Debounced node write duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// RollupRecalculations counts hierarchy recalculations by trigger.
	RollupRecalculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangraph_rollup_recalculations_total",
		Help: "Total rollup recalculations by trigger",
	}, []string{"trigger"})

	// RemoteEvents counts relayed events by direction and result.
	RemoteEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangraph_remote_events_total",
		Help: "Total update events relayed to or received from other processes",
	}, []string{"direction", "result"})

	// SessionsActive is the number of open sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plangraph_sessions_active",
		Help: "Number of open sessions",
	})

	// MountedNodes is the number of mounted node controllers across sessions.
	MountedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plangraph_mounted_nodes",
		Help: "Number of node controllers mounted across all sessions",
	})

	// HTTPRequestDuration tracks API latency by route and status class.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plangraph_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})

	// BackupRuns counts export runs by destination and result.
	BackupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plangraph_backup_runs_total",
		Help: "Total graph backup exports by destination and result",
	}, []string{"destination", "result"})
)
