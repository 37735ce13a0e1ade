// Package metrics holds the Prometheus collectors shared by the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	pullsTotal        *prometheus.CounterVec
	pullDuration      *prometheus.HistogramVec
	pushRecords       *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	recoveriesTotal   *prometheus.CounterVec
	pushQueueDepth    prometheus.Gauge
}

// New registers collectors on reg. A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobsync_cache_hits_total",
			Help: "Freshness cache lookups served from memory",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobsync_cache_misses_total",
			Help: "Freshness cache lookups that were absent, invalidated or expired",
		}),
		pullsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsync_pulls_total",
			Help: "Remote pulls by table and outcome",
		}, []string{"table", "outcome"}),
		pullDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobsync_pull_duration_seconds",
			Help:    "Time to pull a table from the remote store, retries included",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"table"}),
		pushRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsync_push_records_total",
			Help: "Records pushed by table, operation and outcome",
		}, []string{"table", "op", "outcome"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsync_remote_retries_total",
			Help: "Remote call retries by operation",
		}, []string{"op"}),
		conflictsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsync_conflicts_detected_total",
			Help: "Conflicts detected during reconciliation",
		}, []string{"table"}),
		conflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsync_conflicts_resolved_total",
			Help: "Conflict resolution outcomes by strategy",
		}, []string{"strategy", "outcome"}),
		recoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsync_recoveries_total",
			Help: "Recovery attempts by source and outcome",
		}, []string{"source", "outcome"}),
		pushQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobsync_push_queue_depth",
			Help: "Pushes waiting for the background worker",
		}),
	}
}

// CacheHit counts a fresh cache read.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss counts a cache read that fell through.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// Pull records a finished pull.
func (m *Metrics) Pull(table, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.pullsTotal.WithLabelValues(table, outcome).Inc()
	m.pullDuration.WithLabelValues(table).Observe(took.Seconds())
}

// PushRecords counts n records pushed with an outcome.
func (m *Metrics) PushRecords(table, op, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pushRecords.WithLabelValues(table, op, outcome).Add(float64(n))
}

// Retry counts one retry of a remote operation.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(op).Inc()
}

// ConflictsDetected counts detected conflicts.
func (m *Metrics) ConflictsDetected(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.conflictsDetected.WithLabelValues(table).Add(float64(n))
}

// ConflictResolved counts one resolution attempt.
func (m *Metrics) ConflictResolved(strategy, outcome string) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(strategy, outcome).Inc()
}

// Recovery counts one recovery attempt.
func (m *Metrics) Recovery(source, outcome string) {
	if m == nil {
		return
	}
	m.recoveriesTotal.WithLabelValues(source, outcome).Inc()
}

// PushQueueDepth reports the background push backlog.
func (m *Metrics) PushQueueDepth(n int) {
	if m == nil {
		return
	}
	m.pushQueueDepth.Set(float64(n))
}
