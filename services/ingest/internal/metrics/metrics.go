// Package metrics provides Prometheus metrics for the ingest pipeline.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests and dry runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "argo_ingest"

// Metrics holds all ingest metrics.
type Metrics struct {
	WindowsTotal        *prometheus.CounterVec
	RowsTotal           *prometheus.CounterVec
	FetchAttempts       *prometheus.CounterVec
	FetchDuration       prometheus.Histogram
	UpsertDuration      prometheus.Histogram
	Checkpoint          prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge
	BreakerTrips        prometheus.Counter
	CheckpointErrors    prometheus.Counter

	registry *prometheus.Registry
}

// New creates a metrics instance on its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.WindowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Fetch windows settled, by outcome",
		},
		[]string{"outcome"},
	)
	m.RowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows seen by stage: fetched, rejected, persisted, failed",
		},
		[]string{"stage"},
	)
	m.FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Upstream requests by result class",
		},
		[]string{"class"},
	)
	m.FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Latency of single upstream requests",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
	})
	m.UpsertDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upsert_duration_seconds",
		Help:      "Time spent persisting one window",
		Buckets:   prometheus.DefBuckets,
	})
	m.Checkpoint = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkpoint_timestamp_seconds",
		Help:      "Current checkpoint as a unix timestamp",
	})
	m.ConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consecutive_window_failures",
		Help:      "Consecutive failed windows seen by the circuit breaker",
	})
	m.BreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_trips_total",
		Help:      "Times the circuit breaker paused the pipeline",
	})
	m.CheckpointErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoint_write_errors_total",
		Help:      "Failed checkpoint writes",
	})

	m.registry.MustRegister(
		m.WindowsTotal,
		m.RowsTotal,
		m.FetchAttempts,
		m.FetchDuration,
		m.UpsertDuration,
		m.Checkpoint,
		m.ConsecutiveFailures,
		m.BreakerTrips,
		m.CheckpointErrors,
	)
	return m
}

// Registry exposes the underlying registry (for tests and custom handlers).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFetchAttempt(class string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(class).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordWindow(outcome string) {
	if m == nil {
		return
	}
	m.WindowsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddRows(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsTotal.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) ObserveUpsert(d time.Duration) {
	if m == nil {
		return
	}
	m.UpsertDuration.Observe(d.Seconds())
}

func (m *Metrics) SetCheckpoint(t time.Time) {
	if m == nil || t.IsZero() {
		return
	}
	m.Checkpoint.Set(float64(t.Unix()))
}

func (m *Metrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.ConsecutiveFailures.Set(float64(n))
}

func (m *Metrics) RecordBreakerTrip() {
	if m == nil {
		return
	}
	m.BreakerTrips.Inc()
}

func (m *Metrics) RecordCheckpointError() {
	if m == nil {
		return
	}
	m.CheckpointErrors.Inc()
}
