package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution.
//
// Metrics exposed (all namespaced with "dataflow_"):
//
//  1. inflight_units (gauge): units currently submitted to the backend.
//  2. units_total (counter): finished units by task and status
//     (success, failed, cached, unreachable).
//  3. unit_latency_ms (histogram): unit execution duration by task and
//     status. Buckets span 1ms to 10s.
//  4. retries_total (counter): retry attempts by task.
//  5. runs_total (counter): completed runs by status.
//
// A nil *Metrics is valid and records nothing, so instrumentation sites
// never need a nil check.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	sub := flow.NewSubmitter(backend, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflightUnits prometheus.Gauge
	units         *prometheus.CounterVec
	unitLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	runs          *prometheus.CounterVec
}

// NewMetrics creates and registers all execution metrics with the given
// registry. A nil registry uses the global default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightUnits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataflow",
			Name:      "inflight_units",
			Help:      "Number of units currently submitted to the worker backend.",
		}),
		units: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Name:      "units_total",
			Help:      "Finished work units by task and terminal status.",
		}, []string{"task", "status"}),
		unitLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dataflow",
			Name:      "unit_latency_ms",
			Help:      "Unit execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"task", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Name:      "retries_total",
			Help:      "Retry attempts by task.",
		}, []string{"task"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Name:      "runs_total",
			Help:      "Completed workflow runs by status.",
		}, []string{"status"}),
	}
}

// UnitSubmitted records a unit entering the backend.
func (m *Metrics) UnitSubmitted() {
	if m == nil {
		return
	}
	m.inflightUnits.Inc()
}

// UnitFinished records a unit leaving the backend with its terminal status
// and duration.
func (m *Metrics) UnitFinished(task, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightUnits.Dec()
	m.units.WithLabelValues(task, status).Inc()
	m.unitLatency.WithLabelValues(task, status).Observe(float64(d.Milliseconds()))
}

// UnitSettled records a unit that never reached the backend: cache hits and
// unreachable units.
func (m *Metrics) UnitSettled(task, status string) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(task, status).Inc()
}

// Retry records one retry attempt for a task.
func (m *Metrics) Retry(task string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(task).Inc()
}

// RunFinished records a completed run.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}
