// Package telemetry provides logging, metrics and tracing for the agentfront server.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation status labels.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusRejected = "rejected"
	StatusTimeout  = "timeout"
	StatusBusy     = "busy"
	StatusCanceled = "canceled"
)

var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	inFlight           prometheus.Gauge
	lockWait           prometheus.Histogram
	turnLogDropped     prometheus.Counter
	checkpointOpsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfront_invocations_total",
			Help: "Total invocations by outcome.",
		}, []string{"status"}),
		invocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentfront_invocation_duration_seconds",
			Help:    "Invocation duration including the engine call.",
			Buckets: defaultBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentfront_invocations_in_flight",
			Help: "Invocations currently being served.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentfront_thread_lock_wait_seconds",
			Help:    "Time spent waiting for the per-thread lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		turnLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentfront_turn_log_dropped_total",
			Help: "Turn log records dropped because the log buffer was full.",
		}),
		checkpointOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfront_checkpoint_operations_total",
			Help: "Checkpoint store operations by operation and outcome.",
		}, []string{"op", "status"}),
	}

	m.registry.MustRegister(
		m.invocationsTotal,
		m.invocationDuration,
		m.inFlight,
		m.lockWait,
		m.turnLogDropped,
		m.checkpointOpsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordInvocation records a finished invocation.
func (m *Metrics) RecordInvocation(status string, duration time.Duration) {
	m.invocationsTotal.WithLabelValues(status).Inc()
	m.invocationDuration.Observe(duration.Seconds())
}

// RecordShed counts an invocation refused before it started. No duration
// is observed.
func (m *Metrics) RecordShed(status string) {
	m.invocationsTotal.WithLabelValues(status).Inc()
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement.
func (m *Metrics) TrackInFlight() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// ObserveLockWait records how long an invocation waited for its thread.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	m.lockWait.Observe(d.Seconds())
}

// TurnLogDropped counts one dropped turn log record.
func (m *Metrics) TurnLogDropped() {
	m.turnLogDropped.Inc()
}

// ObserveCheckpoint counts a checkpoint operation.
func (m *Metrics) ObserveCheckpoint(op string, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.checkpointOpsTotal.WithLabelValues(op, status).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
