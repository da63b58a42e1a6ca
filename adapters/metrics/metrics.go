// Package metrics provides Prometheus metrics collection for quotagate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotagate"

// Collector holds all Prometheus metrics for quotagate.
// Every Record/Observe method is safe on a nil *Collector.
type Collector struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Enforcement metrics
	Decisions          *prometheus.CounterVec
	FallbackDecisions  *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	StorageErrors      *prometheus.CounterVec
	SampledOut         *prometheus.CounterVec
	Rollovers          *prometheus.CounterVec

	// Event stream metrics
	StreamClients prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Quota decisions by metric and outcome",
			},
			[]string{"metric", "decision"},
		),
		FallbackDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_decisions_total",
				Help:      "Non-authoritative decisions made by the fail policy",
			},
			[]string{"reason"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Enforcement state transitions",
			},
			[]string{"from", "to"},
		),
		EvaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Time to evaluate and persist one account",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Storage failures by operation",
			},
			[]string{"op"},
		),
		SampledOut: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sampled_out_total",
				Help:      "Writes dropped by sampling",
			},
			[]string{"metric"},
		),
		Rollovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollovers_total",
				Help:      "Billing period rollovers by result",
			},
			[]string{"result"},
		),

		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_stream_clients",
				Help:      "Connected transition event stream clients",
			},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// RecordDecision counts one quota decision.
func (c *Collector) RecordDecision(metric, decision string) {
	if c == nil {
		return
	}
	c.Decisions.WithLabelValues(metric, decision).Inc()
}

// RecordFallback counts one decision made without authoritative state.
func (c *Collector) RecordFallback(reason string) {
	if c == nil {
		return
	}
	c.FallbackDecisions.WithLabelValues(reason).Inc()
}

// RecordTransition counts one state transition.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveEvaluation records how long an evaluation took.
func (c *Collector) ObserveEvaluation(d time.Duration) {
	if c == nil {
		return
	}
	c.EvaluationDuration.Observe(d.Seconds())
}

// RecordStorageError counts one storage failure.
func (c *Collector) RecordStorageError(op string) {
	if c == nil {
		return
	}
	c.StorageErrors.WithLabelValues(op).Inc()
}

// RecordSampledOut counts one write dropped by sampling.
func (c *Collector) RecordSampledOut(metric string) {
	if c == nil {
		return
	}
	c.SampledOut.WithLabelValues(metric).Inc()
}

// RecordRollover counts one account rollover.
func (c *Collector) RecordRollover(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.Rollovers.WithLabelValues(result).Inc()
}

// RecordConfigReload records a config reload attempt.
func (c *Collector) RecordConfigReload(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}
