// Package metrics records stream orchestration metrics.
// Use dot import to access MetricInc, MetricDuration, etc. directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatstream"

var (
	registry = prometheus.NewRegistry()

	durations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Duration of timed operations",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"topic", "function"},
	)

	counters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Count of events by topic and function",
		},
		[]string{"topic", "function"},
	)

	results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Success/failure results by operation",
		},
		[]string{"topic", "operation", "result", "reason"},
	)

	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Named outcomes by operation",
		},
		[]string{"topic", "operation", "outcome"},
	)

	errorCounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors by operation",
		},
		[]string{"topic", "operation", "error_type"},
	)

	gauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gauge",
			Help:      "Point-in-time values",
		},
		[]string{"topic", "function"},
	)
)

func init() {
	registry.MustRegister(durations, counters, results, outcomes, errorCounts, gauges)
}

// PrometheusRegistry returns the registry holding all chatstream collectors.
func PrometheusRegistry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Global functions for dot-import usage

// MetricDuration records a duration directly
func MetricDuration(topic, function string, duration time.Duration) {
	durations.WithLabelValues(topic, function).Observe(duration.Seconds())
}

// MetricTimer starts a timer and returns the func that records it
func MetricTimer(topic, function string) func() {
	start := time.Now()
	return func() {
		MetricDuration(topic, function, time.Since(start))
	}
}

// MetricInc increments a counter by 1
func MetricInc(topic, function string) {
	counters.WithLabelValues(topic, function).Inc()
}

// MetricAdd adds a value to a counter
func MetricAdd(topic, function string, delta int64) {
	if delta <= 0 {
		return
	}
	counters.WithLabelValues(topic, function).Add(float64(delta))
}

// MetricSet sets a gauge value
func MetricSet(topic, function string, value int64) {
	gauges.WithLabelValues(topic, function).Set(float64(value))
}

// MetricSuccess records a successful operation
func MetricSuccess(topic, operation string) {
	results.WithLabelValues(topic, operation, "success", "").Inc()
}

// MetricFail records a failed operation without reason
func MetricFail(topic, operation string) {
	MetricFailWithReason(topic, operation, "")
}

// MetricFailWithReason records a failed operation with a specific reason
func MetricFailWithReason(topic, operation, reason string) {
	results.WithLabelValues(topic, operation, "failure", reason).Inc()
}

// MetricOutcome records a specific outcome
func MetricOutcome(topic, operation, outcome string) {
	outcomes.WithLabelValues(topic, operation, outcome).Inc()
}

// MetricError records an error with type classification
func MetricError(topic, operation, errorType string) {
	errorCounts.WithLabelValues(topic, operation, errorType).Inc()
}
