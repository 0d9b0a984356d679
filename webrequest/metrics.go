/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes reported to MetricsCollector.
const (
	OutcomeResolved          = "resolved"
	OutcomeRejected          = "rejected"
	OutcomeContractViolation = "contract_violation"
)

// DefaultAttemptDurationBuckets is default buckets for the attempt duration histogram.
var DefaultAttemptDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// MetricsCollector collects metrics of the dispatcher and its requests.
type MetricsCollector interface {
	// SetQueueSizes sets the current sizes of pending, blocked and executing lists.
	SetQueueSizes(pending, blocked, executing int)

	// IncOutcomes increments the number of settled requests.
	IncOutcomes(method, outcome string)

	// IncRetries increments the number of scheduled retries.
	IncRetries(method string, handling ErrorHandlingType)

	// ObserveAttemptDuration observes the duration of a single fired attempt.
	ObserveAttemptDuration(method string, statusCode int, duration time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// AttemptDurationBuckets is a list of buckets for the attempt duration histogram.
	// DefaultAttemptDurationBuckets is used if empty.
	AttemptDurationBuckets []float64
}

// PrometheusMetrics is a MetricsCollector backed by Prometheus.
type PrometheusMetrics struct {
	QueueSize       *prometheus.GaugeVec
	OutcomesTotal   *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.AttemptDurationBuckets
	if len(buckets) == 0 {
		buckets = DefaultAttemptDurationBuckets
	}

	queueSize := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "webrequest_queue_size",
			Help:        "Number of requests in the dispatcher lists.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"list"},
	)

	outcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "webrequest_outcomes_total",
			Help:        "Number of settled requests.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"method", "outcome"},
	)

	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "webrequest_retries_total",
			Help:        "Number of scheduled retries.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"method", "handling"},
	)

	attemptDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "webrequest_attempt_duration_seconds",
			Help:        "Duration of a single request attempt.",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		},
		[]string{"method", "status"},
	)

	return &PrometheusMetrics{
		QueueSize:       queueSize,
		OutcomesTotal:   outcomesTotal,
		RetriesTotal:    retriesTotal,
		AttemptDuration: attemptDuration,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.QueueSize,
		pm.OutcomesTotal,
		pm.RetriesTotal,
		pm.AttemptDuration,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.QueueSize)
	prometheus.Unregister(pm.OutcomesTotal)
	prometheus.Unregister(pm.RetriesTotal)
	prometheus.Unregister(pm.AttemptDuration)
}

// SetQueueSizes sets the current sizes of pending, blocked and executing lists.
func (pm *PrometheusMetrics) SetQueueSizes(pending, blocked, executing int) {
	pm.QueueSize.WithLabelValues("pending").Set(float64(pending))
	pm.QueueSize.WithLabelValues("blocked").Set(float64(blocked))
	pm.QueueSize.WithLabelValues("executing").Set(float64(executing))
}

// IncOutcomes increments the number of settled requests.
func (pm *PrometheusMetrics) IncOutcomes(method, outcome string) {
	pm.OutcomesTotal.WithLabelValues(method, outcome).Inc()
}

// IncRetries increments the number of scheduled retries.
func (pm *PrometheusMetrics) IncRetries(method string, handling ErrorHandlingType) {
	pm.RetriesTotal.WithLabelValues(method, handling.String()).Inc()
}

// ObserveAttemptDuration observes the duration of a single fired attempt.
func (pm *PrometheusMetrics) ObserveAttemptDuration(method string, statusCode int, duration time.Duration) {
	pm.AttemptDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) SetQueueSizes(int, int, int)                       {}
func (disabledMetrics) IncOutcomes(string, string)                        {}
func (disabledMetrics) IncRetries(string, ErrorHandlingType)              {}
func (disabledMetrics) ObserveAttemptDuration(string, int, time.Duration) {}

var disabledMetricsCollector = disabledMetrics{}
