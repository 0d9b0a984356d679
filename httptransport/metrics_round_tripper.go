/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httptransport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRequestType is used as a request type label when none is configured.
const DefaultRequestType = "webqueue"

// ClassifyRequest produces a non-parameterized summary of the request for the "summary" label.
// "<method> <request type>" is used if nil.
var ClassifyRequest func(r *http.Request, requestType string) string

// MetricsCollector collects metrics of the requests sent over the wire.
// A request retried by the dispatcher is reported once per attempt.
type MetricsCollector interface {
	// RequestStarted is called before the request is sent to the host.
	RequestStarted(requestType, host string)
	// RequestFinished is called when the response head is received or sending failed (status "0").
	RequestFinished(requestType, host, summary, status string, elapsed time.Duration)
}

// PrometheusMetricsCollector is a MetricsCollector backed by Prometheus.
type PrometheusMetricsCollector struct {
	// Durations is a histogram of the request durations up to the response head.
	Durations *prometheus.HistogramVec
	// InFlight is the number of requests sent to a host and not answered yet.
	InFlight *prometheus.GaugeVec
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_client_request_duration_seconds",
			Help:      "A histogram of the outgoing HTTP requests durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600},
		}, []string{"type", "remote_address", "summary", "status"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_client_requests_in_flight",
			Help:      "Number of outgoing HTTP requests waiting for the response.",
		}, []string{"type", "remote_address"}),
	}
}

// MustRegister registers the collectors in the default Prometheus registry.
func (p *PrometheusMetricsCollector) MustRegister() {
	prometheus.MustRegister(p.Durations, p.InFlight)
}

// Unregister removes the collectors from the default Prometheus registry.
func (p *PrometheusMetricsCollector) Unregister() {
	prometheus.Unregister(p.Durations)
	prometheus.Unregister(p.InFlight)
}

// RequestStarted implements MetricsCollector.
func (p *PrometheusMetricsCollector) RequestStarted(requestType, host string) {
	p.InFlight.WithLabelValues(requestType, host).Inc()
}

// RequestFinished implements MetricsCollector.
func (p *PrometheusMetricsCollector) RequestFinished(requestType, host, summary, status string, elapsed time.Duration) {
	p.InFlight.WithLabelValues(requestType, host).Dec()
	p.Durations.WithLabelValues(requestType, host, summary, status).Observe(elapsed.Seconds())
}

// MetricsRoundTripper reports every request passed through it to the collector.
type MetricsRoundTripper struct {
	Delegate    http.RoundTripper
	RequestType string
	Collector   MetricsCollector
}

// MetricsRoundTripperOpts represents an options for MetricsRoundTripper.
type MetricsRoundTripperOpts struct {
	// RequestType is the "type" label. DefaultRequestType is used if empty.
	// The request type stored in the request context takes precedence.
	RequestType string

	// Collector is a metrics collector. Nothing is measured if nil.
	Collector MetricsCollector
}

// NewMetricsRoundTripperWithOpts creates an HTTP transport that measures requests done.
func NewMetricsRoundTripperWithOpts(delegate http.RoundTripper, opts MetricsRoundTripperOpts) http.RoundTripper {
	requestType := opts.RequestType
	if requestType == "" {
		requestType = DefaultRequestType
	}
	return &MetricsRoundTripper{Delegate: delegate, RequestType: requestType, Collector: opts.Collector}
}

// RoundTrip implements http.RoundTripper.
func (rt *MetricsRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Collector == nil {
		return rt.Delegate.RoundTrip(r)
	}

	requestType := GetRequestTypeFromContext(r.Context())
	if requestType == "" {
		requestType = rt.RequestType
	}
	host := r.URL.Host

	rt.Collector.RequestStarted(requestType, host)
	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	status := "0"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	rt.Collector.RequestFinished(requestType, host, requestSummary(r, requestType), status, time.Since(start))
	return resp, err
}

func requestSummary(r *http.Request, requestType string) string {
	if ClassifyRequest != nil {
		return ClassifyRequest(r, requestType)
	}
	return r.Method + " " + requestType
}
