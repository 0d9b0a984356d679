/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatherSingle collects the only series exposed by c (a plain metric or a vector with one label set).
func gatherSingle(t assert.TestingT, c prometheus.Collector) (*dto.Metric, bool) {
	reg := prometheus.NewPedanticRegistry()
	if !assert.NoError(t, reg.Register(c)) {
		return nil, false
	}
	families, err := reg.Gather()
	if !assert.NoError(t, err) || !assert.Len(t, families, 1) || !assert.Len(t, families[0].GetMetric(), 1) {
		return nil, false
	}
	return families[0].GetMetric()[0], true
}

// AssertSamplesCountInHistogram asserts how many observations the histogram has.
func AssertSamplesCountInHistogram(t assert.TestingT, hist prometheus.Collector, wantSamplesCount int) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	m, ok := gatherSingle(t, hist)
	if !ok || !assert.NotNil(t, m.GetHistogram(), "collector is not a histogram") {
		return false
	}
	return assert.Equal(t, uint64(wantSamplesCount), m.GetHistogram().GetSampleCount())
}

// RequireSamplesCountInHistogram is like AssertSamplesCountInHistogram but stops the test on failure.
func RequireSamplesCountInHistogram(t require.TestingT, hist prometheus.Collector, wantSamplesCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	if !AssertSamplesCountInHistogram(t, hist, wantSamplesCount) {
		t.FailNow()
	}
}

// AssertMetricValue asserts the value of a counter or a gauge.
func AssertMetricValue(t assert.TestingT, c prometheus.Collector, want float64) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	m, ok := gatherSingle(t, c)
	if !ok {
		return false
	}
	switch {
	case m.GetCounter() != nil:
		return assert.Equal(t, want, m.GetCounter().GetValue())
	case m.GetGauge() != nil:
		return assert.Equal(t, want, m.GetGauge().GetValue())
	}
	return assert.Fail(t, "collector is neither a counter nor a gauge")
}

// RequireMetricValue is like AssertMetricValue but stops the test on failure.
func RequireMetricValue(t require.TestingT, c prometheus.Collector, want float64) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	if !AssertMetricValue(t, c, want) {
		t.FailNow()
	}
}
