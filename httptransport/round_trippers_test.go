/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httptransport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/log/logtest"
	"github.com/acronis/go-webqueue/testutil"
)

func doRequest(t *testing.T, rt http.RoundTripper, req *http.Request) (*http.Response, error) {
	t.Helper()
	resp, err := (&http.Client{Transport: rt}).Do(req)
	if err == nil {
		require.NoError(t, resp.Body.Close())
	}
	return resp, err
}

func TestLoggingRoundTripper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			rw.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	tests := []struct {
		name      string
		mode      LoggingMode
		threshold time.Duration
		path      string
		wantLog   bool
	}{
		{name: "all, success", mode: LoggingModeAll, path: "/ok", wantLog: true},
		{name: "all, failure", mode: LoggingModeAll, path: "/fail", wantLog: true},
		{name: "failed, success", mode: LoggingModeFailed, path: "/ok", wantLog: false},
		{name: "failed, failure", mode: LoggingModeFailed, path: "/fail", wantLog: true},
		{name: "none", mode: LoggingModeNone, path: "/fail", wantLog: false},
		{name: "fast request", mode: LoggingModeAll, threshold: time.Hour, path: "/ok", wantLog: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logtest.NewRecorder()
			rt := NewLoggingRoundTripperWithOpts(http.DefaultTransport, "test-request", LoggingRoundTripperOpts{
				Mode: tt.mode, SlowRequestThreshold: tt.threshold,
			})
			req, err := http.NewRequestWithContext(
				NewContextWithLogger(context.Background(), logger), http.MethodPost, server.URL+tt.path, nil)
			require.NoError(t, err)
			req.Header.Set(RequestIDHeader, "req-1")
			_, err = doRequest(t, rt, req)
			require.NoError(t, err)

			if !tt.wantLog {
				require.Empty(t, logger.Entries())
				return
			}
			entry, found := logger.FindEntry("client http request done")
			require.True(t, found)
			requireLogField(t, entry, "method", http.MethodPost)
			requireLogField(t, entry, "url", server.URL+tt.path)
			requireLogField(t, entry, "request_type", "test-request")
			requireLogField(t, entry, "request_id", "req-1")
		})
	}
}

func TestLoggingRoundTripper_Error(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serverURL := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	logger := logtest.NewRecorder()
	rt := NewLoggingRoundTripperWithOpts(http.DefaultTransport, "test-request", LoggingRoundTripperOpts{
		LoggerProvider: func(ctx context.Context) log.FieldLogger { return logger },
	})
	ctx := NewContextWithRequestType(context.Background(), "override")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL, nil)
	require.NoError(t, err)
	_, err = doRequest(t, rt, req)
	require.Error(t, err)

	entry, found := logger.FindEntry("client http request failed")
	require.True(t, found)
	require.Equal(t, log.LevelError, entry.Level)
	requireLogField(t, entry, "request_type", "override")
	_, found = entry.FindField("status")
	require.False(t, found)
}

func requireLogField(t *testing.T, entry logtest.RecordedEntry, key, want string) {
	t.Helper()
	_, found := entry.FindField(key)
	require.True(t, found, "field %q is not found", key)
	require.Equal(t, want, entry.FieldString(key))
}

func TestMetricsRoundTripper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	collector := NewPrometheusMetricsCollector("")
	rt := NewMetricsRoundTripperWithOpts(http.DefaultTransport, MetricsRoundTripperOpts{Collector: collector})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = doRequest(t, rt, req)
	require.NoError(t, err)

	require.Equal(t, 1, promtestutil.CollectAndCount(collector.Durations))
	hist := collector.Durations.WithLabelValues(DefaultRequestType, req.URL.Host, "GET "+DefaultRequestType, "202")
	testutil.RequireSamplesCountInHistogram(t, hist.(prometheus.Histogram), 1)
	testutil.RequireMetricValue(t, collector.InFlight.WithLabelValues(DefaultRequestType, req.URL.Host), 0)

	// Without collector the round tripper is transparent.
	rt = NewMetricsRoundTripperWithOpts(http.DefaultTransport, MetricsRoundTripperOpts{RequestType: "x"})
	req, err = http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := doRequest(t, rt, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRequestIDRoundTripper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("X-Got-Request-ID", r.Header.Get(RequestIDHeader))
	}))
	defer server.Close()

	do := func(rt http.RoundTripper, ctx context.Context, header string) string {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set(RequestIDHeader, header)
		}
		resp, err := doRequest(t, rt, req)
		require.NoError(t, err)
		return resp.Header.Get("X-Got-Request-ID")
	}

	rt := NewRequestIDRoundTripper(http.DefaultTransport)
	generated := do(rt, context.Background(), "")
	_, err := xid.FromString(generated)
	require.NoError(t, err)
	require.NotEqual(t, generated, do(rt, context.Background(), ""))
	require.Equal(t, "from-header", do(rt, context.Background(), "from-header"))
	require.Equal(t, "from-ctx", do(rt, NewContextWithRequestID(context.Background(), "from-ctx"), ""))

	rt = NewRequestIDRoundTripperWithOpts(http.DefaultTransport, RequestIDRoundTripperOpts{
		RequestIDProvider: func(ctx context.Context) string { return "from-provider" },
	})
	require.Equal(t, "from-provider", do(rt, NewContextWithRequestID(context.Background(), "from-ctx"), ""))
}

func TestUserAgentRoundTripper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("X-User-Agent", r.UserAgent())
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tests := []struct {
		name          string
		reqUserAgent  string
		strategy      UserAgentUpdateStrategy
		wantUserAgent string
	}{
		{name: "set if empty", strategy: UserAgentUpdateStrategySetIfEmpty, wantUserAgent: "webqueue/1.0"},
		{name: "set if empty, existing", reqUserAgent: "cli/0.1", strategy: UserAgentUpdateStrategySetIfEmpty, wantUserAgent: "cli/0.1"},
		{name: "append, empty", strategy: UserAgentUpdateStrategyAppend, wantUserAgent: "webqueue/1.0"},
		{name: "append, existing", reqUserAgent: "cli/0.1", strategy: UserAgentUpdateStrategyAppend, wantUserAgent: "cli/0.1 webqueue/1.0"},
		{name: "prepend, existing", reqUserAgent: "cli/0.1", strategy: UserAgentUpdateStrategyPrepend, wantUserAgent: "webqueue/1.0 cli/0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			require.NoError(t, err)
			req.Header.Set("User-Agent", tt.reqUserAgent)
			rt := NewUserAgentRoundTripperWithStrategy(http.DefaultTransport, "webqueue/1.0", tt.strategy)
			resp, err := doRequest(t, rt, req)
			require.NoError(t, err)
			require.Equal(t, tt.wantUserAgent, resp.Header.Get("X-User-Agent"))
		})
	}
}

func TestNewRateLimitingRoundTripper(t *testing.T) {
	tests := []struct {
		name       string
		rateLimit  int
		opts       RateLimitingRoundTripperOpts
		wantErrMsg string
	}{
		{name: "rate limit is zero", rateLimit: 0, wantErrMsg: "rate limit must be positive"},
		{name: "burst is negative", rateLimit: 1, opts: RateLimitingRoundTripperOpts{Burst: -1}, wantErrMsg: "burst must be positive"},
		{
			name: "slack percent > 100", rateLimit: 1,
			opts:       RateLimitingRoundTripperOpts{Adaptation: RateLimitingAdaptation{SlackPercent: 101}},
			wantErrMsg: "slack percent must be in range [0..100]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, tt.rateLimit, tt.opts)
			require.EqualError(t, err, tt.wantErrMsg)
		})
	}

	rt, err := NewRateLimitingRoundTripper(http.DefaultTransport, 3)
	require.NoError(t, err)
	require.Equal(t, DefaultRateLimitingBurst, rt.Burst)
	require.Equal(t, DefaultRateLimitingWaitTimeout, rt.WaitTimeout)
}

func TestRateLimitingRoundTripper_RoundTrip(t *testing.T) {
	const allowedTimeDeviation = 100 * time.Millisecond

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if rl := r.URL.Query().Get("rateLimit"); rl != "" {
			rw.Header().Set("X-Rate-Limit", rl)
		}
	}))
	defer server.Close()

	t.Run("wait timeout is exceeded", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 1,
			RateLimitingRoundTripperOpts{WaitTimeout: 200 * time.Millisecond})
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)

		startedAt := time.Now()
		req, _ = http.NewRequest(http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		var waitErr *RateLimitingWaitError
		require.ErrorAs(t, err, &waitErr)
		require.True(t, IsRateLimitingWaitError(err))
		require.WithinDuration(t, startedAt, time.Now(), allowedTimeDeviation)
	})

	t.Run("canceled request is not sent", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripper(http.DefaultTransport, 1)
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		req, _ = http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.False(t, IsRateLimitingWaitError(err))
	})

	t.Run("request deadline shorter than wait timeout", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 1,
			RateLimitingRoundTripperOpts{WaitTimeout: time.Minute})
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		startedAt := time.Now()
		req, _ = http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.False(t, IsRateLimitingWaitError(err))
		require.WithinDuration(t, startedAt, time.Now(), allowedTimeDeviation)
	})

	t.Run("second request is throttled", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripper(http.DefaultTransport, 5)
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)

		startedAt := time.Now()
		req, _ = http.NewRequest(http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)
		require.WithinDuration(t, startedAt.Add(time.Second/5), time.Now(), allowedTimeDeviation)
	})

	t.Run("limit follows response header", func(t *testing.T) {
		rt, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 10, RateLimitingRoundTripperOpts{
			Adaptation: RateLimitingAdaptation{ResponseHeaderName: "X-Rate-Limit", SlackPercent: 50},
		})
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, server.URL+"?rateLimit=4", nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)
		require.Equal(t, rate.Limit(2), rt.limiter.Limit())

		req, _ = http.NewRequest(http.MethodGet, server.URL+"?rateLimit=1", nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)
		require.Equal(t, rate.Limit(1), rt.limiter.Limit(), "limit never drops to zero")

		req, _ = http.NewRequest(http.MethodGet, server.URL, nil)
		_, err = doRequest(t, rt, req)
		require.NoError(t, err)
		require.Equal(t, rate.Limit(10), rt.limiter.Limit(), "configured limit is restored")
	})
}
