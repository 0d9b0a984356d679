/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-webqueue/log/logtest"
	"github.com/acronis/go-webqueue/testutil"
	"github.com/acronis/go-webqueue/webrequest"
)

func TestTransport_WithDispatcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"path": r.URL.Path, "in": in, "ua": r.UserAgent()})
	}))
	defer server.Close()

	logger := logtest.NewRecorder()
	collector := NewPrometheusMetricsCollector("test")
	cfg := NewDefaultConfig()
	cfg.Metrics.Enabled = true
	tr, err := New(cfg, Opts{Logger: logger, RequestType: "e2e", MetricsCollector: collector})
	require.NoError(t, err)

	d := webrequest.NewDispatcher(tr)
	defer d.Close()

	t.Run("success", func(t *testing.T) {
		req := webrequest.NewRequest(d, http.MethodPost, server.URL+"/items", webrequest.Options{
			SendData: map[string]any{"name": "report"},
		}, nil, nil)
		res, err := req.Start(context.Background())
		require.NoError(t, err)
		resp, err := res.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, map[string]any{
			"path": "/items", "in": map[string]any{"name": "report"}, "ua": DefaultUserAgent,
		}, resp.Body)
		require.Equal(t, "application/json", resp.Headers["content-type"])
	})

	t.Run("retried until success", func(t *testing.T) {
		flaky := testutil.NewScriptedServer(
			testutil.Reply{StatusCode: http.StatusServiceUnavailable},
			testutil.Reply{StatusCode: http.StatusServiceUnavailable},
			testutil.JSONReply(http.StatusOK, `{"ok":true}`),
		)
		defer flaky.Close()

		req := webrequest.NewRequest(d, http.MethodGet, flaky.URL+"/flaky", webrequest.Options{
			CustomErrorClassifier: func(_ *webrequest.Request, errResp *webrequest.ErrorResponse) webrequest.ErrorHandlingType {
				if errResp.StatusCode == http.StatusServiceUnavailable {
					return webrequest.RetryUncountedImmediately
				}
				return webrequest.DoNotRetry
			},
		}, nil, nil)
		res, err := req.Start(context.Background())
		require.NoError(t, err)
		resp, err := res.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, map[string]any{"ok": true}, resp.Body)
		flaky.RequireCalls(t, 3)
		for _, r := range flaky.Requests() {
			require.NotEmpty(t, r.Header.Get(RequestIDHeader))
		}
	})

	t.Run("rejected", func(t *testing.T) {
		req := webrequest.NewRequest(d, http.MethodGet, server.URL+"/missing", webrequest.Options{}, nil, nil)
		res, err := req.Start(context.Background())
		require.NoError(t, err)
		_, err = res.Wait(context.Background())
		var errResp *webrequest.ErrorResponse
		require.True(t, errors.As(err, &errResp))
		require.Equal(t, http.StatusNotFound, errResp.StatusCode)
		require.Equal(t, "Not Found", errResp.StatusText)
	})

	t.Run("timed out", func(t *testing.T) {
		slow := testutil.NewScriptedServer(testutil.Reply{Delay: time.Minute})
		defer slow.Close()

		req := webrequest.NewRequest(d, http.MethodGet, slow.URL, webrequest.Options{Timeout: 50 * time.Millisecond}, nil, nil)
		res, err := req.Start(context.Background())
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = res.Wait(ctx)
		var errResp *webrequest.ErrorResponse
		require.True(t, errors.As(err, &errResp))
		require.True(t, errResp.TimedOut)
	})

	require.Positive(t, promtestutil.CollectAndCount(collector.Durations))
	_, found := logger.FindEntry("client http request done")
	require.True(t, found)
}

func TestNew_MetricsWithoutCollector(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Metrics.Enabled = true
	_, err := New(cfg, Opts{})
	require.EqualError(t, err, "metrics are enabled but no metrics collector is provided")

	cfg = NewDefaultConfig()
	cfg.RateLimits.Enabled = true
	cfg.RateLimits.Limit = -1
	_, err = New(cfg, Opts{})
	require.ErrorContains(t, err, "create rate limiting round tripper")

	require.Panics(t, func() { Must(cfg, Opts{}) })
	require.NotNil(t, Must(nil, Opts{}).Client())
}
