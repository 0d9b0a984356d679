/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ssgreg/logf"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-webqueue/httptransport"
	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/log/logtest"
)

func TestMaskingLogger(t *testing.T) {
	recorder := logtest.NewRecorder()
	maskingLog := log.NewMaskingLogger(recorder, log.MustNewMasker(log.DefaultMaskingRules))

	requireEntry := func(wantText string, wantLevel log.Level, wantFields ...log.Field) {
		t.Helper()
		entries := recorder.Entries()
		require.Len(t, entries, 1)
		require.Equal(t, wantText, entries[0].Text)
		require.Equal(t, wantLevel, entries[0].Level)
		require.ElementsMatch(t, wantFields, entries[0].Fields)
		recorder.Reset()
	}

	const rawURL = "https://example.com/token?client_secret=123"
	const maskedURL = "https://example.com/token?client_secret=***"

	for _, tt := range []struct {
		level log.Level
		logFn func(string, ...log.Field)
	}{
		{log.LevelDebug, maskingLog.Debug},
		{log.LevelInfo, maskingLog.Info},
		{log.LevelWarn, maskingLog.Warn},
		{log.LevelError, maskingLog.Error},
	} {
		tt.logFn("request to "+rawURL+" failed", log.String("url", rawURL), log.Error(errors.New("dial "+rawURL)))
		requireEntry("request to "+maskedURL+" failed", tt.level,
			log.String("url", maskedURL), log.Error(errors.New("dial "+maskedURL)))
	}

	maskingLog.With(log.String("url", rawURL), log.NamedError("cause", errors.New("password=1"))).Info("firing request")
	requireEntry("firing request", log.LevelInfo,
		log.String("url", maskedURL), log.NamedError("cause", errors.New("password=***")))

	maskingLog.AtLevel(log.LevelInfo, func(logFn log.LogFunc) {
		logFn("retrying "+rawURL, log.String("url", rawURL))
	})
	requireEntry("retrying "+maskedURL, log.LevelInfo, log.String("url", maskedURL))

	maskingLog.WithLevel(log.LevelWarn).Info("dropped")
	require.Empty(t, recorder.Entries())

	maskingLog.Info("dump", log.Strings("headers", []string{"Authorization: Bearer t", "Accept: */*"}))
	requireEntry("dump", log.LevelInfo, log.Strings("headers", []string{"Authorization: ***", "Accept: */*"}))

	maskingLog.Info("dump", log.Bytes("body", []byte(`{"password":"x"}`)))
	requireEntry("dump", log.LevelInfo, logf.ConstBytes("body", []byte(`{"password":"***"}`)))

	untouched := []log.Field{log.Int("status", 401), log.String("method", "GET")}
	maskingLog.Info("done", untouched...)
	requireEntry("done", log.LevelInfo, untouched...)

	maskingLog.Error("request failed", log.Error(verboseError{errors.New("client_secret=665")}))
	errField := recorder.Entries()[0].Fields[0].Any.(error)
	require.Equal(t, "client_secret=***", errField.Error())
	require.Equal(t, "client_secret=*** password=***", fmt.Sprintf("%+v", errField))
	recorder.Reset()
}

type roundTripperFunc func(r *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

type verboseError struct {
	err error
}

func (e verboseError) Error() string {
	return e.err.Error()
}

func (e verboseError) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, e.Error()+" password=123")
}

func BenchmarkMaskingLogger(b *testing.B) {
	newFileLogger := func(masking bool) (log.FieldLogger, log.CloseFunc) {
		cfg := log.NewConfig()
		cfg.Output = log.OutputFile
		cfg.File.Path = filepath.Join(b.TempDir(), "bench.log")
		cfg.Masking.Enabled = masking
		return log.NewLogger(cfg)
	}

	for _, masking := range []bool{false, true} {
		b.Run(fmt.Sprintf("masking=%v", masking), func(b *testing.B) {
			logger, closeLog := newFileLogger(masking)
			defer closeLog()
			rt := httptransport.NewLoggingRoundTripperWithOpts(roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
			}), "bench", httptransport.LoggingRoundTripperOpts{
				LoggerProvider: func(ctx context.Context) log.FieldLogger { return logger },
			})

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				req := httptest.NewRequest(http.MethodGet, "https://example.com/api/authorize?client_secret=123", nil)
				req.Header.Set(httptransport.RequestIDHeader, "03497b44a93143e2c5ff8e0e0e57232a")
				resp, err := rt.RoundTrip(req)
				if err != nil {
					b.Fatal(err)
				}
				_ = resp.Body.Close()
			}
		})
	}
}
