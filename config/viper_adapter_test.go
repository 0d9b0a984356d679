/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const transportConfigYAML = `
transport:
  timeout: 30s
  timeoutNanos: 1500
  userAgent: webqueue/1.0
  logger:
    enabled: "true"
    mode: FAILED
  rateLimits:
    limit: 10
    slack: 12.5
    brokenLimit: ten
  maxBody: 10K
  negativeBody: -1
  hugeBody: 1e3
  masking:
    - field: password
    - field: client_secret
`

func newTestViperAdapter(t *testing.T) *ViperAdapter {
	t.Helper()
	va := NewViperAdapter()
	require.NoError(t, va.SetFromReader(bytes.NewBufferString(transportConfigYAML), DataTypeYAML))
	return va
}

func TestViperAdapter_Getters(t *testing.T) {
	va := newTestViperAdapter(t)

	dur, err := va.GetDuration("transport.timeout")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, dur)

	dur, err = va.GetDuration("transport.timeoutNanos")
	require.NoError(t, err)
	require.Equal(t, 1500*time.Nanosecond, dur)

	dur, err = va.GetDuration("transport.absent")
	require.NoError(t, err)
	require.Zero(t, dur)

	ua, err := va.GetString("transport.userAgent")
	require.NoError(t, err)
	require.Equal(t, "webqueue/1.0", ua)

	enabled, err := va.GetBool("transport.logger.enabled")
	require.NoError(t, err)
	require.True(t, enabled)

	limit, err := va.GetInt("transport.rateLimits.limit")
	require.NoError(t, err)
	require.Equal(t, 10, limit)

	_, err = va.GetInt("transport.rateLimits.brokenLimit")
	require.ErrorContains(t, err, "transport.rateLimits.brokenLimit: ")

	slack, err := va.GetFloat64("transport.rateLimits.slack")
	require.NoError(t, err)
	require.Equal(t, 12.5, slack)

	require.True(t, va.IsSet("transport.userAgent"))
	require.False(t, va.IsSet("transport.absent"))
}

func TestViperAdapter_GetStringFromSet(t *testing.T) {
	va := newTestViperAdapter(t)
	modes := []string{"none", "all", "failed"}

	mode, err := va.GetStringFromSet("transport.logger.mode", modes, true)
	require.NoError(t, err)
	require.Equal(t, "failed", mode)

	_, err = va.GetStringFromSet("transport.logger.mode", modes, false)
	require.EqualError(t, err, `transport.logger.mode: unknown value "FAILED", should be one of [none all failed]`)
}

func TestViperAdapter_GetBytesCount(t *testing.T) {
	va := newTestViperAdapter(t)

	size, err := va.GetBytesCount("transport.maxBody")
	require.NoError(t, err)
	require.Equal(t, BytesCount(10*1024), size)

	size, err = va.GetBytesCount("transport.hugeBody")
	require.NoError(t, err)
	require.Equal(t, BytesCount(1000), size)

	size, err = va.GetBytesCount("transport.absent")
	require.NoError(t, err)
	require.Zero(t, size)

	_, err = va.GetBytesCount("transport.negativeBody")
	require.EqualError(t, err, "transport.negativeBody: negative value is not allowed: -1")

	_, err = va.GetBytesCount("transport.userAgent")
	require.EqualError(t, err, "transport.userAgent: invalid bytes format: webqueue/1.0")

	va.Set("transport.typed", BytesCount(42))
	size, err = va.GetBytesCount("transport.typed")
	require.NoError(t, err)
	require.Equal(t, BytesCount(42), size)
}

func TestViperAdapter_UnmarshalKey(t *testing.T) {
	va := newTestViperAdapter(t)
	var rules []struct {
		Field string `mapstructure:"field"`
	}
	require.NoError(t, va.UnmarshalKey("transport.masking", &rules))
	require.Len(t, rules, 2)
	require.Equal(t, "client_secret", rules[1].Field)

	var wrong int
	require.ErrorContains(t, va.UnmarshalKey("transport.masking", &wrong), "transport.masking: ")
}

func TestKeyPrefixedDataProvider(t *testing.T) {
	va := newTestViperAdapter(t)
	dp := NewKeyPrefixedDataProvider(va, "transport.rateLimits")

	limit, err := dp.GetInt("limit")
	require.NoError(t, err)
	require.Equal(t, 10, limit)

	dp.SetDefault("burst", 20)
	burst, err := dp.GetInt("burst")
	require.NoError(t, err)
	require.Equal(t, 20, burst)
	require.Equal(t, 20, va.Get("transport.rateLimits.burst"))

	dp.Set("limit", 3)
	require.Equal(t, 3, dp.Get("limit"))
	require.True(t, dp.IsSet("limit"))

	require.EqualError(t, dp.WrapKeyErr("burst", errTest), "transport.rateLimits.burst: test error")

	nested := NewKeyPrefixedDataProvider(NewKeyPrefixedDataProvider(va, "transport"), "logger")
	mode, err := nested.GetStringFromSet("mode", []string{"failed"}, true)
	require.NoError(t, err)
	require.Equal(t, "failed", mode)

	root := NewKeyPrefixedDataProvider(va, "")
	ua, err := root.GetString("transport.userAgent")
	require.NoError(t, err)
	require.Equal(t, "webqueue/1.0", ua)
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("test error")
