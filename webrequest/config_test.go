/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-webqueue/config"
	"github.com/acronis/go-webqueue/retry"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgData     string
		expectedCfg *Config
	}{
		{
			name:        "default values",
			cfgData:     ``,
			expectedCfg: NewDefaultConfig(),
		},
		{
			name: "custom values",
			cfgData: `
dispatcher:
  maxConcurrency: 0
  hungRequestCleanupInterval: 30s
  retries:
    policy:
      strategy: constant
      constantInterval: 250ms
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.MaxConcurrency = 0
				cfg.HungRequestCleanupInterval = 30 * time.Second
				cfg.Retries.Policy.Strategy = RetryPolicyConstant
				cfg.Retries.Policy.ConstantInterval = 250 * time.Millisecond
				return cfg
			}(),
		},
		{
			name: "custom exponential policy",
			cfgData: `
dispatcher:
  retries:
    policy:
      initialDelay: 100ms
      maxDelay: 10s
      growFactor: 2
      jitterFactor: 0
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Retries.Policy.InitialDelay = 100 * time.Millisecond
				cfg.Retries.Policy.MaxDelay = 10 * time.Second
				cfg.Retries.Policy.GrowFactor = 2
				cfg.Retries.Policy.JitterFactor = 0
				return cfg
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.cfgData), config.DataTypeYAML, cfg)
			require.NoError(t, err)
			require.Equal(t, tt.expectedCfg, cfg)
		})
	}
}

func TestConfigWithKeyPrefix(t *testing.T) {
	cfgData := `
client:
  dispatcher:
    maxConcurrency: 12
`
	cfg := NewConfig(WithKeyPrefix("client.dispatcher"))
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, 12, cfg.MaxConcurrency)
	require.Equal(t, "client.dispatcher", cfg.KeyPrefix())
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		cfgData        string
		expectedErrMsg string
	}{
		{
			name: "negative max concurrency",
			cfgData: `
dispatcher:
  maxConcurrency: -1
`,
			expectedErrMsg: "dispatcher.maxConcurrency: should be >= 0",
		},
		{
			name: "zero cleanup interval",
			cfgData: `
dispatcher:
  hungRequestCleanupInterval: 0s
`,
			expectedErrMsg: "dispatcher.hungRequestCleanupInterval: should be > 0",
		},
		{
			name: "unknown strategy",
			cfgData: `
dispatcher:
  retries:
    policy:
      strategy: linear
`,
			expectedErrMsg: "dispatcher.retries.policy.strategy: unknown value \"linear\", should be one of [exponential constant]",
		},
		{
			name: "invalid exponential policy",
			cfgData: `
dispatcher:
  retries:
    policy:
      initialDelay: 0s
`,
			expectedErrMsg: "dispatcher.retries.policy: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.cfgData), config.DataTypeYAML, cfg)
			require.ErrorContains(t, err, tt.expectedErrMsg)
		})
	}
}

func TestConfig_RetryPolicy(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Retries.Policy.Strategy = RetryPolicyConstant
	cfg.Retries.Policy.ConstantInterval = 3 * time.Second
	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	require.Equal(t, retry.NewConstantBackoffPolicy(3*time.Second, 0), policy)

	cfg = NewDefaultConfig()
	cfg.Retries.Policy.JitterFactor = 0
	policy, err = cfg.RetryPolicy()
	require.NoError(t, err)
	bf := policy.NewBackOff()
	require.Equal(t, retry.DefaultInitialDelay, bf.NextBackOff())

	cfg.Retries.Policy.Strategy = "linear"
	_, err = cfg.RetryPolicy()
	require.Error(t, err)
}

func TestNewDispatcherWithConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.MaxConcurrency = 0
	cfg.HungRequestCleanupInterval = time.Minute

	d, err := NewDispatcherWithConfig(cfg, TransportFunc(func() Handle { return nil }), DispatcherOpts{MaxConcurrency: 3})
	require.NoError(t, err)
	require.Equal(t, 0, d.Settings().MaxConcurrency)
	require.Equal(t, time.Minute, d.Settings().HungRequestCleanupInterval)
}
