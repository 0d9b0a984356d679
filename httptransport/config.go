/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httptransport

import (
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-webqueue/config"
)

const cfgDefaultKeyPrefix = "transport"

// Default values of the configuration.
const (
	DefaultUserAgent      = "go-webqueue"
	DefaultRateLimit      = 10
	DefaultLoggingEnabled = true
)

const (
	cfgKeyTimeout                    = "timeout"
	cfgKeyUserAgent                  = "userAgent"
	cfgKeyRateLimitsEnabled          = "rateLimits.enabled"
	cfgKeyRateLimitsLimit            = "rateLimits.limit"
	cfgKeyRateLimitsBurst            = "rateLimits.burst"
	cfgKeyRateLimitsWaitTimeout      = "rateLimits.waitTimeout"
	cfgKeyRateLimitsAdaptationHeader = "rateLimits.adaptation.responseHeaderName"
	cfgKeyRateLimitsAdaptationSlack  = "rateLimits.adaptation.slackPercent"
	cfgKeyLoggerEnabled              = "logger.enabled"
	cfgKeyLoggerMode                 = "logger.mode"
	cfgKeyLoggerSlowRequestThreshold = "logger.slowRequestThreshold"
	cfgKeyMetricsEnabled             = "metrics.enabled"
)

// RateLimitsConfig represents configuration of the client side rate limiting.
type RateLimitsConfig struct {
	Enabled     bool                   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Limit       int                    `mapstructure:"limit" yaml:"limit" json:"limit"`
	Burst       int                    `mapstructure:"burst" yaml:"burst" json:"burst"`
	WaitTimeout time.Duration          `mapstructure:"waitTimeout" yaml:"waitTimeout" json:"waitTimeout"`
	Adaptation  RateLimitingAdaptation `mapstructure:"adaptation" yaml:"adaptation" json:"adaptation"`
}

// TransportOpts returns options for RateLimitingRoundTripper.
func (c *RateLimitsConfig) TransportOpts() RateLimitingRoundTripperOpts {
	return RateLimitingRoundTripperOpts{Burst: c.Burst, WaitTimeout: c.WaitTimeout, Adaptation: c.Adaptation}
}

// LoggerConfig represents configuration of the requests logging.
type LoggerConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Mode                 LoggingMode   `mapstructure:"mode" yaml:"mode" json:"mode"`
	SlowRequestThreshold time.Duration `mapstructure:"slowRequestThreshold" yaml:"slowRequestThreshold" json:"slowRequestThreshold"` //nolint:lll
}

// TransportOpts returns options for LoggingRoundTripper.
func (c *LoggerConfig) TransportOpts() LoggingRoundTripperOpts {
	return LoggingRoundTripperOpts{Mode: c.Mode, SlowRequestThreshold: c.SlowRequestThreshold}
}

// MetricsConfig represents configuration of the requests metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// Config represents a set of configuration parameters for Transport.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader.
type Config struct {
	// Timeout limits the whole exchange including reading the body. 0 means no limit.
	// Per-request timeouts are set on handles.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	UserAgent  string           `mapstructure:"userAgent" yaml:"userAgent" json:"userAgent"`
	RateLimits RateLimitsConfig `mapstructure:"rateLimits" yaml:"rateLimits" json:"rateLimits"`
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger" json:"logger"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.UserAgent = DefaultUserAgent
	cfg.RateLimits = RateLimitsConfig{
		Limit:       DefaultRateLimit,
		Burst:       DefaultRateLimitingBurst,
		WaitTimeout: DefaultRateLimitingWaitTimeout,
	}
	cfg.Logger = LoggerConfig{Enabled: DefaultLoggingEnabled, Mode: LoggingModeAll}
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for transport in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTimeout, "0s")
	dp.SetDefault(cfgKeyUserAgent, DefaultUserAgent)
	dp.SetDefault(cfgKeyRateLimitsEnabled, false)
	dp.SetDefault(cfgKeyRateLimitsLimit, DefaultRateLimit)
	dp.SetDefault(cfgKeyRateLimitsBurst, DefaultRateLimitingBurst)
	dp.SetDefault(cfgKeyRateLimitsWaitTimeout, DefaultRateLimitingWaitTimeout.String())
	dp.SetDefault(cfgKeyRateLimitsAdaptationHeader, "")
	dp.SetDefault(cfgKeyRateLimitsAdaptationSlack, 0)
	dp.SetDefault(cfgKeyLoggerEnabled, DefaultLoggingEnabled)
	dp.SetDefault(cfgKeyLoggerMode, string(LoggingModeAll))
	dp.SetDefault(cfgKeyLoggerSlowRequestThreshold, "0s")
	dp.SetDefault(cfgKeyMetricsEnabled, false)
}

// Set sets transport configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Timeout, err = dp.GetDuration(cfgKeyTimeout); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return dp.WrapKeyErr(cfgKeyTimeout, fmt.Errorf("should be >= 0"))
	}
	if c.UserAgent, err = dp.GetString(cfgKeyUserAgent); err != nil {
		return err
	}
	if err = c.setRateLimitsConfig(dp); err != nil {
		return err
	}
	if err = c.setLoggerConfig(dp); err != nil {
		return err
	}
	if c.Metrics.Enabled, err = dp.GetBool(cfgKeyMetricsEnabled); err != nil {
		return err
	}
	return nil
}

func (c *Config) setRateLimitsConfig(dp config.DataProvider) error {
	var err error
	rl := &c.RateLimits

	if rl.Enabled, err = dp.GetBool(cfgKeyRateLimitsEnabled); err != nil {
		return err
	}
	if rl.Limit, err = dp.GetInt(cfgKeyRateLimitsLimit); err != nil {
		return err
	}
	if rl.Enabled && rl.Limit <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsLimit, fmt.Errorf("should be > 0"))
	}
	if rl.Burst, err = dp.GetInt(cfgKeyRateLimitsBurst); err != nil {
		return err
	}
	if rl.Burst < 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsBurst, fmt.Errorf("should be >= 0"))
	}
	if rl.WaitTimeout, err = dp.GetDuration(cfgKeyRateLimitsWaitTimeout); err != nil {
		return err
	}
	if rl.WaitTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitsWaitTimeout, fmt.Errorf("should be >= 0"))
	}
	if rl.Adaptation.ResponseHeaderName, err = dp.GetString(cfgKeyRateLimitsAdaptationHeader); err != nil {
		return err
	}
	if rl.Adaptation.SlackPercent, err = dp.GetInt(cfgKeyRateLimitsAdaptationSlack); err != nil {
		return err
	}
	if rl.Adaptation.SlackPercent < 0 || rl.Adaptation.SlackPercent > 100 {
		return dp.WrapKeyErr(cfgKeyRateLimitsAdaptationSlack, fmt.Errorf("should be in range [0..100]"))
	}
	return nil
}

func (c *Config) setLoggerConfig(dp config.DataProvider) error {
	var err error
	lc := &c.Logger

	if lc.Enabled, err = dp.GetBool(cfgKeyLoggerEnabled); err != nil {
		return err
	}
	var mode string
	if mode, err = dp.GetStringFromSet(cfgKeyLoggerMode, availableLoggingModes, true); err != nil {
		return err
	}
	lc.Mode = LoggingMode(strings.ToLower(mode))
	if lc.SlowRequestThreshold, err = dp.GetDuration(cfgKeyLoggerSlowRequestThreshold); err != nil {
		return err
	}
	if lc.SlowRequestThreshold < 0 {
		return dp.WrapKeyErr(cfgKeyLoggerSlowRequestThreshold, fmt.Errorf("should be >= 0"))
	}
	return nil
}
