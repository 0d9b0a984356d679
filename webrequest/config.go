/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-webqueue/config"
	"github.com/acronis/go-webqueue/retry"
)

const cfgDefaultKeyPrefix = "dispatcher"

const (
	cfgKeyMaxConcurrency             = "maxConcurrency"
	cfgKeyHungRequestCleanupInterval = "hungRequestCleanupInterval"
	cfgKeyRetriesPolicyStrategy      = "retries.policy.strategy"
	cfgKeyRetriesPolicyInitialDelay  = "retries.policy.initialDelay"
	cfgKeyRetriesPolicyMaxDelay      = "retries.policy.maxDelay"
	cfgKeyRetriesPolicyGrowFactor    = "retries.policy.growFactor"
	cfgKeyRetriesPolicyJitterFactor  = "retries.policy.jitterFactor"
	cfgKeyRetriesPolicyConstInterval = "retries.policy.constantInterval"
)

// Retry policy strategies.
const (
	RetryPolicyExponential = "exponential"
	RetryPolicyConstant    = "constant"
)

// DefaultConstantRetryInterval is a default interval for the constant retry policy.
const DefaultConstantRetryInterval = time.Second

var availableRetryPolicies = []string{RetryPolicyExponential, RetryPolicyConstant}

// RetryPolicyConfig represents configuration of the backoff between retries of a request.
type RetryPolicyConfig struct {
	// Strategy is one of [exponential, constant].
	Strategy string `mapstructure:"strategy" yaml:"strategy" json:"strategy"`

	InitialDelay time.Duration `mapstructure:"initialDelay" yaml:"initialDelay" json:"initialDelay"`
	MaxDelay     time.Duration `mapstructure:"maxDelay" yaml:"maxDelay" json:"maxDelay"`
	GrowFactor   float64       `mapstructure:"growFactor" yaml:"growFactor" json:"growFactor"`
	JitterFactor float64       `mapstructure:"jitterFactor" yaml:"jitterFactor" json:"jitterFactor"`

	// ConstantInterval is used by the constant strategy only.
	ConstantInterval time.Duration `mapstructure:"constantInterval" yaml:"constantInterval" json:"constantInterval"`
}

// RetriesConfig represents configuration of request retries.
type RetriesConfig struct {
	Policy RetryPolicyConfig `mapstructure:"policy" yaml:"policy" json:"policy"`
}

// Config represents a set of configuration parameters for Dispatcher.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader.
type Config struct {
	// MaxConcurrency is the maximum number of requests that may be in flight at once.
	MaxConcurrency int `mapstructure:"maxConcurrency" yaml:"maxConcurrency" json:"maxConcurrency"`

	// HungRequestCleanupInterval is how often in-flight requests are checked for handles
	// that finished without notifying.
	HungRequestCleanupInterval time.Duration `mapstructure:"hungRequestCleanupInterval" yaml:"hungRequestCleanupInterval" json:"hungRequestCleanupInterval"` //nolint:lll

	Retries RetriesConfig `mapstructure:"retries" yaml:"retries" json:"retries"`

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
	cfg.MaxConcurrency = DefaultMaxConcurrency
	cfg.HungRequestCleanupInterval = DefaultHungRequestCleanupInterval
	cfg.Retries.Policy = RetryPolicyConfig{
		Strategy:         RetryPolicyExponential,
		InitialDelay:     retry.DefaultInitialDelay,
		MaxDelay:         retry.DefaultMaxDelay,
		GrowFactor:       retry.DefaultGrowFactor,
		JitterFactor:     retry.DefaultJitterFactor,
		ConstantInterval: DefaultConstantRetryInterval,
	}
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

// SetProviderDefaults sets default configuration values for dispatcher in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxConcurrency, DefaultMaxConcurrency)
	dp.SetDefault(cfgKeyHungRequestCleanupInterval, DefaultHungRequestCleanupInterval.String())
	dp.SetDefault(cfgKeyRetriesPolicyStrategy, RetryPolicyExponential)
	dp.SetDefault(cfgKeyRetriesPolicyInitialDelay, retry.DefaultInitialDelay.String())
	dp.SetDefault(cfgKeyRetriesPolicyMaxDelay, retry.DefaultMaxDelay.String())
	dp.SetDefault(cfgKeyRetriesPolicyGrowFactor, retry.DefaultGrowFactor)
	dp.SetDefault(cfgKeyRetriesPolicyJitterFactor, retry.DefaultJitterFactor)
	dp.SetDefault(cfgKeyRetriesPolicyConstInterval, DefaultConstantRetryInterval.String())
}

// Set sets dispatcher configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.MaxConcurrency, err = dp.GetInt(cfgKeyMaxConcurrency); err != nil {
		return err
	}
	if c.MaxConcurrency < 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrency, fmt.Errorf("should be >= 0"))
	}

	if c.HungRequestCleanupInterval, err = dp.GetDuration(cfgKeyHungRequestCleanupInterval); err != nil {
		return err
	}
	if c.HungRequestCleanupInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyHungRequestCleanupInterval, fmt.Errorf("should be > 0"))
	}

	return c.setRetryPolicyConfig(dp)
}

func (c *Config) setRetryPolicyConfig(dp config.DataProvider) error {
	var err error
	p := &c.Retries.Policy

	if p.Strategy, err = dp.GetStringFromSet(cfgKeyRetriesPolicyStrategy, availableRetryPolicies, true); err != nil {
		return err
	}
	p.Strategy = strings.ToLower(p.Strategy)

	if p.ConstantInterval, err = dp.GetDuration(cfgKeyRetriesPolicyConstInterval); err != nil {
		return err
	}
	if p.ConstantInterval < 0 {
		return dp.WrapKeyErr(cfgKeyRetriesPolicyConstInterval, fmt.Errorf("should be >= 0"))
	}

	if p.InitialDelay, err = dp.GetDuration(cfgKeyRetriesPolicyInitialDelay); err != nil {
		return err
	}
	if p.MaxDelay, err = dp.GetDuration(cfgKeyRetriesPolicyMaxDelay); err != nil {
		return err
	}
	if p.GrowFactor, err = dp.GetFloat64(cfgKeyRetriesPolicyGrowFactor); err != nil {
		return err
	}
	if p.JitterFactor, err = dp.GetFloat64(cfgKeyRetriesPolicyJitterFactor); err != nil {
		return err
	}
	if p.Strategy == RetryPolicyExponential {
		if _, err = p.exponentialPolicy(); err != nil {
			return dp.WrapKeyErr("retries.policy", err)
		}
	}
	return nil
}

func (p RetryPolicyConfig) exponentialPolicy() (retry.ExponentialTimerPolicy, error) {
	return retry.NewExponentialTimerPolicy(p.InitialDelay, p.MaxDelay,
		retry.WithGrowFactor(p.GrowFactor), retry.WithJitterFactor(p.JitterFactor))
}

// RetryPolicy returns the retry policy described by the configuration.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	p := c.Retries.Policy
	switch p.Strategy {
	case RetryPolicyConstant:
		return retry.NewConstantBackoffPolicy(p.ConstantInterval, 0), nil
	case RetryPolicyExponential, "":
		return p.exponentialPolicy()
	}
	return nil, fmt.Errorf("unknown retry policy strategy %q", p.Strategy)
}

// NewDispatcherWithConfig creates a new Dispatcher configured with the given configuration.
// RetryPolicy, MaxConcurrency and HungRequestCleanupInterval of opts are overridden by cfg.
func NewDispatcherWithConfig(cfg *Config, transport Transport, opts DispatcherOpts) (*Dispatcher, error) {
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	opts.RetryPolicy = policy
	d := NewDispatcherWithOpts(transport, opts)
	if err = d.Configure(Settings{
		MaxConcurrency:             cfg.MaxConcurrency,
		HungRequestCleanupInterval: cfg.HungRequestCleanupInterval,
		Clock:                      opts.Clock,
	}); err != nil {
		return nil, err
	}
	return d, nil
}
