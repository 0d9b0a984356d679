/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"fmt"
	"strings"

	"code.cloudfoundry.org/bytefmt"

	"github.com/acronis/go-webqueue/config"
)

const cfgDefaultKeyPrefix = "log"

const (
	cfgKeyLevel               = "level"
	cfgKeyFormat              = "format"
	cfgKeyOutput              = "output"
	cfgKeyNoColor             = "nocolor"
	cfgKeyAddCaller           = "addCaller"
	cfgKeyVerboseErrors       = "verboseErrors"
	cfgKeyFilePath            = "file.path"
	cfgKeyFileMaxSize         = "file.maxSize"
	cfgKeyFileMaxBackups      = "file.maxBackups"
	cfgKeyFileMaxAgeDays      = "file.maxAgeDays"
	cfgKeyFileCompress        = "file.compress"
	cfgKeyMaskingEnabled      = "masking.enabled"
	cfgKeyMaskingDefaultRules = "masking.useDefaultRules"
	cfgKeyMaskingRules        = "masking.rules"
)

// Default and restriction values of the file output.
const (
	DefaultFileMaxSize    = 100 * 1024 * 1024
	MinFileMaxSize        = 1024 * 1024
	DefaultFileMaxBackups = 5
)

// Level defines possible values for log levels.
type Level string

// Logging levels.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// ParseLevel parses a level name in any case.
func ParseLevel(s string) (Level, error) {
	for _, lvl := range availableLevels {
		if strings.EqualFold(s, lvl) {
			return Level(lvl), nil
		}
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// Format defines possible values for log formats.
type Format string

// Logging formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Output defines possible values for log outputs.
type Output string

// Logging outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

var (
	availableLevels  = []string{string(LevelError), string(LevelWarn), string(LevelInfo), string(LevelDebug)}
	availableFormats = []string{string(FormatJSON), string(FormatText)}
	availableOutputs = []string{string(OutputStdout), string(OutputStderr), string(OutputFile)}
)

// Config is the logging configuration, stored under the "log" key by default.
type Config struct {
	Level   Level  `mapstructure:"level" yaml:"level" json:"level"`
	Format  Format `mapstructure:"format" yaml:"format" json:"format"`
	Output  Output `mapstructure:"output" yaml:"output" json:"output"`
	NoColor bool   `mapstructure:"nocolor" yaml:"nocolor" json:"nocolor"`

	// AddCaller adds the package/file:line of the logging call to every entry.
	AddCaller bool `mapstructure:"addCaller" yaml:"addCaller" json:"addCaller"`

	// VerboseErrors adds the "%+v" representation of logged errors as a separate "error_verbose" field.
	VerboseErrors bool `mapstructure:"verboseErrors" yaml:"verboseErrors" json:"verboseErrors"`

	File    FileConfig    `mapstructure:"file" yaml:"file" json:"file"`
	Masking MaskingConfig `mapstructure:"masking" yaml:"masking" json:"masking"`

	keyPrefix string
}

// FileConfig configures the rotating file output.
// {{starttime}} and {{pid}} placeholders in Path are expanded when the logger is created.
type FileConfig struct {
	Path       string            `mapstructure:"path" yaml:"path" json:"path"`
	MaxSize    config.BytesCount `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`
	MaxBackups int               `mapstructure:"maxBackups" yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays int               `mapstructure:"maxAgeDays" yaml:"maxAgeDays" json:"maxAgeDays"`
	Compress   bool              `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// MaskingConfig configures masking of secrets in logged messages and fields.
type MaskingConfig struct {
	Enabled         bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	UseDefaultRules bool                `mapstructure:"useDefaultRules" yaml:"useDefaultRules" json:"useDefaultRules"`
	Rules           []MaskingRuleConfig `mapstructure:"rules" yaml:"rules" json:"rules"`
}

func (mc MaskingConfig) effectiveRules() []MaskingRuleConfig {
	if !mc.UseDefaultRules {
		return mc.Rules
	}
	return append(append([]MaskingRuleConfig{}, mc.Rules...), DefaultMaskingRules...)
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*Config)

// WithKeyPrefix sets the key under which the configuration is read by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(c *Config) {
		c.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new Config with default values.
// Masking with the default rules is enabled, since request URLs and headers are logged.
func NewConfig(options ...ConfigOption) *Config {
	c := &Config{
		keyPrefix: cfgDefaultKeyPrefix,
		Level:     LevelInfo,
		Format:    FormatJSON,
		Output:    OutputStdout,
		File:      FileConfig{MaxSize: DefaultFileMaxSize, MaxBackups: DefaultFileMaxBackups},
		Masking:   MaskingConfig{Enabled: true, UseDefaultRules: true},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for logger in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyLevel, string(LevelInfo))
	dp.SetDefault(cfgKeyFormat, string(FormatJSON))
	dp.SetDefault(cfgKeyOutput, string(OutputStdout))
	dp.SetDefault(cfgKeyFileMaxSize, bytefmt.ByteSize(DefaultFileMaxSize))
	dp.SetDefault(cfgKeyFileMaxBackups, DefaultFileMaxBackups)
	dp.SetDefault(cfgKeyMaskingEnabled, true)
	dp.SetDefault(cfgKeyMaskingDefaultRules, true)
}

// Set sets logger configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	level, err := dp.GetStringFromSet(cfgKeyLevel, availableLevels, true)
	if err != nil {
		return err
	}
	c.Level = Level(level)

	format, err := dp.GetStringFromSet(cfgKeyFormat, availableFormats, true)
	if err != nil {
		return err
	}
	c.Format = Format(format)

	output, err := dp.GetStringFromSet(cfgKeyOutput, availableOutputs, true)
	if err != nil {
		return err
	}
	c.Output = Output(output)

	if c.NoColor, err = dp.GetBool(cfgKeyNoColor); err != nil {
		return err
	}
	if c.AddCaller, err = dp.GetBool(cfgKeyAddCaller); err != nil {
		return err
	}
	if c.VerboseErrors, err = dp.GetBool(cfgKeyVerboseErrors); err != nil {
		return err
	}
	if err = c.setFileConfig(dp); err != nil {
		return err
	}
	return c.setMaskingConfig(dp)
}

func (c *Config) setFileConfig(dp config.DataProvider) error {
	var err error
	if c.File.Path, err = dp.GetString(cfgKeyFilePath); err != nil {
		return err
	}
	if c.File.Path == "" && c.Output == OutputFile {
		return dp.WrapKeyErr(cfgKeyFilePath, fmt.Errorf("cannot be empty when %q output is used", OutputFile))
	}
	if c.File.MaxSize, err = dp.GetBytesCount(cfgKeyFileMaxSize); err != nil {
		return err
	}
	if c.File.MaxSize < MinFileMaxSize {
		return dp.WrapKeyErr(cfgKeyFileMaxSize, fmt.Errorf("should be >= %s", bytefmt.ByteSize(MinFileMaxSize)))
	}
	if c.File.MaxBackups, err = dp.GetInt(cfgKeyFileMaxBackups); err != nil {
		return err
	}
	if c.File.MaxBackups < 0 {
		return dp.WrapKeyErr(cfgKeyFileMaxBackups, fmt.Errorf("should be >= 0"))
	}
	if c.File.MaxAgeDays, err = dp.GetInt(cfgKeyFileMaxAgeDays); err != nil {
		return err
	}
	if c.File.MaxAgeDays < 0 {
		return dp.WrapKeyErr(cfgKeyFileMaxAgeDays, fmt.Errorf("should be >= 0"))
	}
	c.File.Compress, err = dp.GetBool(cfgKeyFileCompress)
	return err
}

func (c *Config) setMaskingConfig(dp config.DataProvider) error {
	var err error
	if c.Masking.Enabled, err = dp.GetBool(cfgKeyMaskingEnabled); err != nil {
		return err
	}
	if c.Masking.UseDefaultRules, err = dp.GetBool(cfgKeyMaskingDefaultRules); err != nil {
		return err
	}
	if err = dp.UnmarshalKey(cfgKeyMaskingRules, &c.Masking.Rules); err != nil {
		return err
	}
	if _, err = NewMasker(c.Masking.Rules); err != nil {
		return dp.WrapKeyErr(cfgKeyMaskingRules, err)
	}
	return nil
}
