/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package log provides structured logging for webqueue components.
// It is a thin layer over logf with rotating file output and masking of
// credentials that may appear in request URLs, headers and bodies.
package log

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ssgreg/logf"
	"github.com/ssgreg/logftext"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CloseFunc flushes buffered entries and stops the asynchronous writer.
type CloseFunc logf.ChannelWriterCloseFunc

// FieldLogger is an interface for loggers which write logs in structured format.
type FieldLogger interface {
	With(...Field) FieldLogger

	Debug(string, ...Field)
	Info(string, ...Field)
	Warn(string, ...Field)
	Error(string, ...Field)

	AtLevel(Level, func(LogFunc))
	WithLevel(level Level) FieldLogger
}

// LogfAdapter adapts logf.Logger to FieldLogger interface.
type LogfAdapter struct {
	Logger *logf.Logger
}

// NewDisabledLogger returns a new logger that logs nothing.
func NewDisabledLogger() FieldLogger {
	return &LogfAdapter{logf.NewDisabledLogger()}
}

// NewLogger creates a logger according to the configuration.
// The returned CloseFunc must be called before exit to flush pending entries.
func NewLogger(cfg *Config) (FieldLogger, CloseFunc) {
	channel, closeFunc := logf.NewChannelWriter(logf.ChannelWriterConfig{
		Appender:          newAppender(cfg, openOutput(cfg)),
		EnableSyncOnError: true,
	})
	logfLogger := logf.NewLogger(cfg.Level.logfLevel(), channel).With(logf.Int("pid", os.Getpid()))
	if cfg.AddCaller {
		// Skip the adapter's own frame.
		logfLogger = logfLogger.WithCaller().WithCallerSkip(1)
	}

	var logger FieldLogger = &LogfAdapter{logfLogger}
	if cfg.Masking.Enabled {
		logger = NewMaskingLogger(logger, MustNewMasker(cfg.Masking.effectiveRules()))
	}
	return logger, CloseFunc(closeFunc)
}

// With returns a new logger with the given additional fields.
func (l *LogfAdapter) With(fs ...Field) FieldLogger {
	return &LogfAdapter{l.Logger.With(fs...)}
}

// Debug logs message at "debug" level.
func (l *LogfAdapter) Debug(s string, fields ...Field) {
	l.Logger.Debug(s, fields...)
}

// Info logs message at "info" level.
func (l *LogfAdapter) Info(s string, fields ...Field) {
	l.Logger.Info(s, fields...)
}

// Warn logs message at "warn" level.
func (l *LogfAdapter) Warn(s string, fields ...Field) {
	l.Logger.Warn(s, fields...)
}

// Error logs message at "error" level.
func (l *LogfAdapter) Error(s string, fields ...Field) {
	l.Logger.Error(s, fields...)
}

// AtLevel calls fn only if the level is enabled, so expensive fields are built lazily.
func (l *LogfAdapter) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.Logger.AtLevel(level.logfLevel(), fn)
}

// WithLevel returns a new logger with additional level check.
// Only raising the level makes sense, messages below the previous level are dropped anyway.
func (l *LogfAdapter) WithLevel(level Level) FieldLogger {
	return &LogfAdapter{Logger: l.Logger.WithLevel(level.logfLevel())}
}

func (lvl Level) logfLevel() logf.Level {
	switch lvl {
	case LevelError:
		return logf.LevelError
	case LevelWarn:
		return logf.LevelWarn
	case LevelDebug:
		return logf.LevelDebug
	}
	return logf.LevelInfo
}

func openOutput(cfg *Config) io.Writer {
	switch cfg.Output {
	case OutputFile:
		return &lumberjack.Logger{
			Filename:   expandFilePath(cfg.File.Path, time.Now()),
			MaxSize:    int(cfg.File.MaxSize / 1024 / 1024),
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
			LocalTime:  true,
		}
	case OutputStderr:
		return os.Stderr
	}
	return os.Stdout
}

func newAppender(cfg *Config, w io.Writer) logf.Appender {
	errorEncoder := logf.NewErrorEncoder(logf.ErrorEncoderConfig{NoVerboseField: !cfg.VerboseErrors})
	if cfg.Format == FormatText {
		noColor := cfg.NoColor || cfg.Output == OutputFile
		return logftext.NewAppender(w, logftext.EncoderConfig{
			NoColor:     &noColor,
			EncodeTime:  logf.RFC3339NanoTimeEncoder,
			EncodeError: errorEncoder,
		})
	}
	return logf.NewWriteAppender(w, logf.NewJSONEncoder(logf.JSONEncoderConfig{
		EncodeTime:   logf.RFC3339NanoTimeEncoder,
		EncodeError:  errorEncoder,
		FieldKeyTime: "time",
	}))
}

// expandFilePath substitutes {{starttime}} and {{pid}}, so concurrent runs of the tool don't share a file.
func expandFilePath(path string, startTime time.Time) string {
	return strings.NewReplacer(
		"{{starttime}}", startTime.Format("200601021504"),
		"{{pid}}", strconv.Itoa(os.Getpid()),
	).Replace(path)
}
