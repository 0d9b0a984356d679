/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFileConfig(t *testing.T, format Format, level Level) *Config {
	t.Helper()
	cfg := NewConfig()
	cfg.Output = OutputFile
	cfg.Format = format
	cfg.Level = level
	cfg.File.Path = filepath.Join(t.TempDir(), "webqueue.log")
	return cfg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestNewLogger_JSONFile(t *testing.T) {
	cfg := newFileConfig(t, FormatJSON, LevelWarn)
	logger, closeLog := NewLogger(cfg)
	logger.Info("firing request")
	logger.Warn("attempt failed", String("url", "https://example.com/items?access_token=abc&page=2"), Int("status", 503))
	logger.With(String("method", "POST")).Error("request failed", Error(errors.New("password=qwerty rejected")))
	closeLog()

	lines := readLines(t, cfg.File.Path)
	require.Len(t, lines, 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "attempt failed", entry["msg"])
	require.Equal(t, "https://example.com/items?access_token=***&page=2", entry["url"])
	require.EqualValues(t, 503, entry["status"])
	require.EqualValues(t, os.Getpid(), entry["pid"])
	require.NotEmpty(t, entry["time"])

	entry = nil
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "POST", entry["method"])
	require.Equal(t, "password=*** rejected", entry["error"])
	require.NotContains(t, entry, "error_verbose")
}

func TestNewLogger_MaskingDisabled(t *testing.T) {
	cfg := newFileConfig(t, FormatJSON, LevelDebug)
	cfg.Masking.Enabled = false
	logger, closeLog := NewLogger(cfg)
	logger.Debug("dump", String("header", "Authorization: Bearer token"))
	closeLog()

	lines := readLines(t, cfg.File.Path)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "Bearer token")
}

func TestNewLogger_TextFile(t *testing.T) {
	cfg := newFileConfig(t, FormatText, LevelInfo)
	cfg.Masking.Rules = []MaskingRuleConfig{{Field: "X-Tenant", Formats: []MaskFormat{MaskFormatHTTPHeader}}}
	logger, closeLog := NewLogger(cfg)
	logger.Info("queue is blocked", String("headers", "X-Tenant: acme"), Duration("delay", time.Second))
	logger.AtLevel(LevelDebug, func(logFunc LogFunc) {
		logFunc("not written")
	})
	closeLog()

	lines := readLines(t, cfg.File.Path)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "queue is blocked")
	require.Contains(t, lines[0], "X-Tenant: ***")
	require.NotContains(t, lines[0], "\x1b[", "colors must be disabled for files")
}

func TestDisabledLogger(t *testing.T) {
	logger := NewDisabledLogger()
	require.NotPanics(t, func() {
		logger.With(String("k", "v")).WithLevel(LevelDebug).Error("nothing happens")
	})
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("trace")
	require.EqualError(t, err, `unknown log level "trace"`)
}

func TestExpandFilePath(t *testing.T) {
	start := time.Date(2025, 3, 14, 9, 26, 0, 0, time.UTC)
	require.Equal(t, "/var/log/webqueue-202503140926-"+strconv.Itoa(os.Getpid())+".log",
		expandFilePath("/var/log/webqueue-{{starttime}}-{{pid}}.log", start))
	require.Equal(t, "plain.log", expandFilePath("plain.log", start))
}
