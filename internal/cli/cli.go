/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package cli implements the webqueue command line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/acronis/go-webqueue/config"
	"github.com/acronis/go-webqueue/httptransport"
	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/restclient"
	"github.com/acronis/go-webqueue/webrequest"
)

const envVarsPrefix = "WEBQUEUE"

const metricsNamespace = "webqueue"

type globalFlags struct {
	configFile     string
	maxConcurrency int
	waitReady      time.Duration
	metricsAddr    string
	logLevel       string
}

// AppConfig aggregates configurations of all the tool components.
type AppConfig struct {
	Dispatcher *webrequest.Config
	Log        *log.Config
	Transport  *httptransport.Config
}

// NewAppConfig creates an AppConfig with the default key prefixes.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Dispatcher: webrequest.NewConfig(),
		Log:        log.NewConfig(),
		Transport:  httptransport.NewConfig(),
	}
}

// LoadAppConfig loads the configuration from a YAML or JSON file.
// Defaults and WEBQUEUE_* environment variables are used when path is empty.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	loader := config.NewDefaultLoader(envVarsPrefix)
	if path == "" {
		if err := loader.Load(cfg.Dispatcher, cfg.Log, cfg.Transport); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := loader.LoadFromFile(path, config.DataTypeFromPath(path), cfg.Dispatcher, cfg.Log, cfg.Transport); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

// BuildCLI creates the root command of the tool.
func BuildCLI() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "webqueue",
		Short: "Dispatch HTTP requests through a prioritized, concurrency-bounded queue",
		Long: `webqueue sends HTTP requests through a dispatcher that:
- admits requests by priority under a concurrency limit
- retries failed attempts with exponential backoff
- rate limits, logs and measures outgoing traffic`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "config file path (YAML or JSON)")
	pf.IntVar(&flags.maxConcurrency, "max-concurrency", -1,
		"maximum number of requests in flight, overrides the config value if not negative")
	pf.DurationVar(&flags.waitReady, "wait-ready", 0, "wait up to this long for the target host to accept connections")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	pf.StringVar(&flags.logLevel, "log-level", string(log.LevelWarn),
		"log level used when no config file is given (logs go to stderr)")

	rootCmd.AddCommand(buildGetCommand(flags))
	rootCmd.AddCommand(buildBatchCommand(flags))

	return rootCmd
}

// app holds the components shared by the commands.
type app struct {
	logger     log.FieldLogger
	closeLog   log.CloseFunc
	transport  *httptransport.Transport
	dispatcher *webrequest.Dispatcher
	client     *restclient.Client
	metricsSrv *http.Server
	unregister []func()
	waitReady  time.Duration
}

func newApp(flags *globalFlags, hooks restclient.Hooks) (*app, error) {
	cfg, err := LoadAppConfig(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.configFile == "" {
		if cfg.Log.Level, err = log.ParseLevel(flags.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Output = log.OutputStderr
	}
	if flags.maxConcurrency >= 0 {
		cfg.Dispatcher.MaxConcurrency = flags.maxConcurrency
	}

	a := &app{waitReady: flags.waitReady}
	a.logger, a.closeLog = log.NewLogger(cfg.Log)

	transportOpts := httptransport.Opts{Logger: a.logger, RequestType: metricsNamespace}
	dispatcherOpts := webrequest.DispatcherOpts{Logger: a.logger}
	if flags.metricsAddr != "" {
		transportMetrics := httptransport.NewPrometheusMetricsCollector(metricsNamespace)
		transportMetrics.MustRegister()
		dispatcherMetrics := webrequest.NewPrometheusMetricsWithOpts(webrequest.PrometheusMetricsOpts{Namespace: metricsNamespace})
		dispatcherMetrics.MustRegister()
		a.unregister = append(a.unregister, transportMetrics.Unregister, dispatcherMetrics.Unregister)
		cfg.Transport.Metrics.Enabled = true
		transportOpts.MetricsCollector = transportMetrics
		dispatcherOpts.MetricsCollector = dispatcherMetrics
		a.startMetricsServer(flags.metricsAddr)
	}

	if a.transport, err = httptransport.New(cfg.Transport, transportOpts); err != nil {
		a.close()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	if a.dispatcher, err = webrequest.NewDispatcherWithConfig(cfg.Dispatcher, a.transport, dispatcherOpts); err != nil {
		a.close()
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	webrequest.SetDefault(a.dispatcher)
	a.client = restclient.New("", a.dispatcher, restclient.Opts{Hooks: hooks, Logger: a.logger})
	return a, nil
}

func (a *app) startMetricsServer(addr string) {
	a.metricsSrv = &http.Server{Addr: addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", log.String("address", addr), log.Error(err))
		}
	}()
	a.logger.Info("serving metrics", log.String("address", addr))
}

func (a *app) close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	for _, unregister := range a.unregister {
		unregister()
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}

// headerHooks supplies the headers given on the command line to every call.
type headerHooks struct {
	restclient.NopHooks
	headers webrequest.Headers
}

func (h headerHooks) Headers(*restclient.CallOptions) webrequest.Headers {
	return h.headers
}

func parseHeaders(values []string) (webrequest.Headers, error) {
	headers := webrequest.Headers{}
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, should be in \"Name: value\" format", v)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func parsePriority(s string) (webrequest.Priority, error) {
	if s == "" {
		return 0, nil
	}
	p, ok := webrequest.ParsePriority(strings.ToLower(s))
	if !ok {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}
