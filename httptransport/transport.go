/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httptransport implements the webrequest transport capability on top of net/http.
// Outgoing requests pass a chain of round trippers: request id, user agent,
// rate limiting, metrics and logging.
package httptransport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/webrequest"
)

// Opts provides options for New and Must functions.
type Opts struct {
	// Delegate is the last RoundTripper in the chain. A clone of http.DefaultTransport is used by default.
	Delegate http.RoundTripper

	// Logger is used for logging requests. A disabled logger is used by default.
	Logger log.FieldLogger

	// RequestType is used in logs and as a label of metrics. e.g. 'auth-service' or 'login'.
	RequestType string

	// RequestIDProvider provides the X-Request-ID header value. A new xid is generated by default.
	RequestIDProvider func(ctx context.Context) string

	// MetricsCollector is required if metrics are enabled in the configuration.
	MetricsCollector MetricsCollector

	// CookieJar is used by handles with credentials. A new in-memory jar is created by default.
	CookieJar http.CookieJar
}

// Transport creates handles that perform requests with net/http.
type Transport struct {
	client             *http.Client
	credentialedClient *http.Client
	logger             log.FieldLogger
}

var _ webrequest.Transport = (*Transport)(nil)

// New creates a new Transport with the given configuration.
func New(cfg *Config, opts Opts) (*Transport, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	rt, err := newRoundTripperChain(cfg, opts)
	if err != nil {
		return nil, err
	}

	jar := opts.CookieJar
	if jar == nil {
		if jar, err = cookiejar.New(nil); err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Transport{
		client:             &http.Client{Transport: rt, Timeout: cfg.Timeout},
		credentialedClient: &http.Client{Transport: rt, Timeout: cfg.Timeout, Jar: jar},
		logger:             logger,
	}, nil
}

// Must creates a new Transport with the given configuration and panics if any error occurs.
func Must(cfg *Config, opts Opts) *Transport {
	t, err := New(cfg, opts)
	if err != nil {
		panic(err)
	}
	return t
}

// NewHandle implements webrequest.Transport.
func (t *Transport) NewHandle() webrequest.Handle {
	return &Handle{transport: t}
}

// Client returns the client used by handles without credentials.
func (t *Transport) Client() *http.Client {
	return t.client
}

func (t *Transport) clientFor(withCredentials bool) *http.Client {
	if withCredentials {
		return t.credentialedClient
	}
	return t.client
}

func newRoundTripperChain(cfg *Config, opts Opts) (http.RoundTripper, error) {
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	if cfg.Logger.Enabled {
		delegate = NewLoggingRoundTripperWithOpts(delegate, opts.RequestType, cfg.Logger.TransportOpts())
	}

	if cfg.Metrics.Enabled {
		if opts.MetricsCollector == nil {
			return nil, fmt.Errorf("metrics are enabled but no metrics collector is provided")
		}
		delegate = NewMetricsRoundTripperWithOpts(delegate, MetricsRoundTripperOpts{
			RequestType: opts.RequestType,
			Collector:   opts.MetricsCollector,
		})
	}

	if cfg.RateLimits.Enabled {
		var err error
		if delegate, err = NewRateLimitingRoundTripperWithOpts(
			delegate, cfg.RateLimits.Limit, cfg.RateLimits.TransportOpts(),
		); err != nil {
			return nil, fmt.Errorf("create rate limiting round tripper: %w", err)
		}
	}

	if cfg.UserAgent != "" {
		delegate = NewUserAgentRoundTripper(delegate, cfg.UserAgent)
	}

	return NewRequestIDRoundTripperWithOpts(delegate, RequestIDRoundTripperOpts{
		RequestIDProvider: opts.RequestIDProvider,
	}), nil
}
