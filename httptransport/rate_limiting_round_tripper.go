/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Default parameter values for RateLimitingRoundTripper.
const (
	DefaultRateLimitingBurst       = 1
	DefaultRateLimitingWaitTimeout = 15 * time.Second
)

// RateLimitingAdaptation describes how the limit follows the value a server reports in a response header.
type RateLimitingAdaptation struct {
	// ResponseHeaderName is a header with the number of requests per second the server accepts.
	ResponseHeaderName string `mapstructure:"responseHeaderName" yaml:"responseHeaderName" json:"responseHeaderName"`

	// SlackPercent is subtracted from the reported limit. Must be in [0..100].
	SlackPercent int `mapstructure:"slackPercent" yaml:"slackPercent" json:"slackPercent"`
}

// RateLimitingRoundTripperOpts represents an options for RateLimitingRoundTripper.
type RateLimitingRoundTripperOpts struct {
	Burst       int
	WaitTimeout time.Duration
	Adaptation  RateLimitingAdaptation
}

// RateLimitingRoundTripper limits the rate of outgoing requests.
// The limit may be lowered by the server through a response header (see RateLimitingAdaptation)
// but never exceeds the configured one.
type RateLimitingRoundTripper struct {
	Delegate http.RoundTripper

	RateLimit   int
	Burst       int
	WaitTimeout time.Duration
	Adaptation  RateLimitingAdaptation

	limiter *rate.Limiter
}

// NewRateLimitingRoundTripper creates a new RateLimitingRoundTripper with specified rate limit.
func NewRateLimitingRoundTripper(delegate http.RoundTripper, rateLimit int) (*RateLimitingRoundTripper, error) {
	return NewRateLimitingRoundTripperWithOpts(delegate, rateLimit, RateLimitingRoundTripperOpts{})
}

// NewRateLimitingRoundTripperWithOpts creates a new RateLimitingRoundTripper with specified rate limit and options.
// For options that are not presented, the default values will be used.
func NewRateLimitingRoundTripperWithOpts(
	delegate http.RoundTripper, rateLimit int, opts RateLimitingRoundTripperOpts,
) (*RateLimitingRoundTripper, error) {
	if rateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultRateLimitingBurst
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultRateLimitingWaitTimeout
	}
	if opts.Adaptation.SlackPercent < 0 || opts.Adaptation.SlackPercent > 100 {
		return nil, fmt.Errorf("slack percent must be in range [0..100]")
	}
	return &RateLimitingRoundTripper{
		Delegate:    delegate,
		RateLimit:   rateLimit,
		Burst:       opts.Burst,
		WaitTimeout: opts.WaitTimeout,
		Adaptation:  opts.Adaptation,
		limiter:     rate.NewLimiter(rate.Limit(rateLimit), opts.Burst),
	}, nil
}

// RoundTrip waits for the limiter and executes a single HTTP transaction.
// A request whose context is done while waiting is not sent at all.
// If the request's own deadline comes before the wait timeout, running out of it
// is reported as context.DeadlineExceeded rather than RateLimitingWaitError.
func (rt *RateLimitingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	deadline, hasDeadline := ctx.Deadline()
	requestBound := hasDeadline && deadline.Before(time.Now().Add(rt.WaitTimeout))
	waitCtx, cancel := context.WithTimeout(ctx, rt.WaitTimeout)
	defer cancel()

	if err := rt.limiter.Wait(waitCtx); err != nil {
		if r.Body != nil {
			_ = r.Body.Close() // Per RoundTripper contract.
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if requestBound {
			// rate.Limiter fails early when the reservation cannot be met before the deadline.
			return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, &RateLimitingWaitError{Inner: err}
	}

	resp, err := rt.Delegate.RoundTrip(r)
	if err != nil {
		return resp, err
	}
	if rt.Adaptation.ResponseHeaderName != "" {
		rt.adaptLimit(rt.limitFromResponse(resp))
	}
	return resp, nil
}

func (rt *RateLimitingRoundTripper) limitFromResponse(resp *http.Response) int {
	respLimit, err := strconv.Atoi(resp.Header.Get(rt.Adaptation.ResponseHeaderName))
	if err != nil || respLimit < 0 {
		return 0
	}
	respLimit = (respLimit * (100 - rt.Adaptation.SlackPercent)) / 100
	if respLimit == 0 {
		return 1 // Keep sending 1 request per second instead of stopping.
	}
	return respLimit
}

// adaptLimit applies the limit reported by the server.
// A missing header restores the configured limit.
func (rt *RateLimitingRoundTripper) adaptLimit(newLimit int) {
	if newLimit == 0 || newLimit > rt.RateLimit {
		newLimit = rt.RateLimit
	}
	if rt.limiter.Limit() != rate.Limit(newLimit) {
		rt.limiter.SetLimit(rate.Limit(newLimit))
	}
}

// RateLimitingWaitError is returned by RateLimitingRoundTripper when the wait timeout is exceeded.
type RateLimitingWaitError struct {
	Inner error
}

func (e *RateLimitingWaitError) Error() string {
	return fmt.Sprintf("wait due to client side rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RateLimitingWaitError) Unwrap() error {
	return e.Inner
}

// IsRateLimitingWaitError reports whether err was caused by the client side rate limiting.
func IsRateLimitingWaitError(err error) bool {
	var waitErr *RateLimitingWaitError
	return errors.As(err, &waitErr)
}
