/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default delays used by DefaultPolicy.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 5 * time.Minute
)

// IsRetryable defines a func that can tell if error is retryable as opposed to persistent.
type IsRetryable func(error) bool

// RetryableFunc is function that does some work and can be potentially retried.
type RetryableFunc func(ctx context.Context) error

// Policy defines backoff strategy.
// Every call of NewBackOff must return a new independent (and already reset) backoff.BackOff.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// DoWithRetry executes fn with retry according to policy p and with respect to context ctx.
// IsRetryable defines which errors lead to retry attempt (can be nil for any error).
// Notify can be used to receive notification on every retry with error and backoff delay
// (can be nil if no notifications required).
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	bctx := backoff.WithContext(p.NewBackOff(), ctx)
	op := func() error {
		err := fn(bctx.Context())
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bctx, notify)
}

// The PolicyFunc type is an adapter to allow the use of ordinary functions as retry.Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements retry.Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// DefaultPolicy produces ExponentialTimer with DefaultInitialDelay and DefaultMaxDelay
// and default grow and jitter factors.
var DefaultPolicy Policy = ExponentialTimerPolicy{initialDelay: DefaultInitialDelay, maxDelay: DefaultMaxDelay}

// ExponentialTimerPolicy produces ExponentialTimer backoffs with the same parameters.
type ExponentialTimerPolicy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	opts         []ExponentialTimerOption
}

// NewExponentialTimerPolicy validates parameters and returns a policy producing ExponentialTimer backoffs.
func NewExponentialTimerPolicy(
	initialDelay, maxDelay time.Duration, opts ...ExponentialTimerOption,
) (ExponentialTimerPolicy, error) {
	if _, err := NewExponentialTimer(initialDelay, maxDelay, opts...); err != nil {
		return ExponentialTimerPolicy{}, err
	}
	return ExponentialTimerPolicy{initialDelay: initialDelay, maxDelay: maxDelay, opts: opts}, nil
}

// NewBackOff implements retry.Policy.
func (p ExponentialTimerPolicy) NewBackOff() backoff.BackOff {
	return p.NewTimer()
}

// NewTimer returns a new reset ExponentialTimer.
func (p ExponentialTimerPolicy) NewTimer() *ExponentialTimer {
	return MustExponentialTimer(p.initialDelay, p.maxDelay, p.opts...)
}

// ConstantBackoffPolicy means repeat up to max times with constant interval delays.
type ConstantBackoffPolicy struct {
	interval    time.Duration
	maxAttempts int
}

// NewConstantBackoffPolicy returns a constant backoff policy with given interval and max retry attempt count.
// Zero maxRetryAttempts means no limit (the caller's own retry budget still applies).
func NewConstantBackoffPolicy(interval time.Duration, maxRetryAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval, maxRetryAttempts}
}

// NewBackOff implements retry.Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	var bf backoff.BackOff = backoff.NewConstantBackOff(p.interval)
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(bf, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}
