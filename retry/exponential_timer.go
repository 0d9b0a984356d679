/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default parameter values for ExponentialTimer.
const (
	DefaultGrowFactor   = math.E
	DefaultJitterFactor = 0.11962656472
)

// minJitterFactor is a threshold below which jitter is considered disabled.
const minJitterFactor = 0.00001

// ErrInvalidArgument is returned when ExponentialTimer is constructed with invalid parameters.
var ErrInvalidArgument = errors.New("invalid argument")

// ExponentialTimer generates exponentially growing delays with jitter,
// so that many clients that failed at the same moment do not retry at the same moment.
//
// The first delay is the initial delay (plus initial jitter),
// each next one is the previous delay multiplied by the grow factor (plus jitter).
// Delays never go below the initial delay and never exceed the max delay.
//
// ExponentialTimer is not safe for concurrent use.
type ExponentialTimer struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	growFactor   float64
	jitterFactor float64
	random       func() float64

	currentDelay   time.Duration
	incrementCount int
}

var _ backoff.BackOff = (*ExponentialTimer)(nil)

// ExponentialTimerOption is a functional option for ExponentialTimer.
type ExponentialTimerOption func(*ExponentialTimer)

// WithGrowFactor sets the base of the exponent (DefaultGrowFactor is used by default).
func WithGrowFactor(f float64) ExponentialTimerOption {
	return func(t *ExponentialTimer) {
		t.growFactor = f
	}
}

// WithJitterFactor sets the jitter factor (DefaultJitterFactor is used by default).
// Values close to zero disable jitter completely.
func WithJitterFactor(f float64) ExponentialTimerOption {
	return func(t *ExponentialTimer) {
		t.jitterFactor = f
	}
}

// WithRandom sets a source of uniformly distributed random values in [0, 1).
// math/rand.Float64 is used by default.
func WithRandom(random func() float64) ExponentialTimerOption {
	return func(t *ExponentialTimer) {
		t.random = random
	}
}

// NewExponentialTimer creates a new ExponentialTimer and resets it.
func NewExponentialTimer(initialDelay, maxDelay time.Duration, opts ...ExponentialTimerOption) (*ExponentialTimer, error) {
	t := &ExponentialTimer{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		growFactor:   DefaultGrowFactor,
		jitterFactor: DefaultJitterFactor,
		random:       rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	t.Reset()
	return t, nil
}

// MustExponentialTimer is like NewExponentialTimer but panics if any error occurs.
func MustExponentialTimer(initialDelay, maxDelay time.Duration, opts ...ExponentialTimerOption) *ExponentialTimer {
	t, err := NewExponentialTimer(initialDelay, maxDelay, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *ExponentialTimer) validate() error {
	if t.initialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive: %w", ErrInvalidArgument)
	}
	if t.maxDelay <= 0 {
		return fmt.Errorf("delay upper bound must be positive: %w", ErrInvalidArgument)
	}
	if t.growFactor < 0 {
		return fmt.Errorf("grow factor must be non-negative: %w", ErrInvalidArgument)
	}
	if t.jitterFactor < 0 {
		return fmt.Errorf("jitter factor must be non-negative: %w", ErrInvalidArgument)
	}
	if t.random == nil {
		return fmt.Errorf("random source must be set: %w", ErrInvalidArgument)
	}
	return nil
}

// Reset sets the current delay to the initial delay with some jitter and resets the increment counter.
// Implements backoff.BackOff interface.
func (t *ExponentialTimer) Reset() {
	t.incrementCount = 0
	t.currentDelay = t.clamp(roundToMillis(float64(t.initialDelay) * (1 + t.random()*t.jitterFactor)))
}

// CurrentDelay returns the current delay.
func (t *ExponentialTimer) CurrentDelay() time.Duration {
	return t.currentDelay
}

// IncrementCount returns how many times Advance was called since the last Reset.
func (t *ExponentialTimer) IncrementCount() int {
	return t.incrementCount
}

// Advance computes the next delay, makes it current and returns it.
func (t *ExponentialTimer) Advance() time.Duration {
	raw := float64(t.currentDelay) * t.growFactor
	if raw > float64(t.maxDelay) {
		raw = float64(t.maxDelay)
	}

	if t.jitterFactor < minJitterFactor {
		t.currentDelay = t.clamp(time.Duration(raw))
	} else {
		t.currentDelay = t.clamp(roundToMillis(t.random()*raw*t.jitterFactor + raw))
	}

	t.incrementCount++
	return t.currentDelay
}

// clamp keeps a delay within [initialDelay, maxDelay]. Rounding may push it out of the range.
func (t *ExponentialTimer) clamp(d time.Duration) time.Duration {
	if d < t.initialDelay {
		d = t.initialDelay
	}
	if d > t.maxDelay {
		d = t.maxDelay
	}
	return d
}

// TakeAndAdvance returns the current delay and advances the timer.
// The first call returns the initial delay, next calls return initialDelay*growFactor^n (plus jitter).
func (t *ExponentialTimer) TakeAndAdvance() time.Duration {
	res := t.currentDelay
	t.Advance()
	return res
}

// NextBackOff implements backoff.BackOff interface. It never returns backoff.Stop.
func (t *ExponentialTimer) NextBackOff() time.Duration {
	return t.TakeAndAdvance()
}

func roundToMillis(nanos float64) time.Duration {
	return time.Duration(math.Round(nanos/float64(time.Millisecond))) * time.Millisecond
}
