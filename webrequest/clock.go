/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import "time"

// Timer is a scheduled callback that may be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the callback has already fired or been stopped.
	Stop() bool
}

// Clock provides time and timer primitives to the dispatcher.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is a Clock backed by the time package.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc calls f in its own goroutine after d elapses.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
