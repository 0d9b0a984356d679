/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package capability keeps track of which notifications a transport reliably delivers.
// A flag starts as Unknown, the first request observed while it is Unknown drives detection,
// and once a flag settles every subsequent request uses the confirmed mechanism only.
package capability

import (
	"time"

	"go.uber.org/atomic"
)

// DetectionGracePeriod is how long the native path may lag behind the fallback one
// before it is declared unsupported.
const DetectionGracePeriod = 10 * time.Second

// Status is a state of a single capability flag.
// The order of values is significant: Unknown < Detecting < NotSupported < Supported.
type Status int32

// Capability flag states.
const (
	Unknown Status = iota
	Detecting
	NotSupported
	Supported
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Detecting:
		return "detecting"
	case NotSupported:
		return "not-supported"
	case Supported:
		return "supported"
	}
	return "invalid"
}

// Flag is a lock-free capability flag.
type Flag struct {
	v atomic.Int32
}

// Load returns the current status.
func (f *Flag) Load() Status {
	return Status(f.v.Load())
}

// StartDetection moves the flag from Unknown to Detecting.
// It returns true only for the caller that performed the transition.
func (f *Flag) StartDetection() bool {
	return f.v.CompareAndSwap(int32(Unknown), int32(Detecting))
}

// MarkSupported records that the native path has fired at least once.
func (f *Flag) MarkSupported() {
	f.v.Store(int32(Supported))
}

// MarkNotSupported concludes detection negatively unless the native path has already been confirmed.
func (f *Flag) MarkNotSupported() bool {
	for {
		cur := f.v.Load()
		if Status(cur) == Supported {
			return false
		}
		if f.v.CompareAndSwap(cur, int32(NotSupported)) {
			return true
		}
	}
}

// Reset returns the flag to Unknown.
func (f *Flag) Reset() {
	f.v.Store(int32(Unknown))
}

// Probe holds capability flags of a single transport.
type Probe struct {
	// Completion tells whether the transport delivers load/error notifications.
	Completion Flag

	// Timeout tells whether the transport delivers native timeout notifications.
	Timeout Flag
}

// NewProbe returns a probe with both flags in Unknown state.
func NewProbe() *Probe {
	return &Probe{}
}

// Reset returns both flags to Unknown.
func (p *Probe) Reset() {
	p.Completion.Reset()
	p.Timeout.Reset()
}
