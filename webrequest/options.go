/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"time"
)

// Priority defines the order in which queued requests are fired. Higher value is more urgent.
// The zero value means "unset" and is replaced with PriorityNormal by MergeOptions.
type Priority int

// Request priorities.
const (
	PriorityDontCare Priority = iota + 1
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a string representation of the priority.
func (p Priority) String() string {
	switch p {
	case 0:
		return "unset"
	case PriorityDontCare:
		return "dont-care"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority converts a textual priority into Priority.
func ParsePriority(s string) (Priority, bool) {
	for p := PriorityDontCare; p <= PriorityCritical; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// ErrorHandlingType is an outcome of error classification.
type ErrorHandlingType int

// Error handling types.
const (
	// DoNotRetry ignores the retry budget and fails immediately.
	DoNotRetry ErrorHandlingType = iota

	// RetryUncountedImmediately re-enqueues the request at once without consuming the retry budget.
	RetryUncountedImmediately

	// RetryUncountedWithBackoff retries after a backoff delay without consuming the retry budget.
	RetryUncountedWithBackoff

	// RetryCountedWithBackoff consumes one retry and retries after a backoff delay.
	RetryCountedWithBackoff

	// PauseUntilResumed suspends the request until Request.ResumeRetrying is called.
	PauseUntilResumed
)

// String returns a string representation of the error handling type.
func (t ErrorHandlingType) String() string {
	switch t {
	case DoNotRetry:
		return "do-not-retry"
	case RetryUncountedImmediately:
		return "retry-uncounted-immediately"
	case RetryUncountedWithBackoff:
		return "retry-uncounted-with-backoff"
	case RetryCountedWithBackoff:
		return "retry-counted-with-backoff"
	case PauseUntilResumed:
		return "pause-until-resumed"
	}
	return "unknown"
}

func (t ErrorHandlingType) isUncounted() bool {
	return t == RetryUncountedImmediately || t == RetryUncountedWithBackoff || t == PauseUntilResumed
}

// ErrorClassifier decides how a failed attempt is handled.
type ErrorClassifier func(r *Request, errResp *ErrorResponse) ErrorHandlingType

// DefaultErrorClassifier fails canceled, zero-status, 4xx and 5xx responses immediately
// and retries everything else with backoff.
func DefaultErrorClassifier(_ *Request, errResp *ErrorResponse) ErrorHandlingType {
	if errResp.Canceled || errResp.StatusCode == 0 || (errResp.StatusCode >= 400 && errResp.StatusCode < 600) {
		return DoNotRetry
	}
	return RetryCountedWithBackoff
}

// Headers is a set of HTTP headers. Keys are kept as given, so two keys that differ only
// in case are considered duplicates when the request is fired.
type Headers map[string]string

// Clone returns a copy of the headers. Nil stays nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	res := make(Headers, len(h))
	for k, v := range h {
		res[k] = v
	}
	return res
}

// ProgressEvent describes upload progress.
type ProgressEvent struct {
	Loaded           int64
	Total            int64
	LengthComputable bool
}

// Options is a set of per-request options.
// Zero values mean "unset": MergeOptions fills them from the defaults.
type Options struct {
	WithCredentials bool
	Retries         int
	Priority        Priority
	Timeout         time.Duration

	// AcceptType is either a short alias ("json", "form") or a full MIME type. Defaults to "json".
	AcceptType string

	// CustomResponseType overrides the response type derived from AcceptType.
	CustomResponseType ResponseType

	// ContentType is either a short alias ("json", "form") or a full MIME type. Defaults to "json".
	ContentType string

	// SendData is the request payload. Strings and byte slices are sent as is,
	// other values are encoded according to ContentType.
	SendData any

	// OverrideHeaders replaces the output of the request's header supplier.
	OverrideHeaders Headers

	// AugmentHeaders are applied last over any other headers.
	AugmentHeaders Headers

	// StreamingProgress receives partial response text while the body is being loaded.
	StreamingProgress func(partial string)

	// Progress receives upload progress events.
	Progress func(ProgressEvent)

	// CustomErrorClassifier replaces DefaultErrorClassifier.
	CustomErrorClassifier ErrorClassifier

	// AugmentErrorResponse may modify an error response before it is classified.
	AugmentErrorResponse func(errResp *ErrorResponse)
}

// DefaultOptions are global defaults applied to every request after all other defaults.
var DefaultOptions = Options{Priority: PriorityNormal}

// MergeOptions returns explicit options where every unset field is taken
// from the first defaults value that has it set. DefaultOptions are applied last.
// A field is unset when it has the zero value, so an explicit zero never overrides a default.
func MergeOptions(explicit Options, defaults ...Options) Options {
	res := explicit.Clone()
	all := make([]Options, 0, len(defaults)+1)
	all = append(all, defaults...)
	all = append(all, DefaultOptions)
	for _, d := range all {
		if !res.WithCredentials {
			res.WithCredentials = d.WithCredentials
		}
		if res.Retries == 0 {
			res.Retries = d.Retries
		}
		if res.Priority == 0 {
			res.Priority = d.Priority
		}
		if res.Timeout == 0 {
			res.Timeout = d.Timeout
		}
		if res.AcceptType == "" {
			res.AcceptType = d.AcceptType
		}
		if res.CustomResponseType == ResponseTypeDefault {
			res.CustomResponseType = d.CustomResponseType
		}
		if res.ContentType == "" {
			res.ContentType = d.ContentType
		}
		if res.SendData == nil {
			res.SendData = cloneSendData(d.SendData)
		}
		if res.OverrideHeaders == nil {
			res.OverrideHeaders = d.OverrideHeaders.Clone()
		}
		if res.AugmentHeaders == nil {
			res.AugmentHeaders = d.AugmentHeaders.Clone()
		}
		if res.StreamingProgress == nil {
			res.StreamingProgress = d.StreamingProgress
		}
		if res.Progress == nil {
			res.Progress = d.Progress
		}
		if res.CustomErrorClassifier == nil {
			res.CustomErrorClassifier = d.CustomErrorClassifier
		}
		if res.AugmentErrorResponse == nil {
			res.AugmentErrorResponse = d.AugmentErrorResponse
		}
	}
	return res
}

// Clone returns a copy of the options that shares no mutable state with the original.
func (o Options) Clone() Options {
	res := o
	res.OverrideHeaders = o.OverrideHeaders.Clone()
	res.AugmentHeaders = o.AugmentHeaders.Clone()
	res.SendData = cloneSendData(o.SendData)
	return res
}

func cloneSendData(data any) any {
	switch v := data.(type) {
	case []byte:
		return append([]byte(nil), v...)
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, val := range v {
			res[k] = cloneSendData(val)
		}
		return res
	case map[string]string:
		res := make(map[string]string, len(v))
		for k, val := range v {
			res[k] = val
		}
		return res
	case []any:
		res := make([]any, len(v))
		for i := range v {
			res[i] = cloneSendData(v[i])
		}
		return res
	}
	return data
}
