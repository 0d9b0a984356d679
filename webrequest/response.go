/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Response is an envelope of a completed request.
type Response struct {
	URL            string
	Method         string
	RequestOptions Options
	RequestHeaders Headers
	StatusCode     int
	StatusText     string

	// Headers has lower-cased keys.
	Headers Headers

	// Body is the response body interpreted according to the response type.
	// For JSON responses it is the decoded value, or nil if decoding failed.
	Body any

	// ParsingError is set when the response declared a JSON content type but the body could not be parsed.
	ParsingError error
}

// DecodeBody decodes a JSON body into out using "json" struct tags.
func (r *Response) DecodeBody(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(r.Body)
}

// ErrorResponse is an envelope of a failed request. It implements error.
type ErrorResponse struct {
	Response
	Canceled bool
	TimedOut bool
}

// Error returns a string representation of the error.
func (e *ErrorResponse) Error() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s %s failed with status %d", e.Method, e.URL, e.StatusCode)
	if e.StatusText != "" {
		_, _ = fmt.Fprintf(&sb, " (%s)", e.StatusText)
	}
	switch {
	case e.TimedOut:
		sb.WriteString(", timed out")
	case e.Canceled:
		sb.WriteString(", canceled")
	}
	return sb.String()
}

// Result is a pending outcome of a started request.
type Result struct {
	done   chan struct{}
	once   sync.Once
	resp   *Response
	err    error
	cancel func()
}

func newResult(cancel func()) *Result {
	return &Result{done: make(chan struct{}), cancel: cancel}
}

func (res *Result) settle(resp *Response, err error) bool {
	settled := false
	res.once.Do(func() {
		res.resp, res.err = resp, err
		close(res.done)
		settled = true
	})
	return settled
}

// Done returns a channel that is closed when the request is resolved or rejected.
func (res *Result) Done() <-chan struct{} {
	return res.done
}

// Wait blocks until the request is settled or ctx is done.
// A rejected request returns *ErrorResponse or *ContractViolationError as an error.
// Cancellation of ctx does not abort the request, use Cancel for that.
func (res *Result) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-res.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome blocks until the request is settled and returns its outcome.
func (res *Result) Outcome() (*Response, error) {
	<-res.done
	return res.resp, res.err
}

// Cancel aborts the request if it is not settled yet.
func (res *Result) Cancel() {
	select {
	case <-res.done:
		return
	default:
	}
	if res.cancel != nil {
		res.cancel()
	}
}
