/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restclient

import (
	"github.com/acronis/go-webqueue/webrequest"
)

// CallOptions are per-call options of the Client.
// Zero fields of Options are unset and take the client defaults, so zero Retries or false
// WithCredentials cannot override them. Use NoRetries and NoCredentials for that.
type CallOptions struct {
	webrequest.Options

	// NoRetries disables retries even if the client defaults allow them.
	NoRetries bool

	// NoCredentials disables credentials even if the client defaults enable them.
	NoCredentials bool

	// ExcludeEndpointURL makes the path be used as a complete URL.
	ExcludeEndpointURL bool

	// ETag is sent in the If-None-Match header.
	ETag string
}

// Hooks customize requests of the Client.
type Hooks interface {
	// Headers returns headers for the call. It is called every time the request is fired.
	Headers(opts *CallOptions) webrequest.Headers

	// BlockRequestUntil returns a predicate holding the call back until it returns, or nil.
	// The predicate is re-checked every time the request reaches the head of the queue.
	BlockRequestUntil(opts *CallOptions) webrequest.BlockPredicate

	// ProcessSuccessResponse is called for every successful response before it is returned.
	ProcessSuccessResponse(resp *webrequest.Response)
}

// NopHooks is a Hooks that does nothing. Embed it to override only some of the hooks.
type NopHooks struct{}

var _ Hooks = NopHooks{}

// Headers implements Hooks.
func (NopHooks) Headers(*CallOptions) webrequest.Headers { return nil }

// BlockRequestUntil implements Hooks.
func (NopHooks) BlockRequestUntil(*CallOptions) webrequest.BlockPredicate { return nil }

// ProcessSuccessResponse implements Hooks.
func (NopHooks) ProcessSuccessResponse(*webrequest.Response) {}

// ETagResponse is a result of a conditional GET.
type ETagResponse struct {
	// NotModified is true if the server responded with 304 Not Modified. Body is nil then.
	NotModified bool

	// Body is the updated representation.
	Body any

	// ETag is the current entity tag.
	ETag string
}
