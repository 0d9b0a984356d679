/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"time"
)

// ReadyState is a state of a transport handle.
type ReadyState int

// Ready states of a transport handle.
const (
	ReadyStateUnsent ReadyState = iota
	ReadyStateOpened
	ReadyStateHeadersReceived
	ReadyStateLoading
	ReadyStateDone
)

// ResponseType tells a transport handle how the response body should be interpreted.
type ResponseType int

// Response types.
const (
	// ResponseTypeDefault means the response type is derived from Options.AcceptType.
	ResponseTypeDefault ResponseType = iota
	ResponseTypeJSON
	ResponseTypeText
	ResponseTypeBytes
	ResponseTypeDocument
)

// String returns a string representation of the response type.
func (t ResponseType) String() string {
	switch t {
	case ResponseTypeDefault:
		return "default"
	case ResponseTypeJSON:
		return "json"
	case ResponseTypeText:
		return "text"
	case ResponseTypeBytes:
		return "bytes"
	case ResponseTypeDocument:
		return "document"
	}
	return "unknown"
}

// EventHandlers are callbacks a transport handle invokes while a request is in flight.
// Any of them may be nil. Setting an empty EventHandlers detaches all callbacks.
type EventHandlers struct {
	OnReadyStateChange func()
	OnLoad             func()
	OnError            func()
	OnAbort            func()
	OnTimeout          func()
	OnUploadProgress   func(ProgressEvent)
}

// Handle is a single in-flight HTTP exchange.
// Implementations may deliver duplicate completion notifications
// and may fail to report status after being aborted.
type Handle interface {
	// Open prepares the handle for the given method and URL. It must be called before SetEventHandlers.
	Open(method, url string) error

	SetEventHandlers(h EventHandlers)
	SetTimeout(d time.Duration)
	SetResponseType(t ResponseType) error
	SetWithCredentials(withCredentials bool)
	SetRequestHeader(key, value string)

	// Send starts the exchange. It must not block until the response is received.
	Send(body []byte) error

	Abort()

	ReadyState() ReadyState
	Status() (code int, text string, err error)

	// AllResponseHeaders returns raw response headers, one "Key: value" per line.
	AllResponseHeaders() string
	ResponseHeader(key string) string

	// Response returns the body interpreted according to the response type.
	Response() any

	// ResponseText returns the raw body text. The second value is false
	// if the text is not accessible for the current response type.
	ResponseText() (string, bool)
	ResponseURL() string
}

// Transport creates transport handles.
type Transport interface {
	NewHandle() Handle
}

// TransportFunc is an adapter to allow the use of ordinary functions as Transport.
type TransportFunc func() Handle

// NewHandle implements Transport.
func (f TransportFunc) NewHandle() Handle {
	return f()
}

func responseTypeForAccept(acceptType string) ResponseType {
	switch acceptType {
	case "blob":
		return ResponseTypeBytes
	case "text/xml", "application/xml":
		return ResponseTypeDocument
	case "text/plain":
		return ResponseTypeText
	}
	return ResponseTypeJSON
}
