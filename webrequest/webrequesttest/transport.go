/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package webrequesttest provides an in-memory transport and a manual clock
// for deterministic tests of code built on the webrequest package.
package webrequesttest

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acronis/go-webqueue/webrequest"
)

// ErrStatusUnavailable is returned by Handle.Status after abort if Transport.StatusFailsAfterAbort is set.
var ErrStatusUnavailable = errors.New("status is not available for aborted handle")

// Transport is an in-memory webrequest.Transport. Every created handle is recorded,
// and tests respond to sent handles explicitly.
type Transport struct {
	// OpenErr is returned from Open of every handle created afterwards.
	OpenErr error

	// SendErr is returned from Send of every handle created afterwards.
	SendErr error

	// ResponseTypeErr is returned from SetResponseType of every handle created afterwards.
	ResponseTypeErr error

	// StatusFailsAfterAbort makes Status of aborted handles return ErrStatusUnavailable.
	StatusFailsAfterAbort bool

	mu      sync.Mutex
	handles []*Handle
	sent    []*Handle
}

var _ webrequest.Transport = (*Transport)(nil)

// NewTransport creates a new Transport.
func NewTransport() *Transport {
	return &Transport{}
}

// NewHandle implements webrequest.Transport.
func (t *Transport) NewHandle() webrequest.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := &Handle{
		transport:         t,
		openErr:           t.OpenErr,
		sendErr:           t.SendErr,
		responseTypeErr:   t.ResponseTypeErr,
		statusFailsOnAbrt: t.StatusFailsAfterAbort,
		headers:           webrequest.Headers{},
	}
	t.handles = append(t.handles, h)
	return h
}

// Handles returns all created handles in creation order.
func (t *Transport) Handles() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Handle(nil), t.handles...)
}

// Sent returns handles that have been sent, in send order.
func (t *Transport) Sent() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Handle(nil), t.sent...)
}

// LastSent returns the most recently sent handle or nil.
func (t *Transport) LastSent() *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

// InFlight returns sent handles that have neither completed nor been aborted.
func (t *Transport) InFlight() []*Handle {
	t.mu.Lock()
	sent := append([]*Handle(nil), t.sent...)
	t.mu.Unlock()
	var res []*Handle
	for _, h := range sent {
		if h.ReadyState() != webrequest.ReadyStateDone && !h.Aborted() {
			res = append(res, h)
		}
	}
	return res
}

// Handle is an in-memory webrequest.Handle.
type Handle struct {
	transport         *Transport
	openErr           error
	sendErr           error
	responseTypeErr   error
	statusFailsOnAbrt bool

	mu              sync.Mutex
	method          string
	url             string
	handlers        webrequest.EventHandlers
	timeout         time.Duration
	responseType    webrequest.ResponseType
	withCredentials bool
	headers         webrequest.Headers
	body            []byte
	sent            bool
	aborted         bool
	readyState      webrequest.ReadyState
	status          int
	statusText      string
	rawHeaders      string
	responseText    string
	responseURL     string
}

var _ webrequest.Handle = (*Handle)(nil)

// Open implements webrequest.Handle.
func (h *Handle) Open(method, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return h.openErr
	}
	h.method, h.url = method, url
	h.readyState = webrequest.ReadyStateOpened
	return nil
}

// SetEventHandlers implements webrequest.Handle.
func (h *Handle) SetEventHandlers(handlers webrequest.EventHandlers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = handlers
}

// SetTimeout implements webrequest.Handle.
func (h *Handle) SetTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// SetResponseType implements webrequest.Handle.
func (h *Handle) SetResponseType(t webrequest.ResponseType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.responseTypeErr != nil {
		return h.responseTypeErr
	}
	h.responseType = t
	return nil
}

// SetWithCredentials implements webrequest.Handle.
func (h *Handle) SetWithCredentials(withCredentials bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.withCredentials = withCredentials
}

// SetRequestHeader implements webrequest.Handle.
func (h *Handle) SetRequestHeader(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headers[key] = value
}

// Send implements webrequest.Handle.
func (h *Handle) Send(body []byte) error {
	h.mu.Lock()
	if h.sendErr != nil {
		h.mu.Unlock()
		return h.sendErr
	}
	h.body = append([]byte(nil), body...)
	h.sent = true
	h.mu.Unlock()

	h.transport.mu.Lock()
	h.transport.sent = append(h.transport.sent, h)
	h.transport.mu.Unlock()
	return nil
}

// Abort implements webrequest.Handle. OnAbort is invoked if the handle was in flight.
func (h *Handle) Abort() {
	h.mu.Lock()
	if h.aborted {
		h.mu.Unlock()
		return
	}
	inFlight := h.sent && h.readyState != webrequest.ReadyStateDone
	h.aborted = true
	h.status, h.statusText = 0, ""
	h.readyState = webrequest.ReadyStateUnsent
	onAbort := h.handlers.OnAbort
	h.mu.Unlock()

	if inFlight && onAbort != nil {
		onAbort()
	}
}

// ReadyState implements webrequest.Handle.
func (h *Handle) ReadyState() webrequest.ReadyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyState
}

// Status implements webrequest.Handle.
func (h *Handle) Status() (int, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted && h.statusFailsOnAbrt {
		return 0, "", ErrStatusUnavailable
	}
	return h.status, h.statusText, nil
}

// AllResponseHeaders implements webrequest.Handle.
func (h *Handle) AllResponseHeaders() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rawHeaders
}

// ResponseHeader implements webrequest.Handle.
func (h *Handle) ResponseHeader(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, line := range strings.Split(h.rawHeaders, "\r\n") {
		if idx := strings.Index(line, ":"); idx > 0 && strings.EqualFold(line[:idx], key) {
			return strings.TrimSpace(line[idx+1:])
		}
	}
	return ""
}

// Response implements webrequest.Handle. JSON bodies are decoded, invalid JSON gives nil.
func (h *Handle) Response() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readyState != webrequest.ReadyStateDone {
		return nil
	}
	switch h.responseType {
	case webrequest.ResponseTypeJSON:
		var v any
		if h.responseText == "" || json.Unmarshal([]byte(h.responseText), &v) != nil {
			return nil
		}
		return v
	case webrequest.ResponseTypeBytes:
		return []byte(h.responseText)
	}
	return h.responseText
}

// ResponseText implements webrequest.Handle. Text is not accessible for the bytes response type.
func (h *Handle) ResponseText() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.responseType == webrequest.ResponseTypeBytes {
		return "", false
	}
	return h.responseText, true
}

// ResponseURL implements webrequest.Handle.
func (h *Handle) ResponseURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseURL
}

// Method returns the method the handle was opened with.
func (h *Handle) Method() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.method
}

// URL returns the URL the handle was opened with.
func (h *Handle) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}

// RequestHeaders returns a copy of the headers set on the handle.
func (h *Handle) RequestHeaders() webrequest.Headers {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headers.Clone()
}

// Body returns the sent body.
func (h *Handle) Body() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.body...)
}

// Timeout returns the native timeout set on the handle.
func (h *Handle) Timeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeout
}

// ResponseType returns the response type set on the handle.
func (h *Handle) ResponseType() webrequest.ResponseType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseType
}

// WithCredentials returns the credentials flag set on the handle.
func (h *Handle) WithCredentials() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.withCredentials
}

// Aborted reports whether Abort has been called.
func (h *Handle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// Handlers returns the currently bound event handlers.
func (h *Handle) Handlers() webrequest.EventHandlers {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handlers
}

// Complete sets the response without notifying anybody, as a transport that lost its callbacks would.
func (h *Handle) Complete(status int, headers map[string]string, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.statusText = statusText(status)
	h.rawHeaders = formatHeaders(headers)
	h.responseText = body
	h.responseURL = h.url
	h.readyState = webrequest.ReadyStateDone
}

// Respond completes the handle and notifies about it the way browsers do:
// a ready state change first, then load.
func (h *Handle) Respond(status int, headers map[string]string, body string) {
	h.Complete(status, headers, body)
	handlers := h.Handlers()
	if handlers.OnReadyStateChange != nil {
		handlers.OnReadyStateChange()
	}
	if handlers.OnLoad != nil {
		handlers.OnLoad()
	}
}

// RespondJSON responds with the application/json content type.
func (h *Handle) RespondJSON(status int, body string) {
	h.Respond(status, map[string]string{"Content-Type": "application/json; charset=utf-8"}, body)
}

// Fail completes the handle with a network error (zero status).
func (h *Handle) Fail() {
	h.mu.Lock()
	h.status, h.statusText = 0, ""
	h.readyState = webrequest.ReadyStateDone
	h.mu.Unlock()

	handlers := h.Handlers()
	if handlers.OnReadyStateChange != nil {
		handlers.OnReadyStateChange()
	}
	if handlers.OnError != nil {
		handlers.OnError()
	}
}

// Stream delivers a partial body with the Loading ready state.
func (h *Handle) Stream(partial string) {
	h.mu.Lock()
	h.responseText = partial
	h.readyState = webrequest.ReadyStateLoading
	h.mu.Unlock()

	if f := h.Handlers().OnReadyStateChange; f != nil {
		f()
	}
}

// FireTimeout invokes the native timeout notification.
func (h *Handle) FireTimeout() {
	if f := h.Handlers().OnTimeout; f != nil {
		f()
	}
}

// ReportUploadProgress invokes the upload progress notification.
func (h *Handle) ReportUploadProgress(loaded, total int64) {
	if f := h.Handlers().OnUploadProgress; f != nil {
		f(webrequest.ProgressEvent{Loaded: loaded, Total: total, LengthComputable: total > 0})
	}
}

func formatHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+headers[k])
	}
	return strings.Join(lines, "\r\n")
}

func statusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	}
	return ""
}
