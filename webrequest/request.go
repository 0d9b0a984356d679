/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-webqueue/internal/capability"
	"github.com/acronis/go-webqueue/log"
)

// State is a lifecycle state of a request.
type State int

// Request states.
const (
	StateCreated State = iota
	StateQueued
	StateBlocked
	StateFiring
	StateAwaitingCompletion
	StateRetrying
	StateResolved
	StateRejected
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateBlocked:
		return "blocked"
	case StateFiring:
		return "firing"
	case StateAwaitingCompletion:
		return "awaiting-completion"
	case StateRetrying:
		return "retrying"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

func (s State) isTerminal() bool {
	return s == StateResolved || s == StateRejected
}

// BlockPredicate holds a request back until some condition is met.
// It is evaluated every time the request reaches the head of the queue.
// Returning an error fails the request without firing it.
// The context is canceled when the request is aborted.
type BlockPredicate func(ctx context.Context) error

type queueList int

const (
	listNone queueList = iota
	listPending
	listBlocked
	listExecuting
)

const connectivityErrorStatusText = "Transport error, possibly a connectivity issue"

// Request is a single logical HTTP call that may be fired several times because of retries.
// All mutable fields are guarded by the dispatcher's mutex.
type Request struct {
	d              *Dispatcher
	seq            uint64
	created        time.Time
	method         string
	headerSupplier HeaderSupplier
	blockUntil     BlockPredicate
	backoff        backoff.BackOff
	logger         log.FieldLogger

	url            string
	opts           Options
	state          State
	list           queueList
	started        bool
	aborted        bool
	abortRequested bool
	timedOut       bool
	paused         bool
	finishHandled  bool
	handle         Handle
	sentHeaders    Headers
	attemptStarted time.Time
	timeoutTimer   Timer
	retryTimer     Timer
	blockCancel    context.CancelFunc
	stopCtxWatch   func() bool
	result         *Result
}

// NewRequest creates a new request bound to the dispatcher.
// Options are merged with DefaultOptions. headerSupplier and blockUntil may be nil.
func NewRequest(
	d *Dispatcher, method, url string, opts Options, headerSupplier HeaderSupplier, blockUntil BlockPredicate,
) *Request {
	seq := d.nextSeq()
	return &Request{
		d:              d,
		seq:            seq,
		created:        d.Settings().Clock.Now(),
		method:         method,
		url:            url,
		opts:           MergeOptions(opts),
		headerSupplier: headerSupplier,
		blockUntil:     blockUntil,
		backoff:        d.retryPolicy.NewBackOff(),
		logger:         d.logger.With(log.String("method", method), log.Uint64("request_seq", seq)),
	}
}

// Method returns the HTTP method of the request.
func (r *Request) Method() string {
	return r.method
}

// Created returns the time the request was created at.
func (r *Request) Created() time.Time {
	return r.created
}

// URL returns the current target URL.
func (r *Request) URL() string {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.url
}

// SetURL changes the target URL. It affects only attempts fired after the call.
func (r *Request) SetURL(url string) {
	r.d.mu.Lock()
	r.url = url
	r.d.mu.Unlock()
}

// SetHeader sets a header that overrides any other header with the same key.
// An empty value removes a previously set header.
func (r *Request) SetHeader(key, value string) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if value == "" {
		delete(r.opts.AugmentHeaders, key)
		return
	}
	if r.opts.AugmentHeaders == nil {
		r.opts.AugmentHeaders = Headers{}
	}
	r.opts.AugmentHeaders[key] = value
}

// Options returns a copy of the current request options.
func (r *Request) Options() Options {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.opts.Clone()
}

// RequestHeaders returns headers the request would be fired with.
func (r *Request) RequestHeaders() Headers {
	opts := r.Options()
	return buildRequestHeaders(r.headerSupplier, &opts)
}

// Priority returns the current priority.
func (r *Request) Priority() Priority {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.priorityLocked()
}

func (r *Request) priorityLocked() Priority {
	if r.opts.Priority == 0 {
		return PriorityDontCare
	}
	return r.opts.Priority
}

// SetPriority changes the priority. A pending request is moved to its new place in the queue,
// otherwise the new priority takes effect when the request is enqueued next time.
func (r *Request) SetPriority(p Priority) {
	d := r.d
	d.mu.Lock()
	if r.opts.Priority == p {
		d.mu.Unlock()
		return
	}
	r.opts.Priority = p
	if r.paused || r.handle != nil || r.list != listPending {
		d.mu.Unlock()
		return
	}
	d.pending = removeRequest(d.pending, r)
	r.list = listNone
	requeued := d.enqueueLocked(r)
	d.mu.Unlock()
	if requeued {
		d.schedule()
	}
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.state
}

// Paused reports whether the request waits for ResumeRetrying.
func (r *Request) Paused() bool {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.paused
}

// Start enqueues the request and returns a handle to its outcome.
// Cancellation of ctx aborts the request.
// Misconfigured headers or payload are reported synchronously with *ContractViolationError.
func (r *Request) Start(ctx context.Context) (*Result, error) {
	d := r.d

	d.mu.Lock()
	if r.started {
		d.mu.Unlock()
		r.logger.Warn("request already started", log.String("url", r.URL()))
		return nil, ErrAlreadyStarted
	}
	opts := r.opts.Clone()
	url := r.url
	d.mu.Unlock()

	if err := validateStatic(r.method, url, &opts); err != nil {
		r.logger.Error("request contract violation", log.String("url", url), log.Error(err))
		d.metrics.IncOutcomes(r.method, OutcomeContractViolation)
		return nil, err
	}

	d.mu.Lock()
	if r.started {
		d.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	r.started = true
	r.result = newResult(func() { _ = r.Abort() })
	d.active[r] = struct{}{}
	if ctx != nil && ctx.Done() != nil {
		r.stopCtxWatch = context.AfterFunc(ctx, func() { _ = r.Abort() })
	}
	requeued := d.enqueueLocked(r)
	d.mu.Unlock()

	r.logger.Debug("request started", log.String("url", url), log.String("priority", opts.Priority.String()))
	if requeued {
		d.schedule()
	}
	return r.result, nil
}

// validateStatic checks option-level headers and payload that do not depend on the header supplier.
func validateStatic(method, url string, opts *Options) error {
	static := Headers{}
	for k, v := range opts.OverrideHeaders {
		static[k] = v
	}
	for k, v := range opts.AugmentHeaders {
		static[k] = v
	}
	if _, _, err := checkHeaders(static); err != nil {
		return newContractViolation(method, url, "%v", err)
	}
	if hasSendData(opts.SendData) {
		if _, _, err := encodeBody(opts.SendData, MapContentType(contentTypeOrDefault(opts.ContentType))); err != nil {
			return newContractViolation(method, url, "%v", err)
		}
	}
	return nil
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return ContentTypeJSON
	}
	return ct
}

// Abort cancels the request. The result is settled with a canceled error response
// before the transport is asked to cancel the in-flight exchange.
func (r *Request) Abort() error {
	return r.abort(false)
}

func (r *Request) abort(timedOut bool) error {
	d := r.d
	d.mu.Lock()
	if !r.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	if r.abortRequested || (timedOut && r.aborted) {
		url := r.url
		d.mu.Unlock()
		r.logger.Warn("request already aborted", log.String("url", url))
		return ErrAlreadyAborted
	}
	if timedOut {
		r.timedOut = true
	} else {
		r.abortRequested = true
	}
	r.aborted = true
	r.stopTimersLocked()
	if r.blockCancel != nil {
		r.blockCancel()
		r.blockCancel = nil
	}
	terminal := r.state.isTerminal()
	// The outcome of the last attempt is being classified, applyErrorHandling picks the abort up.
	classifying := r.finishHandled && !terminal
	h := r.handle
	d.mu.Unlock()

	if terminal || classifying {
		return nil
	}
	r.respond(nil, "Aborted")
	if h != nil {
		h.Abort()
	}
	return nil
}

// ResumeRetrying re-enqueues a request paused by the PauseUntilResumed error handling.
func (r *Request) ResumeRetrying() error {
	d := r.d
	d.mu.Lock()
	if !r.paused {
		d.mu.Unlock()
		return ErrNotPaused
	}
	r.paused = false
	requeued := d.enqueueLocked(r)
	d.mu.Unlock()
	if requeued {
		d.schedule()
	}
	return nil
}

func (r *Request) stopTimersLocked() {
	stopTimer(r.retryTimer)
	r.retryTimer = nil
	stopTimer(r.timeoutTimer)
	r.timeoutTimer = nil
}

// currentLocked reports whether h belongs to the current attempt and the attempt has not completed yet.
func (r *Request) currentLocked(h Handle) bool {
	return r.handle == h && !r.finishHandled
}

func (r *Request) owns(h Handle) bool {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.handle == h
}

// fire performs a single attempt. The request must be in the executing list.
func (r *Request) fire() {
	d := r.d
	h := d.transport.NewHandle()

	d.mu.Lock()
	if r.list != listExecuting || r.aborted {
		d.mu.Unlock()
		return
	}
	clock := d.settings.Clock
	r.handle = h
	r.sentHeaders = Headers{}
	r.state = StateFiring
	r.attemptStarted = clock.Now()
	url := r.url
	opts := r.opts.Clone()
	d.mu.Unlock()

	r.logger.Debug("firing request", log.String("url", url), log.Int("retries_left", opts.Retries))

	// Some transports reset event bindings on open, so it goes first.
	if err := h.Open(r.method, url); err != nil {
		r.respond(h, err.Error())
		return
	}

	var handlers EventHandlers
	if opts.Timeout > 0 {
		r.bindTimeout(h, &handlers, opts.Timeout, clock)
	}
	r.bindCompletion(h, &handlers, &opts, clock)
	handlers.OnAbort = func() {
		d.mu.Lock()
		if r.handle != h {
			d.mu.Unlock()
			return
		}
		r.aborted = true
		d.mu.Unlock()
		r.respond(h, "Aborted")
	}
	handlers.OnUploadProgress = opts.Progress
	h.SetEventHandlers(handlers)

	sent := Headers{}
	setHeader := func(key, value string) {
		h.SetRequestHeader(key, value)
		sent[key] = value
	}

	acceptType := opts.AcceptType
	if acceptType == "" {
		acceptType = ContentTypeJSON
	}
	responseType := opts.CustomResponseType
	if responseType == ResponseTypeDefault {
		responseType = responseTypeForAccept(acceptType)
	}
	// Transports that cannot decode JSON natively are fine: JSON bodies are parsed on completion anyway.
	if err := h.SetResponseType(responseType); err != nil && responseType != ResponseTypeJSON {
		r.violate(h, fmt.Sprintf("response type %s is not supported: %v", responseType, err))
		return
	}
	setHeader("Accept", MapContentType(acceptType))
	h.SetWithCredentials(opts.WithCredentials)

	pairs, dropped, err := checkHeaders(buildRequestHeaders(r.headerSupplier, &opts))
	if err != nil {
		r.violate(h, err.Error())
		return
	}
	for _, key := range dropped {
		r.logger.Warn("header has empty value and will be dropped", log.String("header", key))
	}
	for _, p := range pairs {
		setHeader(p.key, p.value)
	}

	var body []byte
	if hasSendData(opts.SendData) {
		var contentType string
		body, contentType, err = encodeBody(opts.SendData, MapContentType(contentTypeOrDefault(opts.ContentType)))
		if err != nil {
			r.violate(h, err.Error())
			return
		}
		setHeader("Content-Type", contentType)
	}

	d.mu.Lock()
	if !r.currentLocked(h) {
		d.mu.Unlock()
		return
	}
	r.sentHeaders = sent
	r.state = StateAwaitingCompletion
	d.mu.Unlock()

	if err = h.Send(body); err != nil {
		r.respond(h, err.Error())
	}
}

// bindTimeout arms a manual timeout timer unless native timeouts are confirmed,
// and binds the native timeout unless it is known not to work.
func (r *Request) bindTimeout(h Handle, handlers *EventHandlers, timeout time.Duration, clock Clock) {
	d := r.d
	flag := &d.probe.Timeout
	status := flag.Load()
	if status == capability.Unknown {
		flag.StartDetection()
	}

	if status != capability.Supported {
		t := clock.AfterFunc(timeout, func() {
			d.mu.Lock()
			if !r.currentLocked(h) {
				d.mu.Unlock()
				return
			}
			r.timeoutTimer = nil
			d.mu.Unlock()
			_ = r.abort(true)
		})
		d.mu.Lock()
		if r.currentLocked(h) {
			r.timeoutTimer = t
		} else {
			t.Stop()
		}
		d.mu.Unlock()
	}

	if status == capability.Supported || status <= capability.Detecting {
		h.SetTimeout(timeout)
		handlers.OnTimeout = func() {
			flag.MarkSupported()
			if status != capability.Supported {
				// The manual timer of this attempt is in charge.
				return
			}
			d.mu.Lock()
			if r.handle != h {
				d.mu.Unlock()
				return
			}
			r.timedOut = true
			r.aborted = true
			d.mu.Unlock()
			r.respond(h, "TimedOut")
		}
	}
}

// bindCompletion binds native load/error notifications and, until they are confirmed,
// a ready state fallback. The first request observed while support is unknown drives detection.
func (r *Request) bindCompletion(h Handle, handlers *EventHandlers, opts *Options, clock Clock) {
	d := r.d
	flag := &d.probe.Completion
	status := flag.Load()

	streamed := func() bool {
		if opts.StreamingProgress == nil || h.ReadyState() != ReadyStateLoading {
			return false
		}
		d.mu.Lock()
		aborted := r.aborted
		d.mu.Unlock()
		if aborted {
			return false
		}
		text, _ := h.ResponseText()
		opts.StreamingProgress(text)
		return true
	}

	if status != capability.Supported {
		detecting := status == capability.Unknown && flag.StartDetection()
		handlers.OnReadyStateChange = func() {
			if !r.owns(h) || streamed() || h.ReadyState() != ReadyStateDone {
				return
			}
			if detecting && flag.Load() == capability.Detecting {
				clock.AfterFunc(capability.DetectionGracePeriod, func() {
					if flag.MarkNotSupported() {
						d.logger.Warn("transport does not deliver load notifications, falling back to ready state tracking")
					}
				})
			}
			r.respond(h, "")
		}
	} else if opts.StreamingProgress != nil {
		handlers.OnReadyStateChange = func() {
			if r.owns(h) {
				streamed()
			}
		}
	}

	if status != capability.NotSupported {
		native := func() {
			flag.MarkSupported()
			if status != capability.Supported {
				// The ready state fallback of this attempt is in charge.
				return
			}
			r.respond(h, "")
		}
		handlers.OnLoad = native
		handlers.OnError = native
	}
}

// violate fails the request because of a caller's mistake. Retry logic is bypassed.
func (r *Request) violate(h Handle, reason string) {
	d := r.d
	d.mu.Lock()
	if r.handle != h || r.finishHandled {
		d.mu.Unlock()
		return
	}
	r.finishHandled = true
	d.removeFromActiveQueuesLocked(r)
	r.stopTimersLocked()
	r.handle = nil
	r.state = StateRejected
	err := newContractViolation(r.method, r.url, "%s", reason)
	d.mu.Unlock()

	h.SetEventHandlers(EventHandlers{})
	h.Abort()
	r.logger.Error("request contract violation", log.String("url", err.URL), log.String("reason", reason))
	r.finish(nil, err, OutcomeContractViolation)
	d.schedule()
}

func (r *Request) finish(resp *Response, err error, outcome string) {
	d := r.d
	d.mu.Lock()
	delete(d.active, r)
	stop := r.stopCtxWatch
	r.stopCtxWatch = nil
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	r.result.settle(resp, err)
	d.metrics.IncOutcomes(r.method, outcome)
}

// respond is the single completion path of an attempt. h identifies the attempt that completed;
// nil means the current attempt, whatever it is. Duplicate completions are ignored.
func (r *Request) respond(h Handle, errorStatusText string) {
	d := r.d

	d.mu.Lock()
	if r.finishHandled || (h != nil && r.handle != h) {
		d.mu.Unlock()
		return
	}
	r.finishHandled = true
	d.removeFromActiveQueuesLocked(r)
	r.stopTimersLocked()
	h = r.handle
	resp := Response{
		URL:            r.url,
		Method:         r.method,
		RequestOptions: r.opts.Clone(),
		RequestHeaders: r.sentHeaders.Clone(),
		Headers:        Headers{},
	}
	if resp.RequestHeaders == nil {
		resp.RequestHeaders = Headers{}
	}
	aborted, timedOut := r.aborted, r.timedOut
	attemptStarted := r.attemptStarted
	clock := d.settings.Clock
	d.mu.Unlock()

	readyState := ReadyStateUnsent
	if h != nil {
		readyState = r.readResponse(h, &resp, errorStatusText)
		d.metrics.ObserveAttemptDuration(r.method, resp.StatusCode, clock.Now().Sub(attemptStarted))
	} else {
		resp.StatusText = errorStatusText
		if resp.StatusText == "" {
			resp.StatusText = connectivityErrorStatusText
		}
	}

	if h != nil && readyState == ReadyStateDone && isSuccessStatus(resp.StatusCode) {
		d.mu.Lock()
		r.state = StateResolved
		d.mu.Unlock()
		r.logger.Debug("request resolved", log.String("url", resp.URL), log.Int("status", resp.StatusCode))
		r.finish(&resp, nil, OutcomeResolved)
		d.schedule()
		return
	}

	errResp := &ErrorResponse{Response: resp, Canceled: aborted, TimedOut: timedOut}
	if resp.RequestOptions.AugmentErrorResponse != nil {
		resp.RequestOptions.AugmentErrorResponse(errResp)
	}
	classify := resp.RequestOptions.CustomErrorClassifier
	if classify == nil {
		classify = DefaultErrorClassifier
	}
	handling := classify(r, errResp)

	r.applyErrorHandling(errResp, handling)
	d.schedule()
}

func isSuccessStatus(code int) bool {
	return (code >= 200 && code < 300) || code == 304
}

// readResponse fills the envelope from the handle and returns the handle's ready state.
func (r *Request) readResponse(h Handle, resp *Response, errorStatusText string) ReadyState {
	readyState := h.ReadyState()

	// Some transports fail to report status of aborted exchanges.
	if code, text, err := h.Status(); err == nil {
		resp.StatusCode, resp.StatusText = code, text
	}
	if resp.StatusText == "" {
		resp.StatusText = errorStatusText
	}

	resp.Headers = parseResponseHeaders(h.AllResponseHeaders())
	if resp.Headers["content-type"] == "" {
		if ct := h.ResponseHeader("content-type"); ct != "" {
			resp.Headers["content-type"] = ct
		}
	}

	resp.Body = h.Response()
	if isJSONContentType(resp.Headers["content-type"]) && !isDecodedBody(resp.Body) {
		if text, ok := h.ResponseText(); ok && text != "" {
			var v any
			if err := json.Unmarshal([]byte(text), &v); err != nil {
				r.logger.Warn("failed to parse JSON response", log.String("url", resp.URL), log.Error(err))
				resp.ParsingError = err
				resp.Body = nil
			} else {
				resp.Body = v
			}
		}
	}

	if u := h.ResponseURL(); u != "" {
		resp.URL = u
	}
	return readyState
}

func isDecodedBody(body any) bool {
	switch body.(type) {
	case nil, string, []byte:
		return false
	}
	return true
}

// applyErrorHandling either schedules another attempt or rejects the result.
func (r *Request) applyErrorHandling(errResp *ErrorResponse, handling ErrorHandlingType) {
	d := r.d

	d.mu.Lock()
	if r.abortRequested {
		errResp.Canceled = true
		handling = DoNotRetry
	}
	retrying := !d.closed && handling != DoNotRetry && (r.opts.Retries > 0 || handling.isUncounted())
	var delay time.Duration
	if retrying && (handling == RetryCountedWithBackoff || handling == RetryUncountedWithBackoff) {
		if delay = r.backoff.NextBackOff(); delay == backoff.Stop {
			retrying = false
		}
	}

	var oldHandle Handle
	if retrying {
		if handling == RetryCountedWithBackoff {
			r.opts.Retries--
		}
		stopTimer(r.timeoutTimer)
		r.timeoutTimer = nil
		r.aborted, r.timedOut, r.finishHandled = false, false, false
		oldHandle, r.handle = r.handle, nil
		r.sentHeaders = nil
		r.state = StateRetrying

		switch handling {
		case PauseUntilResumed:
			r.paused = true
		case RetryUncountedImmediately:
			d.enqueueLocked(r)
		default:
			var t Timer
			t = d.settings.Clock.AfterFunc(delay, func() {
				d.mu.Lock()
				if r.retryTimer != t {
					d.mu.Unlock()
					return
				}
				r.retryTimer = nil
				requeued := d.enqueueLocked(r)
				d.mu.Unlock()
				if requeued {
					d.schedule()
				}
			})
			r.retryTimer = t
		}
	} else {
		r.state = StateRejected
	}
	d.mu.Unlock()

	if oldHandle != nil {
		oldHandle.SetEventHandlers(EventHandlers{})
	}

	if retrying {
		r.logger.Debug("request will be retried",
			log.String("url", errResp.URL), log.Int("status", errResp.StatusCode),
			log.String("handling", handling.String()), log.Duration("delay", delay))
		d.metrics.IncRetries(r.method, handling)
		return
	}
	r.logger.Debug("request rejected",
		log.String("url", errResp.URL), log.Int("status", errResp.StatusCode), log.String("status_text", errResp.StatusText))
	r.finish(nil, errResp, OutcomeRejected)
}
