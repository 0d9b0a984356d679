/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/webrequest"
)

const readChunkSize = 32 * 1024

// Errors returned by Handle.
var (
	ErrHandleNotOpened   = errors.New("handle is not opened")
	ErrHandleAlreadySent = errors.New("handle is already sent")
)

// Handle performs a single HTTP exchange in a separate goroutine and reports
// its progress through webrequest.EventHandlers.
//
// Notification order: OnReadyStateChange on headers, on every received body chunk and on completion,
// then OnLoad on success or OnError on a network failure. A native timeout fires OnTimeout only.
// After Abort no notification except OnAbort is delivered.
type Handle struct {
	transport *Transport

	mu              sync.Mutex
	method          string
	url             *url.URL
	handlers        webrequest.EventHandlers
	timeout         time.Duration
	responseType    webrequest.ResponseType
	withCredentials bool
	header          http.Header
	readyState      webrequest.ReadyState
	sent            bool
	aborted         bool
	failed          bool
	cancel          context.CancelFunc
	status          int
	statusText      string
	respHeader      http.Header
	body            []byte
	responseURL     string
}

var _ webrequest.Handle = (*Handle)(nil)

// Open implements webrequest.Handle.
func (h *Handle) Open(method, rawURL string) error {
	if method == "" {
		return fmt.Errorf("method is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("url %q is not absolute", rawURL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sent {
		return ErrHandleAlreadySent
	}
	h.method = strings.ToUpper(method)
	h.url = u
	h.header = http.Header{}
	h.readyState = webrequest.ReadyStateOpened
	return nil
}

// SetEventHandlers implements webrequest.Handle.
func (h *Handle) SetEventHandlers(handlers webrequest.EventHandlers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = handlers
}

// SetTimeout implements webrequest.Handle. It takes effect on Send.
func (h *Handle) SetTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// SetResponseType implements webrequest.Handle. Documents are kept as text.
func (h *Handle) SetResponseType(t webrequest.ResponseType) error {
	if t < webrequest.ResponseTypeDefault || t > webrequest.ResponseTypeDocument {
		return fmt.Errorf("unknown response type %d", t)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responseType = t
	return nil
}

// SetWithCredentials implements webrequest.Handle.
// Handles with credentials store and send cookies of the transport's cookie jar.
func (h *Handle) SetWithCredentials(withCredentials bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.withCredentials = withCredentials
}

// SetRequestHeader implements webrequest.Handle.
func (h *Handle) SetRequestHeader(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.header == nil {
		h.header = http.Header{}
	}
	h.header.Add(key, value)
}

// Send implements webrequest.Handle. The exchange runs in a separate goroutine.
func (h *Handle) Send(body []byte) error {
	h.mu.Lock()
	if h.sent {
		h.mu.Unlock()
		return ErrHandleAlreadySent
	}
	if h.readyState != webrequest.ReadyStateOpened {
		h.mu.Unlock()
		return ErrHandleNotOpened
	}

	ctx := NewContextWithLogger(context.Background(), h.transport.logger)
	var cancel context.CancelFunc
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = &uploadProgressReader{r: bytes.NewReader(body), total: int64(len(body)), report: h.reportUploadProgress}
	}
	req, err := http.NewRequestWithContext(ctx, h.method, h.url.String(), reqBody)
	if err != nil {
		h.mu.Unlock()
		cancel()
		return fmt.Errorf("create http request: %w", err)
	}
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	req.Header = h.header.Clone()

	h.sent = true
	h.cancel = cancel
	client := h.transport.clientFor(h.withCredentials)
	h.mu.Unlock()

	go h.roundTrip(ctx, cancel, client, req)
	return nil
}

func (h *Handle) roundTrip(ctx context.Context, cancel context.CancelFunc, client *http.Client, req *http.Request) {
	defer cancel()

	resp, err := client.Do(req) //nolint:bodyclose // closed below
	if err != nil {
		h.fail(ctx, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if !h.receiveHeaders(resp) {
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 && !h.receiveChunk(buf[:n]) {
			return
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			h.fail(ctx, readErr)
			return
		}
	}
	h.complete()
}

// update applies fn under the lock unless the handle has been aborted,
// and returns the handlers to notify.
func (h *Handle) update(fn func()) (webrequest.EventHandlers, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return webrequest.EventHandlers{}, false
	}
	fn()
	return h.handlers, true
}

func (h *Handle) receiveHeaders(resp *http.Response) bool {
	handlers, ok := h.update(func() {
		h.status = resp.StatusCode
		h.statusText = statusTextFromResponse(resp)
		h.respHeader = resp.Header.Clone()
		if resp.Request != nil && resp.Request.URL != nil {
			h.responseURL = resp.Request.URL.String()
		}
		h.readyState = webrequest.ReadyStateHeadersReceived
	})
	if ok && handlers.OnReadyStateChange != nil {
		handlers.OnReadyStateChange()
	}
	return ok
}

func (h *Handle) receiveChunk(chunk []byte) bool {
	handlers, ok := h.update(func() {
		h.body = append(h.body, chunk...)
		h.readyState = webrequest.ReadyStateLoading
	})
	if ok && handlers.OnReadyStateChange != nil {
		handlers.OnReadyStateChange()
	}
	return ok
}

func (h *Handle) complete() {
	handlers, ok := h.update(func() {
		h.readyState = webrequest.ReadyStateDone
	})
	if !ok {
		return
	}
	if handlers.OnReadyStateChange != nil {
		handlers.OnReadyStateChange()
	}
	if handlers.OnLoad != nil {
		handlers.OnLoad()
	}
}

func (h *Handle) fail(ctx context.Context, err error) {
	handlers, ok := h.update(func() {
		h.readyState = webrequest.ReadyStateDone
		h.failed = true
		h.status, h.statusText = 0, ""
		h.respHeader = nil
		h.body = nil
	})
	if !ok {
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		h.transport.logger.Debug("request timed out", log.String("method", h.method), log.Error(err))
		if handlers.OnTimeout != nil {
			handlers.OnTimeout()
		}
		return
	}

	h.transport.logger.Debug("request failed", log.String("method", h.method), log.Error(err))
	if handlers.OnReadyStateChange != nil {
		handlers.OnReadyStateChange()
	}
	if handlers.OnError != nil {
		handlers.OnError()
	}
}

func (h *Handle) reportUploadProgress(loaded, total int64) {
	h.mu.Lock()
	onProgress := h.handlers.OnUploadProgress
	aborted := h.aborted
	h.mu.Unlock()
	if onProgress != nil && !aborted {
		onProgress(webrequest.ProgressEvent{Loaded: loaded, Total: total, LengthComputable: true})
	}
}

// Abort implements webrequest.Handle. OnAbort is invoked if the exchange was in flight.
func (h *Handle) Abort() {
	h.mu.Lock()
	if h.aborted {
		h.mu.Unlock()
		return
	}
	h.aborted = true
	inFlight := h.sent && h.readyState != webrequest.ReadyStateDone
	h.readyState = webrequest.ReadyStateUnsent
	h.status, h.statusText = 0, ""
	h.respHeader = nil
	h.body = nil
	cancel := h.cancel
	onAbort := h.handlers.OnAbort
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
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
	return h.status, h.statusText, nil
}

// AllResponseHeaders implements webrequest.Handle.
// Header names are lower-cased and sorted, lines are separated with CRLF.
func (h *Handle) AllResponseHeaders() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.respHeader) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h.respHeader))
	for k := range h.respHeader {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(strings.ToLower(k))
		sb.WriteString(": ")
		sb.WriteString(strings.Join(h.respHeader[k], ", "))
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// ResponseHeader implements webrequest.Handle.
func (h *Handle) ResponseHeader(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.respHeader.Get(key)
}

// Response implements webrequest.Handle. It returns nil until the exchange is done
// and for a failed exchange. JSON bodies are decoded, a body that is not valid JSON gives nil.
func (h *Handle) Response() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readyState != webrequest.ReadyStateDone || h.failed {
		return nil
	}
	switch h.responseType {
	case webrequest.ResponseTypeJSON:
		var v any
		if len(h.body) == 0 || json.Unmarshal(h.body, &v) != nil {
			return nil
		}
		return v
	case webrequest.ResponseTypeBytes:
		return append([]byte(nil), h.body...)
	}
	return string(h.body)
}

// ResponseText implements webrequest.Handle. Text is not accessible for the bytes response type.
// While the body is loading, the text received so far is returned.
func (h *Handle) ResponseText() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.responseType == webrequest.ResponseTypeBytes {
		return "", false
	}
	return string(h.body), true
}

// ResponseURL implements webrequest.Handle. It is the final URL after redirects.
func (h *Handle) ResponseURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseURL
}

func statusTextFromResponse(resp *http.Response) string {
	// resp.Status is "200 OK".
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

type uploadProgressReader struct {
	r      io.Reader
	loaded int64
	total  int64
	report func(loaded, total int64)
}

func (pr *uploadProgressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.loaded += int64(n)
		pr.report(pr.loaded, pr.total)
	}
	return n, err
}
