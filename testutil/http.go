/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/stretchr/testify/require"
)

type tHelper interface {
	Helper()
}

// Reply is a scripted HTTP response.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       string
	// Delay postpones the reply. The handler gives up when the client goes away.
	Delay time.Duration
}

// RecordedRequest is a request received by ScriptedServer.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// ScriptedServer is an httptest.Server that replies with the scripted responses in order.
// The last reply is repeated once the script is exhausted.
type ScriptedServer struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []Reply
	requests []RecordedRequest
}

// NewScriptedServer starts a ScriptedServer. Without replies it answers 200 with an empty body.
func NewScriptedServer(replies ...Reply) *ScriptedServer {
	s := &ScriptedServer{replies: replies}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

func (s *ScriptedServer) serveHTTP(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	reply := Reply{StatusCode: http.StatusOK}
	if n := len(s.requests); n < len(s.replies) {
		reply = s.replies[n]
	} else if len(s.replies) != 0 {
		reply = s.replies[len(s.replies)-1]
	}
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method, Path: r.URL.RequestURI(), Header: r.Header.Clone(), Body: string(body),
	})
	s.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for k, vals := range reply.Header {
		for _, v := range vals {
			rw.Header().Add(k, v)
		}
	}
	if reply.StatusCode == 0 {
		reply.StatusCode = http.StatusOK
	}
	rw.WriteHeader(reply.StatusCode)
	_, _ = io.WriteString(rw, reply.Body)
}

// Calls returns the number of requests received so far.
func (s *ScriptedServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the received requests.
func (s *ScriptedServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// RequireCalls asserts that the server received exactly wantCalls requests.
func (s *ScriptedServer) RequireCalls(t require.TestingT, wantCalls int, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantCalls, s.Calls(), msgAndArgs...)
}

// JSONReply returns a Reply with the given status and a JSON body.
func JSONReply(statusCode int, body string) Reply {
	return Reply{StatusCode: statusCode, Header: http.Header{"Content-Type": {"application/json"}}, Body: body}
}
