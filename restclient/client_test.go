/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restclient

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-webqueue/testutil"
	"github.com/acronis/go-webqueue/webrequest"
	"github.com/acronis/go-webqueue/webrequest/webrequesttest"
)

const testEndpoint = "https://api.example.com/v1"

type callResult struct {
	body any
	resp *webrequest.Response
	err  error
}

func newTestClient(t *testing.T, opts Opts) (*Client, *webrequesttest.Transport) {
	t.Helper()
	tr := webrequesttest.NewTransport()
	d := webrequest.NewDispatcher(tr)
	t.Cleanup(d.Close)
	return New(testEndpoint, d, opts), tr
}

func async(fn func() (*webrequest.Response, error)) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		resp, err := fn()
		res := callResult{resp: resp, err: err}
		if resp != nil {
			res.body = resp.Body
		}
		ch <- res
	}()
	return ch
}

func waitSent(t *testing.T, tr *webrequesttest.Transport, n int) *webrequesttest.Handle {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.Sent()) >= n }, time.Second, time.Millisecond)
	return tr.Sent()[n-1]
}

func waitResult(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("call is not finished")
	}
	return callResult{}
}

func TestClient_Verbs(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name            string
		call            func(c *Client) (*webrequest.Response, error)
		wantMethod      string
		wantBody        string
		wantContentType string
	}{
		{
			name:       "get",
			call:       func(c *Client) (*webrequest.Response, error) { return c.GetDetailed(ctx, "/items", nil) },
			wantMethod: http.MethodGet,
		},
		{
			name: "post json",
			call: func(c *Client) (*webrequest.Response, error) {
				return c.PostDetailed(ctx, "/items", map[string]any{"name": "a"}, nil)
			},
			wantMethod: http.MethodPost, wantBody: `{"name":"a"}`, wantContentType: "application/json",
		},
		{
			name: "post string as form",
			call: func(c *Client) (*webrequest.Response, error) {
				return c.PostDetailed(ctx, "/items", "name=a", nil)
			},
			wantMethod: http.MethodPost, wantBody: "name=a", wantContentType: "application/x-www-form-urlencoded",
		},
		{
			name: "put",
			call: func(c *Client) (*webrequest.Response, error) {
				return c.PutDetailed(ctx, "/items", []int{1}, nil)
			},
			wantMethod: http.MethodPut, wantBody: `[1]`, wantContentType: "application/json",
		},
		{
			name: "patch",
			call: func(c *Client) (*webrequest.Response, error) {
				return c.PatchDetailed(ctx, "/items", map[string]any{"n": 1}, nil)
			},
			wantMethod: http.MethodPatch, wantBody: `{"n":1}`, wantContentType: "application/json",
		},
		{
			name:       "delete without payload",
			call:       func(c *Client) (*webrequest.Response, error) { return c.DeleteDetailed(ctx, "/items", nil, nil) },
			wantMethod: http.MethodDelete,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := newTestClient(t, Opts{})
			ch := async(func() (*webrequest.Response, error) { return tt.call(c) })

			h := waitSent(t, tr, 1)
			require.Equal(t, tt.wantMethod, h.Method())
			require.Equal(t, testEndpoint+"/items", h.URL())
			require.Equal(t, tt.wantBody, string(h.Body()))
			require.Equal(t, tt.wantContentType, h.RequestHeaders()["Content-Type"])
			h.RespondJSON(http.StatusOK, `{"ok":true}`)

			res := waitResult(t, ch)
			require.NoError(t, res.err)
			require.Equal(t, map[string]any{"ok": true}, res.body)
		})
	}
}

func TestClient_BodyShortcuts(t *testing.T) {
	c, tr := newTestClient(t, Opts{})
	ctx := context.Background()
	shortcuts := []func() (any, error){
		func() (any, error) { return c.Get(ctx, "/x", nil) },
		func() (any, error) { return c.Post(ctx, "/x", map[string]any{}, nil) },
		func() (any, error) { return c.Put(ctx, "/x", map[string]any{}, nil) },
		func() (any, error) { return c.Patch(ctx, "/x", map[string]any{}, nil) },
		func() (any, error) { return c.Delete(ctx, "/x", nil, nil) },
	}
	for i, call := range shortcuts {
		ch := make(chan callResult, 1)
		go func() {
			body, err := call()
			ch <- callResult{body: body, err: err}
		}()
		waitSent(t, tr, i+1).RespondJSON(http.StatusOK, `[1,2]`)
		res := waitResult(t, ch)
		require.NoError(t, res.err)
		require.Equal(t, []any{float64(1), float64(2)}, res.body)
	}
}

func TestClient_Options(t *testing.T) {
	c, tr := newTestClient(t, Opts{DefaultOptions: webrequest.Options{Retries: 3, Timeout: time.Minute}})

	ch := async(func() (*webrequest.Response, error) {
		return c.GetDetailed(context.Background(), "https://other.example.com/raw", &CallOptions{
			Options:            webrequest.Options{Retries: 1, Priority: webrequest.PriorityHigh},
			ExcludeEndpointURL: true,
		})
	})
	h := waitSent(t, tr, 1)
	require.Equal(t, "https://other.example.com/raw", h.URL())
	h.RespondJSON(http.StatusOK, `{}`)

	res := waitResult(t, ch)
	require.NoError(t, res.err)
	opts := res.resp.RequestOptions
	require.Equal(t, 1, opts.Retries)
	require.Equal(t, time.Minute, opts.Timeout)
	require.Equal(t, webrequest.PriorityHigh, opts.Priority)
	require.False(t, opts.WithCredentials)
	require.Equal(t, webrequest.ContentTypeJSON, opts.ContentType)

	ch = async(func() (*webrequest.Response, error) { return c.GetDetailed(context.Background(), "/x", nil) })
	waitSent(t, tr, 2).RespondJSON(http.StatusOK, `{}`)
	res = waitResult(t, ch)
	require.NoError(t, res.err)
	require.Equal(t, 3, res.resp.RequestOptions.Retries)
	require.Equal(t, webrequest.PriorityNormal, res.resp.RequestOptions.Priority)
}

func TestClient_OptionsOverrideDefaultsWithZero(t *testing.T) {
	c, tr := newTestClient(t, Opts{DefaultOptions: webrequest.Options{Retries: 3, WithCredentials: true}})

	ch := async(func() (*webrequest.Response, error) {
		return c.GetDetailed(context.Background(), "/x", &CallOptions{Options: webrequest.Options{Retries: 0}})
	})
	h := waitSent(t, tr, 1)
	require.True(t, h.WithCredentials())
	h.RespondJSON(http.StatusOK, `{}`)
	res := waitResult(t, ch)
	require.NoError(t, res.err)
	require.Equal(t, 3, res.resp.RequestOptions.Retries)

	ch = async(func() (*webrequest.Response, error) {
		return c.GetDetailed(context.Background(), "/x", &CallOptions{NoRetries: true, NoCredentials: true})
	})
	h = waitSent(t, tr, 2)
	require.False(t, h.WithCredentials())
	h.RespondJSON(http.StatusInternalServerError, `{}`)
	res = waitResult(t, ch)
	var clientErr *ClientError
	require.ErrorAs(t, res.err, &clientErr)
	require.Len(t, tr.Sent(), 2)
	require.Equal(t, 0, clientErr.Err.RequestOptions.Retries)
	require.False(t, clientErr.Err.RequestOptions.WithCredentials)
}

func TestClient_GetWithETag(t *testing.T) {
	c, tr := newTestClient(t, Opts{})

	t.Run("matched", func(t *testing.T) {
		ch := make(chan *ETagResponse, 1)
		go func() {
			res, err := c.GetWithETag(context.Background(), "/doc", `"v1"`, nil)
			assert.NoError(t, err)
			ch <- res
		}()
		h := waitSent(t, tr, 1)
		require.Equal(t, `"v1"`, h.RequestHeaders()["If-None-Match"])
		h.Respond(http.StatusNotModified, nil, "")
		require.Equal(t, &ETagResponse{NotModified: true, ETag: `"v1"`}, <-ch)
	})

	t.Run("changed", func(t *testing.T) {
		ch := make(chan *ETagResponse, 1)
		go func() {
			res, err := c.GetWithETag(context.Background(), "/doc", `"v1"`, nil)
			assert.NoError(t, err)
			ch <- res
		}()
		waitSent(t, tr, 2).Respond(http.StatusOK, map[string]string{
			"Content-Type": "application/json", "ETag": `"v2"`,
		}, `{"n":2}`)
		require.Equal(t, &ETagResponse{Body: map[string]any{"n": float64(2)}, ETag: `"v2"`}, <-ch)
	})
}

type testHooks struct {
	NopHooks
	mu        sync.Mutex
	processed []*webrequest.Response
	release   chan struct{}
}

func (h *testHooks) Headers(opts *CallOptions) webrequest.Headers {
	return webrequest.Headers{"Authorization": "Bearer token", "X-Retries": strconv.Itoa(opts.Retries)}
}

func (h *testHooks) BlockRequestUntil(*CallOptions) webrequest.BlockPredicate {
	return func(ctx context.Context) error {
		select {
		case <-h.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *testHooks) ProcessSuccessResponse(resp *webrequest.Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed = append(h.processed, resp)
}

func TestClient_Hooks(t *testing.T) {
	hooks := &testHooks{release: make(chan struct{})}
	c, tr := newTestClient(t, Opts{Hooks: hooks})

	ch := async(func() (*webrequest.Response, error) {
		return c.GetDetailed(context.Background(), "/me", &CallOptions{Options: webrequest.Options{Retries: 2}})
	})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, tr.Sent(), "request is blocked by the hook")
	close(hooks.release)

	h := waitSent(t, tr, 1)
	require.Equal(t, "Bearer token", h.RequestHeaders()["Authorization"])
	require.Equal(t, "2", h.RequestHeaders()["X-Retries"])
	h.RespondJSON(http.StatusOK, `{}`)

	res := waitResult(t, ch)
	require.NoError(t, res.err)
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	require.Equal(t, []*webrequest.Response{res.resp}, hooks.processed)
}

func TestClient_Errors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		c, tr := newTestClient(t, Opts{})
		ch := async(func() (*webrequest.Response, error) { return c.GetDetailed(context.Background(), "/items/1", nil) })
		waitSent(t, tr, 1).RespondJSON(http.StatusNotFound,
			`{"error":{"domain":"Storage","code":"notFound","message":"Item not found."}}`)

		res := waitResult(t, ch)
		var clientErr *ClientError
		require.ErrorAs(t, res.err, &clientErr)
		require.Equal(t, http.StatusNotFound, clientErr.StatusCode)
		require.Equal(t, &Error{Domain: "Storage", Code: "notFound", Message: "Item not found."}, clientErr.APIError)
		require.Contains(t, clientErr.Error(), "api error: Storage/notFound: Item not found.")

		var errResp *webrequest.ErrorResponse
		require.ErrorAs(t, res.err, &errResp)
		require.Equal(t, testEndpoint+"/items/1", errResp.URL)
	})

	t.Run("not wrapped api error", func(t *testing.T) {
		c, tr := newTestClient(t, Opts{})
		ch := async(func() (*webrequest.Response, error) { return c.GetDetailed(context.Background(), "/x", nil) })
		waitSent(t, tr, 1).RespondJSON(http.StatusConflict, `{"domain":"Storage","code":"conflict"}`)

		var clientErr *ClientError
		require.ErrorAs(t, waitResult(t, ch).err, &clientErr)
		require.Equal(t, &Error{Domain: "Storage", Code: "conflict"}, clientErr.APIError)
	})

	t.Run("plain error body", func(t *testing.T) {
		c, tr := newTestClient(t, Opts{})
		ch := async(func() (*webrequest.Response, error) { return c.GetDetailed(context.Background(), "/x", nil) })
		waitSent(t, tr, 1).Respond(http.StatusInternalServerError, map[string]string{"Content-Type": "text/plain"}, "oops")

		var clientErr *ClientError
		require.ErrorAs(t, waitResult(t, ch).err, &clientErr)
		require.Nil(t, clientErr.APIError)
		require.Equal(t, http.StatusInternalServerError, clientErr.StatusCode)
	})

	t.Run("contract violation", func(t *testing.T) {
		c, _ := newTestClient(t, Opts{})
		_, err := c.Get(context.Background(), "/x", &CallOptions{
			Options: webrequest.Options{AugmentHeaders: webrequest.Headers{"Accept": "text/plain"}},
		})
		var violation *webrequest.ContractViolationError
		require.ErrorAs(t, err, &violation)
		testutil.RequireErrorIsAny(t, err, []error{webrequest.ErrContractViolation, webrequest.ErrAlreadyStarted})
	})

	t.Run("canceled", func(t *testing.T) {
		c, tr := newTestClient(t, Opts{})
		ctx, cancel := context.WithCancel(context.Background())
		ch := async(func() (*webrequest.Response, error) { return c.GetDetailed(ctx, "/x", nil) })
		waitSent(t, tr, 1)
		cancel()

		res := waitResult(t, ch)
		var errResp *webrequest.ErrorResponse
		require.True(t, errors.As(res.err, &errResp))
		require.True(t, errResp.Canceled)
	})
}
