/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package restclient provides a REST client whose calls go through a webrequest.Dispatcher,
// so they share its priority queue, concurrency limit and retry machinery.
package restclient

import (
	"context"
	"net/http"

	"github.com/acronis/go-webqueue/log"
	"github.com/acronis/go-webqueue/webrequest"
)

// Opts provides options for the Client.
type Opts struct {
	// Hooks customize requests. NopHooks is used by default.
	Hooks Hooks

	// DefaultOptions are applied to every call under the explicit call options.
	DefaultOptions webrequest.Options

	// Logger is used for logging calls. A disabled logger is used by default.
	Logger log.FieldLogger
}

// Client performs calls to a REST API located at the endpoint URL.
type Client struct {
	endpointURL string
	dispatcher  *webrequest.Dispatcher
	hooks       Hooks
	defaults    webrequest.Options
	logger      log.FieldLogger
}

// New creates a new Client. Paths of calls are appended to endpointURL as is.
func New(endpointURL string, dispatcher *webrequest.Dispatcher, opts Opts) *Client {
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Client{
		endpointURL: endpointURL,
		dispatcher:  dispatcher,
		hooks:       opts.Hooks,
		defaults:    opts.DefaultOptions.Clone(),
		logger:      opts.Logger,
	}
}

// EndpointURL returns the URL the paths of calls are appended to.
func (c *Client) EndpointURL() string {
	return c.endpointURL
}

// Get performs GET and returns the response body.
func (c *Client) Get(ctx context.Context, path string, opts *CallOptions) (any, error) {
	return bodyOf(c.GetDetailed(ctx, path, opts))
}

// GetDetailed performs GET and returns the whole response.
func (c *Client) GetDetailed(ctx context.Context, path string, opts *CallOptions) (*webrequest.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts)
}

// GetWithETag performs a conditional GET. If the representation has not changed,
// NotModified is set and Body is nil.
func (c *Client) GetWithETag(ctx context.Context, path, eTag string, opts *CallOptions) (*ETagResponse, error) {
	callOpts := CallOptions{}
	if opts != nil {
		callOpts = *opts
	}
	callOpts.ETag = eTag
	resp, err := c.GetDetailed(ctx, path, &callOpts)
	if err != nil {
		return nil, err
	}
	res := &ETagResponse{ETag: resp.Headers["etag"]}
	if resp.StatusCode == http.StatusNotModified {
		res.NotModified = true
		if res.ETag == "" {
			res.ETag = eTag
		}
		return res, nil
	}
	res.Body = resp.Body
	return res, nil
}

// Post performs POST with the payload and returns the response body.
func (c *Client) Post(ctx context.Context, path string, payload any, opts *CallOptions) (any, error) {
	return bodyOf(c.PostDetailed(ctx, path, payload, opts))
}

// PostDetailed performs POST with the payload and returns the whole response.
func (c *Client) PostDetailed(ctx context.Context, path string, payload any, opts *CallOptions) (*webrequest.Response, error) {
	return c.Do(ctx, http.MethodPost, path, payload, opts)
}

// Put performs PUT with the payload and returns the response body.
func (c *Client) Put(ctx context.Context, path string, payload any, opts *CallOptions) (any, error) {
	return bodyOf(c.PutDetailed(ctx, path, payload, opts))
}

// PutDetailed performs PUT with the payload and returns the whole response.
func (c *Client) PutDetailed(ctx context.Context, path string, payload any, opts *CallOptions) (*webrequest.Response, error) {
	return c.Do(ctx, http.MethodPut, path, payload, opts)
}

// Patch performs PATCH with the payload and returns the response body.
func (c *Client) Patch(ctx context.Context, path string, payload any, opts *CallOptions) (any, error) {
	return bodyOf(c.PatchDetailed(ctx, path, payload, opts))
}

// PatchDetailed performs PATCH with the payload and returns the whole response.
func (c *Client) PatchDetailed(ctx context.Context, path string, payload any, opts *CallOptions) (*webrequest.Response, error) {
	return c.Do(ctx, http.MethodPatch, path, payload, opts)
}

// Delete performs DELETE and returns the response body. The payload may be nil.
func (c *Client) Delete(ctx context.Context, path string, payload any, opts *CallOptions) (any, error) {
	return bodyOf(c.DeleteDetailed(ctx, path, payload, opts))
}

// DeleteDetailed performs DELETE and returns the whole response. The payload may be nil.
func (c *Client) DeleteDetailed(ctx context.Context, path string, payload any, opts *CallOptions) (*webrequest.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, payload, opts)
}

// Do performs a call and waits for its outcome. Cancellation of ctx aborts the call.
// A rejected call returns *ClientError, a misuse of options returns *webrequest.ContractViolationError.
func (c *Client) Do(ctx context.Context, method, path string, payload any, opts *CallOptions) (*webrequest.Response, error) {
	callOpts := c.resolveOptions(payload, opts)
	url := path
	if !callOpts.ExcludeEndpointURL {
		url = c.endpointURL + path
	}

	headers := func() webrequest.Headers {
		return c.hooks.Headers(&callOpts)
	}
	req := webrequest.NewRequest(c.dispatcher, method, url, callOpts.Options, headers, c.hooks.BlockRequestUntil(&callOpts))

	c.logger.Debug("performing api call", log.String("method", method), log.String("url", url))
	res, err := req.Start(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := res.Outcome()
	if err != nil {
		c.logger.AtLevel(log.LevelDebug, func(logFn log.LogFunc) {
			logFn("api call failed", log.String("method", method), log.String("url", url), log.Error(err))
		})
		return nil, wrapCallError(err)
	}
	c.hooks.ProcessSuccessResponse(resp)
	return resp, nil
}

func (c *Client) resolveOptions(payload any, opts *CallOptions) CallOptions {
	var callOpts CallOptions
	if opts != nil {
		callOpts = *opts
	}
	callOpts.Options = webrequest.MergeOptions(callOpts.Options, c.defaults)
	if callOpts.NoRetries {
		callOpts.Retries = 0
	}
	if callOpts.NoCredentials {
		callOpts.WithCredentials = false
	}
	if payload != nil {
		callOpts.SendData = payload
	}
	if callOpts.ETag != "" {
		if callOpts.AugmentHeaders == nil {
			callOpts.AugmentHeaders = webrequest.Headers{}
		}
		callOpts.AugmentHeaders["If-None-Match"] = callOpts.ETag
	}
	if callOpts.ContentType == "" {
		if _, ok := callOpts.SendData.(string); ok {
			callOpts.ContentType = webrequest.ContentTypeForm
		} else {
			callOpts.ContentType = webrequest.ContentTypeJSON
		}
	}
	return callOpts
}

func bodyOf(resp *webrequest.Response, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
