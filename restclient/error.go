/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restclient

import (
	"errors"
	"fmt"

	"github.com/acronis/go-webqueue/webrequest"
)

// Error represents error details a REST API returns in the body of a failed response.
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Debug   map[string]interface{} `json:"debug,omitempty"`
}

func (e *Error) String() string {
	if e.Message == "" {
		return e.Domain + "/" + e.Code
	}
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Code, e.Message)
}

// errorResponseData is the wrapped form of the error body: {"error": {"domain": ...}}.
type errorResponseData struct {
	Err *Error `json:"error"`
}

// ClientError is returned by Client when a call is rejected.
// It wraps *webrequest.ErrorResponse.
type ClientError struct {
	Method     string
	URL        string
	StatusCode int

	// APIError is parsed from the response body if it has the REST API error format.
	APIError *Error

	Err *webrequest.ErrorResponse
}

// Error implements error interface.
func (e *ClientError) Error() string {
	str := fmt.Sprintf("method: [%s] url: [%s] status: [%d]", e.Method, e.URL, e.StatusCode)
	if e.APIError != nil {
		str += " api error: " + e.APIError.String()
	}
	if e.Err != nil {
		str += " error: " + e.Err.Error()
	}
	return str
}

// Unwrap allows checking the underlying *webrequest.ErrorResponse with errors.As.
func (e *ClientError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

func newClientError(errResp *webrequest.ErrorResponse) *ClientError {
	ce := &ClientError{Method: errResp.Method, URL: errResp.URL, StatusCode: errResp.StatusCode, Err: errResp}
	if errResp.Body == nil {
		return ce
	}
	var wrapped errorResponseData
	if errResp.DecodeBody(&wrapped) == nil && wrapped.Err != nil && wrapped.Err.Code != "" {
		ce.APIError = wrapped.Err
		return ce
	}
	var plain Error
	if errResp.DecodeBody(&plain) == nil && plain.Code != "" {
		ce.APIError = &plain
	}
	return ce
}

// wrapCallError converts rejections into *ClientError. Other errors are returned as is.
func wrapCallError(err error) error {
	var errResp *webrequest.ErrorResponse
	if errors.As(err, &errResp) {
		return newClientError(errResp)
	}
	return err
}
