/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"errors"
	"fmt"
)

// Request lifecycle errors.
var (
	ErrAlreadyStarted    = errors.New("request already started")
	ErrNotStarted        = errors.New("request has not been started yet")
	ErrAlreadyAborted    = errors.New("request already aborted")
	ErrNotPaused         = errors.New("request is not paused")
	ErrDispatcherClosed  = errors.New("dispatcher is closed")
	ErrContractViolation = errors.New("request contract violation")
)

// ContractViolationError is returned when a request is misconfigured by the caller
// (reserved or duplicate headers, a payload that cannot be encoded and so on).
// Such requests are removed from the queue and never retried.
type ContractViolationError struct {
	Method string
	URL    string
	Reason string
}

// Error returns a string representation of the error.
func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Reason)
}

// Unwrap allows matching the error with errors.Is(err, ErrContractViolation).
func (e *ContractViolationError) Unwrap() error {
	return ErrContractViolation
}

func newContractViolation(method, url, format string, args ...interface{}) *ContractViolationError {
	return &ContractViolationError{Method: method, URL: url, Reason: fmt.Sprintf(format, args...)}
}
