package upstream

import (
	"errors"
	"fmt"
)

// NetworkError wraps a transport failure: the request never produced an
// upstream response. Callers may retry.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("upstream: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError carries a 4xx/5xx response from the upstream API.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream: status %d", e.Status)
}

// StaleReferenceError indicates the cart or line item no longer exists
// upstream. A stale cart fetch is self-healing: callers treat it as an
// empty cart and a fresh identity is created on the next add.
type StaleReferenceError struct {
	Resource string
	ID       string
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("upstream: %s %q no longer exists", e.Resource, e.ID)
}

// IsNetwork reports whether the error is a transport-level failure.
func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsStale reports whether the error is a stale cart/item reference.
func IsStale(err error) bool {
	var target *StaleReferenceError
	return errors.As(err, &target)
}

// StatusOf returns the HTTP status of a ServerError, or 0.
func StatusOf(err error) int {
	var target *ServerError
	if errors.As(err, &target) {
		return target.Status
	}
	return 0
}
