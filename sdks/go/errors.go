package authzclient

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned by Authorize when the decision is not allowed.
	ErrDenied = errors.New("authorization denied")

	// ErrServerUnreachable is returned when the server cannot be contacted.
	ErrServerUnreachable = errors.New("server unreachable")

	// ErrPolicyNotLoaded is returned when the server has not loaded its
	// policy yet.
	ErrPolicyNotLoaded = errors.New("policy not loaded")

	// ErrInvalidRequest is returned before any request is sent when
	// required fields are missing.
	ErrInvalidRequest = errors.New("invalid request")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	// StatusCode is the HTTP status returned.
	StatusCode int
	// Message is the server's error message, if any.
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authz api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("authz api: status %d", e.StatusCode)
}

// DeniedError is returned by Authorize for a denied decision.
type DeniedError struct {
	// Reason is a code from the server's decision vocabulary, such as
	// "permission_missing" or "condition_failed".
	Reason string
	// RequestID correlates the decision with the server's audit log.
	RequestID string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

// Is supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// ServerUnreachableError wraps a transport failure.
type ServerUnreachableError struct {
	Cause error
}

func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
