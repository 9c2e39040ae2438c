// Package errors provides structured error types for clawbridge.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConnected = errors.New("not connected to gateway")
	ErrRunInFlight  = errors.New("a chat run is already in flight")
	ErrClosed       = errors.New("client closed")
	ErrTimeout      = errors.New("operation timed out")
	ErrUnavailable  = errors.New("service unavailable")
)

// RequestError is a gateway RPC rejection (a res frame with ok:false).
// It fails only the call that triggered it; connection state is untouched.
type RequestError struct {
	Method  string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed (%s): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Method, e.Message)
}

// HandshakeError is a failure during the challenge/connect sequence.
type HandshakeError struct {
	Stage string // "dial", "challenge", "connect"
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RunError is a chat run that terminated with state "error". It ends the
// current run only; the connection stays up.
type RunError struct {
	RunID   string
	Message string
}

func (e *RunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("chat run %s errored: %s", e.RunID, e.Message)
	}
	return fmt.Sprintf("chat run errored: %s", e.Message)
}

// APIError represents an error from an external HTTP API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
