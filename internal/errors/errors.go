// Package errors provides structured error types for the telemetry agent.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
	ErrDeactivated  = errors.New("account deactivated")
	ErrSpoolEmpty   = errors.New("offline spool is empty")
)

// CodeDeactivated is the body code the backend returns for deactivated accounts.
const CodeDeactivated = "DEACTIVATED"

// APIError represents a non-success response from the telemetry backend.
type APIError struct {
	Service    string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s API error (status %d)", e.Service, e.StatusCode)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
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
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsDeactivated reports whether the backend signalled a deactivated account:
// a 4xx APIError carrying the DEACTIVATED code, or anything wrapping ErrDeactivated.
func IsDeactivated(err error) bool {
	if errors.Is(err, ErrDeactivated) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.Code == CodeDeactivated
	}
	return false
}
