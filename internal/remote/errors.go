// Package remote provides an HTTP client for the hosted backend's REST and
// object-storage interfaces, with automatic retry, exponential backoff, and
// error classification.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for response classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest      = errors.New("remote: bad request")
	ErrUnauthorized    = errors.New("remote: unauthorized")
	ErrForbidden       = errors.New("remote: forbidden")
	ErrNotFound        = errors.New("remote: not found")
	ErrConflict        = errors.New("remote: conflict")
	ErrThrottled       = errors.New("remote: throttled")
	ErrServerError     = errors.New("remote: server error")
	ErrUndefinedTable  = errors.New("remote: undefined table")
	ErrUndefinedColumn = errors.New("remote: undefined column")
)

// Postgres error codes surfaced by the REST layer in the response body.
// These indicate a reachable backend whose schema has not been installed.
const (
	pgUndefinedTable  = "42P01"
	pgUndefinedColumn = "42703"
)

// RemoteError wraps a sentinel error with the HTTP status code and the
// backend's error payload for debugging.
type RemoteError struct {
	StatusCode int
	Code       string // backend error code (Postgres SQLSTATE when present)
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: HTTP %d (code %s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// classify maps an HTTP status code plus backend error code to a sentinel.
// Schema errors take precedence over the generic status sentinel because the
// REST layer reports both missing tables and missing columns as 4xx.
func classify(statusCode int, code string) error {
	switch code {
	case pgUndefinedTable:
		return ErrUndefinedTable
	case pgUndefinedColumn:
		return ErrUndefinedColumn
	}

	switch statusCode {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if statusCode >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsSchemaError reports whether err indicates a reachable backend that is
// missing an expected table or column.
func IsSchemaError(err error) bool {
	return errors.Is(err, ErrUndefinedTable) || errors.Is(err, ErrUndefinedColumn)
}

// IsNetworkError reports whether err is a transport-level failure rather
// than a definitive response from the backend. RemoteError values carry a
// status code and are never network errors; everything else that reached
// the retry loop is.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return false
	}

	// Context cancellation is propagated verbatim, not a network failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return true
}
