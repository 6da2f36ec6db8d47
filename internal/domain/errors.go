package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Domain errors represent client-level failure conditions.
// These errors are used across layers so callers can branch on them with errors.Is.
var (
	// Token errors
	ErrInvalidToken  = errors.New("invalid token")
	ErrNoValidToken  = errors.New("no valid token available")
	ErrRefreshFailed = errors.New("token refresh failed")
	ErrNoRefresh     = errors.New("no refresh token available")

	// Request errors
	ErrTimeout   = errors.New("request timed out")
	ErrCancelled = errors.New("operation cancelled")
	ErrNetwork   = errors.New("network error")

	// ErrRateLimited means the client-side limiter refused to send without waiting.
	ErrRateLimited = errors.New("rate limited")

	// Storage errors
	ErrNotFound = errors.New("key not found")

	// Config errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Polling errors
	ErrPollingNotFound = errors.New("polling instance not found")
)

// HTTPError is returned when the API answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Status     string
	Message    string
	// RetryAfter is the server-provided hint parsed from the Retry-After header.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode)
	}
	if e.Message == "" {
		return status
	}
	return fmt.Sprintf("%s: %s", status, e.Message)
}

// IsRetryable reports whether the status is worth another attempt.
// 5xx and 429 are retryable, everything else is not.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsUnauthorized reports whether the status is 401.
func (e *HTTPError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// StatusCodeOf extracts the HTTP status code from err, or 0.
func StatusCodeOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
