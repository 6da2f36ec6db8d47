package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/bnema/reach/internal/domain"
)

// IsRetryable is the default retryability classification.
//
//   - cancellation is never retried
//   - HTTP 5xx and 429 are retried, other 4xx are not
//   - timeouts and network failures are retried
//   - anything unrecognized is retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *domain.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}

	if IsTimeout(err) {
		return true
	}

	if IsNetwork(err) {
		return true
	}

	return true
}

// IsTimeout reports whether err is timeout-class.
// Falls back to message inspection for errors that lose their type across boundaries.
func IsTimeout(err error) bool {
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	if errors.Is(err, domain.ErrNetwork) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network")
}
