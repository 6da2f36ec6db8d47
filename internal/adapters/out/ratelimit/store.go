package ratelimit

import (
	"fmt"

	"github.com/bnema/zerowrap"

	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
)

// NewStore creates a RateLimiter based on the configured backend.
// Limits are per process, so only the memory backend exists.
func NewStore(backend string, rps float64, burst int, log zerowrap.Logger) (out.RateLimiter, error) {
	switch backend {
	case "memory", "":
		return NewMemoryStore(rps, burst, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown rate limit backend: %s", domain.ErrInvalidConfig, backend)
	}
}
