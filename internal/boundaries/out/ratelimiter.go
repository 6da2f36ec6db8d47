package out

import (
	"context"
	"time"
)

// RateLimiter defines the contract for client-side request throttling.
// Key is typically the API host so each backend gets its own budget.
type RateLimiter interface {
	// Allow reports whether a request identified by key may proceed now.
	Allow(ctx context.Context, key string) bool

	// Wait blocks until a request identified by key may proceed or ctx is done.
	Wait(ctx context.Context, key string) error

	// PauseUntil blocks every request identified by key until t.
	// Used to honor Retry-After hints.
	PauseUntil(key string, t time.Time)
}
