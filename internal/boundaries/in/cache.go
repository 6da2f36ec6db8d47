package in

import (
	"context"
	"time"
)

// FetchFunc produces the value cached under a key.
type FetchFunc func(ctx context.Context) (any, error)

// RequestCache defines the contract for the keyed TTL cache with in-flight deduplication.
type RequestCache interface {
	// Get returns a fresh cached value, joins an in-flight fetch, or starts one.
	Get(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error)

	// Invalidate removes key.
	Invalidate(key string)

	// InvalidatePrefix removes every key starting with prefix.
	InvalidatePrefix(prefix string)

	// Clear removes everything.
	Clear()
}
