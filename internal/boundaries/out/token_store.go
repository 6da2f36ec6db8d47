package out

import "context"

// KeyValueStore defines the contract for durable client-side storage.
// Implementations may use different backends (memory, file, sqlite, redis).
// Only the session authority writes the token keys.
type KeyValueStore interface {
	// Get returns the value for key or domain.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases backend resources.
	Close() error
}
