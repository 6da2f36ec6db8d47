// Package tokenstore implements the key-value storage adapters that persist
// the session token record.
package tokenstore

import (
	"fmt"

	"github.com/bnema/zerowrap"

	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
)

// DefaultKeyPrefix namespaces keys in shared backends.
const DefaultKeyPrefix = "reach:"

// Config selects and configures a storage backend.
type Config struct {
	Backend domain.StorageBackend
	// Path is the file for the file backend and the database for the sqlite backend.
	Path string
	// RedisURL is a redis:// URL, required for the redis backend.
	RedisURL string
	// KeyPrefix applies to the redis and pass backends.
	KeyPrefix string
}

// NewStore creates a KeyValueStore based on the configured backend.
func NewStore(cfg Config, log zerowrap.Logger) (out.KeyValueStore, error) {
	switch cfg.Backend {
	case domain.StorageBackendMemory, "":
		return NewMemoryStore(), nil

	case domain.StorageBackendFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: path is required for file backend", domain.ErrInvalidConfig)
		}
		return NewFileStore(cfg.Path, log)

	case domain.StorageBackendPass:
		store := NewPassStore(cfg.KeyPrefix, log)
		if !store.IsAvailable() {
			return nil, fmt.Errorf("pass is not available in the system")
		}
		return store, nil

	case domain.StorageBackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: path is required for sqlite backend", domain.ErrInvalidConfig)
		}
		return NewSQLiteStore(cfg.Path, log)

	case domain.StorageBackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("%w: redis_url is required for redis backend", domain.ErrInvalidConfig)
		}
		return NewRedisStore(cfg.RedisURL, cfg.KeyPrefix, log)

	default:
		return nil, fmt.Errorf("%w: unknown storage backend: %s", domain.ErrInvalidConfig, cfg.Backend)
	}
}
