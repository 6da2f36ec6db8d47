package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/zerowrap"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
)

// Ensure RedisStore implements out.KeyValueStore.
var _ out.KeyValueStore = (*RedisStore)(nil)

// RedisStore keeps keys in Redis under a prefix, so several clients can share a session.
type RedisStore struct {
	client *goredis.Client
	prefix string
	log    zerowrap.Logger
}

// NewRedisStore connects to the Redis server at url and verifies it with a ping.
func NewRedisStore(url, prefix string, log zerowrap.Logger) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %w", domain.ErrInvalidConfig, err)
	}

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix, log), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *goredis.Client, prefix string, log zerowrap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "tokenstore").
		Str("provider", "redis").
		Str("prefix", prefix).
		Msg("redis token store ready")

	return &RedisStore{client: client, prefix: prefix, log: log}
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
