package tokenstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests verify the in-memory caching behavior of PassStore.
// They directly manipulate the cache to test hit logic without requiring
// the actual pass binary.

func newTestPassStore() *PassStore {
	return &PassStore{
		root:    defaultPassRoot,
		timeout: 10 * time.Second,
		log:     zerowrap.New(zerowrap.Config{Level: "warn"}),
		cache:   make(map[string]string),
	}
}

func TestPassStore_Get_CacheHit(t *testing.T) {
	store := newTestPassStore()

	store.cacheMu.Lock()
	store.cache["auth_tokens"] = `{"access_token":"a.b.c"}`
	store.cacheMu.Unlock()

	// Should return cached value without calling pass
	v, err := store.Get(context.Background(), "auth_tokens")
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"a.b.c"}`, v)
}

func TestPassStore_Get_InvalidKey(t *testing.T) {
	store := newTestPassStore()

	for _, key := range []string{"", "../etc/passwd", "a b", "key;rm"} {
		_, err := store.Get(context.Background(), key)
		assert.Error(t, err, "key %q should be rejected", key)
	}
}

func TestPassStore_Get_ConcurrentCacheAccess(t *testing.T) {
	store := newTestPassStore()
	for i := 0; i < 10; i++ {
		store.cache[fmt.Sprintf("key-%d", i)] = fmt.Sprintf("value-%d", i)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%10)
			v, err := store.Get(context.Background(), key)
			if err != nil {
				errs <- err
				return
			}
			if v != fmt.Sprintf("value-%d", i%10) {
				errs <- fmt.Errorf("unexpected value %q for %s", v, key)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"auth_tokens", false},
		{"access_token", false},
		{"nested/key.v1", false},
		{"", true},
		{"../escape", true},
		{"has space", true},
		{"semi;colon", true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := validateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewPassStore_Root(t *testing.T) {
	log := zerowrap.New(zerowrap.Config{Level: "warn"})

	assert.Equal(t, "reach", NewPassStore("", log).root)
	assert.Equal(t, "reach", NewPassStore("reach:", log).root)
	assert.Equal(t, "clients/acme", NewPassStore("clients/acme/", log).root)
	assert.Equal(t, "reach", NewPassStore("../../etc", log).root)
	assert.Equal(t, "reach/auth_tokens", NewPassStore("", log).path("auth_tokens"))
}
