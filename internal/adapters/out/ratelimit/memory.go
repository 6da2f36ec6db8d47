// Package ratelimit provides client-side request throttling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"golang.org/x/time/rate"

	"github.com/bnema/reach/internal/boundaries/out"
)

// Ensure MemoryStore implements out.RateLimiter.
var _ out.RateLimiter = (*MemoryStore)(nil)

// MemoryStore is an in-memory rate limiter using golang.org/x/time/rate.
// Each unique key gets its own independent limiter and pause deadline.
type MemoryStore struct {
	limiters map[string]*rate.Limiter
	paused   map[string]time.Time
	mu       sync.RWMutex
	rps      float64
	burst    int
	now      func() time.Time
	log      zerowrap.Logger
}

// NewMemoryStore creates a new in-memory rate limiter store.
// A non-positive rps disables throttling but keeps PauseUntil effective.
func NewMemoryStore(rps float64, burst int, log zerowrap.Logger) *MemoryStore {
	if burst < 1 {
		burst = 1
	}
	return &MemoryStore{
		limiters: make(map[string]*rate.Limiter),
		paused:   make(map[string]time.Time),
		rps:      rps,
		burst:    burst,
		now:      time.Now,
		log:      log,
	}
}

// Allow reports whether a request identified by key may proceed now.
// It consumes a token when it does and never waits.
func (s *MemoryStore) Allow(_ context.Context, key string) bool {
	if s.pausedFor(key) > 0 {
		return false
	}
	return s.getLimiter(key).AllowN(s.now(), 1)
}

// Wait blocks until a request identified by key may proceed or ctx is done.
func (s *MemoryStore) Wait(ctx context.Context, key string) error {
	if d := s.pausedFor(key); d > 0 {
		s.log.Debug().
			Str(zerowrap.FieldLayer, "adapter").
			Str(zerowrap.FieldAdapter, "ratelimit").
			Str("key", key).
			Dur("wait", d).
			Msg("waiting for pause to end")

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return s.getLimiter(key).Wait(ctx)
}

// PauseUntil blocks every request identified by key until t.
// An earlier deadline never shortens an existing pause.
func (s *MemoryStore) PauseUntil(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.paused[key]; ok && current.After(t) {
		return
	}
	s.paused[key] = t

	s.log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "ratelimit").
		Str("key", key).
		Time("until", t).
		Msg("requests paused")
}

// pausedFor returns how long key remains paused, clearing expired pauses.
func (s *MemoryStore) pausedFor(key string) time.Duration {
	s.mu.RLock()
	until, ok := s.paused[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	d := until.Sub(s.now())
	if d > 0 {
		return d
	}

	s.mu.Lock()
	if s.paused[key].Equal(until) {
		delete(s.paused, key)
	}
	s.mu.Unlock()
	return 0
}

// getLimiter returns the rate limiter for the given key, creating one if it doesn't exist.
func (s *MemoryStore) getLimiter(key string) *rate.Limiter {
	s.mu.RLock()
	limiter, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = s.limiters[key]; exists {
		return limiter
	}

	limit := rate.Limit(s.rps)
	if s.rps <= 0 {
		limit = rate.Inf
	}
	limiter = rate.NewLimiter(limit, s.burst)
	s.limiters[key] = limiter
	return limiter
}
