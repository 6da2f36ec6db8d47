package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/bnema/reach/internal/adapters/out/authapi"
	"github.com/bnema/reach/internal/adapters/out/ratelimit"
	"github.com/bnema/reach/internal/adapters/out/tokenstore"
	"github.com/bnema/reach/internal/domain"
	"github.com/bnema/reach/internal/usecase/cache"
	"github.com/bnema/reach/internal/usecase/retry"
	"github.com/bnema/reach/internal/usecase/session"
)

var fastRetry = domain.RetryConfig{
	MaxRetries:        3,
	InitialDelay:      time.Millisecond,
	MaxDelay:          5 * time.Millisecond,
	BackoffMultiplier: 2,
}

func testLogger() zerowrap.Logger {
	return zerowrap.New(zerowrap.Config{Level: "warn"})
}

func mintToken(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"jti": uuid.NewString(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]Option{WithRetry(retry.NewExecutor(testLogger()), fastRetry)}, opts...)
	client, err := NewClient(srv.URL, testLogger(), opts...)
	require.NoError(t, err)
	return client
}

func newSession(t *testing.T, baseURL string) *session.Authority {
	t.Helper()
	log := testLogger()
	return session.NewAuthority(session.DefaultConfig(), tokenstore.NewMemoryStore(), authapi.NewClient(baseURL, log), log)
}

func TestNewClient_BaseURL(t *testing.T) {
	c, err := NewClient("", testLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())

	c, err = NewClient("https://api.example.com/", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", c.BaseURL())

	_, err = NewClient("not a url", testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestDo_DefaultHeadersAndBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/campaigns", r.URL.Path)
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "yes", r.Header.Get("X-Debug"))
		_, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		assert.NoError(t, err)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Spring launch", body["name"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))

	var created struct {
		ID int `json:"id"`
	}
	err := client.Post(context.Background(), "campaigns", map[string]string{"name": "Spring launch"}, &created,
		Query(url.Values{"status": {"active"}}),
		Header("X-Debug", "yes"),
	)
	require.NoError(t, err)
	assert.Equal(t, 42, created.ID)
}

func TestDo_RetriesOn5xx(t *testing.T) {
	var attempts int32
	var ids sync.Map
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids.Store(r.Header.Get("X-Request-ID"), true)
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"temporary outage"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	var result map[string]bool
	require.NoError(t, client.Get(context.Background(), "/health", &result))
	assert.True(t, result["ok"])
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))

	count := 0
	ids.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count, "retries keep the request id")
}

func TestDo_ReturnsErrorAfterRetryExhaustion(t *testing.T) {
	var attempts int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream down`))
	}))

	err := client.Get(context.Background(), "/reports", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, domain.StatusCodeOf(err))
	assert.Contains(t, err.Error(), "upstream down")
	assert.EqualValues(t, fastRetry.MaxRetries+1, atomic.LoadInt32(&attempts))
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"campaign not found"}`))
	}))

	err := client.Get(context.Background(), "/campaigns/7", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, domain.StatusCodeOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestDo_NoRetryOption(t *testing.T) {
	var attempts int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	require.Error(t, client.Delete(context.Background(), "/campaigns/7", nil, NoRetry()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestDo_StaticTokenSource(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}), WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "static-token"})))

	require.NoError(t, client.Get(context.Background(), "/me", nil))
}

func TestDo_UnauthorizedClearsSession(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	auth := newSession(t, srv.URL)
	require.NoError(t, auth.SetTokenData(context.Background(), domain.TokenRecord{
		AccessToken: mintToken(t),
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	var cleared []string
	auth.Subscribe(func(token string) { cleared = append(cleared, token) })

	client, err := NewClient(srv.URL, testLogger(), WithSession(auth), WithRetry(retry.NewExecutor(testLogger()), fastRetry))
	require.NoError(t, err)

	err = client.Get(context.Background(), "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, domain.StatusCodeOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts), "401 is not retried")
	assert.Nil(t, auth.Snapshot())
	assert.Equal(t, []string{""}, cleared)
}

func TestDo_TooManyRequestsPausesHost(t *testing.T) {
	var attempts int32
	limiter := ratelimit.NewMemoryStore(0, 1, testLogger())
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}), WithRateLimiter(limiter))

	start := time.Now()
	require.NoError(t, client.Get(context.Background(), "/insights", nil))
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond, "retry waits for Retry-After")
}

func TestDo_NoRetryFailsFastWhenThrottled(t *testing.T) {
	var attempts int32
	limiter := ratelimit.NewMemoryStore(0.001, 1, testLogger())
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNoContent)
	}), WithRateLimiter(limiter))
	ctx := context.Background()

	require.NoError(t, client.Get(ctx, "/insights", nil, NoRetry()))

	start := time.Now()
	err := client.Get(ctx, "/insights", nil, NoRetry())
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestDo_NoRetryFailsFastWhilePaused(t *testing.T) {
	var attempts int32
	limiter := ratelimit.NewMemoryStore(0, 1, testLogger())
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}), WithRateLimiter(limiter))
	ctx := context.Background()

	err := client.Get(ctx, "/insights", nil, NoRetry())
	assert.Equal(t, http.StatusTooManyRequests, domain.StatusCodeOf(err))

	err = client.Get(ctx, "/insights", nil, NoRetry())
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestGet_CachedRequestsAreDeduplicated(t *testing.T) {
	var hits int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&hits, 1)
			time.Sleep(20 * time.Millisecond)
			_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}), WithCache(cache.New(testLogger()), time.Minute))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var list []map[string]int
			assert.NoError(t, client.Get(ctx, "/campaigns", &list))
			assert.Len(t, list, 2)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	require.NoError(t, client.Get(ctx, "/campaigns", nil))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "fresh entry is served from cache")

	require.NoError(t, client.Get(ctx, "/campaigns", nil, CacheTTL(0)))
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits), "zero ttl bypasses the cache")

	require.NoError(t, client.Put(ctx, "/campaigns/1", map[string]string{"name": "renamed"}, nil))
	require.NoError(t, client.Get(ctx, "/campaigns", nil))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits), "mutation invalidates the collection")
}

func TestGet_FailedFetchIsNotCached(t *testing.T) {
	var hits int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}), WithCache(cache.New(testLogger()), time.Minute))

	require.Error(t, client.Get(context.Background(), "/stats", nil))
	require.NoError(t, client.Get(context.Background(), "/stats", nil))
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestInvalidationPrefix(t *testing.T) {
	tests := map[string]string{
		"/campaigns":              "GET /campaigns",
		"/campaigns/42":           "GET /campaigns",
		"/campaigns/42/proposals": "GET /campaigns",
		"/campaigns?draft=1":      "GET /campaigns",
		"/":                       "GET /",
	}
	for path, want := range tests {
		assert.Equal(t, want, invalidationPrefix(path), path)
	}
}

// A login whose token is about to expire makes the next request refresh exactly
// once, and every request carries the refreshed token.
func TestSession_NearExpiryLoginRefreshesOnce(t *testing.T) {
	loginToken := mintToken(t)
	newToken := mintToken(t)
	var refreshes int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  loginToken,
			"refresh_token": "refresh-1",
			"expires_in":    1,
		})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  newToken,
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	})
	var seen sync.Map
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"), true)
		_, _ = w.Write([]byte(`{"email":"ada@example.com"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	auth := newSession(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, auth.Login(ctx, domain.Credentials{Email: "ada@example.com", Password: "hunter2"}))

	client, err := NewClient(srv.URL, testLogger(), WithSession(auth), WithRetry(retry.NewExecutor(testLogger()), fastRetry))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Get(ctx, "/me", nil))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshes))

	var headers []string
	seen.Range(func(k, _ any) bool { headers = append(headers, k.(string)); return true })
	assert.Equal(t, []string{"Bearer " + newToken}, headers)
	assert.Equal(t, "refresh-2", auth.Snapshot().RefreshToken)
}
