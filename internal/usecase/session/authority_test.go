package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reach/internal/adapters/out/tokenstore"
	"github.com/bnema/reach/internal/boundaries/out/mocks"
	"github.com/bnema/reach/internal/domain"
)

func testContext() context.Context {
	return zerowrap.WithCtx(context.Background(), zerowrap.New(zerowrap.Config{Level: "warn"}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mintToken returns a signed JWT. Signatures are never checked by the client.
func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-42", "jti": uuid.NewString()}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type fixture struct {
	authority *Authority
	store     *tokenstore.MemoryStore
	api       *mocks.MockAuthAPI
	clock     *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	store := tokenstore.NewMemoryStore()
	api := mocks.NewMockAuthAPI(t)

	a := NewAuthority(cfg, store, api, zerowrap.New(zerowrap.Config{Level: "warn"}))
	a.now = clock.Now
	a.ReportActivity()

	return &fixture{authority: a, store: store, api: api, clock: clock}
}

func (f *fixture) install(t *testing.T, rec domain.TokenRecord) {
	t.Helper()
	require.NoError(t, f.authority.SetTokenData(testContext(), rec))
}

func TestSetTokenData_RoundTrip(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := testContext()

	for i := 0; i < 5; i++ {
		token := mintToken(t, f.clock.Now().Add(time.Hour))
		require.NoError(t, f.authority.SetTokenData(ctx, domain.TokenRecord{
			AccessToken: token,
			ExpiresAt:   f.clock.Now().Add(time.Hour),
		}))

		got, ok := f.authority.GetTokenSync()
		require.True(t, ok)
		assert.Equal(t, token, got)
	}
}

func TestSetTokenData_RejectsInvalidTokens(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := testContext()

	valid := mintToken(t, time.Time{})
	f.install(t, domain.TokenRecord{AccessToken: valid, ExpiresAt: f.clock.Now().Add(time.Hour)})

	invalid := []string{"", "null", "undefined", " null ", "a.b", "a.b.c.d", "a..c", "opaque-token"}
	for _, tok := range invalid {
		err := f.authority.SetTokenData(ctx, domain.TokenRecord{AccessToken: tok, ExpiresAt: f.clock.Now().Add(time.Hour)})
		assert.ErrorIs(t, err, domain.ErrInvalidToken, "token %q", tok)

		got, ok := f.authority.GetTokenSync()
		assert.True(t, ok)
		assert.Equal(t, valid, got, "state must be unchanged after %q", tok)
	}
}

func TestSetTokenData_TrimsSurroundingWhitespace(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	token := mintToken(t, time.Time{})

	f.install(t, domain.TokenRecord{AccessToken: " " + token + "\n", RefreshToken: " refresh-1 ", ExpiresAt: f.clock.Now().Add(time.Hour)})

	got, ok := f.authority.GetTokenSync()
	require.True(t, ok)
	assert.Equal(t, token, got)
	assert.Equal(t, "refresh-1", f.authority.Snapshot().RefreshToken)

	raw, err := f.store.Get(context.Background(), StorageKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"access_token":"`+token+`"`)
}

func TestSetTokenData_Persists(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	expires := f.clock.Now().Add(90 * time.Minute)
	token := mintToken(t, time.Time{})

	f.install(t, domain.TokenRecord{AccessToken: token, RefreshToken: "refresh-1", ExpiresAt: expires})

	raw, err := f.store.Get(context.Background(), StorageKey)
	require.NoError(t, err)

	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, token, stored["access_token"])
	assert.Equal(t, "refresh-1", stored["refresh_token"])
	assert.Equal(t, "bearer", stored["token_type"])
	assert.EqualValues(t, expires.UnixMilli(), stored["expires_at"])
}

func TestSetTokenData_ExpiryFromClaim(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	exp := f.clock.Now().Add(2 * time.Hour).Truncate(time.Second)

	f.install(t, domain.TokenRecord{AccessToken: mintToken(t, exp)})
	assert.True(t, f.authority.Snapshot().ExpiresAt.Equal(exp))

	f.install(t, domain.TokenRecord{AccessToken: mintToken(t, time.Time{})})
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), f.authority.Snapshot().ExpiresAt)
}

func TestSetTokenData_PersistFailureLeavesStateUntouched(t *testing.T) {
	store := mocks.NewMockKeyValueStore(t)
	store.EXPECT().Set(mock.Anything, StorageKey, mock.Anything).Return(errors.New("disk full"))

	a := NewAuthority(DefaultConfig(), store, mocks.NewMockAuthAPI(t), zerowrap.New(zerowrap.Config{Level: "warn"}))

	err := a.SetTokenData(testContext(), domain.TokenRecord{AccessToken: mintToken(t, time.Time{})})
	require.Error(t, err)
	assert.Nil(t, a.Snapshot())
}

func TestGetValidTokenWithRefresh_DeduplicatesConcurrentCallers(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.install(t, domain.TokenRecord{
		AccessToken:  mintToken(t, time.Time{}),
		RefreshToken: "refresh-1",
		ExpiresAt:    f.clock.Now().Add(2 * time.Minute),
	})

	newToken := mintToken(t, time.Time{})
	release := make(chan struct{})
	var calls int32
	f.api.EXPECT().Refresh(mock.Anything, "refresh-1").
		RunAndReturn(func(context.Context, string) (*domain.TokenGrant, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return &domain.TokenGrant{AccessToken: newToken, RefreshToken: "refresh-2", ExpiresIn: 3600}, nil
		}).Once()

	const n = 25
	results := make([]domain.TokenResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.authority.GetValidTokenWithRefresh(testContext())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.True(t, results[i].Valid, results[i].Reason)
		assert.Equal(t, newToken, results[i].Token)
	}

	rec := f.authority.Snapshot()
	require.NotNil(t, rec)
	assert.Equal(t, "refresh-2", rec.RefreshToken)
	assert.Equal(t, f.clock.Now().Add(time.Hour), rec.ExpiresAt)
}

func TestGetValidTokenWithRefresh_OutsideBufferDoesNotRefresh(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	token := mintToken(t, time.Time{})
	f.install(t, domain.TokenRecord{AccessToken: token, RefreshToken: "r", ExpiresAt: f.clock.Now().Add(time.Hour)})

	res := f.authority.GetValidTokenWithRefresh(testContext())
	assert.True(t, res.Valid)
	assert.Equal(t, token, res.Token)
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.install(t, domain.TokenRecord{
		AccessToken:  mintToken(t, time.Time{}),
		RefreshToken: "long-lived",
		ExpiresAt:    f.clock.Now().Add(-time.Second),
	})

	newToken := mintToken(t, time.Time{})
	f.api.EXPECT().Refresh(mock.Anything, "long-lived").
		Return(&domain.TokenGrant{AccessToken: newToken}, nil).Once()

	res := f.authority.GetValidToken(testContext())
	require.True(t, res.Valid)

	rec := f.authority.Snapshot()
	assert.Equal(t, "long-lived", rec.RefreshToken)
	assert.Equal(t, "bearer", rec.TokenType)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), rec.ExpiresAt)
}

func TestRefresh_FailureClearsSession(t *testing.T) {
	tests := []struct {
		name  string
		grant *domain.TokenGrant
		err   error
	}{
		{"network error", nil, domain.ErrNetwork},
		{"server rejected", nil, &domain.HTTPError{StatusCode: 401}},
		{"malformed access token", &domain.TokenGrant{AccessToken: "not-a-jwt"}, nil},
		{"placeholder access token", &domain.TokenGrant{AccessToken: "null"}, nil},
		{"empty grant", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			f.install(t, domain.TokenRecord{
				AccessToken:  mintToken(t, time.Time{}),
				RefreshToken: "refresh-1",
				ExpiresAt:    f.clock.Now().Add(-time.Minute),
			})

			var notified []string
			f.authority.Subscribe(func(tok string) { notified = append(notified, tok) })

			f.api.EXPECT().Refresh(mock.Anything, "refresh-1").Return(tt.grant, tt.err).Once()

			res := f.authority.GetValidToken(testContext())
			assert.False(t, res.Valid)
			assert.NotEmpty(t, res.Reason)
			assert.Nil(t, f.authority.Snapshot())
			assert.Equal(t, []string{""}, notified)

			_, err := f.store.Get(context.Background(), StorageKey)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestGetValidToken_States(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := testContext()

	res := f.authority.GetValidToken(ctx)
	assert.False(t, res.Valid)
	assert.Equal(t, "no token available", res.Reason)

	token := mintToken(t, time.Time{})
	f.install(t, domain.TokenRecord{AccessToken: token, ExpiresAt: f.clock.Now().Add(time.Minute)})

	// Inside the refresh buffer but not expired: GetValidToken does not refresh.
	res = f.authority.GetValidToken(ctx)
	assert.True(t, res.Valid)
	assert.Equal(t, token, res.Token)

	f.clock.Advance(2 * time.Minute)
	res = f.authority.GetValidToken(ctx)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "no refresh token")

	_, ok := f.authority.GetTokenSync()
	assert.False(t, ok)
}

func TestClearAllTokens_DuringRefreshDoesNotResurrect(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.install(t, domain.TokenRecord{
		AccessToken:  mintToken(t, time.Time{}),
		RefreshToken: "refresh-1",
		ExpiresAt:    f.clock.Now().Add(-time.Minute),
	})

	started := make(chan struct{})
	release := make(chan struct{})
	f.api.EXPECT().Refresh(mock.Anything, "refresh-1").
		RunAndReturn(func(context.Context, string) (*domain.TokenGrant, error) {
			close(started)
			<-release
			return &domain.TokenGrant{AccessToken: mintToken(t, time.Time{})}, nil
		}).Once()

	done := make(chan domain.TokenResult, 1)
	go func() { done <- f.authority.GetValidToken(testContext()) }()

	<-started
	f.authority.Logout(testContext())
	close(release)

	res := <-done
	assert.False(t, res.Valid)
	assert.Nil(t, f.authority.Snapshot())
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	var mu sync.Mutex
	var seen []string
	unsubscribe := f.authority.Subscribe(func(tok string) {
		mu.Lock()
		seen = append(seen, tok)
		mu.Unlock()
	})
	f.authority.Subscribe(func(string) { panic("bad listener") })

	token := mintToken(t, time.Time{})
	f.install(t, domain.TokenRecord{AccessToken: token})
	f.authority.ClearAllTokens(testContext())

	unsubscribe()
	f.install(t, domain.TokenRecord{AccessToken: mintToken(t, time.Time{})})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{token, ""}, seen)
}

func TestIsSessionActive(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	assert.False(t, f.authority.IsSessionActive(), "no token means no session")

	f.install(t, domain.TokenRecord{AccessToken: mintToken(t, time.Time{}), ExpiresAt: f.clock.Now().Add(48 * time.Hour)})
	assert.True(t, f.authority.IsSessionActive())

	f.clock.Advance(23 * time.Hour)
	assert.True(t, f.authority.IsSessionActive())

	f.clock.Advance(2 * time.Hour)
	assert.False(t, f.authority.IsSessionActive())

	f.authority.ReportActivity()
	assert.True(t, f.authority.IsSessionActive())
}

func TestLogin(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	creds := domain.Credentials{Email: "ana@example.com", Password: "hunter2"}
	token := mintToken(t, time.Time{})

	f.api.EXPECT().Login(mock.Anything, creds).
		Return(&domain.TokenGrant{AccessToken: token, RefreshToken: "r1", TokenType: "Bearer", ExpiresIn: 900}, nil).Once()

	require.NoError(t, f.authority.Login(testContext(), creds))

	rec := f.authority.Snapshot()
	require.NotNil(t, rec)
	assert.Equal(t, token, rec.AccessToken)
	assert.Equal(t, "r1", rec.RefreshToken)
	assert.Equal(t, "Bearer", rec.TokenType)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), rec.ExpiresAt)
}

func TestLogin_Failure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	creds := domain.Credentials{Email: "ana@example.com", Password: "wrong"}

	f.api.EXPECT().Login(mock.Anything, creds).
		Return(nil, &domain.HTTPError{StatusCode: 401, Message: "invalid credentials"}).Once()

	err := f.authority.Login(testContext(), creds)
	require.Error(t, err)
	assert.Equal(t, 401, domain.StatusCodeOf(err))
	assert.Nil(t, f.authority.Snapshot())
}

func TestTokenSource(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ts := f.authority.TokenSource(testContext())

	_, err := ts.Token()
	assert.ErrorIs(t, err, domain.ErrNoValidToken)

	token := mintToken(t, time.Time{})
	expires := f.clock.Now().Add(time.Hour)
	f.install(t, domain.TokenRecord{AccessToken: token, ExpiresAt: expires})

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, token, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.Equal(t, expires, tok.Expiry)
}
