// Package session implements the session authority: the single owner of the
// bearer token, its refresh, its persistence and the user activity window.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"golang.org/x/sync/singleflight"

	"github.com/bnema/reach/internal/adapters/out/telemetry"
	"github.com/bnema/reach/internal/boundaries/in"
	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
	"github.com/bnema/reach/pkg/jwtshape"
)

// Ensure Authority implements in.SessionService.
var _ in.SessionService = (*Authority)(nil)

// refreshKey is the singleflight key shared by every refresh caller.
const refreshKey = "token-refresh"

// errSessionCleared is returned when tokens were cleared while a grant was in flight.
var errSessionCleared = errors.New("session cleared while the grant was in flight")

// Config holds the session timing configuration.
type Config struct {
	RefreshBuffer   time.Duration // refresh proactively when less validity than this remains
	SessionTimeout  time.Duration // inactivity window for IsSessionActive
	CheckCeiling    time.Duration // longest wait between two session checks
	CheckFloor      time.Duration // shortest wait between two session checks
	DefaultLifetime time.Duration // token lifetime when the server omits expires_in
	// LogoutOnInactivity clears tokens when a session check finds the session inactive.
	LogoutOnInactivity bool
}

// DefaultConfig returns the standard session timings.
func DefaultConfig() Config {
	return Config{
		RefreshBuffer:   5 * time.Minute,
		SessionTimeout:  24 * time.Hour,
		CheckCeiling:    5 * time.Minute,
		CheckFloor:      10 * time.Second,
		DefaultLifetime: domain.DefaultTokenLifetime,
	}
}

// Authority owns the token record. Only the Authority writes the token storage keys.
type Authority struct {
	config  Config
	store   out.KeyValueStore
	api     out.AuthAPI
	log     zerowrap.Logger
	metrics *telemetry.Metrics

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	refreshGroup singleflight.Group

	// writeMu serializes persist-then-swap so storage and memory agree.
	writeMu sync.Mutex

	mu           sync.RWMutex
	record       *domain.TokenRecord
	generation   uint64 // bumped on every clear
	lastActivity time.Time
	running      bool
	runCtx       context.Context
	stopCheck    func() bool
	checkSeq     uint64 // identifies the pending check; stale callbacks compare against it

	listenersMu  sync.Mutex
	listeners    map[uint64]func(token string)
	nextListener uint64
}

// NewAuthority creates a session authority. Call Load before first use.
func NewAuthority(config Config, store out.KeyValueStore, api out.AuthAPI, log zerowrap.Logger) *Authority {
	if config.DefaultLifetime <= 0 {
		config.DefaultLifetime = domain.DefaultTokenLifetime
	}
	if config.CheckFloor <= 0 {
		config.CheckFloor = time.Second
	}
	if config.CheckCeiling < config.CheckFloor {
		config.CheckCeiling = config.CheckFloor
	}
	return &Authority{
		config:       config,
		store:        store,
		api:          api,
		log:          log,
		now:          time.Now,
		afterFunc:    timeAfterFunc,
		lastActivity: time.Now(),
		listeners:    make(map[uint64]func(string)),
	}
}

// SetMetrics sets the telemetry metrics for the authority.
func (a *Authority) SetMetrics(m *telemetry.Metrics) {
	a.metrics = m
}

// GetValidToken returns the current token when unexpired. An expired token with a
// refresh token available is refreshed first.
func (a *Authority) GetValidToken(ctx context.Context) domain.TokenResult {
	rec := a.Snapshot()
	if rec == nil {
		return domain.TokenResult{Reason: "no token available"}
	}
	if !rec.IsExpired(a.now()) {
		return domain.TokenResult{Valid: true, Token: rec.AccessToken}
	}
	if !rec.HasRefreshToken() {
		return domain.TokenResult{Reason: "token expired and no refresh token available"}
	}
	return a.refresh(ctx)
}

// GetValidTokenWithRefresh is GetValidToken with a proactive refresh once the
// remaining validity drops below RefreshBuffer.
// Concurrent callers share a single refresh call.
func (a *Authority) GetValidTokenWithRefresh(ctx context.Context) domain.TokenResult {
	rec := a.Snapshot()
	if rec == nil {
		return domain.TokenResult{Reason: "no token available"}
	}

	now := a.now()
	if rec.HasRefreshToken() && rec.Remaining(now) < a.config.RefreshBuffer {
		return a.refresh(ctx)
	}
	if rec.IsExpired(now) {
		return domain.TokenResult{Reason: "token expired and no refresh token available"}
	}
	return domain.TokenResult{Valid: true, Token: rec.AccessToken}
}

// refresh joins the in-flight refresh or starts one. A caller whose ctx ends
// stops waiting, the refresh itself keeps running for the others.
func (a *Authority) refresh(ctx context.Context) domain.TokenResult {
	ch := a.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return a.doRefresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.TokenResult{Reason: res.Err.Error()}
		}
		return domain.TokenResult{Valid: true, Token: res.Val.(string)}
	case <-ctx.Done():
		return domain.TokenResult{Reason: ctx.Err().Error()}
	}
}

func (a *Authority) doRefresh(ctx context.Context) (string, error) {
	log := a.log.With().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "RefreshToken").
		Logger()

	rec, gen := a.snapshotWithGeneration()
	if rec == nil || !rec.HasRefreshToken() {
		return "", domain.ErrNoRefresh
	}

	if a.metrics != nil {
		a.metrics.TokenRefreshes.Add(ctx, 1)
	}

	start := a.now()
	grant, err := a.api.Refresh(ctx, rec.RefreshToken)
	if err == nil {
		err = validateGrant(grant)
	}
	if err == nil {
		err = a.install(ctx, a.recordFromGrant(grant, rec.RefreshToken), gen)
	}
	if errors.Is(err, errSessionCleared) {
		log.Debug().Msg("session cleared during refresh, grant dropped")
		return "", fmt.Errorf("%w: %w", domain.ErrRefreshFailed, err)
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.TokenRefreshFailure.Add(ctx, 1)
		}
		log.Warn().Err(err).Msg("token refresh failed, clearing session")
		a.ClearAllTokens(ctx)
		return "", fmt.Errorf("%w: %w", domain.ErrRefreshFailed, err)
	}

	log.Debug().Dur(zerowrap.FieldDuration, a.now().Sub(start)).Msg("token refreshed")
	return grant.AccessToken, nil
}

// SetTokenData validates and installs rec. Invalid input leaves the state untouched.
func (a *Authority) SetTokenData(ctx context.Context, rec domain.TokenRecord) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "SetTokenData",
	})
	log := zerowrap.FromCtx(ctx)

	rec.AccessToken = strings.TrimSpace(rec.AccessToken)
	rec.RefreshToken = strings.TrimSpace(rec.RefreshToken)
	if domain.IsPlaceholderToken(rec.AccessToken) || !jwtshape.Valid(rec.AccessToken) {
		log.Warn().Msg("rejected structurally invalid access token")
		return domain.ErrInvalidToken
	}

	if rec.TokenType == "" {
		rec.TokenType = domain.DefaultTokenType
	}
	if domain.IsPlaceholderToken(rec.RefreshToken) {
		rec.RefreshToken = ""
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = a.expiryOf(rec.AccessToken)
	}

	_, gen := a.snapshotWithGeneration()
	if err := a.install(ctx, &rec, gen); err != nil {
		return log.WrapErr(err, "failed to persist token")
	}
	return nil
}

// Login authenticates with creds and installs the resulting grant.
func (a *Authority) Login(ctx context.Context, creds domain.Credentials) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "Login",
		"email":               creds.Email,
	})
	log := zerowrap.FromCtx(ctx)

	_, gen := a.snapshotWithGeneration()
	grant, err := a.api.Login(ctx, creds)
	if err != nil {
		return log.WrapErr(err, "login failed")
	}
	if err := validateGrant(grant); err != nil {
		return log.WrapErr(err, "login returned an unusable grant")
	}

	if err := a.install(ctx, a.recordFromGrant(grant, ""), gen); err != nil {
		return log.WrapErr(err, "failed to persist token")
	}
	a.ReportActivity()

	log.Info().Msg("logged in")
	return nil
}

// Logout clears every token and notifies subscribers.
func (a *Authority) Logout(ctx context.Context) {
	a.ClearAllTokens(ctx)
	a.log.Info().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "Logout").
		Msg("logged out")
}

// ClearAllTokens drops the record, deletes every token storage key, cancels the
// pending session check and notifies subscribers with "".
func (a *Authority) ClearAllTokens(ctx context.Context) {
	a.writeMu.Lock()
	a.mu.Lock()
	a.record = nil
	a.generation++
	a.cancelCheckLocked()
	a.mu.Unlock()

	if err := a.store.Delete(ctx, StorageKey, LegacyStorageKey); err != nil {
		a.log.Warn().
			Str(zerowrap.FieldLayer, "usecase").
			Str(zerowrap.FieldUseCase, "ClearAllTokens").
			Err(err).
			Msg("failed to delete persisted tokens")
	}
	a.writeMu.Unlock()

	a.notify("")
}

// Subscribe registers fn for token changes. fn receives "" when tokens are cleared.
func (a *Authority) Subscribe(fn func(token string)) func() {
	a.listenersMu.Lock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	a.listenersMu.Unlock()

	return func() {
		a.listenersMu.Lock()
		delete(a.listeners, id)
		a.listenersMu.Unlock()
	}
}

// IsSessionActive reports whether a token exists and the last activity is
// within SessionTimeout.
func (a *Authority) IsSessionActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.record != nil && a.now().Sub(a.lastActivity) < a.config.SessionTimeout
}

// ReportActivity records user interaction.
func (a *Authority) ReportActivity() {
	a.mu.Lock()
	a.lastActivity = a.now()
	a.mu.Unlock()
}

// GetTokenSync returns the token without refreshing. An expired token is
// reported as absent even when a refresh would succeed.
func (a *Authority) GetTokenSync() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.record == nil || a.record.IsExpired(a.now()) {
		return "", false
	}
	return a.record.AccessToken, true
}

// Snapshot returns a copy of the current record, or nil.
func (a *Authority) Snapshot() *domain.TokenRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.record == nil {
		return nil
	}
	rec := *a.record
	return &rec
}

func (a *Authority) snapshotWithGeneration() (*domain.TokenRecord, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.record == nil {
		return nil, a.generation
	}
	rec := *a.record
	return &rec, a.generation
}

// install persists rec, swaps it in and notifies subscribers.
// It fails with errSessionCleared when tokens were cleared since gen was read.
func (a *Authority) install(ctx context.Context, rec *domain.TokenRecord, gen uint64) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	a.mu.RLock()
	cleared := a.generation != gen
	a.mu.RUnlock()
	if cleared {
		a.writeMu.Unlock()
		return errSessionCleared
	}

	if err := a.store.Set(ctx, StorageKey, raw); err != nil {
		a.writeMu.Unlock()
		return fmt.Errorf("persist token record: %w", err)
	}

	a.mu.Lock()
	a.record = rec
	if a.running {
		a.scheduleCheckLocked()
	}
	a.mu.Unlock()
	a.writeMu.Unlock()

	a.notify(rec.AccessToken)
	return nil
}

func (a *Authority) notify(token string) {
	a.listenersMu.Lock()
	fns := make([]func(string), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenersMu.Unlock()

	for _, fn := range fns {
		a.callListener(fn, token)
	}
}

func (a *Authority) callListener(fn func(string), token string) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().
				Str(zerowrap.FieldLayer, "usecase").
				Str(zerowrap.FieldUseCase, "notify").
				Interface("panic", r).
				Msg("token listener panicked")
		}
	}()
	fn(token)
}

func (a *Authority) recordFromGrant(grant *domain.TokenGrant, previousRefresh string) *domain.TokenRecord {
	lifetime := a.config.DefaultLifetime
	if grant.ExpiresIn > 0 {
		lifetime = grant.Lifetime()
	}

	refresh := strings.TrimSpace(grant.RefreshToken)
	if domain.IsPlaceholderToken(refresh) {
		refresh = previousRefresh
	}

	tokenType := grant.TokenType
	if tokenType == "" {
		tokenType = domain.DefaultTokenType
	}

	return &domain.TokenRecord{
		AccessToken:  strings.TrimSpace(grant.AccessToken),
		RefreshToken: refresh,
		TokenType:    tokenType,
		ExpiresAt:    a.now().Add(lifetime),
	}
}

// expiryOf reads the exp claim, falling back to now plus the default lifetime.
func (a *Authority) expiryOf(token string) time.Time {
	if exp, ok := jwtshape.ExpiresAt(token); ok {
		return exp
	}
	return a.now().Add(a.config.DefaultLifetime)
}

func validateGrant(grant *domain.TokenGrant) error {
	if grant == nil {
		return errors.New("empty grant")
	}
	if domain.IsPlaceholderToken(grant.AccessToken) || !jwtshape.Valid(grant.AccessToken) {
		return fmt.Errorf("%w: grant access token is malformed", domain.ErrInvalidToken)
	}
	return nil
}
