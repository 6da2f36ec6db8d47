package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/zerowrap"

	// Adapters - Output
	"github.com/bnema/reach/internal/adapters/out/apiclient"
	"github.com/bnema/reach/internal/adapters/out/authapi"
	"github.com/bnema/reach/internal/adapters/out/ratelimit"
	"github.com/bnema/reach/internal/adapters/out/telemetry"
	"github.com/bnema/reach/internal/adapters/out/tokenstore"

	// Boundaries
	"github.com/bnema/reach/internal/boundaries/out"

	// Use cases
	"github.com/bnema/reach/internal/usecase/cache"
	"github.com/bnema/reach/internal/usecase/polling"
	"github.com/bnema/reach/internal/usecase/retry"
	"github.com/bnema/reach/internal/usecase/session"
)

// App holds the singletons shared by every command. Each is built once by New.
type App struct {
	Config  Config
	Log     zerowrap.Logger
	Metrics *telemetry.Metrics

	Store   out.KeyValueStore
	Session *session.Authority
	Cache   *cache.Cache
	Retry   *retry.Executor
	Polling *polling.Scheduler
	Limiter out.RateLimiter
	API     *apiclient.Client

	closers []func(context.Context)
}

// New builds the application from cfg and restores the persisted session.
func New(ctx context.Context, cfg Config, version string) (*App, error) {
	log, logCleanup, err := initLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log}
	if logCleanup != nil {
		a.closers = append(a.closers, func(context.Context) { logCleanup() })
	}

	ctx = zerowrap.WithCtx(ctx, log)
	if err := a.wire(ctx, version); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, version string) error {
	log := a.Log
	cfg := a.Config

	_, shutdown, err := telemetry.NewProvider(ctx, cfg.Telemetry, "reach", version)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if a.Metrics, err = telemetry.NewMetrics(); err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	a.Store, err = tokenstore.NewStore(cfg.StoreConfig(), log)
	if err != nil {
		return fmt.Errorf("failed to open token storage: %w", err)
	}
	store := a.Store
	a.closers = append(a.closers, func(context.Context) { _ = store.Close() })

	authClient := authapi.NewClient(cfg.API.BaseURL, log, authapi.WithTimeout(cfg.API.Timeout))
	a.Session = session.NewAuthority(cfg.SessionConfig(), a.Store, authClient, log)
	a.Session.SetMetrics(a.Metrics)
	if err := a.Session.Load(ctx); err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	a.Cache = cache.New(log)
	a.Cache.SetMetrics(a.Metrics)

	a.Retry = retry.NewExecutor(log)
	a.Retry.SetMetrics(a.Metrics)

	a.Polling = polling.NewScheduler(log)
	a.Polling.SetMetrics(a.Metrics)
	a.closers = append(a.closers, func(context.Context) { a.Polling.StopAll() })

	a.Limiter, err = ratelimit.NewStore("memory", cfg.API.RateLimit.RPS, cfg.API.RateLimit.Burst, log)
	if err != nil {
		return err
	}

	a.API, err = apiclient.NewClient(cfg.API.BaseURL, log,
		apiclient.WithTimeout(cfg.API.Timeout),
		apiclient.WithSession(a.Session),
		apiclient.WithRetry(a.Retry, cfg.RetryConfig()),
		apiclient.WithRateLimiter(a.Limiter),
		apiclient.WithCache(a.Cache, cfg.Cache.TTL),
		apiclient.WithMetrics(a.Metrics),
	)
	if err != nil {
		return err
	}

	log.Debug().
		Str(zerowrap.FieldLayer, "app").
		Str("base_url", a.API.BaseURL()).
		Str("storage", cfg.Storage.Backend).
		Msg("application wired")
	return nil
}

// Close stops background work and releases resources in reverse order.
func (a *App) Close(ctx context.Context) {
	if a.Session != nil {
		a.Session.Stop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
