// Package retry implements the retry use case: exponential backoff with jitter
// around a single operation, with optional cancellation by id.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bnema/reach/internal/adapters/out/telemetry"
	"github.com/bnema/reach/internal/domain"
)

// jitterRatio is the upper bound of the random delay added to each backoff.
const jitterRatio = 0.1

// maxBackoff bounds uncapped delays so that jitter cannot overflow time.Duration.
const maxBackoff = time.Duration(math.MaxInt64 / 2)

// Executor runs operations with retry. It is safe for concurrent use.
type Executor struct {
	log     zerowrap.Logger
	metrics *telemetry.Metrics

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration

	mu      sync.Mutex
	running map[string]*cancellableRun
	seq     uint64
}

type cancellableRun struct {
	seq    uint64
	cancel context.CancelCauseFunc
}

// NewExecutor creates a new retry executor.
func NewExecutor(log zerowrap.Logger) *Executor {
	return &Executor{
		log:     log,
		sleep:   sleepCtx,
		jitter:  randomJitter,
		running: make(map[string]*cancellableRun),
	}
}

// SetMetrics sets the telemetry metrics for the executor.
func (e *Executor) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// Delay returns the backoff before retry number n (1-indexed), without jitter.
func Delay(cfg domain.RetryConfig, n int) time.Duration {
	cfg = normalize(cfg)
	if n < 1 {
		n = 1
	}
	ceiling := maxBackoff
	if cfg.MaxDelay > 0 && cfg.MaxDelay < ceiling {
		ceiling = cfg.MaxDelay
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(n-1))
	if d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails with a non-retryable error,
// or MaxRetries+1 attempts have been made. The last error is returned unchanged.
func Do[T any](ctx context.Context, e *Executor, cfg domain.RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg = normalize(cfg)

	retryable := cfg.RetryCondition
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Delay(cfg, attempt)
			delay += e.jitter(delay)

			if cfg.OnRetry != nil {
				cfg.OnRetry(lastErr, attempt, delay)
			}

			e.log.Debug().
				Str(zerowrap.FieldLayer, "usecase").
				Str(zerowrap.FieldUseCase, "retry").
				Err(lastErr).
				Int("attempt", attempt).
				Int("max_retries", cfg.MaxRetries).
				Dur("delay", delay).
				Msg("operation failed, retrying")

			if e.metrics != nil {
				e.metrics.RetryAttempts.Add(ctx, 1, metric.WithAttributes(
					attribute.Int("status", domain.StatusCodeOf(lastErr)),
				))
			}

			if err := e.sleep(ctx, delay); err != nil {
				return zero, contextError(ctx)
			}
		}

		result, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, contextError(ctx)
		}

		if !retryable(err) {
			return zero, err
		}
	}

	e.log.Warn().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "retry").
		Err(lastErr).
		Int("attempts", cfg.MaxRetries+1).
		Msg("operation failed after all retries")

	if e.metrics != nil {
		e.metrics.RetryExhausted.Add(ctx, 1)
	}

	return zero, lastErr
}

// DoCancellable is Do tied to id: a later call with the same id aborts this one,
// which then returns domain.ErrCancelled.
func DoCancellable[T any](ctx context.Context, e *Executor, id string, cfg domain.RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	seq := e.register(id, cancel)
	defer e.release(id, seq)

	return Do(runCtx, e, cfg, fn)
}

// Cancel aborts the run registered under id. Unknown ids are ignored.
func (e *Executor) Cancel(id string) {
	e.mu.Lock()
	run, ok := e.running[id]
	if ok {
		delete(e.running, id)
	}
	e.mu.Unlock()

	if ok {
		run.cancel(domain.ErrCancelled)
	}
}

// CancelAll aborts every registered run.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	runs := e.running
	e.running = make(map[string]*cancellableRun)
	e.mu.Unlock()

	for _, run := range runs {
		run.cancel(domain.ErrCancelled)
	}
}

// Running reports whether a cancellable run is registered under id.
func (e *Executor) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

func (e *Executor) register(id string, cancel context.CancelCauseFunc) uint64 {
	e.mu.Lock()
	prev := e.running[id]
	e.seq++
	seq := e.seq
	e.running[id] = &cancellableRun{seq: seq, cancel: cancel}
	e.mu.Unlock()

	if prev != nil {
		e.log.Debug().
			Str(zerowrap.FieldLayer, "usecase").
			Str(zerowrap.FieldUseCase, "retry").
			Str(zerowrap.FieldEntityID, id).
			Msg("superseding running operation")
		prev.cancel(domain.ErrCancelled)
	}
	return seq
}

func (e *Executor) release(id string, seq uint64) {
	e.mu.Lock()
	run, ok := e.running[id]
	if ok && run.seq == seq {
		delete(e.running, id)
	}
	e.mu.Unlock()

	if ok && run.seq == seq {
		run.cancel(nil)
	}
}

// runAttempt races fn against the per-attempt timeout.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeoutCause(ctx, timeout, domain.ErrTimeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), domain.ErrTimeout) {
			var zero T
			return zero, fmt.Errorf("%w after %s: %w", domain.ErrTimeout, timeout, o.err)
		}
		return o.result, o.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, contextError(ctx)
		}
		return zero, fmt.Errorf("%w after %s", domain.ErrTimeout, timeout)
	}
}

// contextError maps a done context to the error callers should see.
func contextError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, domain.ErrCancelled) {
		return domain.ErrCancelled
	}
	if cause != nil {
		return cause
	}
	return ctx.Err()
}

func normalize(cfg domain.RetryConfig) domain.RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	return cfg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// randomJitter returns a random duration in [0, jitterRatio*d].
func randomJitter(d time.Duration) time.Duration {
	limit := int64(float64(d) * jitterRatio)
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(limit + 1))
}
