// Package polling implements the polling use case: named recurring tasks
// with adaptive backoff, driven by self-rescheduling timers.
package polling

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bnema/reach/internal/adapters/out/telemetry"
	"github.com/bnema/reach/internal/boundaries/in"
	"github.com/bnema/reach/internal/domain"
)

// Ensure Scheduler implements in.PollingService.
var _ in.PollingService = (*Scheduler)(nil)

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

// instance is one polling task. Its state moves scheduled -> running -> scheduled
// until it is stopped; all fields are guarded by Scheduler.mu.
type instance struct {
	id     string
	runID  string
	fn     in.PollFunc
	cfg    domain.PollingConfig
	ctx    context.Context
	cancel context.CancelFunc

	interval      time.Duration
	retryCount    int
	lastSuccessAt time.Time
	runs          int

	active    bool
	running   bool
	scheduled bool
	stopTimer func() bool
}

// Scheduler runs named polling tasks. Runs of one id never overlap.
type Scheduler struct {
	log     zerowrap.Logger
	metrics *telemetry.Metrics

	afterFunc afterFunc
	now       func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
	paused    bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler(log zerowrap.Logger) *Scheduler {
	return &Scheduler{
		log:       log,
		afterFunc: timeAfterFunc,
		now:       time.Now,
		instances: make(map[string]*instance),
	}
}

// SetMetrics sets the telemetry metrics for the scheduler.
func (s *Scheduler) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// Start registers fn under id. An existing instance with the same id is stopped first.
// The first run happens after cfg.InitialInterval. Callbacks receive a context derived
// from ctx that is cancelled when the instance stops.
func (s *Scheduler) Start(ctx context.Context, id string, fn in.PollFunc, cfg domain.PollingConfig) error {
	if id == "" {
		return fmt.Errorf("%w: polling id is required", domain.ErrInvalidConfig)
	}
	if fn == nil {
		return fmt.Errorf("%w: polling callback is required", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst := &instance{
		id:       id,
		runID:    uuid.New().String(),
		fn:       fn,
		cfg:      cfg,
		ctx:      runCtx,
		cancel:   cancel,
		interval: cfg.InitialInterval,
		active:   true,
	}

	s.mu.Lock()
	if old, ok := s.instances[id]; ok {
		s.stopLocked(old)
	}
	s.instances[id] = inst
	if !s.paused {
		s.scheduleLocked(inst, inst.interval)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActivePolls.Add(ctx, 1)
	}

	s.log.Debug().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "polling").
		Str(zerowrap.FieldEntityID, id).
		Str("run_id", inst.runID).
		Dur("interval", cfg.InitialInterval).
		Dur("max_interval", cfg.MaxInterval).
		Msg("polling started")

	return nil
}

// Stop removes id. It is idempotent and works while paused.
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if ok {
		s.stopLocked(inst)
	}
	s.mu.Unlock()

	if ok {
		s.log.Debug().
			Str(zerowrap.FieldLayer, "usecase").
			Str(zerowrap.FieldUseCase, "polling").
			Str(zerowrap.FieldEntityID, id).
			Msg("polling stopped")
	}
}

// StopAll removes every instance.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	n := len(s.instances)
	for _, inst := range s.instances {
		s.stopLocked(inst)
	}
	s.mu.Unlock()

	if n > 0 {
		s.log.Debug().
			Str(zerowrap.FieldLayer, "usecase").
			Str(zerowrap.FieldUseCase, "polling").
			Int(zerowrap.FieldCount, n).
			Msg("all polling stopped")
	}
}

// PauseAll cancels pending timers and prevents new runs. Backoff state is kept.
// A run already in progress completes but does not reschedule.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}
	s.paused = true
	for _, inst := range s.instances {
		if inst.scheduled {
			inst.stopTimer()
			inst.scheduled = false
		}
	}

	s.log.Debug().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "polling").
		Int(zerowrap.FieldCount, len(s.instances)).
		Msg("polling paused")
}

// ResumeAll schedules one immediate run for every idle active instance.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		return
	}
	s.paused = false
	for _, inst := range s.instances {
		if inst.active && !inst.running && !inst.scheduled {
			s.scheduleLocked(inst, 0)
		}
	}

	s.log.Debug().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "polling").
		Int(zerowrap.FieldCount, len(s.instances)).
		Msg("polling resumed")
}

// Trigger replaces the pending wait of id with an immediate run. It is a no-op
// while paused or while a run is in progress.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPollingNotFound, id)
	}
	if s.paused || inst.running {
		return nil
	}
	if inst.scheduled {
		inst.stopTimer()
	}
	s.scheduleLocked(inst, 0)
	return nil
}

// SetVisible binds page visibility to the global pause flag.
func (s *Scheduler) SetVisible(visible bool) {
	if visible {
		s.ResumeAll()
		return
	}
	s.PauseAll()
}

// IsPaused reports the global pause flag.
func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Status returns a snapshot of id.
func (s *Scheduler) Status(id string) (domain.PollingStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return domain.PollingStatus{}, false
	}
	return domain.PollingStatus{
		ID:              inst.id,
		Active:          inst.active,
		Running:         inst.running,
		CurrentInterval: inst.interval,
		RetryCount:      inst.retryCount,
		LastSuccessAt:   inst.lastSuccessAt,
		Runs:            inst.runs,
	}, true
}

// ActiveIDs returns the registered ids in lexical order.
func (s *Scheduler) ActiveIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (s *Scheduler) scheduleLocked(inst *instance, d time.Duration) {
	inst.scheduled = true
	inst.stopTimer = s.afterFunc(d, func() { s.run(inst) })
}

func (s *Scheduler) stopLocked(inst *instance) {
	if !inst.active {
		return
	}
	inst.active = false
	if inst.scheduled {
		inst.stopTimer()
		inst.scheduled = false
	}
	inst.cancel()
	if s.instances[inst.id] == inst {
		delete(s.instances, inst.id)
	}
	if s.metrics != nil {
		s.metrics.ActivePolls.Add(context.Background(), -1)
	}
}

// run is the timer callback: execute once, then compute and schedule the next delay.
func (s *Scheduler) run(inst *instance) {
	s.mu.Lock()
	if !inst.active || !inst.scheduled {
		s.mu.Unlock()
		return
	}
	inst.scheduled = false
	if s.paused {
		s.mu.Unlock()
		return
	}
	inst.running = true
	s.mu.Unlock()

	ok, err := s.execute(inst)

	if s.metrics != nil {
		s.metrics.PollRuns.Add(inst.ctx, 1, metric.WithAttributes(attribute.String("id", inst.id)))
		if !ok {
			s.metrics.PollFailures.Add(inst.ctx, 1, metric.WithAttributes(attribute.String("id", inst.id)))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst.running = false
	inst.runs++
	if !inst.active {
		return
	}

	log := s.log.With().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "polling").
		Str(zerowrap.FieldEntityID, inst.id).
		Logger()

	if ok {
		inst.lastSuccessAt = s.now()
		if inst.cfg.ResetOnSuccess {
			inst.retryCount = 0
			inst.interval = inst.cfg.InitialInterval
		}
	} else {
		inst.retryCount++
		inst.interval = nextInterval(inst.interval, inst.cfg)

		if err != nil {
			log.Warn().Err(err).Int("retry_count", inst.retryCount).Dur("next_interval", inst.interval).Msg("polling callback failed")
		} else {
			log.Debug().Int("retry_count", inst.retryCount).Dur("next_interval", inst.interval).Msg("polling callback reported failure")
		}

		if inst.cfg.MaxRetries > 0 && inst.retryCount >= inst.cfg.MaxRetries {
			log.Warn().Int("max_retries", inst.cfg.MaxRetries).Msg("polling stopped after reaching max retries")
			s.stopLocked(inst)
			return
		}
	}

	if inst.ctx.Err() != nil {
		s.stopLocked(inst)
		return
	}

	if !s.paused {
		s.scheduleLocked(inst, inst.interval)
	}
}

// execute runs the callback, converting panics into failures.
func (s *Scheduler) execute(inst *instance) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("polling callback %q panicked: %v", inst.id, r)
		}
	}()
	return inst.fn(inst.ctx)
}

// nextInterval grows current by the multiplier, clamped to [InitialInterval, MaxInterval].
func nextInterval(current time.Duration, cfg domain.PollingConfig) time.Duration {
	next := time.Duration(math.Round(float64(current) * cfg.BackoffMultiplier))
	if next > cfg.MaxInterval {
		next = cfg.MaxInterval
	}
	if next < cfg.InitialInterval {
		next = cfg.InitialInterval
	}
	return next
}

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
