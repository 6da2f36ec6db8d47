package session

import (
	"context"
	"time"

	"github.com/bnema/zerowrap"

	"github.com/bnema/reach/internal/domain"
)

// Start begins the periodic session check. The check refreshes the token once it
// enters the refresh buffer and, with LogoutOnInactivity, ends idle sessions.
// It stops when ctx is done or Stop is called.
func (a *Authority) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.running = true
	a.runCtx = ctx
	a.scheduleCheckLocked()
}

// Stop cancels the pending session check.
func (a *Authority) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.running = false
	a.cancelCheckLocked()
}

// cancelCheckLocked stops the pending timer and invalidates its callback in case
// the timer already fired and is waiting on a.mu.
func (a *Authority) cancelCheckLocked() {
	a.checkSeq++
	if a.stopCheck != nil {
		a.stopCheck()
		a.stopCheck = nil
	}
}

// scheduleCheckLocked replaces the pending check. Without a token nothing is scheduled;
// installing a token schedules again.
func (a *Authority) scheduleCheckLocked() {
	a.cancelCheckLocked()
	if a.record == nil {
		return
	}
	seq := a.checkSeq
	delay := a.config.nextCheckDelay(a.record, a.lastActivity, a.now())
	a.stopCheck = a.afterFunc(delay, func() { a.check(seq) })
}

func (a *Authority) check(seq uint64) {
	a.mu.Lock()
	if !a.running || seq != a.checkSeq {
		a.mu.Unlock()
		return
	}
	ctx := a.runCtx
	a.stopCheck = nil
	a.mu.Unlock()

	if ctx.Err() != nil {
		a.Stop()
		return
	}

	log := a.log.With().
		Str(zerowrap.FieldLayer, "usecase").
		Str(zerowrap.FieldUseCase, "SessionCheck").
		Logger()

	rec := a.Snapshot()
	if rec == nil {
		return
	}

	if a.config.LogoutOnInactivity && !a.IsSessionActive() {
		log.Info().Dur("timeout", a.config.SessionTimeout).Msg("session inactive, logging out")
		a.ClearAllTokens(ctx)
		return
	}

	if rec.HasRefreshToken() && rec.Remaining(a.now()) < a.config.RefreshBuffer {
		// A successful refresh installs a new record, which reschedules.
		res := a.GetValidTokenWithRefresh(ctx)
		if !res.Valid {
			log.Warn().Str("reason", res.Reason).Msg("proactive refresh failed")
			return
		}
		log.Debug().Msg("proactive refresh completed")
	}

	// A refresh or clear in the meantime already replaced this check.
	a.mu.Lock()
	if a.running && seq == a.checkSeq {
		a.scheduleCheckLocked()
	}
	a.mu.Unlock()
}

// nextCheckDelay is the shortest of the time left before session timeout, the time
// left before the refresh buffer and CheckCeiling, never below CheckFloor.
func (c Config) nextCheckDelay(rec *domain.TokenRecord, lastActivity, now time.Time) time.Duration {
	delay := c.CheckCeiling

	if untilTimeout := lastActivity.Add(c.SessionTimeout).Sub(now); untilTimeout < delay {
		delay = untilTimeout
	}
	if rec.HasRefreshToken() {
		if untilRefresh := rec.ExpiresAt.Add(-c.RefreshBuffer).Sub(now); untilRefresh < delay {
			delay = untilRefresh
		}
	}

	if delay < c.CheckFloor {
		delay = c.CheckFloor
	}
	return delay
}

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
