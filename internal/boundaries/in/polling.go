package in

import (
	"context"

	"github.com/bnema/reach/internal/domain"
)

// PollFunc is one execution of a polling task.
// Returning false or an error counts as a failure and triggers backoff.
type PollFunc func(ctx context.Context) (bool, error)

// PollingService defines the contract for named recurring tasks.
type PollingService interface {
	// Start registers id, replacing any instance already using it.
	Start(ctx context.Context, id string, fn PollFunc, cfg domain.PollingConfig) error

	// Stop removes id. Stopping an unknown id is a no-op.
	Stop(id string)

	// StopAll removes every instance.
	StopAll()

	// PauseAll suspends scheduling without losing backoff state.
	PauseAll()

	// ResumeAll reschedules every active instance immediately.
	ResumeAll()

	// Trigger runs id now instead of waiting for its next interval.
	Trigger(id string) error

	// Status returns a snapshot of id.
	Status(id string) (domain.PollingStatus, bool)
}
