package domain

import (
	"fmt"
	"time"
)

// PollingConfig configures one recurring task.
type PollingConfig struct {
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	// MaxRetries stops the instance after this many consecutive failures. Zero disables.
	MaxRetries     int
	ResetOnSuccess bool
}

// DefaultPollingConfig is used by callers that do not need a custom schedule.
var DefaultPollingConfig = PollingConfig{
	InitialInterval:   30 * time.Second,
	MaxInterval:       5 * time.Minute,
	BackoffMultiplier: 2,
	ResetOnSuccess:    true,
}

// Validate checks the interval bounds.
func (c PollingConfig) Validate() error {
	if c.InitialInterval <= 0 {
		return fmt.Errorf("%w: initial interval must be positive", ErrInvalidConfig)
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("%w: max interval %s below initial interval %s", ErrInvalidConfig, c.MaxInterval, c.InitialInterval)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// PollingStatus is a snapshot of one polling instance.
type PollingStatus struct {
	ID              string
	Active          bool
	Running         bool
	CurrentInterval time.Duration
	RetryCount      int
	LastSuccessAt   time.Time
	Runs            int
}
