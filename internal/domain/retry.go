package domain

import "time"

// RetryConfig configures exponential-backoff retry for one operation.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// AttemptTimeout bounds each attempt. Zero means no per-attempt timeout.
	AttemptTimeout time.Duration
	// RetryCondition overrides the default retryability classification.
	RetryCondition func(err error) bool
	// OnRetry is called before each sleep. It cannot alter control flow.
	OnRetry func(err error, attempt int, nextDelay time.Duration)
}

// Retry presets.
var (
	DefaultRetryConfig = RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
	AggressiveRetryConfig = RetryConfig{
		MaxRetries:        5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 1.5,
	}
	ConservativeRetryConfig = RetryConfig{
		MaxRetries:        2,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 3,
	}
)
