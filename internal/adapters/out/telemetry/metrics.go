package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds reach-specific OTel metric instruments.
type Metrics struct {
	// Session
	TokenRefreshes      metric.Int64Counter
	TokenRefreshFailure metric.Int64Counter

	// Request cache
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
	CacheJoins  metric.Int64Counter

	// Retry
	RetryAttempts  metric.Int64Counter
	RetryExhausted metric.Int64Counter

	// Polling
	PollRuns     metric.Int64Counter
	PollFailures metric.Int64Counter
	ActivePolls  metric.Int64UpDownCounter

	// HTTP client
	RequestDuration metric.Float64Histogram
}

// NewMetrics creates and registers all reach metric instruments.
// All fields are always set; without a MeterProvider they are noop instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("reach")
	m := &Metrics{}
	var err error

	if m.TokenRefreshes, err = meter.Int64Counter("reach.session.refreshes",
		metric.WithDescription("Token refresh network calls")); err != nil {
		return nil, err
	}
	if m.TokenRefreshFailure, err = meter.Int64Counter("reach.session.refresh_failures",
		metric.WithDescription("Token refresh failures that cleared the session")); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("reach.cache.hits",
		metric.WithDescription("Request cache hits")); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter("reach.cache.misses",
		metric.WithDescription("Request cache misses that started a fetch")); err != nil {
		return nil, err
	}
	if m.CacheJoins, err = meter.Int64Counter("reach.cache.joins",
		metric.WithDescription("Requests that joined an in-flight fetch")); err != nil {
		return nil, err
	}
	if m.RetryAttempts, err = meter.Int64Counter("reach.retry.attempts",
		metric.WithDescription("Retries scheduled after a failed attempt")); err != nil {
		return nil, err
	}
	if m.RetryExhausted, err = meter.Int64Counter("reach.retry.exhausted",
		metric.WithDescription("Operations that failed after every attempt")); err != nil {
		return nil, err
	}
	if m.PollRuns, err = meter.Int64Counter("reach.polling.runs",
		metric.WithDescription("Polling callback executions")); err != nil {
		return nil, err
	}
	if m.PollFailures, err = meter.Int64Counter("reach.polling.failures",
		metric.WithDescription("Polling callback failures")); err != nil {
		return nil, err
	}
	if m.ActivePolls, err = meter.Int64UpDownCounter("reach.polling.active",
		metric.WithDescription("Currently active polling instances")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("reach.http.request.duration_seconds",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return nil, err
	}

	return m, nil
}
