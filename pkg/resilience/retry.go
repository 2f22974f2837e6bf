package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy implements spec.md §4.2's per-stage retry contract: max
// attempts, base delay, jitter, and a non-retryable predicate (retry on
// transient/5xx, never on permanent/4xx/schema errors).
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	NonRetryable  func(error) bool
	onRetry       func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy returns the policy used for mail-fetch and LLM stages
// unless overridden: 3 attempts, 100ms base, 10s cap, with the backoff
// library's default ±50% randomization as jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// OnRetry registers a callback invoked after each failed attempt whose error
// is retryable (including the last one), used to increment the retry_count
// telemetry counter (spec.md §4.2). The wait argument is always 0.
func (p *RetryPolicy) OnRetry(fn func(attempt int, err error, wait time.Duration)) {
	p.onRetry = fn
}

func (p RetryPolicy) backoffFor(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 100 * time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 10 * time.Second
	}
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts instead, not elapsed wall time
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)
}

// Execute runs op under the retry policy. It stops immediately (no retry) if
// NonRetryable(err) is true, matching spec.md's "never on 4xx/schema" rule.
func (p RetryPolicy) Execute(ctx context.Context, op func() error) error {
	attempt := 0
	bo := p.backoffFor(ctx)

	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if p.NonRetryable != nil && p.NonRetryable(err) {
			return backoff.Permanent(err)
		}
		if p.onRetry != nil {
			p.onRetry(attempt, err, 0)
		}
		return err
	}, bo)
}
