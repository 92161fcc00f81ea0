// ABOUTME: Capped, jittered retry wrapper around a Responder
// ABOUTME: Retries only transient failures; other errors propagate immediately

package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy bounds how transient upstream failures are retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy covers brief rate limits and provider hiccups
// without blocking a worker for long.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	Multiplier:     2,
	MaxBackoff:     60 * time.Second,
}

// backoffFor computes the delay before the given retry attempt
// (1-based), with up to 25% random jitter so synchronized callers
// spread out.
func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Retrying wraps a Responder with the retry policy.
type Retrying struct {
	inner  Responder
	policy RetryPolicy
	logger *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps a responder so transient failures are retried per the
// policy before surfacing.
func WithRetry(inner Responder, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		inner:  inner,
		policy: policy,
		logger: logger.With("component", "engine"),
		sleep:  sleepCtx,
	}
}

// Respond implements Responder with bounded retry.
func (r *Retrying) Respond(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, r.policy.backoffFor(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := r.inner.Respond(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		r.logger.Warn("transient responder failure, retrying",
			"session", req.SessionID,
			"attempt", attempt,
			"error", err)
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
