// Package resilience holds the retry policy and circuit breaking shared by
// the capture supervisor and the transcription queue.
package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = 2 * time.Second
	DefaultMaxDelay     = 5 * time.Minute
	DefaultJitterFactor = 0.2
)

// Policy is the single retry policy: how many attempts, how long to wait
// between them, and which errors qualify.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // clamped to [0,1]
	IsRetryable  func(error) bool

	// Rand returns a value in [0,1). Tests pin it.
	Rand func() float64
}

// DefaultPolicy returns the transcription retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsTransient,
	}
}

// RestartPolicy returns the defaults used between capture restarts.
func RestartPolicy() Policy {
	return Policy{
		BaseDelay:    time.Second,
		MaxDelay:     2 * time.Minute,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  func(error) bool { return true },
	}
}

// Delay returns the wait before retry number failures+1, given the count of
// consecutive failures so far (0 for the first retry).
//
// The raw step base<<n doubles each time and jitter adds at most
// JitterFactor of it, so with JitterFactor <= 1 the result never decreases as
// failures grows. Results are clamped to MaxDelay.
func (p Policy) Delay(failures int) time.Duration {
	p = p.withDefaults()
	if failures < 0 {
		failures = 0
	}
	d := p.BaseDelay
	for i := 0; i < failures && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(float64(d) * p.JitterFactor * p.Rand())
	if d+jitter > p.MaxDelay {
		return p.MaxDelay
	}
	return d + jitter
}

// ShouldRetry reports whether another attempt is allowed after attempts
// tries ended in err.
func (p Policy) ShouldRetry(attempts int, err error) bool {
	p = p.withDefaults()
	return err != nil && attempts < p.MaxAttempts && p.IsRetryable(err)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, uses up
// MaxAttempts, or ctx ends. It returns the last error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(attempt, lastErr) {
			return lastErr
		}
		delay := p.Delay(attempt - 1)
		slog.Debug("retrying after error", "attempt", attempt, "max", p.MaxAttempts, "delay", delay, "error", lastErr)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	if p.IsRetryable == nil {
		p.IsRetryable = IsTransient
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}
