package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is wrapped by [Retry] when every attempt failed with a
// retryable error.
var ErrAttemptsExhausted = errors.New("resilience: retry attempts exhausted")

// RetryConfig controls [Retry].
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// BaseDelay is the wait before the second attempt. Each further wait is
	// Multiplier times the previous one. Default: 1s.
	BaseDelay time.Duration

	// Multiplier grows the delay between attempts. Default: 2.
	Multiplier float64

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool

	// OnRetry, if set, is called before each wait with the attempt that just
	// failed (1-based), the delay about to be slept and the error.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep overrides how delays are waited out. It must return ctx.Err()
	// when ctx ends first. Default: a timer raced against ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Sleep == nil {
		c.Sleep = SleepContext
	}
	return c
}

// Delay returns the wait that follows failed attempt n (1-based).
func (c RetryConfig) Delay(n int) time.Duration {
	c = c.withDefaults()
	d := float64(c.BaseDelay)
	for range n - 1 {
		d *= c.Multiplier
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && time.Duration(d) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns a non-retryable error, ctx ends
// or the attempts run out. fn receives the 1-based attempt number.
//
// A non-retryable error is returned as is. When the attempts run out the
// result wraps both [ErrAttemptsExhausted] and the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	cfg = cfg.withDefaults()

	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if serr := cfg.Sleep(ctx, delay); serr != nil {
			return fmt.Errorf("resilience: retry interrupted after attempt %d: %w", attempt, errors.Join(serr, err))
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, cfg.Attempts, err)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
