package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

// recordSleep returns a Sleep func that records delays instead of waiting.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	var delays []time.Duration
	attempts := 0

	err := Retry(context.Background(), RetryConfig{
		Attempts:  3,
		BaseDelay: time.Second,
		Sleep:     recordSleep(&delays),
	}, func(_ context.Context, attempt int) error {
		attempts = attempt
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) || delays[0] != want[0] || delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", delays, want)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	t.Parallel()
	var (
		delays  []time.Duration
		retried []int
	)
	calls := 0

	err := Retry(context.Background(), RetryConfig{
		Attempts:  4,
		BaseDelay: time.Second,
		Sleep:     recordSleep(&delays),
		OnRetry:   func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) },
	}, func(context.Context, int) error {
		calls++
		return errTransient
	})

	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want wrapping the last error", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
	if len(retried) != 3 || retried[0] != 1 || retried[2] != 3 {
		t.Errorf("OnRetry attempts = %v, want [1 2 3]", retried)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	errFatal := errors.New("fatal")
	calls := 0

	err := Retry(context.Background(), RetryConfig{
		Attempts:  5,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, func(context.Context, int) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) || errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want errFatal returned as is", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancelledDuringSleep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Retry(ctx, RetryConfig{Attempts: 5, BaseDelay: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryConfig_Delay(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{10, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
