package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func letters(maxFailures int) *FallbackGroup[string] {
	g := NewFallbackGroup("a", "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	g.AddFallback("b", "b")
	g.AddFallback("c", "c")
	return g
}

func TestTry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		failing    map[string]bool
		wantServed string
		wantTried  []string
		wantErr    bool
	}{
		{"primary answers", nil, "a", []string{"a"}, false},
		{"second answers", map[string]bool{"a": true}, "b", []string{"a", "b"}, false},
		{"last answers", map[string]bool{"a": true, "b": true}, "c", []string{"a", "b", "c"}, false},
		{"nobody answers", map[string]bool{"a": true, "b": true, "c": true}, "", []string{"a", "b", "c"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := letters(5)
			var tried []string
			got, served, err := Try(context.Background(), g, func(v string) (string, error) {
				tried = append(tried, v)
				if tt.failing[v] {
					return "", errTest
				}
				return v + "!", nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Try err = %v, wantErr %v", err, tt.wantErr)
			}
			if served != tt.wantServed {
				t.Errorf("served = %q, want %q", served, tt.wantServed)
			}
			if !tt.wantErr && got != tt.wantServed+"!" {
				t.Errorf("result = %q, want %q", got, tt.wantServed+"!")
			}
			if len(tried) != len(tt.wantTried) {
				t.Fatalf("tried = %v, want %v", tried, tt.wantTried)
			}
			for i := range tried {
				if tried[i] != tt.wantTried[i] {
					t.Errorf("tried = %v, want %v", tried, tt.wantTried)
					break
				}
			}
			if tt.wantErr && (!errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest)) {
				t.Errorf("err = %v, want ErrAllFailed wrapping the last failure", err)
			}
		})
	}
}

func TestFallbackGroup_OpenBreakerIsSkipped(t *testing.T) {
	t.Parallel()

	g := letters(2)
	failA := func(v string) error {
		if v == "a" {
			return errTest
		}
		return nil
	}
	for range 2 {
		if err := g.Execute(context.Background(), failA); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if s := g.States(); s["a"] != StateOpen || s["b"] != StateClosed {
		t.Fatalf("States() = %v, want a open and b closed", s)
	}

	var tried []string
	if err := g.Execute(context.Background(), func(v string) error {
		tried = append(tried, v)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 1 || tried[0] != "b" {
		t.Errorf("tried = %v, want [b]", tried)
	}
}

func TestFallbackGroup_Available(t *testing.T) {
	t.Parallel()

	g := NewFallbackGroup(1, "one", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	g.AddFallback("two", 2)
	if !g.Available() {
		t.Fatal("Available() = false for a fresh group")
	}
	_ = g.Execute(context.Background(), func(int) error { return errTest })
	if g.Available() {
		t.Errorf("Available() = true with every breaker open (%v)", g.States())
	}
	if names := g.Names(); len(names) != 2 || names[0] != "one" || names[1] != "two" {
		t.Errorf("Names() = %v, want [one two]", names)
	}
}

func TestFallbackGroup_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := letters(3).Execute(ctx, func(string) error { calls++; return nil })
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed wrapping context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}
