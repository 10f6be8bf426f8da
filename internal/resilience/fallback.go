package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] succeeded,
// either because each one failed or because its breaker was open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the template for the breaker guarding each entry of a
// [FallbackGroup]. The breaker Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. The first entry is the primary.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose primary is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a backend tried after every existing one.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names lists the backends in try order.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.name)
	}
	return out
}

// States maps each backend name to its breaker state.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Available reports whether at least one breaker would admit a call.
func (g *FallbackGroup[T]) Available() bool {
	for _, m := range g.members {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute runs fn against the backends in order until one returns nil.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, _, err := Try(ctx, g, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// Try runs fn against the backends in order and returns the first success
// with the name of the backend that produced it. Backends whose breaker is
// open are skipped, and no further backend is tried once ctx is done. The
// error after a total failure wraps both [ErrAllFailed] and the last cause.
func Try[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero  R
		cause error
	)
	for i := range g.members {
		if err := ctx.Err(); err != nil {
			if cause == nil {
				cause = err
			}
			break
		}
		m := &g.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var ferr error
			out, ferr = fn(m.value)
			return ferr
		})
		switch {
		case err == nil:
			return out, m.name, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: circuit open, skipping", "provider", m.name)
		default:
			slog.Warn("resilience: provider failed", "provider", m.name, "err", err)
		}
		cause = err
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, cause)
}
