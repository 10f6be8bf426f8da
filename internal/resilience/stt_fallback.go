package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/voxguard/voxguard/pkg/provider/stt"
)

// ErrNoRecognizer is reported by [STTFallback.Check] while every backend's
// breaker is open.
var ErrNoRecognizer = errors.New("resilience: no recognizer available")

// STTFallback is an [stt.Provider] that opens each stream on the first
// healthy recognizer. A stream that is already open is never moved.
type STTFallback struct {
	group   *FallbackGroup[stt.Provider]
	serving atomic.Pointer[string]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	f := &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
	f.serving.Store(&primaryName)
	return f
}

// AddFallback registers another recognizer, tried after the existing ones.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// States reports each recognizer's breaker state.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// Serving names the recognizer that opened the most recent stream.
func (f *STTFallback) Serving() string { return *f.serving.Load() }

// Check fails while no recognizer would accept a new stream.
func (f *STTFallback) Check(context.Context) error {
	if !f.group.Available() {
		return ErrNoRecognizer
	}
	return nil
}

// StartStream opens a stream on the first recognizer that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, name, err := Try(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if prev := f.serving.Swap(&name); *prev != name {
		slog.Info("resilience: recognizer switched", "from", *prev, "to", name)
	}
	return h, nil
}
