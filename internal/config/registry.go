package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/voxguard/voxguard/pkg/provider/scorer"
	"github.com/voxguard/voxguard/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ScorerFactory builds a scorer from the full configuration, since scorers
// draw on several sections (scoring, lexicon, remote, providers).
type ScorerFactory func(cfg *Config) (scorer.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stt    map[string]func(ProviderEntry) (stt.Provider, error)
	scorer map[ScorerName]ScorerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:    make(map[string]func(ProviderEntry) (stt.Provider, error)),
		scorer: make(map[ScorerName]ScorerFactory),
	}
}

// RegisterSTT registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterScorer registers a scorer factory under name.
func (r *Registry) RegisterScorer(name ScorerName, factory ScorerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorer[name] = factory
}

// CreateSTT instantiates a recognizer using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateScorer instantiates the scorer registered under name.
func (r *Registry) CreateScorer(name ScorerName, cfg *Config) (scorer.Provider, error) {
	r.mu.RLock()
	factory, ok := r.scorer[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scorer/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// STTNames returns the registered recognizer names, sorted.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stt))
	for n := range r.stt {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
