package resilience

import (
	"context"
	"strings"

	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// ScorerFallback implements [scorer.Provider] on top of a [FallbackGroup]:
// a remote scorer guarded by a breaker, backed by the local lexicon scorer.
// The result's Provider field names whichever backend answered.
type ScorerFallback struct {
	group *FallbackGroup[scorer.Provider]
}

// Compile-time interface assertion.
var _ scorer.Provider = (*ScorerFallback)(nil)

// NewScorerFallback creates a [ScorerFallback] preferring primary.
func NewScorerFallback(primary scorer.Provider, cfg FallbackConfig) *ScorerFallback {
	return &ScorerFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers p after the existing backends.
func (f *ScorerFallback) AddFallback(p scorer.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name joins the backend names, e.g. "remote>lexicon".
func (f *ScorerFallback) Name() string {
	return strings.Join(f.group.Names(), ">")
}

// States reports each backend's breaker state.
func (f *ScorerFallback) States() map[string]State { return f.group.States() }

// Classify asks each backend in turn until one answers.
func (f *ScorerFallback) Classify(ctx context.Context, text string) (scorer.Result, error) {
	res, _, err := Try(ctx, f.group, func(p scorer.Provider) (scorer.Result, error) {
		return p.Classify(ctx, text)
	})
	return res, err
}
