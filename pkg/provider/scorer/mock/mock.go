// Package mock provides a test double for the scorer package interface.
//
// Provider returns canned results and records every text it was asked to
// classify. Set Block to hold Classify until the test releases it, which is
// how in-flight scoring is simulated.
package mock

import (
	"context"
	"sync"

	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// ClassifyCall records a single invocation of Provider.Classify.
type ClassifyCall struct {
	Text string
}

// Provider is a mock implementation of scorer.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ClassifyFunc, if set, computes the result for each call. Otherwise
	// ClassifyResult is returned with its Transcript set to the input.
	ClassifyFunc func(ctx context.Context, text string) (scorer.Result, error)

	// ClassifyResult is the result returned when ClassifyFunc is nil.
	ClassifyResult scorer.Result

	// ClassifyErr, if non-nil, is returned when ClassifyFunc is nil.
	ClassifyErr error

	// Block, if non-nil, is received from before Classify returns. Close it
	// or send to it to release waiting calls.
	Block chan struct{}

	// Called, if non-nil, receives the text of every call without blocking.
	Called chan string

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall
}

// Classify records the call and returns the configured result.
func (p *Provider) Classify(ctx context.Context, text string) (scorer.Result, error) {
	p.mu.Lock()
	p.ClassifyCalls = append(p.ClassifyCalls, ClassifyCall{Text: text})
	fn, res, err, block, called := p.ClassifyFunc, p.ClassifyResult, p.ClassifyErr, p.Block, p.Called
	p.mu.Unlock()

	if called != nil {
		select {
		case called <- text:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return scorer.Result{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, text)
	}
	if err != nil {
		return scorer.Result{}, err
	}
	res.Transcript = text
	return res, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns a copy of the recorded texts. Thread-safe.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ClassifyCalls))
	for i, c := range p.ClassifyCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClassifyCalls = nil
}

// Ensure Provider implements scorer.Provider at compile time.
var _ scorer.Provider = (*Provider)(nil)
