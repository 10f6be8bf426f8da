// Package openai scores text with the OpenAI moderation endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/tidwall/gjson"

	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// ProviderName is reported in results and health output.
const ProviderName = "openai"

// DefaultModel is the moderation model used when none is configured.
const DefaultModel = oai.ModerationModelOmniModerationLatest

// DefaultThreshold flags a category score at or above it.
const DefaultThreshold = 0.7

var _ scorer.Provider = (*Provider)(nil)

// Provider implements scorer.Provider using the OpenAI moderation API.
type Provider struct {
	client    oai.Client
	model     string
	threshold float64
}

type config struct {
	baseURL    string
	timeout    time.Duration
	threshold  float64
	maxRetries int
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithThreshold sets the score at which a category flags the text.
func WithThreshold(t float64) Option {
	return func(c *config) { c.threshold = t }
}

// WithMaxRetries sets how often the client retries failed requests.
// Default: 2.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithHTTPClient replaces the HTTP client. It takes precedence over
// WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Provider. An empty model selects DefaultModel.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai moderation: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{threshold: DefaultThreshold, maxRetries: 2}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		threshold: cfg.threshold,
	}, nil
}

// Name implements scorer.Provider.
func (p *Provider) Name() string { return ProviderName }

// Classify implements scorer.Provider. The overall score is the highest
// category score; the text is flagged when the API flags it or that score
// reaches the threshold.
func (p *Provider) Classify(ctx context.Context, text string) (scorer.Result, error) {
	if strings.TrimSpace(text) == "" {
		return scorer.Empty(text, ProviderName), nil
	}

	resp, err := p.client.Moderations.New(ctx, oai.ModerationNewParams{
		Model: p.model,
		Input: oai.ModerationNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return scorer.Result{}, fmt.Errorf("openai moderation: classify: %w", err)
	}
	if len(resp.Results) == 0 {
		return scorer.Result{}, errors.New("openai moderation: empty response")
	}
	m := resp.Results[0]

	res := scorer.Result{
		Transcript:     text,
		Threshold:      p.threshold,
		CategoryScores: categoryScores(m.CategoryScores.RawJSON()),
		Matches:        []scorer.Match{},
		Provider:       ProviderName,
		ScoreType:      "probability_0_1",
	}
	if raw := resp.RawJSON(); raw != "" && json.Valid([]byte(raw)) {
		res.Raw = json.RawMessage(raw)
	}

	top := 0.0
	for _, s := range res.CategoryScores {
		top = max(top, s)
	}
	res.SetScore(&top, m.Flagged || top >= p.threshold)
	return res, nil
}

// categoryScores reads every numeric field of the category_scores object,
// clamped to [0, 1]. Unknown categories added by newer models are kept.
func categoryScores(raw string) map[string]float64 {
	out := map[string]float64{}
	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number {
			out[key.String()] = min(1, max(0, value.Num))
		}
		return true
	})
	return out
}
