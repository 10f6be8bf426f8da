// Package remote scores text with a hosted model-serving endpoint.
//
// A [Client] validates the endpoint before use (outcomes are cached for
// [Config.ValidationTTL]), POSTs the text as a single-row record, retries
// throttled (429) and unavailable (503) answers with exponential backoff and
// reduces whatever JSON the model returns to a score and a flag decision.
//
// Failures are typed: [*ConfigError], [*ValidationError], [*TransportError]
// and [*HTTPError]. Callers branch on them with errors.As.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/voxguard/voxguard/internal/resilience"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// ProviderName is reported in results and health output.
const ProviderName = "remote"

const (
	connectTimeout      = 3 * time.Second
	probeReadTimeout    = 10 * time.Second
	invokeReadTimeout   = 30 * time.Second
	maxResponseBytes    = 4 << 20
	tracerName          = "github.com/voxguard/voxguard/pkg/provider/scorer/remote"
	authFailedMessage   = "authentication/authorization failed while validating endpoint"
	validationPingInput = "ping"
)

// Recorder receives per-request telemetry.
type Recorder interface {
	RecordRemoteRequest(ctx context.Context, status, outcome string)
	RecordRemoteRetry(ctx context.Context)
}

type nopRecorder struct{}

func (nopRecorder) RecordRemoteRequest(context.Context, string, string) {}
func (nopRecorder) RecordRemoteRetry(context.Context)                   {}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces both the probe and the invocation HTTP clients.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.probeHTTP = c
		cl.invokeHTTP = c
	}
}

// WithCache stores validation outcomes in c instead of a private
// [MemoryCache].
func WithCache(c Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithClock replaces time.Now for validation timestamps and the default
// memory cache.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// WithSleep replaces how retry backoff delays are waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(cl *Client) { cl.sleep = sleep }
}

// WithCircuitBreaker guards invocations with cb. Calls fail fast with
// [resilience.ErrCircuitOpen] while it is open.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithRecorder sends request telemetry to r.
func WithRecorder(r Recorder) Option {
	return func(cl *Client) { cl.rec = r }
}

// Client implements [scorer.Provider] against a model-serving endpoint. It
// is safe for concurrent use.
type Client struct {
	cfg        Config
	probeHTTP  *http.Client
	invokeHTTP *http.Client
	cache      Cache
	group      singleflight.Group
	breaker    *resilience.CircuitBreaker
	rec        Recorder
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ scorer.Provider = (*Client)(nil)

// New creates a Client. An incomplete cfg is not rejected here; Validate
// and Classify report it as a [*ConfigError] so the process keeps serving.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg.withDefaults(),
		probeHTTP:  newHTTPClient(probeReadTimeout),
		invokeHTTP: newHTTPClient(invokeReadTimeout),
		rec:        nopRecorder{},
		now:        time.Now,
		sleep:      resilience.SleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryCache(c.now)
	}
	return c
}

func newHTTPClient(readTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	tr.ResponseHeaderTimeout = readTimeout
	return &http.Client{Transport: tr, Timeout: connectTimeout + readTimeout}
}

// Name implements scorer.Provider.
func (c *Client) Name() string { return ProviderName }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// ── Validation ───────────────────────────────────────────────────────────────

// Validate checks that the endpoint is reachable with the configured token.
// Outcomes, failures included, are cached; force bypasses the cache.
// Concurrent callers share a single probe.
//
// The returned error is non-nil only when the cache backend fails; an
// unusable endpoint is reported through Details.Valid.
func (c *Client) Validate(ctx context.Context, force bool) (Details, error) {
	key := c.cfg.CacheKey()
	if !force {
		d, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("remote: validation cache read failed", "err", err)
		}
		if ok {
			d.Cached = true
			return d, nil
		}
	}

	flight := key
	if force {
		flight += "|force"
	}
	v, err, _ := c.group.Do(flight, func() (any, error) {
		d := c.probe(context.WithoutCancel(ctx))
		if err := c.cache.Set(ctx, key, d, c.cfg.ValidationTTL); err != nil {
			return d, err
		}
		return d, nil
	})
	d := v.(Details)
	if err != nil {
		return d, fmt.Errorf("remote: store validation: %w", err)
	}
	return d, nil
}

func (c *Client) probe(ctx context.Context) Details {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "remote.validate")
	defer span.End()

	d := Details{CheckedAt: c.now(), EndpointID: c.cfg.Endpoint}
	if err := c.cfg.Validate(); err != nil {
		d.Error = firstConfigMessage(err)
		return d
	}

	d.ResolvedURL = c.cfg.infoURL()
	status, err := c.send(ctx, c.probeHTTP, http.MethodGet, d.ResolvedURL, nil)
	if err != nil {
		d.Error = err.Error()
		span.RecordError(err)
		slog.Warn("remote: validation failed", "endpoint", c.cfg.Endpoint, "err", err)
		return d
	}
	d.StatusCode = status
	switch status {
	case http.StatusOK:
		d.Valid = true
		return d
	case http.StatusUnauthorized, http.StatusForbidden:
		d.Error = authFailedMessage
		return d
	}

	// The info route is unusable; try a tiny real invocation.
	d.ResolvedURL = c.cfg.InvocationURL()
	body, err := c.payload(validationPingInput)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	status, err = c.send(ctx, c.probeHTTP, http.MethodPost, d.ResolvedURL, body)
	if err != nil {
		d.Error = err.Error()
		span.RecordError(err)
		slog.Warn("remote: validation failed", "endpoint", c.cfg.Endpoint, "err", err)
		return d
	}
	d.StatusCode = status
	switch status {
	case http.StatusOK, http.StatusBadRequest, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		d.Valid = true
	case http.StatusUnauthorized, http.StatusForbidden:
		d.Error = authFailedMessage
	default:
		d.Error = fmt.Sprintf("unexpected status code while validating endpoint: %d", status)
	}
	span.SetAttributes(attribute.Int("http.status_code", status), attribute.Bool("remote.valid", d.Valid))
	return d
}

// send issues a request and discards the body, returning the status.
func (c *Client) send(ctx context.Context, hc *http.Client, method, url string, body []byte) (int, error) {
	resp, err := c.do(ctx, hc, method, url, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, url string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return hc.Do(req)
}

func (c *Client) payload(text string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"dataframe_records": []map[string]string{{c.cfg.InputField: text}},
	})
}

func firstConfigMessage(err error) string {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	return err.Error()
}

// ── Invocation ───────────────────────────────────────────────────────────────

// Invoke POSTs text to the endpoint and returns the raw response body.
// 429 and 503 answers and transport failures are retried with exponential
// backoff; other 4xx/5xx answers fail at once with an [*HTTPError].
func (c *Client) Invoke(ctx context.Context, text string) ([]byte, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ConfigError{Field: "text", Msg: "text for inference must be non-empty"}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "remote.invoke")
	defer span.End()

	var raw []byte
	call := func() error {
		var err error
		raw, err = c.invokeWithRetry(ctx, text)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return raw, nil
}

func (c *Client) invokeWithRetry(ctx context.Context, text string) ([]byte, error) {
	body, err := c.payload(text)
	if err != nil {
		return nil, fmt.Errorf("remote: encode payload: %w", err)
	}
	url := c.cfg.InvocationURL()

	var (
		raw      []byte
		attempts int
	)
	rc := resilience.RetryConfig{
		Attempts:   c.cfg.Attempts,
		BaseDelay:  c.cfg.BaseDelay,
		Multiplier: 2,
		Sleep:      c.sleep,
		Retryable:  retryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.rec.RecordRemoteRetry(ctx)
			slog.Debug("remote: retrying invocation", "attempt", attempt, "delay", delay, "err", err)
		},
	}
	err = resilience.Retry(ctx, rc, func(ctx context.Context, attempt int) error {
		attempts = attempt
		var err error
		raw, err = c.invokeOnce(ctx, url, body)
		return err
	})
	if err == nil {
		return raw, nil
	}

	var he *HTTPError
	if errors.As(err, &he) && !he.Temporary() {
		return nil, he
	}
	return nil, &TransportError{URL: url, Attempts: attempts, Err: err}
}

func (c *Client) invokeOnce(ctx context.Context, url string, body []byte) ([]byte, error) {
	resp, err := c.do(ctx, c.invokeHTTP, http.MethodPost, url, body)
	if err != nil {
		c.rec.RecordRemoteRequest(ctx, "error", "transport")
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	status := strconv.Itoa(resp.StatusCode)
	if err != nil {
		c.rec.RecordRemoteRequest(ctx, status, "transport")
		return nil, fmt.Errorf("remote: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		he := &HTTPError{StatusCode: resp.StatusCode, Body: truncateBody(data)}
		outcome := "http_error"
		if he.Temporary() {
			outcome = "retryable"
		}
		c.rec.RecordRemoteRequest(ctx, status, outcome)
		return nil, he
	}
	c.rec.RecordRemoteRequest(ctx, status, "ok")
	return data, nil
}

// retryable allows another attempt for throttling, unavailability and
// transport failures.
func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// IsBreakerFailure reports whether err says the endpoint itself is
// unhealthy. Client-side errors (bad payload, auth, config) do not count.
func IsBreakerFailure(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}
	return false
}

// ── Classification ───────────────────────────────────────────────────────────

// Classify validates the endpoint (cached), invokes it and normalizes the
// response. Empty text yields the zero "ok" result without a request.
func (c *Client) Classify(ctx context.Context, text string) (scorer.Result, error) {
	if strings.TrimSpace(text) == "" {
		return scorer.Empty(text, ProviderName), nil
	}
	if err := c.cfg.Validate(); err != nil {
		return scorer.Result{}, err
	}

	d, err := c.Validate(ctx, false)
	if err != nil {
		slog.Warn("remote: validation cache unavailable", "err", err)
	}
	if !d.Valid {
		return scorer.Result{}, &ValidationError{Details: d}
	}

	raw, err := c.Invoke(ctx, text)
	if err != nil {
		return scorer.Result{}, err
	}
	payload, err := ParseValue(raw)
	if err != nil {
		return scorer.Result{}, err
	}

	spec := c.cfg.OutputFor(c.cfg.Endpoint)
	out := Normalize(payload, spec, c.cfg.Threshold)

	res := scorer.Result{
		Transcript:     text,
		Threshold:      c.cfg.Threshold,
		CategoryScores: map[string]float64{},
		Matches:        []scorer.Match{},
		Provider:       ProviderName,
		EndpointID:     c.cfg.Endpoint,
		ScoreType:      string(spec.ScoreType),
		ModelLabel:     out.Label,
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		res.Raw = json.RawMessage("{}")
	} else {
		res.Raw = json.RawMessage(raw)
	}
	res.SetScore(out.Score, out.Flagged)
	return res, nil
}
