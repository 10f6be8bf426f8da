// Package health provides HTTP health and readiness handlers.
//
// The package exposes three endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /api/v1/health: component details (lexicon, scorer, remote endpoint
//     validation, recognizer) for operators and dashboards.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxguard/voxguard/internal/lexicon"
	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
)

// checkTimeout is the maximum time a single check may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name labels the check in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LexiconStatus reports the lexicon snapshot in use.
type LexiconStatus struct {
	lexicon.Stats
	Source   string    `json:"source,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
}

// RecognizerStatus reports the configured speech recognizer.
type RecognizerStatus struct {
	Provider string `json:"provider"`
	Ready    bool   `json:"ready"`
	Error    string `json:"error,omitempty"`
}

// Details is the body of /api/v1/health. Remote is null when no remote
// scorer is configured.
type Details struct {
	Status     string           `json:"status"`
	Lexicon    LexiconStatus    `json:"lexicon"`
	Scorer     string           `json:"scorer"`
	Remote     *remote.Details  `json:"remote"`
	Recognizer RecognizerStatus `json:"recognizer"`
}

// Sources are the components the details endpoint reports on. Nil fields
// are reported as absent.
type Sources struct {
	// Lexicon publishes the current lexicon snapshot.
	Lexicon *lexicon.Holder

	// Scorer names the active scoring backend.
	Scorer string

	// Remote validates the remote endpoint, normally served from the
	// validation cache.
	Remote func(ctx context.Context) (remote.Details, error)

	// Recognizer names the recognizer provider; RecognizerCheck probes it.
	Recognizer      string
	RecognizerCheck func(ctx context.Context) error
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list and sources are fixed at construction time.
type Handler struct {
	checkers []Checker
	sources  Sources
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSources enables the details endpoint.
func WithSources(s Sources) Option {
	return func(h *Handler) { h.sources = s }
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request, sequentially and in order.
func New(checkers []Checker, opts ...Option) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	h := &Handler{checkers: c}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes. Each
// checker gets a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Details reports component state. It always answers 200; Status is
// "degraded" when the lexicon failed to load, the remote endpoint is
// invalid, or the recognizer check fails.
func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Collect(r.Context()))
}

// Collect gathers the details report.
func (h *Handler) Collect(ctx context.Context) Details {
	src := h.sources
	d := Details{Status: "ok", Scorer: src.Scorer}

	if src.Lexicon != nil {
		if t := src.Lexicon.Load(); t != nil {
			d.Lexicon = LexiconStatus{Stats: t.Stats(), Source: t.Source(), LoadedAt: t.LoadedAt()}
		}
	}
	if src.Lexicon != nil && !d.Lexicon.Loaded {
		d.Status = "degraded"
	}

	if src.Remote != nil {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		details, err := src.Remote(cctx)
		cancel()
		if err != nil && details.Error == "" {
			details.Error = err.Error()
		}
		if !details.Valid {
			d.Status = "degraded"
		}
		d.Remote = &details
	}

	d.Recognizer = RecognizerStatus{Provider: src.Recognizer, Ready: true}
	if src.RecognizerCheck != nil {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := src.RecognizerCheck(cctx)
		cancel()
		if err != nil {
			d.Recognizer.Ready = false
			d.Recognizer.Error = err.Error()
			d.Status = "degraded"
		}
	}
	return d
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /api/v1/health", h.Details)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
