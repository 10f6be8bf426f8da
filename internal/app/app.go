// Package app wires all voxguard subsystems into a running server.
//
// The App struct owns the full lifecycle: New loads the lexicon, builds the
// scorer and the streaming handlers, Run serves HTTP until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithScorer,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxguard/voxguard/internal/config"
	"github.com/voxguard/voxguard/internal/health"
	"github.com/voxguard/voxguard/internal/lexicon"
	"github.com/voxguard/voxguard/internal/observe"
	"github.com/voxguard/voxguard/internal/resilience"
	"github.com/voxguard/voxguard/internal/stream"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
	lexiconscorer "github.com/voxguard/voxguard/pkg/provider/scorer/lexicon"
	"github.com/voxguard/voxguard/pkg/provider/scorer/openai"
	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
	"github.com/voxguard/voxguard/pkg/provider/stt"
)

// ShutdownTimeout bounds how long Run waits for in-flight requests and
// sessions once its context is cancelled.
const ShutdownTimeout = 15 * time.Second

// Keyword hints passed to the recognizer: the most severe single words,
// capped so the request URL stays short.
const (
	keywordMinSeverity = 3
	maxKeywords        = 50
)

// ErrRemoteNotConfigured is returned by [App.Probe] when the config has no
// remote section.
var ErrRemoteNotConfigured = errors.New("app: remote scorer not configured")

// ErrConfigNotWatched is returned by [App.ReloadConfig] without
// [WithConfigWatch].
var ErrConfigNotWatched = errors.New("app: config file not watched")

// Providers holds the externally constructed providers. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// STT turns audio into text. Without it the websocket and chunk APIs are
	// not mounted; classification still works.
	STT stt.Provider

	// STTName labels the recognizer in health output and metrics.
	STTName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	registry  *config.Registry
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	lexMu      sync.Mutex
	lexicon    *lexicon.Holder
	lexScorer  *lexiconscorer.Scorer
	lexWatcher *lexicon.Watcher
	lexPG      *lexicon.PostgresSource
	remote     *remote.Client
	redis      *remote.RedisCache
	scorer     scorer.Provider
	ws         *stream.Handler
	chunks     *stream.Registry
	health     *health.Handler
	handler    http.Handler
	server     *http.Server
	listener   net.Listener
	cfgPath    string
	cfgWatcher *config.Watcher

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// serveOnce guards stopping the HTTP server; stopOnce guards Shutdown.
	serveOnce sync.Once
	serveErr  error
	stopOnce  sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithScorer injects the scorer instead of creating one from config. It is
// still wrapped with metrics and tracing.
func WithScorer(p scorer.Provider) Option {
	return func(a *App) { a.scorer = p }
}

// WithRegistry supplies the provider registry. Built-in scorer factories are
// added to it; factories already registered under other names are kept.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects the metric instruments instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the installed
// handler.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithConfigWatch polls the config file at path and applies changes that do
// not require a restart.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry); it may be nil.
//
// New performs all initialisation synchronously: lexicon loading, scorer
// construction, streaming handlers, health checks and the HTTP router.
// Lexicon and remote endpoint problems are logged and reported by the health
// endpoint rather than failing startup.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Lexicon ───────────────────────────────────────────────────────
	a.initLexicon(ctx)

	// ── 2. Scorer ────────────────────────────────────────────────────────
	if err := a.initScorer(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init scorer: %w", err)
	}

	// ── 3. Streaming handlers ────────────────────────────────────────────
	a.initStreams()

	// ── 4. Health + HTTP router ──────────────────────────────────────────
	a.initHealth()
	a.initHTTP()

	// ── 5. Config hot reload ─────────────────────────────────────────────
	if err := a.initConfigWatch(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init config watch: %w", err)
	}

	slog.Info("app initialised",
		"scorer", a.scorer.Name(),
		"lexicon_terms", a.lexicon.Stats().Count,
		"recognizer", a.providers.STTName,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLexicon loads the lexicon from PostgreSQL or a file, starting the file
// watcher when configured. A source that cannot be loaded leaves an empty,
// not-loaded table in place so classification fails closed.
func (a *App) initLexicon(ctx context.Context) {
	lc := a.cfg.Lexicon
	a.lexicon = lexicon.NewHolder(nil)
	a.lexScorer = lexiconscorer.New(nil,
		lexiconscorer.WithDivisors(lc.OverallDivisor, lc.CategoryDivisor),
		lexiconscorer.WithFuzzy(lc.FuzzyEnabled()),
		lexiconscorer.WithPhonetic(lc.Phonetic),
	)

	switch {
	case lc.PostgresDSN != "":
		src, err := lexicon.NewPostgresSource(ctx, lc.PostgresDSN)
		if err != nil {
			slog.Error("lexicon unavailable, flagging disabled", "source", "postgres", "err", err)
			a.applyLexicon(lexicon.NewTable(nil, lexicon.Stats{}, lexicon.SourcePostgres))
			return
		}
		a.lexPG = src
		a.closers = append(a.closers, func() error { src.Close(); return nil })

		table, err := src.Load(ctx)
		if err != nil {
			slog.Error("lexicon unavailable, flagging disabled", "source", "postgres", "err", err)
			table = lexicon.NewTable(nil, lexicon.Stats{}, lexicon.SourcePostgres)
		}
		a.applyLexicon(table)

	case lc.Path != "" && lc.Watch:
		w, err := lexicon.NewWatcher(lc.Path, func(t *lexicon.Table) {
			a.applyLexicon(t)
			a.metrics.RecordLexiconReload(context.Background(), nil)
		}, lexicon.WithErrorHandler(func(err error) {
			a.metrics.RecordLexiconReload(context.Background(), err)
		}))
		if err != nil {
			slog.Error("lexicon unavailable, flagging disabled", "path", lc.Path, "err", err)
			a.applyLexicon(lexicon.NewTable(nil, lexicon.Stats{}, lc.Path))
			return
		}
		a.lexWatcher = w
		a.closers = append(a.closers, w.Stop)

		// Read Current under the lock so a reload racing with startup
		// cannot be overwritten by the initial snapshot.
		a.lexMu.Lock()
		a.storeLexicon(w.Current())
		a.lexMu.Unlock()

	case lc.Path != "":
		entries, stats, err := lexicon.LoadFile(lc.Path)
		if err != nil {
			slog.Error("lexicon unavailable, flagging disabled", "path", lc.Path, "err", err)
		}
		a.applyLexicon(lexicon.NewTable(entries, stats, lc.Path))

	default:
		a.applyLexicon(lexicon.NewTable(nil, lexicon.Stats{}, ""))
	}

	stats := a.lexicon.Stats()
	slog.Info("lexicon loaded",
		"source", a.lexicon.Load().Source(),
		"loaded", stats.Loaded,
		"count", stats.Count,
		"skipped", stats.Skipped,
	)
}

// applyLexicon publishes t to the holder and the lexicon scorer.
func (a *App) applyLexicon(t *lexicon.Table) {
	a.lexMu.Lock()
	defer a.lexMu.Unlock()
	a.storeLexicon(t)
}

func (a *App) storeLexicon(t *lexicon.Table) {
	a.lexicon.Store(t)
	a.lexScorer.Update(t.Entries())
}

// initScorer selects the primary scorer through the registry, adds the
// lexicon fallback when configured, and instruments the result.
func (a *App) initScorer(ctx context.Context) error {
	if a.scorer != nil {
		a.scorer = observe.InstrumentScorer(a.scorer, a.metrics)
		return nil
	}

	a.registerScorers(ctx)

	primary, err := a.registry.CreateScorer(a.cfg.Scoring.Provider, a.cfg)
	if err != nil {
		return err
	}

	sc := primary
	if a.cfg.Scoring.Fallback == config.ScorerLexicon && a.cfg.Scoring.Provider != config.ScorerLexicon {
		fb := resilience.NewScorerFallback(primary, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{IsFailure: remote.IsBreakerFailure},
		})
		fb.AddFallback(a.lexScorer)
		sc = fb
	}
	a.scorer = observe.InstrumentScorer(sc, a.metrics)
	slog.Info("scorer created", "name", sc.Name())
	return nil
}

// registerScorers adds the built-in scorer factories to the registry.
func (a *App) registerScorers(ctx context.Context) {
	a.registry.RegisterScorer(config.ScorerLexicon, func(*config.Config) (scorer.Provider, error) {
		return a.lexScorer, nil
	})

	a.registry.RegisterScorer(config.ScorerRemote, func(cfg *config.Config) (scorer.Provider, error) {
		return a.remoteClient(ctx, cfg)
	})

	a.registry.RegisterScorer(config.ScorerOpenAI, func(cfg *config.Config) (scorer.Provider, error) {
		entry := cfg.Providers.Moderation
		opts := []openai.Option{openai.WithThreshold(cfg.Scoring.Threshold)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
}

// remoteClient builds the remote adapter with its validation cache and
// circuit breaker. The client is kept for health reporting and probes.
func (a *App) remoteClient(ctx context.Context, cfg *config.Config) (*remote.Client, error) {
	if a.remote != nil {
		return a.remote, nil
	}

	var cache remote.Cache = remote.NewMemoryCache(nil)
	if url := cfg.Remote.RedisURL; url != "" {
		rc, err := remote.NewRedisCache(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("remote validation cache: %w", err)
		}
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
		cache = rc
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:      "remote",
		IsFailure: remote.IsBreakerFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})

	a.remote = remote.New(cfg.RemoteScorerConfig(),
		remote.WithCache(cache),
		remote.WithCircuitBreaker(breaker),
		remote.WithRecorder(a.metrics),
	)
	return a.remote, nil
}

// initStreams builds the websocket handler and the chunk registry when a
// recognizer is configured.
func (a *App) initStreams() {
	if a.providers.STT == nil {
		slog.Warn("no recognizer configured, streaming endpoints disabled")
		return
	}
	opts := []stream.Option{
		stream.WithInterval(a.cfg.Scoring.Interval),
		stream.WithIdleTTL(a.cfg.Server.StreamIdleTTL),
		stream.WithKeywords(a.keywords),
		stream.WithMetrics(a.metrics),
		stream.WithRecognizerName(a.providers.STTName),
	}
	if lang := a.cfg.Providers.STT.OptionString("language"); lang != "" {
		opts = append(opts, stream.WithLanguage(lang))
	}
	a.ws = stream.NewHandler(a.providers.STT, a.scorer, opts...)
	a.chunks = stream.NewRegistry(a.providers.STT, a.scorer, opts...)

	if c, ok := a.providers.STT.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// keywords returns recognition hints from the current lexicon snapshot.
func (a *App) keywords() []stt.KeywordBoost {
	var out []stt.KeywordBoost
	for _, e := range a.lexicon.Load().Entries() {
		if e.Kind != lexicon.KindWord || e.Severity < keywordMinSeverity {
			continue
		}
		out = append(out, stt.KeywordBoost{Keyword: e.Term, Boost: float64(e.Severity)})
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// initHealth registers readiness checks for the configured dependencies.
func (a *App) initHealth() {
	var checkers []health.Checker
	if a.usesLexicon() {
		checkers = append(checkers, health.Checker{Name: "lexicon", Check: func(context.Context) error {
			if !a.lexicon.Stats().Loaded {
				return errors.New("lexicon not loaded")
			}
			return nil
		}})
	}
	if a.lexPG != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.lexPG.Ping})
	}
	if a.redis != nil {
		checkers = append(checkers, health.Checker{Name: "redis", Check: a.redis.Ping})
	}

	src := health.Sources{
		Lexicon:    a.lexicon,
		Scorer:     a.scorer.Name(),
		Recognizer: a.providers.STTName,
	}
	if a.remote != nil {
		src.Remote = func(ctx context.Context) (remote.Details, error) {
			return a.remote.Validate(ctx, false)
		}
	}
	switch rec := a.providers.STT.(type) {
	case nil:
		src.RecognizerCheck = func(context.Context) error {
			return errors.New("no recognizer configured")
		}
	case interface{ Check(context.Context) error }:
		src.RecognizerCheck = rec.Check
	}
	a.health = health.New(checkers, health.WithSources(src))
}

func (a *App) usesLexicon() bool {
	return a.cfg.Scoring.Provider == config.ScorerLexicon || a.cfg.Scoring.Fallback == config.ScorerLexicon
}

// initHTTP builds the router and the HTTP server.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/classify", stream.ClassifyHandler(a.scorer))
	if a.ws != nil {
		mux.Handle("GET /ws/flag-audio/", a.ws)
		mux.HandleFunc("POST /api/v1/transcribe", a.chunks.HandleTranscribe)
		mux.HandleFunc("POST /api/v1/finalize", a.chunks.HandleFinalize)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initConfigWatch starts polling the config file when WithConfigWatch was
// given.
func (a *App) initConfigWatch() error {
	if a.cfgPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.cfgPath, a.onConfigChange,
		config.WithReloadErrorHandler(func(err error) {
			slog.Warn("config reload rejected, keeping previous config", "err", err)
		}))
	if err != nil {
		return err
	}
	a.cfgWatcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	return nil
}

// ReloadConfig re-reads the watched config file now. It reports whether the
// content changed.
func (a *App) ReloadConfig() (bool, error) {
	if a.cfgWatcher == nil {
		return false, ErrConfigNotWatched
	}
	return a.cfgWatcher.Reload()
}

// onConfigChange applies the log level live and reports every other changed
// section as needing a restart.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires restart", "section", section)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the instrumented HTTP router.
func (a *App) Handler() http.Handler { return a.handler }

// Scorer returns the active scorer.
func (a *App) Scorer() scorer.Provider { return a.scorer }

// Lexicon returns the current lexicon snapshot.
func (a *App) Lexicon() *lexicon.Table { return a.lexicon.Load() }

// Classify runs the active scorer on text.
func (a *App) Classify(ctx context.Context, text string) (scorer.Result, error) {
	return a.scorer.Classify(ctx, text)
}

// Probe validates the remote endpoint. force bypasses the validation cache.
func (a *App) Probe(ctx context.Context, force bool) (remote.Details, error) {
	if a.remote == nil {
		if !a.cfg.Remote.Configured() {
			return remote.Details{}, ErrRemoteNotConfigured
		}
		if _, err := a.remoteClient(ctx, a.cfg); err != nil {
			return remote.Details{}, err
		}
	}
	return a.remote.Validate(ctx, force)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and evicts idle chunk streams until ctx is cancelled, then
// stops accepting connections and closes open sessions within
// [ShutdownTimeout]. It returns ctx.Err() after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.chunks != nil {
		g.Go(func() error { return a.chunks.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), ShutdownTimeout)
		defer cancel()
		return a.stopServing(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// stopServing stops the HTTP server and closes websocket sessions. Hijacked
// websocket connections are not tracked by http.Server, so the stream
// handler is shut down separately.
func (a *App) stopServing(ctx context.Context) error {
	a.serveOnce.Do(func() {
		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if a.ws != nil {
			if err := a.ws.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.chunks != nil {
			a.chunks.Close()
		}
		a.serveErr = errors.Join(errs...)
	})
	return a.serveErr
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.stopServing(ctx); err != nil {
			slog.Warn("stop serving error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New acquired before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
