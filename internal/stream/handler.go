package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxguard/voxguard/internal/observe"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
	"github.com/voxguard/voxguard/pkg/provider/stt"
)

// Defaults for [Handler].
const (
	DefaultInterval     = time.Second
	DefaultScoreTimeout = 45 * time.Second
	DefaultDrainTimeout = 10 * time.Second
	DefaultIdleTTL      = 5 * time.Minute
	defaultWriteTimeout = 5 * time.Second
	maxFrameBytes       = 1 << 20
	closeGrace          = time.Second
)

// ErrShuttingDown is returned for connections arriving after Shutdown.
var ErrShuttingDown = errors.New("stream: handler is shutting down")

// settings are shared by [Handler] and [Registry].
type settings struct {
	recognizer   stt.Provider
	sttName      string
	scorer       scorer.Provider
	interval     time.Duration
	now          func() time.Time
	scoreTimeout time.Duration
	drainTimeout time.Duration
	idleTTL      time.Duration
	language     string
	keywords     func() []stt.KeywordBoost
	metrics      *observe.Metrics
	acceptOpts   *websocket.AcceptOptions
}

func newSettings(recognizer stt.Provider, sc scorer.Provider, opts []Option) settings {
	s := settings{
		recognizer:   recognizer,
		sttName:      "stt",
		scorer:       sc,
		interval:     DefaultInterval,
		now:          time.Now,
		scoreTimeout: DefaultScoreTimeout,
		drainTimeout: DefaultDrainTimeout,
		idleTTL:      DefaultIdleTTL,
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

func (s *settings) streamConfig(rate int) stt.StreamConfig {
	cfg := stt.StreamConfig{SampleRate: rate, Channels: 1, Language: s.language}
	if s.keywords != nil {
		cfg.Keywords = s.keywords()
	}
	return cfg
}

// Option configures a [Handler] or [Registry].
type Option func(*settings)

// WithInterval sets the minimum time between non-forced scores.
func WithInterval(d time.Duration) Option {
	return func(s *settings) { s.interval = d }
}

// WithClock replaces time.Now for throttle and idle decisions.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithScoreTimeout bounds a single classification.
func WithScoreTimeout(d time.Duration) Option {
	return func(s *settings) { s.scoreTimeout = d }
}

// WithDrainTimeout bounds how long a stop waits for the recognizer to flush.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *settings) { s.drainTimeout = d }
}

// WithIdleTTL sets how long an unused chunk stream survives. Registry only.
func WithIdleTTL(d time.Duration) Option {
	return func(s *settings) { s.idleTTL = d }
}

// WithLanguage sets the recognition language for new streams.
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithKeywords supplies recognition hints, evaluated at each start.
func WithKeywords(fn func() []stt.KeywordBoost) Option {
	return func(s *settings) { s.keywords = fn }
}

// WithMetrics records session and recognizer metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithRecognizerName labels recognizer metrics and logs.
func WithRecognizerName(name string) Option {
	return func(s *settings) { s.sttName = name }
}

// WithAcceptOptions passes opts to websocket.Accept. Handler only.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(s *settings) { s.acceptOpts = opts }
}

// Handler serves moderation sessions over websocket connections. Each
// connection is one session with its own [Machine] and recognizer stream.
//
// All exported methods are safe for concurrent use.
type Handler struct {
	settings

	mu       sync.Mutex
	closed   bool
	sessions map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewHandler returns a Handler that opens streams on recognizer and scores
// transcripts with sc.
func NewHandler(recognizer stt.Provider, sc scorer.Provider, opts ...Option) *Handler {
	return &Handler{
		settings: newSettings(recognizer, sc, opts),
		sessions: make(map[string]context.CancelFunc),
	}
}

// ActiveSessions returns the number of open sessions.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until the client
// stops or disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		slog.Warn("stream: accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	if err := h.track(id, cancel); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(id)

	ctx = observe.WithSession(ctx, "websocket", id)
	ctx, span := observe.StartSpan(ctx, "stream.session")
	defer span.End()
	if h.metrics != nil {
		h.metrics.SessionStarted(ctx, "websocket")
		defer h.metrics.SessionEnded(ctx, "websocket")
	}

	s := &session{
		h:       h,
		id:      id,
		conn:    conn,
		m:       NewMachine(h.interval, h.now),
		results: make(chan scoreResult, 1),
		log:     observe.Logger(ctx),
	}
	s.log.Debug("stream: session opened", "remote", r.RemoteAddr)
	s.run(ctx)
	s.log.Debug("stream: session closed", "segments", len(s.m.Segments()))
}

// Shutdown cancels every open session and waits for their handlers to
// return or ctx to expire. New connections are refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for _, cancel := range h.sessions {
		cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream: shutdown: %w", ctx.Err())
	}
}

func (h *Handler) track(id string, cancel context.CancelFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrShuttingDown
	}
	h.sessions[id] = cancel
	h.wg.Add(1)
	return nil
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
	h.wg.Done()
}

// ── session ──────────────────────────────────────────────────────────────────

type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type scoreResult struct {
	segmentID  string
	text       string
	transcript string
	res        scorer.Result
	err        error
}

// session is one connection. Only run's goroutine touches the Machine and
// writes to the connection; the reader and scoring goroutines hand their
// results over channels.
type session struct {
	h    *Handler
	id   string
	conn *websocket.Conn
	m    *Machine
	log  *slog.Logger

	handle   stt.SessionHandle
	partials <-chan stt.Transcript
	finals   <-chan stt.Transcript

	// results has room for the single in-flight score, so a scoring
	// goroutine never blocks even after the session is gone.
	results  chan scoreResult
	inflight bool
	pending  bool

	lastSegmentID   string
	lastSegmentText string
}

func (s *session) run(ctx context.Context) {
	// Reads outlive ctx so that a cancelled session still completes the
	// close handshake instead of dropping the connection.
	readCtx, stopReading := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReading()
	frames := make(chan frame)
	go s.readLoop(readCtx, frames)

	s.send(ctx, ConnectedMsg{Type: TypeConnected, Message: connectedGreeting})

	for {
		select {
		case <-ctx.Done():
			s.abort()
			s.goAway()
			return

		case f := <-frames:
			if f.err != nil {
				if status := websocket.CloseStatus(f.err); status == -1 {
					s.log.Debug("stream: read failed", "err", f.err)
				}
				s.abort()
				return
			}
			if done := s.handleFrame(ctx, f); done {
				return
			}

		case t, ok := <-s.partials:
			if !ok {
				s.partials = nil
				continue
			}
			if t.Text != "" {
				s.send(ctx, TextMsg{Type: TypePartial, Text: t.Text})
			}

		case t, ok := <-s.finals:
			if !ok {
				s.finals = nil
				continue
			}
			if s.appendSegment(ctx, t.Text) {
				s.maybeScore(ctx)
			}

		case r := <-s.results:
			s.inflight = false
			s.deliver(ctx, r, false)
			if s.pending {
				s.pending = false
				s.maybeScore(ctx)
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context, frames chan<- frame) {
	for {
		typ, data, err := s.conn.Read(ctx)
		select {
		case frames <- frame{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleFrame processes one client frame and reports whether the session
// is over.
func (s *session) handleFrame(ctx context.Context, f frame) bool {
	if f.typ == websocket.MessageBinary {
		s.handleAudio(ctx, f.data)
		return false
	}

	var msg Inbound
	if err := json.Unmarshal(f.data, &msg); err != nil {
		s.sendError(ctx, errInvalidJSON)
		return false
	}
	switch msg.Type {
	case TypeStart:
		return s.handleStart(ctx, msg)
	case TypeStop:
		return s.handleStop(ctx)
	default:
		s.sendError(ctx, errUnsupportedType)
		return false
	}
}

func (s *session) handleStart(ctx context.Context, msg Inbound) bool {
	if s.m.Status() != StatusIdle {
		s.sendError(ctx, errAlreadyStarted)
		return false
	}
	rate, err := ParseSampleRate(msg.SampleRate)
	if err != nil {
		s.sendError(ctx, errInvalidRate)
		return false
	}

	handle, err := s.h.recognizer.StartStream(ctx, s.h.streamConfig(rate))
	if s.h.metrics != nil {
		s.h.metrics.RecordSTTStart(ctx, s.h.sttName, err)
	}
	if err != nil {
		s.log.Error("stream: start recognizer", "provider", s.h.sttName, "err", err)
		s.sendError(ctx, fmt.Sprintf("Failed to start stream: %v", err))
		s.conn.Close(websocket.StatusInternalError, "recognizer unavailable")
		return true
	}
	if err := s.m.Start(rate); err != nil {
		// Unreachable after the checks above; keep the handle from leaking.
		go discard(handle, s.log)
		s.sendError(ctx, errInvalidRate)
		return false
	}

	s.handle = handle
	s.partials = handle.Partials()
	s.finals = handle.Finals()
	s.log.Info("stream: started", "sample_rate", rate, "provider", s.h.sttName)
	s.send(ctx, StartedMsg{Type: TypeStarted, SampleRate: rate})
	return false
}

func (s *session) handleAudio(ctx context.Context, chunk []byte) {
	if s.m.Status() != StatusStreaming {
		s.sendError(ctx, errAudioBeforeStart)
		return
	}
	if len(chunk) == 0 {
		return
	}
	if err := s.handle.SendAudio(chunk); err != nil {
		s.log.Warn("stream: send audio", "err", err)
		s.sendError(ctx, fmt.Sprintf("Failed to process audio chunk: %v", err))
	}
}

// appendSegment records a final and echoes it to the client. It reports
// whether a segment was added.
func (s *session) appendSegment(ctx context.Context, text string) bool {
	id, err := s.m.AddSegment(text)
	if err != nil || id == "" {
		return false
	}
	segs := s.m.Segments()
	s.lastSegmentID = id
	s.lastSegmentText = segs[len(segs)-1]
	s.send(ctx, TextMsg{Type: TypeSegment, SegmentID: id, Text: s.lastSegmentText})
	return true
}

// maybeScore applies the non-forced scoring decision. While a score is in
// flight the decision is deferred until it completes.
func (s *session) maybeScore(ctx context.Context) {
	if s.inflight {
		s.pending = true
		return
	}
	transcript, ok := s.m.ShouldScore(false)
	if !ok {
		return
	}
	s.inflight = true
	segID, text := s.lastSegmentID, s.lastSegmentText
	go func() {
		r := s.classify(ctx, transcript)
		r.segmentID, r.text = segID, text
		s.results <- r
	}()
}

// classify runs the scorer detached from the session context so that a
// disconnect does not abort a call already in flight.
func (s *session) classify(ctx context.Context, transcript string) scoreResult {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.h.scoreTimeout)
	defer cancel()
	res, err := s.h.scorer.Classify(sctx, transcript)
	return scoreResult{transcript: transcript, res: res, err: err}
}

// deliver records the outcome of a score and reports it unless the session
// has already ended.
func (s *session) deliver(ctx context.Context, r scoreResult, final bool) {
	s.m.ScoreDone(r.transcript, r.err)
	if s.m.Status() != StatusStreaming {
		return
	}
	if r.err != nil {
		s.log.Warn("stream: scoring failed", "scorer", s.h.scorer.Name(), "segment_id", r.segmentID, "err", r.err)
		s.send(ctx, ScoreErrorMsg{
			Type:      TypeScoreError,
			SegmentID: r.segmentID,
			Text:      r.text,
			Error:     r.err.Error(),
			Final:     final,
		})
		return
	}
	if r.res.Flagged {
		s.log.Info("stream: transcript flagged",
			"segment_id", r.segmentID, "matches", len(r.res.Matches), "severity", r.res.Severity)
	}
	s.send(ctx, newScoreMsg(r.segmentID, r.text, r.res, final))
}

func (s *session) handleStop(ctx context.Context) bool {
	if s.m.Status() != StatusStreaming {
		s.sendError(ctx, errStopBeforeStart)
		return false
	}

	if err := s.drain(ctx); err != nil {
		s.log.Warn("stream: finalize recognizer", "err", err)
		s.sendError(ctx, fmt.Sprintf("Failed to finalize stream: %v", err))
	}
	if ctx.Err() != nil {
		s.abort()
		s.goAway()
		return true
	}

	if s.inflight {
		select {
		case r := <-s.results:
			s.inflight = false
			s.deliver(ctx, r, false)
		case <-ctx.Done():
			s.abort()
			s.goAway()
			return true
		}
	}
	s.pending = false

	if transcript, ok := s.m.ShouldScore(true); ok {
		r := s.classify(ctx, transcript)
		r.segmentID, r.text = s.lastSegmentID, s.lastSegmentText
		s.deliver(ctx, r, true)
	}

	transcript := s.m.Transcript()
	_ = s.m.Stop()
	s.log.Info("stream: stopped", "segments", len(s.m.Segments()))
	s.send(ctx, FinalMsg{Type: TypeFinal, Transcript: transcript})
	s.conn.Close(websocket.StatusNormalClosure, "stream stopped")
	return true
}

// goAway sends the going-away close frame and waits at most closeGrace for
// the client to answer. The handshake finishes in the background so a client
// that stopped reading cannot stall Shutdown.
func (s *session) goAway() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}()
	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Debug("stream: close handshake unanswered", "grace", closeGrace)
	}
}

// drain closes the recognizer and appends every trailing final it
// delivers. Trailing finals are not scored individually; the forced score
// that follows covers them.
func (s *session) drain(ctx context.Context) error {
	handle := s.handle
	closeErr := make(chan error, 1)
	go func() { closeErr <- handle.Close() }()

	timer := time.NewTimer(s.h.drainTimeout)
	defer timer.Stop()

	var err error
	closing := true
	for s.finals != nil || closing {
		select {
		case t, ok := <-s.finals:
			if !ok {
				s.finals = nil
				continue
			}
			s.appendSegment(ctx, t.Text)
		case _, ok := <-s.partials:
			if !ok {
				s.partials = nil
			}
		case err = <-closeErr:
			closing = false
		case <-timer.C:
			go drainChannels(s.partials, s.finals)
			s.finals, s.partials = nil, nil
			return errors.New("stream: recognizer did not finish in time")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// abort ends the session without a final score. Results of a score still
// in flight are dropped.
func (s *session) abort() {
	s.m.Abort()
	if s.handle != nil {
		h := s.handle
		s.handle = nil
		go discard(h, s.log)
	}
}

// discard closes handle while draining its channels so a recognizer
// flushing on Close never blocks on an absent reader.
func discard(handle stt.SessionHandle, log *slog.Logger) {
	go drainChannels(handle.Partials(), handle.Finals())
	if err := handle.Close(); err != nil {
		log.Debug("stream: close recognizer", "err", err)
	}
}

func drainChannels(partials, finals <-chan stt.Transcript) {
	if partials != nil {
		go func() {
			for range partials {
			}
		}()
	}
	if finals != nil {
		for range finals {
		}
	}
}

func (s *session) sendError(ctx context.Context, msg string) {
	s.send(ctx, ErrorMsg{Type: TypeError, Error: msg})
}

func (s *session) send(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("stream: marshal message", "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.log.Debug("stream: write failed", "err", err)
	}
}
