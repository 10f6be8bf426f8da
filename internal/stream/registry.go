package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxguard/voxguard/internal/observe"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
	"github.com/voxguard/voxguard/pkg/provider/stt"
)

var (
	// ErrStreamNotFound is returned for an unknown or evicted stream id.
	ErrStreamNotFound = errors.New("stream: unknown stream_id")

	// ErrEmptyChunk is returned by Transcribe for an empty audio body.
	ErrEmptyChunk = errors.New("stream: audio chunk body is required")
)

// ChunkResult is the response to one uploaded audio chunk. Final and the
// segment fields are empty unless the recognizer committed text while the
// chunk was processed.
type ChunkResult struct {
	StreamID  string      `json:"stream_id"`
	Partial   string      `json:"partial"`
	Final     string      `json:"final"`
	SegmentID *string     `json:"segment_id"`
	Score     *ChunkScore `json:"score"`
}

// ChunkScore is the classification of one committed segment, or the error
// that prevented it.
type ChunkScore struct {
	SegmentID  string          `json:"segment_id"`
	Text       string          `json:"text"`
	Label      string          `json:"label,omitempty"`
	Score      *float64        `json:"score,omitempty"`
	Severity   int             `json:"severity,omitempty"`
	Threshold  float64         `json:"threshold_used,omitempty"`
	Flagged    bool            `json:"flagged"`
	Matches    []scorer.Match  `json:"matches,omitempty"`
	EndpointID string          `json:"endpoint_id,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// FinalizeResult is the response to finalizing a chunk stream.
type FinalizeResult struct {
	StreamID   string `json:"stream_id"`
	Transcript string `json:"transcript"`
}

// chunkStream is one stream of the HTTP chunk API. mu serializes chunks of
// the same stream.
type chunkStream struct {
	mu       sync.Mutex
	handle   stt.SessionHandle
	m        *Machine
	lastUsed time.Time
	closed   bool
}

// Registry keeps recognizer streams for clients that upload audio as
// separate HTTP requests. Streams unused for the idle TTL are evicted and
// their recognizers closed.
//
// All methods are safe for concurrent use.
type Registry struct {
	settings

	mu      sync.Mutex
	streams map[string]*chunkStream
}

// NewRegistry returns an empty Registry.
func NewRegistry(recognizer stt.Provider, sc scorer.Provider, opts ...Option) *Registry {
	return &Registry{
		settings: newSettings(recognizer, sc, opts),
		streams:  make(map[string]*chunkStream),
	}
}

// Len returns the number of open streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Transcribe feeds chunk to the stream streamID, opening it when unknown.
// An empty streamID opens a stream under a new id. Every final collected
// while the chunk is processed becomes one segment and is scored.
//
// Recognizers that deliver results asynchronously report them on a later
// chunk or at Finalize.
func (r *Registry) Transcribe(ctx context.Context, streamID string, sampleRate int, chunk []byte) (ChunkResult, error) {
	if len(chunk) == 0 {
		return ChunkResult{}, ErrEmptyChunk
	}
	if sampleRate <= 0 {
		return ChunkResult{}, ErrInvalidSampleRate
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		streamID = uuid.NewString()
	}
	ctx = observe.WithSession(ctx, "chunk", streamID)
	r.Evict(ctx)

	st, err := r.acquire(ctx, streamID, sampleRate)
	if err != nil {
		return ChunkResult{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ChunkResult{}, ErrStreamNotFound
	}
	st.lastUsed = r.now()

	if err := st.handle.SendAudio(chunk); err != nil {
		return ChunkResult{}, fmt.Errorf("stream: send audio: %w", err)
	}

	out := ChunkResult{StreamID: streamID}
	var finals []string
collect:
	for {
		select {
		case t, ok := <-st.handle.Partials():
			if !ok {
				break collect
			}
			out.Partial = t.Text
		case t, ok := <-st.handle.Finals():
			if !ok {
				break collect
			}
			if text := strings.TrimSpace(t.Text); text != "" {
				finals = append(finals, text)
			}
		default:
			break collect
		}
	}
	if len(finals) == 0 {
		return out, nil
	}

	out.Final = strings.Join(finals, " ")
	id, err := st.m.AddSegment(out.Final)
	if err != nil || id == "" {
		return out, nil
	}
	out.SegmentID = &id

	res, err := r.classify(ctx, out.Final)
	score := &ChunkScore{SegmentID: id, Text: out.Final}
	if err != nil {
		observe.Logger(ctx).Warn("stream: chunk scoring failed", "segment_id", id, "err", err)
		score.Error = err.Error()
	} else {
		score.Label = res.Label
		score.Score = res.Score
		score.Severity = res.Severity
		score.Threshold = res.Threshold
		score.Flagged = res.Flagged
		score.Matches = res.Matches
		score.EndpointID = res.EndpointID
		score.Raw = res.Raw
	}
	out.Score = score
	return out, nil
}

func (r *Registry) classify(ctx context.Context, text string) (scorer.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, r.scoreTimeout)
	defer cancel()
	return r.scorer.Classify(sctx, text)
}

// acquire returns the stream for id, starting a recognizer when the id is
// new. The recognizer is started outside the registry lock.
func (r *Registry) acquire(ctx context.Context, id string, sampleRate int) (*chunkStream, error) {
	r.mu.Lock()
	st, ok := r.streams[id]
	r.mu.Unlock()
	if ok {
		return st, nil
	}

	// The recognizer outlives this request.
	handle, err := r.recognizer.StartStream(context.WithoutCancel(ctx), r.streamConfig(sampleRate))
	if r.metrics != nil {
		r.metrics.RecordSTTStart(ctx, r.sttName, err)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: start recognizer: %w", err)
	}
	m := NewMachine(0, r.now)
	if err := m.Start(sampleRate); err != nil {
		go discard(handle, observe.Logger(ctx))
		return nil, err
	}
	st = &chunkStream{handle: handle, m: m, lastUsed: r.now()}

	r.mu.Lock()
	if existing, ok := r.streams[id]; ok {
		r.mu.Unlock()
		go discard(handle, slog.Default())
		return existing, nil
	}
	r.streams[id] = st
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionStarted(ctx, "chunk")
	}
	observe.Logger(ctx).Debug("stream: chunk stream opened", "sample_rate", sampleRate)
	return st, nil
}

// Finalize closes the stream, appends any trailing finals and returns the
// full transcript.
func (r *Registry) Finalize(ctx context.Context, streamID string) (FinalizeResult, error) {
	streamID = strings.TrimSpace(streamID)
	r.mu.Lock()
	st, ok := r.streams[streamID]
	delete(r.streams, streamID)
	r.mu.Unlock()
	if !ok {
		return FinalizeResult{}, ErrStreamNotFound
	}
	if r.metrics != nil {
		r.metrics.SessionEnded(ctx, "chunk")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true

	tail, err := r.closeAndCollect(st.handle)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("stream: finalize %s: %w", streamID, err)
	}
	if tail != "" {
		_, _ = st.m.AddSegment(tail)
	}
	_ = st.m.Stop()
	return FinalizeResult{StreamID: streamID, Transcript: st.m.Transcript()}, nil
}

// closeAndCollect closes handle and returns the finals it flushes.
func (r *Registry) closeAndCollect(handle stt.SessionHandle) (string, error) {
	closeErr := make(chan error, 1)
	go func() { closeErr <- handle.Close() }()

	timer := time.NewTimer(r.drainTimeout)
	defer timer.Stop()

	partials, finals := handle.Partials(), handle.Finals()
	var parts []string
	var err error
	closing := true
	for finals != nil || closing {
		select {
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if text := strings.TrimSpace(t.Text); text != "" {
				parts = append(parts, text)
			}
		case _, ok := <-partials:
			if !ok {
				partials = nil
			}
		case err = <-closeErr:
			closing = false
		case <-timer.C:
			go drainChannels(partials, finals)
			return "", errors.New("recognizer did not finish in time")
		}
	}
	if err != nil {
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// Evict closes streams idle for longer than the TTL and returns how many
// were removed.
func (r *Registry) Evict(ctx context.Context) int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var stale []*chunkStream
	for id, st := range r.streams {
		if !st.mu.TryLock() {
			continue
		}
		if st.lastUsed.Before(cutoff) {
			st.closed = true
			stale = append(stale, st)
			delete(r.streams, id)
			slog.Info("stream: evicting idle chunk stream", "stream_id", id)
		}
		st.mu.Unlock()
	}
	r.mu.Unlock()

	for _, st := range stale {
		go discard(st.handle, slog.Default())
		if r.metrics != nil {
			r.metrics.SessionEnded(ctx, "chunk")
		}
	}
	return len(stale)
}

// Run evicts idle streams periodically until ctx is cancelled, then closes
// every remaining stream.
func (r *Registry) Run(ctx context.Context) error {
	every := r.idleTTL / 2
	if every <= 0 || every > time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-ticker.C:
			r.Evict(ctx)
		}
	}
}

// Close closes every open stream without finalizing it.
func (r *Registry) Close() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*chunkStream)
	r.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		go discard(st.handle, slog.Default())
		if r.metrics != nil {
			r.metrics.SessionEnded(context.Background(), "chunk")
		}
	}
}
