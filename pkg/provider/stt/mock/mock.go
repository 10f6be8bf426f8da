// Package mock is an in-memory recognizer for tests and demos.
//
// A [Session] either has transcripts pushed onto its channels by the test
// or replays a script, emitting one scripted transcript per audio chunk:
//
//	p := &mock.Provider{Script: []string{"hello team", "you idiot"}}
//	h, _ := p.StartStream(ctx, cfg)
//	_ = h.SendAudio(chunk) // "hello team" arrives on h.Finals()
package mock

import (
	"context"
	"sync"

	"github.com/voxguard/voxguard/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, each call returns a fresh
	// session from NewSession.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// Script, when set, is given to every session created by StartStream.
	Script []string

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions records every session created by StartStream when Session is nil.
	Sessions []*Session
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewScriptedSession(p.Script...)
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Configs returns the StreamConfig of every StartStream call. Thread-safe.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.StreamConfig, len(p.StartStreamCalls))
	for i, c := range p.StartStreamCalls {
		out[i] = c.Cfg
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle.
//
// Tests send on PartialsCh and FinalsCh to simulate recognizer output. Close
// delivers FinalsOnClose on FinalsCh and then closes both channels, mirroring
// a real recognizer flushing its buffer. Do not send on the channels after
// Close.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// FinalsOnClose are delivered on FinalsCh during Close.
	FinalsOnClose []stt.Transcript

	// Script is consumed one entry per SendAudio call. Each entry is
	// delivered on FinalsCh or PartialsCh according to IsFinal.
	Script []stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed    bool
	closeOnce sync.Once
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// NewScriptedSession returns a Session that emits each line as a final
// transcript, one per SendAudio call.
func NewScriptedSession(lines ...string) *Session {
	s := NewSession()
	for _, l := range lines {
		s.Script = append(s.Script, stt.Transcript{Text: l, IsFinal: true})
	}
	return s
}

// SendAudio records the chunk and plays the next scripted transcript. It
// returns SendAudioErr, or ErrSessionClosed after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: append([]byte(nil), chunk...)})
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if len(s.Script) > 0 {
		next := s.Script[0]
		s.Script = s.Script[1:]
		out := s.PartialsCh
		if next.IsFinal {
			out = s.FinalsCh
		}
		select {
		case out <- next:
		default:
			// Reader fell behind a full buffer; the line is dropped.
		}
	}
	return nil
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close records the call, delivers FinalsOnClose and closes both channels.
// Only the first call does anything beyond counting.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	trailing := s.FinalsOnClose
	s.mu.Unlock()

	var err error
	s.closeOnce.Do(func() {
		for _, t := range trailing {
			s.FinalsCh <- t
		}
		close(s.PartialsCh)
		close(s.FinalsCh)
		err = s.CloseErr
	})
	return err
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
