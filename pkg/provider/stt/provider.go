// Package stt defines the Provider interface for speech recognizers.
//
// A recognizer turns raw PCM audio into text. The moderation pipeline treats
// it as an opaque collaborator: once a stream is open it accepts audio chunks
// and emits two streams of Transcript values, low-latency partials that are
// forwarded to the client as they arrive and authoritative finals that are
// appended to the session transcript and scored.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new
// stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (16000 for most clients).
	SampleRate int

	// Channels is the number of interleaved audio channels. Zero means mono.
	Channels int

	// Language is the BCP-47 language tag for recognition. Empty lets the
	// provider use its default.
	Language string

	// Keywords are vocabulary hints. The server feeds it the lexicon's severe
	// terms so that obfuscated speech is still transcribed as the term.
	// Providers without a boosting API ignore it.
	Keywords []KeywordBoost
}

// SessionHandle is an open recognition stream.
//
// Callers must call Close when the stream is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM audio. Calling
	// SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns the channel of interim transcripts. It is closed when
	// the stream ends.
	Partials() <-chan Transcript

	// Finals returns the channel of committed transcripts. It is closed when
	// the stream ends.
	Finals() <-chan Transcript

	// Close ends the stream. Buffered audio is flushed first and any trailing
	// final it produces is delivered on Finals before the channel closes, so
	// callers should keep draining Finals while Close runs. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any recognizer backend.
type Provider interface {
	// StartStream opens a new recognition stream. It fails when the backend
	// cannot be reached or rejects cfg; the caller owns the returned handle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
