// Package stream runs live moderation sessions: audio goes to a recognizer,
// finalized transcript segments are scored (throttled and deduplicated) and
// results flow back to the client.
//
// [Machine] holds the per-session lifecycle and scoring decisions and does no
// I/O. [Handler] serves it over a websocket; [Registry] serves it over the
// HTTP chunk API.
package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is a session's lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusStreaming
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStreaming:
		return "streaming"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	// ErrNotStreaming is returned for events that need a started session.
	ErrNotStreaming = errors.New("stream: session not started")

	// ErrAlreadyStarted is returned by Start outside the idle state.
	ErrAlreadyStarted = errors.New("stream: session already started")

	// ErrInvalidSampleRate is returned by Start for a non-positive rate.
	ErrInvalidSampleRate = errors.New("stream: sample_rate must be a positive integer")
)

// DefaultSampleRate is used when a client does not send one.
const DefaultSampleRate = 16000

// Machine is the state of one session. It is not safe for concurrent use;
// each session owns its Machine and drives it from a single goroutine.
type Machine struct {
	interval time.Duration
	now      func() time.Time

	status     Status
	sampleRate int
	segments   []string
	segmentSeq int

	// lastScoreTime is zero until the first attempt, so the first final
	// segment is always scored.
	lastScoreTime  time.Time
	lastScoredText string
}

// NewMachine returns an idle Machine that allows a non-forced score at most
// once per interval. A nil now uses time.Now.
func NewMachine(interval time.Duration, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{interval: interval, now: now}
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status { return m.status }

// SampleRate returns the rate given to Start.
func (m *Machine) SampleRate() int { return m.sampleRate }

// Start moves an idle session to streaming and resets segments and dedup
// state. On error the session stays idle.
func (m *Machine) Start(sampleRate int) error {
	if m.status != StatusIdle {
		return ErrAlreadyStarted
	}
	if sampleRate <= 0 {
		return ErrInvalidSampleRate
	}
	m.status = StatusStreaming
	m.sampleRate = sampleRate
	m.segments = nil
	m.segmentSeq = 0
	m.lastScoreTime = time.Time{}
	m.lastScoredText = ""
	return nil
}

// AddSegment appends a finalized segment and returns its id. Blank text is
// ignored and yields "".
func (m *Machine) AddSegment(text string) (string, error) {
	if m.status != StatusStreaming {
		return "", ErrNotStreaming
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	m.segments = append(m.segments, text)
	m.segmentSeq++
	return strconv.Itoa(m.segmentSeq), nil
}

// Segments returns a copy of the finalized segments.
func (m *Machine) Segments() []string {
	out := make([]string, len(m.segments))
	copy(out, m.segments)
	return out
}

// Transcript joins the segments with single spaces.
func (m *Machine) Transcript() string {
	return strings.TrimSpace(strings.Join(m.segments, " "))
}

// ShouldScore applies the scoring decision to the current transcript. A
// forced call scores any non-empty transcript. Otherwise the transcript must
// differ from the last successfully scored one and at least the interval
// must have passed since the last attempt.
//
// A true result counts as an attempt: the attempt time is recorded and the
// caller must report the outcome through ScoreDone.
func (m *Machine) ShouldScore(force bool) (string, bool) {
	transcript := m.Transcript()
	if transcript == "" {
		return "", false
	}
	now := m.now()
	if !force {
		if !m.lastScoreTime.IsZero() && now.Sub(m.lastScoreTime) < m.interval {
			return "", false
		}
		if transcript == m.lastScoredText {
			return "", false
		}
	}
	m.lastScoreTime = now
	return transcript, true
}

// ScoreDone records the outcome of an attempt started by ShouldScore. Only
// a success updates the dedup text, so a failed transcript is retried at the
// next opportunity.
func (m *Machine) ScoreDone(transcript string, err error) {
	if err == nil {
		m.lastScoredText = transcript
	}
}

// Stop ends a streaming session.
func (m *Machine) Stop() error {
	if m.status != StatusStreaming {
		return ErrNotStreaming
	}
	m.status = StatusStopped
	return nil
}

// Abort ends the session from any state, as on disconnect.
func (m *Machine) Abort() {
	m.status = StatusStopped
}
