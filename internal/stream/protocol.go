package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// Message types exchanged over the session protocol.
const (
	TypeStart      = "start"
	TypeStop       = "stop"
	TypeConnected  = "connected"
	TypeStarted    = "started"
	TypePartial    = "partial"
	TypeSegment    = "segment"
	TypeScore      = "score"
	TypeScoreError = "score_error"
	TypeFinal      = "final"
	TypeError      = "error"
)

// Client-facing error texts.
const (
	errInvalidJSON      = "Invalid JSON payload."
	errUnsupportedType  = "Unsupported message type."
	errAudioBeforeStart = "Stream not started. Send {'type':'start'} first."
	errStopBeforeStart  = "Stream not started."
	errAlreadyStarted   = "Stream already started."
	errInvalidRate      = "sample_rate must be a positive integer."
	connectedGreeting   = "Send {'type':'start'} then stream PCM16 mono 16kHz chunks as binary frames."
)

// Inbound is a client control message.
type Inbound struct {
	Type       string          `json:"type"`
	SampleRate json.RawMessage `json:"sample_rate,omitempty"`
}

var errBadSampleRate = errors.New("stream: bad sample_rate")

// ParseSampleRate decodes an optional sample_rate value. Absent or null
// yields DefaultSampleRate; anything but a positive JSON integer is an error,
// including integral values written with a fraction or exponent.
func ParseSampleRate(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return DefaultSampleRate, nil
	}
	// json.Number also accepts a quoted number, which is not an integer.
	if raw[0] == '"' {
		return 0, errBadSampleRate
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, errBadSampleRate
	}
	v, err := strconv.ParseInt(n.String(), 10, 32)
	if err != nil || v <= 0 {
		return 0, errBadSampleRate
	}
	return int(v), nil
}

// ConnectedMsg greets a new connection.
type ConnectedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StartedMsg acknowledges start.
type StartedMsg struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
}

// TextMsg carries a partial or a finalized segment.
type TextMsg struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id,omitempty"`
	Text      string `json:"text"`
}

// ScoreMsg reports a classification of the accumulated transcript. Score is
// always present and is null when the scorer produced none.
type ScoreMsg struct {
	Type           string             `json:"type"`
	SegmentID      string             `json:"segment_id,omitempty"`
	Text           string             `json:"text"`
	Transcript     string             `json:"transcript"`
	Label          string             `json:"label"`
	Score          *float64           `json:"score"`
	Severity       int                `json:"severity"`
	Flagged        bool               `json:"flagged"`
	Threshold      float64            `json:"threshold"`
	CategoryScores map[string]float64 `json:"category_scores"`
	Matches        []scorer.Match     `json:"matches"`
	Provider       string             `json:"provider,omitempty"`
	Final          bool               `json:"final"`
}

// ScoreErrorMsg reports a failed classification. The session continues.
type ScoreErrorMsg struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id,omitempty"`
	Text      string `json:"text"`
	Error     string `json:"error"`
	Final     bool   `json:"final"`
}

// FinalMsg carries the full transcript at stop.
type FinalMsg struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// ErrorMsg reports a protocol or session error.
type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newScoreMsg(segmentID, text string, res scorer.Result, final bool) ScoreMsg {
	matches := res.Matches
	if matches == nil {
		matches = []scorer.Match{}
	}
	cats := res.CategoryScores
	if cats == nil {
		cats = map[string]float64{}
	}
	return ScoreMsg{
		Type:           TypeScore,
		SegmentID:      segmentID,
		Text:           text,
		Transcript:     res.Transcript,
		Label:          res.Label,
		Score:          res.Score,
		Severity:       res.Severity,
		Flagged:        res.Flagged,
		Threshold:      res.Threshold,
		CategoryScores: cats,
		Matches:        matches,
		Provider:       res.Provider,
		Final:          final,
	}
}
