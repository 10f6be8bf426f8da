package stt

import "time"

// Transcript is one recognizer result, partial or final.
type Transcript struct {
	// Text is the recognized speech.
	Text string

	// IsFinal distinguishes committed results from interim guesses.
	IsFinal bool

	// Confidence is the overall confidence in [0, 1], or zero when the
	// provider does not report one.
	Confidence float64

	// Words carries per-word timing when the provider reports it.
	Words []WordDetail

	// Timestamp is the utterance start relative to the stream start.
	Timestamp time.Duration

	// Duration is the utterance length.
	Duration time.Duration
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a recognition hint for one word.
type KeywordBoost struct {
	Keyword string

	// Boost is the provider-specific intensity.
	Boost float64
}
