package remote

import (
	"math"
	"strings"
)

// Outcome is a model response reduced to a score and a flag decision.
type Outcome struct {
	// Score is in [0, 1], or nil when no usable number was found or the
	// score type is none.
	Score *float64

	// Label is the class label the model reported, if any.
	Label string

	Flagged bool
}

// Normalize extracts the score and label from payload according to spec.
//
// A label matching spec.PositiveClass (case-insensitively) decides the flag
// whenever both are present. Otherwise a derived score flags at or above
// threshold.
func Normalize(payload Value, spec OutputSpec, threshold float64) Outcome {
	var (
		raw   float64
		found bool
	)
	if spec.ScoreField != "" {
		if v, ok := payload.Path(spec.ScoreField); ok && v.Kind == KindNumber {
			raw, found = v.Num, true
		}
	} else {
		raw, found = payload.FindNumber()
	}

	var label string
	if spec.LabelField != "" {
		if v, ok := payload.Path(spec.LabelField); ok && v.Kind == KindString {
			label = strings.TrimSpace(v.Str)
		}
	} else if s, ok := payload.FindLabel(); ok {
		label = strings.TrimSpace(s)
	}

	var out Outcome
	out.Label = label
	if found {
		out.Score = convertScore(raw, spec.ScoreType)
	}

	positive := strings.TrimSpace(spec.PositiveClass)
	switch {
	case label != "" && positive != "":
		out.Flagged = strings.EqualFold(label, positive)
	case out.Score != nil:
		out.Flagged = *out.Score >= threshold
	}
	return out
}

func convertScore(raw float64, t ScoreType) *float64 {
	if math.IsNaN(raw) {
		return nil
	}
	var s float64
	switch t {
	case ScoreProbability:
		s = clamp01(raw)
	case ScorePercent:
		s = clamp01(raw / 100)
	case ScoreLogit:
		s = clamp01(Sigmoid(raw))
	default:
		return nil
	}
	return &s
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// Sigmoid is the logistic function, evaluated without overflow for large
// magnitudes.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	z := math.Exp(x)
	return z / (1 + z)
}
