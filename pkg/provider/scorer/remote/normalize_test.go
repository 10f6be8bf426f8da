package remote_test

import (
	"math"
	"strings"
	"testing"

	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
)

func mustParse(t *testing.T, raw string) remote.Value {
	t.Helper()
	v, err := remote.ParseValue([]byte(raw))
	if err != nil {
		t.Fatalf("ParseValue(%s): %v", raw, err)
	}
	return v
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		payload   string
		spec      remote.OutputSpec
		wantScore float64 // NaN means nil
		wantLabel string
		wantFlag  bool
	}{
		{
			name:      "scalar probability",
			payload:   `0.91`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: 0.91, wantFlag: true,
		},
		{
			name:      "predictions list heuristic",
			payload:   `{"predictions":[{"toxicity":0.2}]}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: 0.2,
		},
		{
			name:      "key priority before descent",
			payload:   `{"meta":{"score":0.1},"probability":0.8}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: 0.8, wantFlag: true,
		},
		{
			name:      "document order when descending",
			payload:   `{"b":{"x":0.3},"a":{"x":0.9}}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: 0.3,
		},
		{
			name:      "booleans are not scores",
			payload:   `{"score":true,"detail":{"confidence":0.75}}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: 0.75, wantFlag: true,
		},
		{
			name:      "percent",
			payload:   `{"score":85}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScorePercent},
			wantScore: 0.85, wantFlag: true,
		},
		{
			name:      "percent clamps",
			payload:   `{"score":250}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScorePercent},
			wantScore: 1, wantFlag: true,
		},
		{
			name:      "probability clamps negative",
			payload:   `{"score":-3}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: 0,
		},
		{
			name:      "logit zero",
			payload:   `{"score":0}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreLogit},
			wantScore: 0.5,
		},
		{
			name:      "score type none",
			payload:   `{"score":0.99}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreNone},
			wantScore: math.NaN(),
		},
		{
			name:      "explicit dotted field through list",
			payload:   `{"predictions":[{"toxic":{"p":0.72}},{"toxic":{"p":0.01}}],"score":0.01}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability, ScoreField: "predictions.toxic.p"},
			wantScore: 0.72, wantFlag: true,
		},
		{
			name:      "explicit field missing",
			payload:   `{"score":0.9}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability, ScoreField: "result.score"},
			wantScore: math.NaN(),
		},
		{
			name:    "explicit field not numeric",
			payload: `{"score":"0.9"}`,
			spec:    remote.OutputSpec{ScoreType: remote.ScoreProbability, ScoreField: "score"},
			// The label search accepts any string leaf.
			wantScore: math.NaN(), wantLabel: "0.9",
		},
		{
			name:      "explicit field not numeric without strings",
			payload:   `{"score":[true]}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability, ScoreField: "score"},
			wantScore: math.NaN(),
		},
		{
			name:      "label matches positive class",
			payload:   `{"predictions":[{"label":" TOXIC ","score":0.1}]}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability, PositiveClass: "toxic"},
			wantScore: 0.1, wantLabel: "TOXIC", wantFlag: true,
		},
		{
			name:      "label decides over score",
			payload:   `{"label":"clean","score":0.95}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability, PositiveClass: "toxic"},
			wantScore: 0.95, wantLabel: "clean",
		},
		{
			name:      "explicit label field",
			payload:   `{"outputs":{"cls":"toxic"},"label":"clean"}`,
			spec:      remote.OutputSpec{LabelField: "outputs.cls", PositiveClass: "Toxic"},
			wantScore: math.NaN(), wantLabel: "toxic", wantFlag: true,
		},
		{
			name:      "string payload is the label",
			payload:   `"toxic"`,
			spec:      remote.OutputSpec{PositiveClass: "toxic"},
			wantScore: math.NaN(), wantLabel: "toxic", wantFlag: true,
		},
		{
			name:      "nothing usable",
			payload:   `{"ok":null,"items":[]}`,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: math.NaN(),
		},
		{
			name:      "empty body",
			payload:   ``,
			spec:      remote.OutputSpec{ScoreType: remote.ScoreProbability},
			wantScore: math.NaN(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := remote.Normalize(mustParse(t, tt.payload), tt.spec, 0.7)
			switch {
			case math.IsNaN(tt.wantScore):
				if out.Score != nil {
					t.Errorf("Score = %v, want nil", *out.Score)
				}
			case out.Score == nil:
				t.Errorf("Score = nil, want %v", tt.wantScore)
			case !approx(*out.Score, tt.wantScore):
				t.Errorf("Score = %v, want %v", *out.Score, tt.wantScore)
			}
			if out.Label != tt.wantLabel {
				t.Errorf("Label = %q, want %q", out.Label, tt.wantLabel)
			}
			if out.Flagged != tt.wantFlag {
				t.Errorf("Flagged = %v, want %v", out.Flagged, tt.wantFlag)
			}
		})
	}
}

func TestSigmoidStable(t *testing.T) {
	t.Parallel()

	for _, x := range []float64{-1000, -40, -1, 0, 1, 40, 1000} {
		s := remote.Sigmoid(x)
		if math.IsNaN(s) || s < 0 || s > 1 {
			t.Errorf("Sigmoid(%v) = %v, want a value in [0, 1]", x, s)
		}
	}
	if !approx(remote.Sigmoid(2)+remote.Sigmoid(-2), 1) {
		t.Error("Sigmoid is not symmetric around 0")
	}
}

func TestParseValueInvalid(t *testing.T) {
	t.Parallel()
	if _, err := remote.ParseValue([]byte(`{"score":`)); err == nil {
		t.Error("ParseValue accepted truncated JSON")
	}
}

func TestSearchDepthIsBounded(t *testing.T) {
	t.Parallel()

	raw := strings.Repeat(`{"a":`, 200) + `0.9` + strings.Repeat(`}`, 200)
	v := mustParse(t, raw)
	if n, ok := v.FindNumber(); ok {
		t.Errorf("FindNumber found %v below the depth cap", n)
	}

	shallow := mustParse(t, strings.Repeat(`[`, 5)+`0.4`+strings.Repeat(`]`, 5))
	if n, ok := shallow.FindNumber(); !ok || n != 0.4 {
		t.Errorf("FindNumber = %v, %v, want 0.4, true", n, ok)
	}
}
