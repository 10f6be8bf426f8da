package remote_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
)

func TestInvocationURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint string
		want     string
	}{
		{endpoint: "toxicity", want: "https://ws.example.com/serving-endpoints/toxicity/invocations"},
		{endpoint: "/custom/path", want: "https://ws.example.com/custom/path"},
		{endpoint: "https://other.example.com/score", want: "https://other.example.com/score"},
		{endpoint: "  toxicity  ", want: "https://ws.example.com/serving-endpoints/toxicity/invocations"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			t.Parallel()
			cfg := remote.Config{Host: "https://ws.example.com/", Endpoint: tt.endpoint}
			if got := cfg.InvocationURL(); got != tt.want {
				t.Errorf("InvocationURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := remote.Config{Host: "https://ws.example.com", Token: "t", Endpoint: "e"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		cfg    remote.Config
		fields []string
	}{
		{name: "empty", cfg: remote.Config{}, fields: []string{"host", "token", "endpoint"}},
		{name: "bad scheme", cfg: remote.Config{Host: "ftp://x", Token: "t", Endpoint: "e"}, fields: []string{"host"}},
		{name: "no host part", cfg: remote.Config{Host: "https://", Token: "t", Endpoint: "e"}, fields: []string{"host"}},
		{
			name: "bad score type",
			cfg: remote.Config{Host: "http://x", Token: "t", Endpoint: "e",
				Output: remote.OutputSpec{ScoreType: "zscore"}},
			fields: []string{"score_type"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			var ce *remote.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want *ConfigError", err)
			}
			for _, f := range tt.fields {
				if !strings.Contains(err.Error(), "config "+f+":") {
					t.Errorf("error %q does not mention field %q", err, f)
				}
			}
		})
	}
}

func TestTokenFingerprint(t *testing.T) {
	t.Parallel()

	if got := remote.TokenFingerprint(""); got != "none" {
		t.Errorf("TokenFingerprint(\"\") = %q, want none", got)
	}
	// sha256("secret") = 2bb80d537b1da3e3...
	if got, want := remote.TokenFingerprint("secret"), "len:6:2bb80d537b1d"; got != want {
		t.Errorf("TokenFingerprint(secret) = %q, want %q", got, want)
	}
}

func TestCacheKeyChangesWithToken(t *testing.T) {
	t.Parallel()

	a := remote.Config{Host: "https://x", Endpoint: "e", Token: "one"}
	b := a
	b.Token = "two"
	if a.CacheKey() == b.CacheKey() {
		t.Error("CacheKey did not change when the token rotated")
	}
	c := a
	c.Host = "https://x/"
	if a.CacheKey() != c.CacheKey() {
		t.Error("CacheKey differs on a trailing slash")
	}
}

func TestParseScoreType(t *testing.T) {
	t.Parallel()

	tests := map[string]remote.ScoreType{
		"":                remote.ScoreNone,
		"unknown":         remote.ScoreNone,
		"NONE":            remote.ScoreNone,
		"Probability_0_1": remote.ScoreProbability,
		"percent_0_100":   remote.ScorePercent,
		" logit ":         remote.ScoreLogit,
	}
	for in, want := range tests {
		got, err := remote.ParseScoreType(in)
		if err != nil || got != want {
			t.Errorf("ParseScoreType(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := remote.ParseScoreType("ratio"); err == nil {
		t.Error("ParseScoreType(ratio) should fail")
	}
}

func TestOutputForOverride(t *testing.T) {
	t.Parallel()

	cfg := remote.Config{
		Output: remote.OutputSpec{ScoreType: remote.ScoreProbability, ScoreField: "score"},
		OutputSpecs: map[string]remote.OutputSpec{
			"legacy": {ScoreType: remote.ScorePercent, ScoreField: "predictions.toxicity"},
		},
	}
	if got := cfg.OutputFor("legacy"); got.ScoreType != remote.ScorePercent || got.ScoreField != "predictions.toxicity" {
		t.Errorf("OutputFor(legacy) = %+v", got)
	}
	if got := cfg.OutputFor("other"); got.ScoreType != remote.ScoreProbability || got.ScoreField != "score" {
		t.Errorf("OutputFor(other) = %+v", got)
	}
}
