package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8000"
	DefaultInterval        = time.Second
	DefaultThreshold       = 0.7
	DefaultOverallDivisor  = 10.0
	DefaultCategoryDivisor = 6.0
	DefaultStreamIdleTTL   = 5 * time.Minute
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram", "whisper", "whisper-native", "mock"},
	"moderation": {"openai"},
}

// Load reads the YAML configuration file at path, overlays VOXGUARD_*
// environment variables, applies defaults and validates the result. An
// empty path starts from an empty document.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data, overlays the environment seen through lookup, applies
// defaults and validates.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted, which makes it
// convenient for tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses YAML strictly: unknown keys are errors. An empty document
// yields the zero Config.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.StreamIdleTTL == 0 {
		cfg.Server.StreamIdleTTL = DefaultStreamIdleTTL
	}
	if cfg.Scoring.Provider == "" {
		cfg.Scoring.Provider = ScorerLexicon
	}
	if cfg.Scoring.Interval == 0 {
		cfg.Scoring.Interval = DefaultInterval
	}
	if cfg.Scoring.Threshold == 0 {
		cfg.Scoring.Threshold = DefaultThreshold
	}
	if cfg.Lexicon.OverallDivisor == 0 {
		cfg.Lexicon.OverallDivisor = DefaultOverallDivisor
	}
	if cfg.Lexicon.CategoryDivisor == 0 {
		cfg.Lexicon.CategoryDivisor = DefaultCategoryDivisor
	}
	if cfg.Remote.InputField == "" {
		cfg.Remote.InputField = remote.DefaultInputField
	}
	if cfg.Remote.Attempts == 0 {
		cfg.Remote.Attempts = remote.DefaultAttempts
	}
	if cfg.Remote.BaseDelay == 0 {
		cfg.Remote.BaseDelay = remote.DefaultBaseDelay
	}
	if cfg.Remote.ValidationTTL == 0 {
		cfg.Remote.ValidationTTL = remote.DefaultValidationTTL
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "whisper"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.StreamIdleTTL < 0 {
		errs = append(errs, fmt.Errorf("server.stream_idle_ttl %s must not be negative", cfg.Server.StreamIdleTTL))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %g must be between 0 and 1", r))
	}

	// Scoring
	if cfg.Scoring.Provider != "" && !cfg.Scoring.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("scoring.provider %q is invalid; valid values: lexicon, remote, openai", cfg.Scoring.Provider))
	}
	if cfg.Scoring.Fallback != "" {
		switch {
		case cfg.Scoring.Fallback != ScorerLexicon:
			errs = append(errs, fmt.Errorf("scoring.fallback %q is invalid; only lexicon is supported", cfg.Scoring.Fallback))
		case cfg.Scoring.Provider == ScorerLexicon:
			errs = append(errs, errors.New("scoring.fallback requires a non-lexicon scoring.provider"))
		}
	}
	if cfg.Scoring.Interval < 0 {
		errs = append(errs, fmt.Errorf("scoring.interval %s must not be negative", cfg.Scoring.Interval))
	}
	if cfg.Scoring.Threshold < 0 || cfg.Scoring.Threshold > 1 {
		errs = append(errs, fmt.Errorf("scoring.threshold %.2f is out of range [0, 1]", cfg.Scoring.Threshold))
	}

	// Lexicon
	if cfg.Lexicon.OverallDivisor < 0 || cfg.Lexicon.CategoryDivisor < 0 {
		errs = append(errs, errors.New("lexicon divisors must be positive"))
	}
	if cfg.Lexicon.Watch && cfg.Lexicon.Path == "" {
		errs = append(errs, errors.New("lexicon.watch requires lexicon.path"))
	}
	if cfg.Lexicon.Path == "" && cfg.Lexicon.PostgresDSN == "" && usesLexicon(cfg) {
		slog.Warn("no lexicon source configured; the lexicon scorer will flag nothing")
	}

	// Remote
	if _, err := remote.ParseScoreType(cfg.Remote.ScoreType); err != nil {
		errs = append(errs, fmt.Errorf("remote.score_type: %w", err))
	}
	for name, spec := range cfg.Remote.OutputSpecs {
		if _, err := remote.ParseScoreType(string(spec.ScoreType)); err != nil {
			errs = append(errs, fmt.Errorf("remote.output_specs[%s].score_type: %w", name, err))
		}
	}
	if cfg.Remote.Attempts < 0 {
		errs = append(errs, fmt.Errorf("remote.attempts %d must not be negative", cfg.Remote.Attempts))
	}
	if cfg.Scoring.Provider == ScorerRemote {
		// Incomplete credentials are not fatal: the scorer fails closed and
		// reports the problem per classification and on /api/v1/health.
		if err := remoteConfig(cfg).Validate(); err != nil {
			slog.Warn("remote scorer is not fully configured", "err", err)
		}
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	if name := cfg.Providers.STTFallback.Name; name != "" {
		validateProviderName("stt", name)
		if name == cfg.Providers.STT.Name {
			errs = append(errs, fmt.Errorf("providers.stt_fallback %q must differ from providers.stt", name))
		}
	}
	validateProviderName("moderation", cfg.Providers.Moderation.Name)
	if cfg.Scoring.Provider == ScorerOpenAI && cfg.Providers.Moderation.APIKey == "" {
		errs = append(errs, errors.New("scoring.provider openai requires providers.moderation.api_key"))
	}

	return errors.Join(errs...)
}

func usesLexicon(cfg *Config) bool {
	return cfg.Scoring.Provider == ScorerLexicon || cfg.Scoring.Fallback == ScorerLexicon
}

// RemoteScorerConfig converts the remote section into the adapter's config.
func (c *Config) RemoteScorerConfig() remote.Config {
	return remoteConfig(c)
}

func remoteConfig(cfg *Config) remote.Config {
	r := cfg.Remote
	st, _ := remote.ParseScoreType(r.ScoreType)
	var specs map[string]remote.OutputSpec
	if len(r.OutputSpecs) > 0 {
		specs = make(map[string]remote.OutputSpec, len(r.OutputSpecs))
		for name, spec := range r.OutputSpecs {
			spec.ScoreType, _ = remote.ParseScoreType(string(spec.ScoreType))
			specs[name] = spec
		}
	}
	return remote.Config{
		Host:       r.Host,
		Token:      r.Token,
		Endpoint:   r.Endpoint,
		InputField: r.InputField,
		Output: remote.OutputSpec{
			ScoreType:     st,
			ScoreField:    r.ScoreField,
			LabelField:    r.LabelField,
			PositiveClass: r.PositiveClass,
		},
		OutputSpecs:   specs,
		Threshold:     cfg.Scoring.Threshold,
		Attempts:      r.Attempts,
		BaseDelay:     r.BaseDelay,
		ValidationTTL: r.ValidationTTL,
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
