// Package config provides the configuration schema, loader, and provider
// registry for the voxguard moderation server.
package config

import (
	"log/slog"
	"time"

	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown and empty values map to
// [slog.LevelInfo].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ScorerName selects the primary scoring backend.
type ScorerName string

const (
	ScorerLexicon ScorerName = "lexicon"
	ScorerRemote  ScorerName = "remote"
	ScorerOpenAI  ScorerName = "openai"
)

// IsValid reports whether s is a recognised scorer.
func (s ScorerName) IsValid() bool {
	switch s {
	case ScorerLexicon, ScorerRemote, ScorerOpenAI:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], then overlaid with the
// environment by [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Lexicon   LexiconConfig   `yaml:"lexicon"`
	Remote    RemoteConfig    `yaml:"remote"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StreamIdleTTL evicts chunk-API streams that receive no audio for this
	// long.
	StreamIdleTTL time.Duration `yaml:"stream_idle_ttl"`

	// TraceSampleRatio is the fraction of new traces recorded, in [0, 1].
	// Zero records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ScoringConfig selects and tunes the scorer used by live sessions.
type ScoringConfig struct {
	// Provider is the primary scorer. Defaults to lexicon.
	Provider ScorerName `yaml:"provider"`

	// Fallback names a scorer used while the primary fails. Only "lexicon"
	// is supported, and only for a non-lexicon primary.
	Fallback ScorerName `yaml:"fallback"`

	// Interval is the minimum time between non-forced scores of a session.
	Interval time.Duration `yaml:"interval"`

	// Threshold is the flagging threshold for scorers that produce a
	// probability.
	Threshold float64 `yaml:"threshold"`
}

// LexiconConfig configures the term list and the local matcher.
type LexiconConfig struct {
	// Path is a JSON or YAML term file.
	Path string `yaml:"path"`

	// PostgresDSN loads terms from PostgreSQL instead of Path.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Watch reloads Path when the file changes.
	Watch bool `yaml:"watch"`

	// Fuzzy enables the single-edit fallback for severe terms. Defaults to
	// true; use false to disable.
	Fuzzy *bool `yaml:"fuzzy"`

	// Phonetic enables the sound-alike fallback.
	Phonetic bool `yaml:"phonetic"`

	OverallDivisor  float64 `yaml:"overall_divisor"`
	CategoryDivisor float64 `yaml:"category_divisor"`
}

// FuzzyEnabled reports whether the fuzzy fallback is on.
func (l LexiconConfig) FuzzyEnabled() bool {
	return l.Fuzzy == nil || *l.Fuzzy
}

// RemoteConfig describes the remote model-serving endpoint.
type RemoteConfig struct {
	Host       string `yaml:"host"`
	Token      string `yaml:"token"`
	Endpoint   string `yaml:"endpoint"`
	InputField string `yaml:"input_field"`

	ScoreType     string `yaml:"score_type"`
	ScoreField    string `yaml:"score_field"`
	LabelField    string `yaml:"label_field"`
	PositiveClass string `yaml:"positive_class"`

	// OutputSpecs overrides the response spec per endpoint name.
	OutputSpecs map[string]remote.OutputSpec `yaml:"output_specs"`

	Attempts      int           `yaml:"attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	ValidationTTL time.Duration `yaml:"validation_ttl"`

	// RedisURL shares the validation cache between replicas.
	RedisURL string `yaml:"redis_url"`
}

// Configured reports whether any connection field is set.
func (r RemoteConfig) Configured() bool {
	return r.Host != "" || r.Token != "" || r.Endpoint != ""
}

// ProvidersConfig selects the external providers. Each entry names a
// provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`

	// STTFallback, when named, takes over stream starts while the primary
	// recognizer fails.
	STTFallback ProviderEntry `yaml:"stt_fallback"`

	Moderation ProviderEntry `yaml:"moderation"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "deepgram", "openai").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] when it is a string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionStrings returns Options[key] as a string list. A single string
// yields one element; other types yield nil.
func (e ProviderEntry) OptionStrings(key string) []string {
	switch v := e.Options[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// OptionInt returns Options[key] as an int, or def when absent or not a
// number.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
