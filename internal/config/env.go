package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "VOXGUARD_"

// LoadEnvFiles loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped and variables that are
// already set win. With no arguments it loads ".env".
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// ApplyEnv overlays VOXGUARD_* variables onto cfg. lookup is normally
// os.LookupEnv. Malformed values are reported together; well-formed ones
// are applied regardless.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := get("SCORER"); ok {
		cfg.Scoring.Provider = ScorerName(strings.ToLower(v))
	}
	if v, ok := get("SCORE_INTERVAL"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSCORE_INTERVAL: %w", EnvPrefix, err))
		} else {
			cfg.Scoring.Interval = d
		}
	}
	if v, ok := get("THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTHRESHOLD: %w", EnvPrefix, err))
		} else {
			cfg.Scoring.Threshold = f
		}
	}
	str("LEXICON_PATH", &cfg.Lexicon.Path)
	str("LEXICON_POSTGRES_DSN", &cfg.Lexicon.PostgresDSN)
	str("REMOTE_HOST", &cfg.Remote.Host)
	str("REMOTE_TOKEN", &cfg.Remote.Token)
	str("REMOTE_ENDPOINT", &cfg.Remote.Endpoint)
	str("REMOTE_INPUT_FIELD", &cfg.Remote.InputField)
	str("REMOTE_SCORE_TYPE", &cfg.Remote.ScoreType)
	str("REMOTE_SCORE_FIELD", &cfg.Remote.ScoreField)
	str("REMOTE_LABEL_FIELD", &cfg.Remote.LabelField)
	str("REMOTE_POSITIVE_CLASS", &cfg.Remote.PositiveClass)
	if v, ok := get("REMOTE_OUTPUT_SPECS"); ok {
		var specs map[string]remote.OutputSpec
		if err := json.Unmarshal([]byte(v), &specs); err != nil {
			errs = append(errs, fmt.Errorf("%sREMOTE_OUTPUT_SPECS: %w", EnvPrefix, err))
		} else {
			if cfg.Remote.OutputSpecs == nil {
				cfg.Remote.OutputSpecs = make(map[string]remote.OutputSpec, len(specs))
			}
			for name, spec := range specs {
				cfg.Remote.OutputSpecs[name] = spec
			}
		}
	}
	str("REDIS_URL", &cfg.Remote.RedisURL)
	str("STT_API_KEY", &cfg.Providers.STT.APIKey)
	str("OPENAI_API_KEY", &cfg.Providers.Moderation.APIKey)

	return errors.Join(errs...)
}

// parseSeconds accepts a Go duration ("1500ms") or a bare number of seconds
// ("1.5").
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}
