package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ScoreType says how a raw numeric model output maps onto [0, 1].
type ScoreType string

const (
	// ScoreProbability clamps the raw value to [0, 1].
	ScoreProbability ScoreType = "probability_0_1"
	// ScorePercent divides by 100, then clamps.
	ScorePercent ScoreType = "percent_0_100"
	// ScoreLogit applies the logistic function.
	ScoreLogit ScoreType = "logit"
	// ScoreNone ignores numeric output; only labels can flag.
	ScoreNone ScoreType = "none"
)

// ParseScoreType accepts the names above case-insensitively. Empty and
// "unknown" mean [ScoreNone].
func ParseScoreType(s string) (ScoreType, error) {
	switch t := ScoreType(strings.ToLower(strings.TrimSpace(s))); t {
	case ScoreProbability, ScorePercent, ScoreLogit, ScoreNone:
		return t, nil
	case "", "unknown":
		return ScoreNone, nil
	default:
		return "", fmt.Errorf("remote: unknown score type %q", s)
	}
}

// OutputSpec says where to find the score and label in an endpoint's
// response. Empty fields fall back to a heuristic search.
type OutputSpec struct {
	ScoreType     ScoreType `yaml:"score_type" json:"score_type"`
	ScoreField    string    `yaml:"score_field" json:"score_field"`
	LabelField    string    `yaml:"label_field" json:"label_field"`
	PositiveClass string    `yaml:"positive_class" json:"positive_class"`
}

// Defaults used when the corresponding Config field is zero.
const (
	DefaultInputField    = "comment_text"
	DefaultThreshold     = 0.7
	DefaultAttempts      = 3
	DefaultBaseDelay     = time.Second
	DefaultValidationTTL = 60 * time.Second
)

// Config describes one model-serving endpoint.
type Config struct {
	// Host is the workspace base URL, e.g. "https://dbc-123.cloud.example.com".
	Host  string
	Token string

	// Endpoint is a serving endpoint name, an absolute invocation URL, or a
	// path beginning with "/" that is appended to Host.
	Endpoint string

	// InputField is the column name the model reads text from.
	InputField string

	// Output is the default response spec. OutputSpecs overrides it per
	// endpoint name.
	Output      OutputSpec
	OutputSpecs map[string]OutputSpec

	// Threshold flags a derived score at or above it.
	Threshold float64

	// Attempts bounds invocation tries on 429/503 responses and transport
	// failures; BaseDelay is the first backoff, doubled each retry.
	Attempts  int
	BaseDelay time.Duration

	// ValidationTTL is how long a validation outcome is reused.
	ValidationTTL time.Duration
}

// withDefaults trims the connection fields and fills zero values.
func (c Config) withDefaults() Config {
	c.Host = strings.TrimRight(strings.TrimSpace(c.Host), "/")
	c.Token = strings.TrimSpace(c.Token)
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if strings.TrimSpace(c.InputField) == "" {
		c.InputField = DefaultInputField
	}
	if c.Output.ScoreType == "" {
		c.Output.ScoreType = ScoreNone
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.ValidationTTL <= 0 {
		c.ValidationTTL = DefaultValidationTTL
	}
	return c
}

// Validate reports every missing or malformed connection field as a
// [*ConfigError], joined.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if msg := checkHost(c.Host); msg != "" {
		errs = append(errs, &ConfigError{Field: "host", Msg: msg})
	}
	if c.Token == "" {
		errs = append(errs, &ConfigError{Field: "token", Msg: "token is missing"})
	}
	if c.Endpoint == "" {
		errs = append(errs, &ConfigError{Field: "endpoint", Msg: "endpoint is missing"})
	}
	for name, spec := range c.OutputSpecs {
		if _, err := ParseScoreType(string(spec.ScoreType)); err != nil {
			errs = append(errs, &ConfigError{Field: "output_specs." + name, Msg: err.Error()})
		}
	}
	if _, err := ParseScoreType(string(c.Output.ScoreType)); err != nil {
		errs = append(errs, &ConfigError{Field: "score_type", Msg: err.Error()})
	}
	return errors.Join(errs...)
}

func checkHost(host string) string {
	if host == "" {
		return "host is missing"
	}
	u, err := url.Parse(host)
	if err != nil {
		return "host is not a valid URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "host must start with http:// or https://"
	}
	if u.Host == "" {
		return "host is not a valid URL"
	}
	return ""
}

func (c Config) endpointIsURL() bool {
	return strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://")
}

// InvocationURL is where scoring requests are POSTed.
func (c Config) InvocationURL() string {
	c = c.withDefaults()
	switch {
	case c.endpointIsURL():
		return c.Endpoint
	case strings.HasPrefix(c.Endpoint, "/"):
		return c.Host + c.Endpoint
	default:
		return c.Host + "/serving-endpoints/" + c.Endpoint + "/invocations"
	}
}

// infoURL is the cheap GET used to validate the endpoint. Endpoints given
// as URLs or paths have no info route, so their invocation URL is used.
func (c Config) infoURL() string {
	c = c.withDefaults()
	if c.endpointIsURL() || strings.HasPrefix(c.Endpoint, "/") {
		return c.InvocationURL()
	}
	return c.Host + "/api/2.0/serving-endpoints/" + c.Endpoint
}

// OutputFor returns the response spec for endpoint.
func (c Config) OutputFor(endpoint string) OutputSpec {
	if spec, ok := c.OutputSpecs[endpoint]; ok {
		if spec.ScoreType == "" {
			spec.ScoreType = ScoreNone
		}
		return spec
	}
	spec := c.Output
	if spec.ScoreType == "" {
		spec.ScoreType = ScoreNone
	}
	return spec
}

// TokenFingerprint identifies a token without revealing it: its length and
// the first 12 hex digits of its SHA-256, or "none" when empty.
func TokenFingerprint(token string) string {
	if token == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("len:%d:%s", len(token), hex.EncodeToString(sum[:])[:12])
}

// CacheKey identifies the validation outcome for this host, endpoint and
// token. Rotating the token changes the key.
func (c Config) CacheKey() string {
	c = c.withDefaults()
	sum := sha256.Sum256([]byte(c.Host + "|" + c.Endpoint + "|" + TokenFingerprint(c.Token)))
	return hex.EncodeToString(sum[:])
}
