package remote

import (
	"fmt"
	"net/http"
	"strings"
)

// ConfigError reports a missing or malformed configuration field.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("remote: config %s: %s", e.Field, e.Msg)
}

// ValidationError reports that the endpoint failed its reachability check.
type ValidationError struct {
	Details Details
}

func (e *ValidationError) Error() string {
	reason := e.Details.Error
	if reason == "" {
		reason = "unreachable endpoint"
	}
	return "remote: endpoint validation failed: " + reason
}

// TransportError reports that no usable response was obtained: the request
// could not be sent, or every attempt was throttled or unavailable.
type TransportError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: request to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a 4xx or 5xx answer from the endpoint. Body is truncated.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("remote: inference failed with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

const maxErrorBody = 300

// truncateBody trims whitespace and keeps at most maxErrorBody runes.
func truncateBody(b []byte) string {
	r := []rune(strings.TrimSpace(string(b)))
	if len(r) > maxErrorBody {
		r = r[:maxErrorBody]
	}
	return string(r)
}
