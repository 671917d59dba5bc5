// Package fetcher retrieves one record image by identifier, with bounded
// retries, and stages it on disk under its ordinal-derived file name.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Defaults applied by New when Config leaves a field unset.
const (
	DefaultURLTemplate = "https://sg30p0.familysearch.org/service/records/storage/deepzoomcloud/dz/v1/3:1:{IDs}/$dist"
	DefaultPlaceholder = "{IDs}"
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
	DefaultMaxDelay    = time.Minute
)

// Backoff policies.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config controls URL construction and the attempt loop.
type Config struct {
	URLTemplate string        `mapstructure:"url_template"`
	Placeholder string        `mapstructure:"placeholder"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Backoff     string        `mapstructure:"backoff"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

func (c Config) withDefaults() Config {
	if c.URLTemplate == "" {
		c.URLTemplate = DefaultURLTemplate
	}
	if c.Placeholder == "" {
		c.Placeholder = DefaultPlaceholder
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Backoff == "" {
		c.Backoff = BackoffConstant
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Validate checks the template and backoff policy.
func (c Config) Validate() error {
	if !strings.Contains(c.URLTemplate, c.Placeholder) {
		return fmt.Errorf("url template %q lacks placeholder %q", c.URLTemplate, c.Placeholder)
	}
	switch c.Backoff {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff policy %q", c.Backoff)
	}
	return nil
}

// URL substitutes id into the template.
func (c Config) URL(id string) string {
	return strings.ReplaceAll(c.URLTemplate, c.Placeholder, id)
}

// Request describes one image to fetch.
type Request struct {
	ID         string
	FileName   string
	Dir        string
	Credential string
	Cookie     string
}

// Result is the outcome of Fetch. Message is set on failure for logging.
type Result struct {
	OK       bool
	Path     string
	FileName string
	Data     []byte
	Attempts int
	Message  string
}

// Response is the raw HTTP outcome of one attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Getter performs a single GET.
type Getter interface {
	Get(ctx context.Context, url string, header http.Header) (Response, error)
}

// Writer stages a payload and returns its path.
type Writer interface {
	Put(ctx context.Context, dir, name string, data []byte) (string, error)
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// FetchError describes a failed attempt.
type FetchError struct {
	ID         string
	Attempt    int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s attempt %d: status %d: %v", e.ID, e.Attempt, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s attempt %d: %v", e.ID, e.Attempt, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
