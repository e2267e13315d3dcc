package httpclient

import (
	"fmt"
	"log/slog"
	"time"
)

// Config configures the HTTP client behavior.
type Config struct {
	// Timeout bounds a whole request including redirects and retries.
	// Default: 30s. Must be > 0.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts (0 = no retries).
	// Default: 3. Must be >= 0.
	RetryAttempts int

	// RetryBackoff is the initial backoff delay before first retry.
	// Default: 250ms. Must be > 0 if RetryAttempts > 0.
	RetryBackoff time.Duration

	// MaxBackoff is the maximum backoff delay cap.
	// Default: 10s. Must be >= RetryBackoff.
	MaxBackoff time.Duration

	// MaxRedirects is how many redirects a request may follow.
	// Default: 5. Zero refuses every redirect.
	MaxRedirects int

	// UserAgent is the User-Agent header value.
	// Required. Must be non-empty.
	UserAgent string

	// AllowNonIdempotentRetry enables retry for POST, PUT, PATCH and DELETE.
	// Default: false.
	AllowNonIdempotentRetry bool

	// Logger receives request logs. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  250 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		MaxRedirects:  5,
		UserAgent:     "relayd/1.0",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}

	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}

	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}

	if c.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects must be >= 0, got %d", c.MaxRedirects)
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}

	return nil
}
