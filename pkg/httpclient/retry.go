package httpclient

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// transientErrors are substrings of network errors worth another attempt.
var transientErrors = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"temporary failure in name resolution",
	"eof",
}

// retryTransport retries transient failures with exponential backoff.
type retryTransport struct {
	base                    http.RoundTripper
	maxAttempts             int
	baseBackoff             time.Duration
	maxBackoff              time.Duration
	allowNonIdempotentRetry bool
	logger                  *slog.Logger
}

func newRetryTransport(base http.RoundTripper, cfg Config, logger *slog.Logger) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryTransport{
		base:                    base,
		maxAttempts:             cfg.RetryAttempts + 1,
		baseBackoff:             cfg.RetryBackoff,
		maxBackoff:              cfg.MaxBackoff,
		allowNonIdempotentRetry: cfg.AllowNonIdempotentRetry,
		logger:                  logger,
	}
}

// RoundTrip implements http.RoundTripper with retry logic.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isIdempotent(req.Method) && !t.allowNonIdempotentRetry {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := t.backoff(attempt - 1)
			if resp != nil {
				if ra := retryAfter(resp); ra > 0 && ra < delay {
					delay = ra
				}
				drain(resp)
			}
			t.logger.Debug("retrying request",
				"url", sanitizeURL(req.URL),
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
			)
			if werr := sleepCtx(ctx, delay); werr != nil {
				return nil, werr
			}
		}

		resp, err = t.base.RoundTrip(req)
		if err != nil {
			if !isTransient(err) {
				return nil, err
			}
			resp = nil
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
	}

	// Out of attempts: hand back the last response, or the last error.
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

// backoff returns baseBackoff * 2^(retry-1), capped at maxBackoff, plus up
// to 20% jitter.
func (t *retryTransport) backoff(retry int) time.Duration {
	d := float64(t.baseBackoff) * math.Pow(2, float64(retry-1))
	if d > float64(t.maxBackoff) {
		d = float64(t.maxBackoff)
	}
	return time.Duration(d + rand.Float64()*d*0.2)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drain(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

// isIdempotent reports whether method is safe to repeat automatically.
func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func retryableStatus(code int) bool {
	return code >= 500 && code < 600 ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isTransient(urlErr.Err)
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range transientErrors {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
// Returns 0 if the header is missing or invalid.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
