package httpclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ErrTooManyRedirects is returned (wrapped in a *url.Error) when a request
// exceeds Config.MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// New creates a new HTTP client with the given configuration.
// Returns an error if the configuration is invalid.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "httpclient"))

	baseTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var transport http.RoundTripper = newLoggingTransport(baseTransport, cfg.UserAgent, logger)
	if cfg.RetryAttempts > 0 {
		transport = newRetryTransport(transport, cfg, logger)
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: redirectPolicy(cfg.MaxRedirects, logger),
	}, nil
}

// redirectPolicy follows at most max redirects. via holds the requests
// already made, so following redirect n means len(via) == n.
func redirectPolicy(max int, logger *slog.Logger) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > max {
			return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, max)
		}
		logger.Debug("following redirect",
			"hop", len(via),
			"url", sanitizeURL(req.URL),
		)
		return nil
	}
}
