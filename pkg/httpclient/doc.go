// Package httpclient builds the HTTP client relayd uses for binary downloads
// and public address probes.
//
// Clients share one transport stack:
//
//	http.Client (timeout, redirect cap)
//	  -> retryTransport (exponential backoff with jitter)
//	    -> loggingTransport (User-Agent, structured request logs)
//	      -> http.Transport (TLS 1.2+, pooled connections)
//
// # Usage
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Timeout = 3 * time.Second
//	cfg.RetryAttempts = 0
//	client, err := httpclient.New(cfg)
//
// # Retry Behavior
//
// Transient failures are retried with exponential backoff:
//   - HTTP 5xx, 408 and 429 responses (Retry-After is honoured when shorter)
//   - network timeouts, refused or reset connections, temporary DNS failures
//   - only idempotent methods (GET, HEAD, OPTIONS) unless AllowNonIdempotentRetry
//
// # Redirects
//
// At most MaxRedirects redirects are followed. The next one fails the request
// with an error matching ErrTooManyRedirects.
//
// # Logging
//
// Requests are logged at debug level, failures and 4xx/5xx responses at warn.
// Sensitive query parameters are redacted before a URL is logged.
package httpclient
