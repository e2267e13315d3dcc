package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments redacted before a URL
// is logged. Matching is case-insensitive.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
	"signature",
	"uuid",
}

// sanitizeURL redacts credential-like query parameters in release download
// and address discovery URLs before they reach the request log.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, "[REDACTED]")
		}
	}

	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}

// isSensitiveParam reports whether param contains a sensitive fragment,
// ignoring case.
func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
