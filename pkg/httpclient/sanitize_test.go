package httpclient

import (
	"net/url"
	"testing"
)

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no sensitive params",
			input:    "https://api.ipify.org/?format=text",
			expected: "https://api.ipify.org/?format=text",
		},
		{
			name:     "signed release asset redirect",
			input:    "https://objects.example.com/asset?X-Amz-Credential=AKIA&X-Amz-Signature=abc&response-content-type=application%2Foctet-stream",
			expected: "https://objects.example.com/asset?X-Amz-Credential=%5BREDACTED%5D&X-Amz-Signature=%5BREDACTED%5D&response-content-type=application%2Foctet-stream",
		},
		{
			name:     "token param",
			input:    "https://ipinfo.io/ip?token=abc123",
			expected: "https://ipinfo.io/ip?token=%5BREDACTED%5D",
		},
		{
			name:     "case insensitive",
			input:    "https://example.com/?API_KEY=secret&Uuid=60bc117a",
			expected: "https://example.com/?API_KEY=%5BREDACTED%5D&Uuid=%5BREDACTED%5D",
		},
		{
			name:     "no query",
			input:    "https://github.com/Itsusinn/tuic/releases/download/v1.4.5/tuic-server-x86_64-linux",
			expected: "https://github.com/Itsusinn/tuic/releases/download/v1.4.5/tuic-server-x86_64-linux",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			if err != nil {
				t.Fatalf("failed to parse URL: %v", err)
			}
			if got := sanitizeURL(u); got != tt.expected {
				t.Errorf("sanitizeURL() = %q, want %q", got, tt.expected)
			}
		})
	}

	if got := sanitizeURL(nil); got != "" {
		t.Errorf("sanitizeURL(nil) = %q, want empty", got)
	}
}
