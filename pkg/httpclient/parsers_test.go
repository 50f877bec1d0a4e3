package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseUpstreamHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected RateLimitInfo
	}{
		{
			name:     "empty_headers",
			headers:  map[string]string{},
			expected: RateLimitInfo{},
		},
		{
			name: "retry_after_seconds",
			headers: map[string]string{
				"Retry-After": "30",
			},
			expected: RateLimitInfo{
				RetryAfter: 30 * time.Second,
			},
		},
		{
			name: "retry_after_http_date",
			headers: map[string]string{
				"Retry-After": "Mon, 02 Jan 2006 15:04:05 GMT",
			},
			expected: RateLimitInfo{
				ResetTime: time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC).Unix(),
			},
		},
		{
			name: "retry_after_garbage_ignored",
			headers: map[string]string{
				"Retry-After": "soon",
			},
			expected: RateLimitInfo{},
		},
		{
			name: "ratelimit_reset_epoch",
			headers: map[string]string{
				"X-RateLimit-Reset": "1700000000",
			},
			expected: RateLimitInfo{
				ResetTime: 1700000000,
			},
		},
		{
			name: "remaining_requests",
			headers: map[string]string{
				"X-RateLimit-Remaining": "12",
			},
			expected: RateLimitInfo{
				RequestsRemaining: 12,
			},
		},
		{
			name: "retry_after_wins_over_reset",
			headers: map[string]string{
				"Retry-After":       "5",
				"X-RateLimit-Reset": "1700000000",
			},
			expected: RateLimitInfo{
				RetryAfter: 5 * time.Second,
				ResetTime:  1700000000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}

			got := ParseUpstreamHeaders(headers)
			if got != tt.expected {
				t.Errorf("ParseUpstreamHeaders() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}
