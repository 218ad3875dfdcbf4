package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnauthorized means the provider rejected the access token (401).
var ErrUnauthorized = errors.New("provider: unauthorized")

// RateLimitedError is a 429 from the provider.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider: rate limited (retry after %s)", e.RetryAfter)
	}
	return "provider: rate limited"
}

// UpstreamError is any other non-2xx response.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("provider: upstream status %d", e.Status)
	}
	return fmt.Sprintf("provider: upstream status %d: %s", e.Status, body)
}

// Temporary reports whether a later identical request may succeed.
func (e *UpstreamError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout
}

// IsRateLimited unwraps err into a *RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// StatusOf returns the HTTP status behind a provider error, or 0 for
// transport and local errors.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	}
	if _, ok := IsRateLimited(err); ok {
		return http.StatusTooManyRequests
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
