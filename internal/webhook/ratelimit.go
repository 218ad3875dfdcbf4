package webhook

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// sweepThreshold bounds the entries map before expired windows are purged.
const sweepThreshold = 4096

// rateLimiter is a fixed-window counter per key.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
	now     func() time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	return &rateLimiter{
		window:  window,
		max:     max,
		entries: map[string]rateEntry{},
		now:     time.Now,
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		if len(r.entries) >= sweepThreshold {
			r.sweepLocked(now)
		}
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (r *rateLimiter) sweepLocked(now time.Time) {
	for k, e := range r.entries {
		if !now.Before(e.resetAt) {
			delete(r.entries, k)
		}
	}
}

// middleware rejects requests over the limit before any other handling.
func (r *rateLimiter) middleware(reject func(w http.ResponseWriter)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if r == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.allow(clientIP(req)) {
				retryAfter := int(math.Ceil(r.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				reject(w)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// clientIP returns the request's source address without port. It is the
// socket peer unless RealIP was mounted for a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
