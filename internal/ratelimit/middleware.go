package ratelimit

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// KeyForIP returns the limiter key for an HTTP client address. Clients share
// the limiter with upstream endpoints, so the prefix keeps them apart.
func KeyForIP(ip string) string {
	return "client:" + ip
}

// Middleware charges every request to the client's IP budget and answers
// 429 once it is spent. A path in exempt skips the limiter; an entry ending
// in "/" exempts everything below it.
func Middleware(limiter *Limiter, exempt []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExempt(r.URL.Path, exempt) {
				next.ServeHTTP(w, r)
				return
			}

			key := KeyForIP(clientIP(r))
			err := limiter.Allow(r.Context(), key)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(r.Context(), key)))

			var rl *RateLimitedError
			if !errors.As(err, &rl) {
				next.ServeHTTP(w, r)
				return
			}
			secs := max(1, int(math.Ceil(rl.RetryAfter.Seconds())))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":               "rate limited",
				"retry_after_seconds": secs,
			})
		})
	}
}

func isExempt(path string, exempt []string) bool {
	for _, p := range exempt {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// clientIP prefers the first proxy-reported address over the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
