package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter applies a per-IP sliding window on submissions. An IP that
// exceeds the window limit is blocked for five minutes.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	blocked  map[string]time.Time
	limit    int
	window   time.Duration
}

const blockDuration = 5 * time.Minute

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		blocked:  make(map[string]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow records a request from ip and reports whether it is within limits.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if until, ok := rl.blocked[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(rl.blocked, ip)
	}

	recent := rl.requests[ip][:0]
	for _, t := range rl.requests[ip] {
		if t.After(now.Add(-rl.window)) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.requests[ip] = recent
		rl.blocked[ip] = now.Add(blockDuration)
		return false
	}

	rl.requests[ip] = append(recent, now)
	return true
}

// Middleware rejects rate-limited clients with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.Index(forwarded, ","); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
