package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter enforces a fixed request budget per key per window
type RateLimiter struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset map[string]time.Time
	max       int
	window    time.Duration
	now       func() time.Time
}

// New creates a new RateLimiter allowing max requests per window
func New(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:    make(map[string]int),
		lastReset: make(map[string]time.Time),
		max:       max,
		window:    window,
		now:       time.Now,
	}
}

// Allow checks if key may make another request and consumes a token
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	lastReset, exists := rl.lastReset[key]

	// Reset tokens once the window has passed
	if !exists || now.Sub(lastReset) > rl.window {
		rl.tokens[key] = rl.max
		rl.lastReset[key] = now
		rl.prune(now)
	}

	if rl.tokens[key] > 0 {
		rl.tokens[key]--
		return true
	}

	return false
}

// prune drops keys whose window expired long ago; caller holds mu.
func (rl *RateLimiter) prune(now time.Time) {
	for k, t := range rl.lastReset {
		if now.Sub(t) > 2*rl.window {
			delete(rl.lastReset, k)
			delete(rl.tokens, k)
		}
	}
}

// Middleware rejects requests over budget with 429, keyed by client IP.
// It expects RemoteAddr to already hold the real IP (chi middleware.RealIP).
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "Too many requests",
				"message": "Rate limit exceeded, try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
