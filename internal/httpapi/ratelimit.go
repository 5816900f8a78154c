package httpapi

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rateExemptPrefixes skip rate limiting entirely: probes and discovery
// documents that monitors poll at high frequency.
var rateExemptPrefixes = []string{"/healthz", "/readyz", "/.well-known", "/metrics"}

// RateLimiter enforces per-caller request ceilings with a sliding
// one-minute window. Callers are keyed by API key when present,
// falling back to client IP, so unauthenticated scrapers share a
// bucket per address while keyed tenants get their own.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow
	limit   int
	burst   int
	logger  *log.Logger
	stop    chan struct{}
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// ParseRateLimit reads "N/minute" strings from configuration. Anything
// unparseable falls back to 100/minute.
func ParseRateLimit(raw string) int {
	raw = strings.TrimSpace(strings.ToLower(raw))
	raw = strings.TrimSuffix(raw, "/minute")
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 100
	}
	return n
}

// NewRateLimiter creates a limiter allowing limit requests per minute
// per key, with a 2x burst allowance before hard rejection.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		burst:   limit * 2,
		logger:  log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more request under key fits the window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		// Soft limit: count may drift slightly under the read lock.
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.burst {
			rl.logger.Printf("🚫 rate limit burst exceeded: key=%s count=%d burst=%d", key, count, rl.burst)
			return false
		}
		if count > rl.limit {
			rl.logger.Printf("⚠️ rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.limit)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.burst
	}

	rl.windows[key] = &rateWindow{count: 1, windowStart: now}
	return true
}

// clientKey picks the rate bucket: API key header first, client IP
// otherwise.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects over-limit callers with 429 and a Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rateExemptPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeStableError(w, http.StatusTooManyRequests, CodeRateLimited,
				fmt.Sprintf("rate limit exceeded: %d/minute", rl.limit))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats reports the limiter's live window state.
func (rl *RateLimiter) Stats() map[string]any {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return map[string]any{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.limit,
		"burst_size":        rl.burst,
	}
}

// Close stops the background window sweeper.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
