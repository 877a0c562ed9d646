package control

import (
	"sync"
	"time"
)

// RateLimitMetrics are monotonically increasing counters, never reset.
type RateLimitMetrics struct {
	TotalRequests       uint64 `json:"totalRequests"`
	RateLimitedRequests uint64 `json:"rateLimitedRequests"`
	WindowResets        uint64 `json:"windowResets"`
}

// rateLimiter is a fixed-window counter, global per server instance. The
// server is loopback-only and single-tenant, so per-client buckets would buy
// nothing; one noisy caller starving others is an accepted property.
type rateLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int

	count       int
	windowStart time.Time
	metrics     RateLimitMetrics
}

func newRateLimiter(window time.Duration, maxRequests int) *rateLimiter {
	return &rateLimiter{
		window:      window,
		maxRequests: maxRequests,
		windowStart: time.Now(),
	}
}

// allow checks and counts one request. When rejected, retryAfter is the time
// until the current window resets. A rejected request is not counted toward
// the window.
func (rl *rateLimiter) allow(now time.Time) (allowed bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.metrics.TotalRequests++

	if now.Sub(rl.windowStart) > rl.window {
		rl.count = 0
		rl.windowStart = now
		rl.metrics.WindowResets++
	}

	if rl.count >= rl.maxRequests {
		rl.metrics.RateLimitedRequests++
		return false, rl.windowStart.Add(rl.window).Sub(now)
	}

	rl.count++
	return true, 0
}

// remaining returns how many requests the current window still admits.
func (rl *rateLimiter) remaining(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.windowStart) > rl.window {
		return rl.maxRequests
	}
	n := rl.maxRequests - rl.count
	if n < 0 {
		return 0
	}
	return n
}

func (rl *rateLimiter) snapshot() RateLimitMetrics {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.metrics
}
