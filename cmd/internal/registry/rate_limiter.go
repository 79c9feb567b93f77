package registry

import (
	"sync"
	"time"
)

// RateLimiter caps how many gateway requests one connection may issue per window.
// Admitted timestamps live in a fixed ring sized to the limit, so memory does not
// grow with traffic.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // oldest admitted event
	n      int // admitted events still inside the window
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow admits an event at now unless the window already holds limit events.
// Callers pass non-decreasing times.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.n > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % len(r.ring)
		r.n--
	}

	if r.n == len(r.ring) {
		return false
	}
	r.ring[(r.head+r.n)%len(r.ring)] = now
	r.n++
	return true
}
