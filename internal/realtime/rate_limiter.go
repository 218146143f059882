package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter over inbound events.
//
// It keeps the admission times of the last `limit` events in a fixed ring, so
// memory stays constant per connection and Allow is O(1) amortized: at most
// `limit` expired slots are reclaimed per call.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time // capacity == limit, oldest admitted event at head
	head   int
	count  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, substituting defaults for invalid inputs.
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

// Allow reports whether an event at time "now" should be permitted, recording
// it when it is.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.count > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % len(r.ring)
		r.count--
	}

	if r.count >= len(r.ring) {
		return false
	}
	r.ring[(r.head+r.count)%len(r.ring)] = now
	r.count++
	return true
}
