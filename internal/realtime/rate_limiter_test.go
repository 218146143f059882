package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base) {
			t.Fatalf("event %d within limit must pass", i)
		}
	}
	if rl.Allow(base) {
		t.Fatalf("event over the limit must be rejected")
	}

	// Window slides: the same budget is available again.
	later := base.Add(1100 * time.Millisecond)
	if !rl.Allow(later) {
		t.Fatalf("event after the window must pass")
	}
}

func TestRateLimiterPartialExpiry(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)

	if !rl.Allow(base) || !rl.Allow(base.Add(600*time.Millisecond)) {
		t.Fatalf("setup events must pass")
	}

	// First stamp expired, second still in window: exactly one slot free.
	at := base.Add(1100 * time.Millisecond)
	if !rl.Allow(at) {
		t.Fatalf("freed slot must be usable")
	}
	if rl.Allow(at) {
		t.Fatalf("window still holds two events")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("capacity=%d window=%v, want defaults", len(rl.ring), rl.window)
	}
}

func TestRateLimiterRingWraps(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Second)

	// Several full windows of churn: capacity never grows and the limiter
	// keeps enforcing the cap after the head has wrapped repeatedly.
	for round := 0; round < 10; round++ {
		at := base.Add(time.Duration(round) * 2 * time.Second)
		for i := 0; i < 3; i++ {
			if !rl.Allow(at) {
				t.Fatalf("round %d event %d within limit must pass", round, i)
			}
		}
		if rl.Allow(at) {
			t.Fatalf("round %d: event over the limit must be rejected", round)
		}
	}
	if len(rl.ring) != 3 {
		t.Fatalf("ring grew to %d", len(rl.ring))
	}
}
