package realtime

import (
	"context"
	"sync"
	"time"

	"parley/internal/store"
)

const defaultGateCacheTTL = 30 * time.Second

// Gate is the cross-cutting authorization check: every mutating or
// room-scoped operation confirms the acting identity is a participant of the
// target conversation before proceeding.
//
// Positive results are cached for a short TTL to avoid a storage round-trip on
// every typing keystroke. Negative results are never cached: a user added to a
// conversation mid-session must pass the next check without a restart.
type Gate struct {
	store store.ConversationStore
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	positive  map[string]time.Time // userID+conversationID -> expiry
	lastSweep time.Time
}

// NewGate constructs a Gate over the conversation store. ttl <= 0 selects the
// default.
func NewGate(st store.ConversationStore, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = defaultGateCacheTTL
	}
	return &Gate{
		store:    st,
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		positive: make(map[string]time.Time),
	}
}

// EnsureParticipant succeeds silently when userID participates in
// conversationID, and fails with ErrForbidden otherwise. Store failures
// surface as ErrPersistence, never as a denial.
func (g *Gate) EnsureParticipant(ctx context.Context, userID, conversationID string) error {
	const op = "gate.EnsureParticipant"

	key := userID + "\x00" + conversationID
	now := g.now()

	g.mu.RLock()
	exp, ok := g.positive[key]
	g.mu.RUnlock()
	if ok {
		if now.Before(exp) {
			return nil
		}
		g.mu.Lock()
		// Re-check: another goroutine may have refreshed the entry.
		if exp, ok := g.positive[key]; ok && !now.Before(exp) {
			delete(g.positive, key)
		}
		g.mu.Unlock()
	}

	member, err := g.store.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return opErr(op, ErrPersistence, err)
	}
	if !member {
		return opErr(op, ErrForbidden, nil)
	}

	g.mu.Lock()
	g.sweepLocked(now)
	g.positive[key] = now.Add(g.ttl)
	g.mu.Unlock()
	return nil
}

// sweepLocked drops every expired entry at most once per TTL, so pairs that
// are never checked again cannot accumulate in a long-lived process.
func (g *Gate) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.ttl {
		return
	}
	for k, exp := range g.positive {
		if !now.Before(exp) {
			delete(g.positive, k)
		}
	}
	g.lastSweep = now
}

// Invalidate drops any cached positive for the pair. Called when the hosting
// system learns a membership was revoked.
func (g *Gate) Invalidate(userID, conversationID string) {
	g.mu.Lock()
	delete(g.positive, userID+"\x00"+conversationID)
	g.mu.Unlock()
}
