package realtime

import (
	"context"
	"testing"
	"time"

	"parley/internal/store"
)

func TestGateCachesPositiveResults(t *testing.T) {
	t.Parallel()

	st := newFakeStore(store.Conversation{
		ID: "conv-1", Kind: store.ConversationDirect, Participants: []string{"alice", "bob"},
	})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	g := NewGate(st, 30*time.Second)
	g.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := g.EnsureParticipant(ctx, "alice", "conv-1"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if calls := st.participantCalls.Load(); calls != 1 {
		t.Fatalf("store calls=%d want=1 (positive result must be cached)", calls)
	}

	// Past the TTL the store is consulted again.
	now = base.Add(31 * time.Second)
	if err := g.EnsureParticipant(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("post-expiry check: %v", err)
	}
	if calls := st.participantCalls.Load(); calls != 2 {
		t.Fatalf("store calls=%d want=2 after TTL expiry", calls)
	}
}

func TestGateReclaimsExpiredEntries(t *testing.T) {
	t.Parallel()

	st := newFakeStore(store.Conversation{
		ID: "conv-1", Kind: store.ConversationGroup, Participants: []string{"alice", "bob"},
	})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	g := NewGate(st, 30*time.Second)
	g.now = func() time.Time { return now }

	ctx := context.Background()
	if err := g.EnsureParticipant(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("alice check: %v", err)
	}

	// Past the TTL, a check for a different pair must also drop alice's
	// stale entry: pairs that are never re-checked cannot pile up.
	now = base.Add(31 * time.Second)
	if err := g.EnsureParticipant(ctx, "bob", "conv-1"); err != nil {
		t.Fatalf("bob check: %v", err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.positive["alice\x00conv-1"]; ok {
		t.Fatalf("expired entry for alice still cached")
	}
	if len(g.positive) != 1 {
		t.Fatalf("cache size=%d want=1", len(g.positive))
	}
}

func TestGateNeverCachesDenials(t *testing.T) {
	t.Parallel()

	st := newFakeStore(store.Conversation{
		ID: "conv-1", Kind: store.ConversationDirect, Participants: []string{"alice", "bob"},
	})
	g := NewGate(st, time.Minute)
	ctx := context.Background()

	if err := g.EnsureParticipant(ctx, "mallory", "conv-1"); !IsForbidden(err) {
		t.Fatalf("err=%v want forbidden", err)
	}

	// mallory is added to the conversation; the very next check must pass.
	st.mu.Lock()
	c := st.convs["conv-1"]
	c.Participants = append(c.Participants, "mallory")
	st.convs["conv-1"] = c
	st.mu.Unlock()

	if err := g.EnsureParticipant(ctx, "mallory", "conv-1"); err != nil {
		t.Fatalf("membership added but check still fails: %v", err)
	}
}

func TestGateStoreFailureIsNotDenial(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failParticipant = true
	g := NewGate(st, time.Minute)

	err := g.EnsureParticipant(context.Background(), "alice", "conv-1")
	if !IsPersistence(err) {
		t.Fatalf("err=%v want persistence", err)
	}
	if IsForbidden(err) {
		t.Fatalf("store failure must not read as a denial")
	}
}

func TestGateInvalidate(t *testing.T) {
	t.Parallel()

	st := newFakeStore(store.Conversation{
		ID: "conv-1", Kind: store.ConversationGroup, Participants: []string{"alice"},
	})
	g := NewGate(st, time.Minute)
	ctx := context.Background()

	if err := g.EnsureParticipant(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("initial check: %v", err)
	}
	g.Invalidate("alice", "conv-1")

	if err := g.EnsureParticipant(ctx, "alice", "conv-1"); err != nil {
		t.Fatalf("post-invalidate check: %v", err)
	}
	if calls := st.participantCalls.Load(); calls != 2 {
		t.Fatalf("store calls=%d want=2 (invalidate must drop the cache entry)", calls)
	}
}
