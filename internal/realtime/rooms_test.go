package realtime

import (
	"context"
	"errors"
	"testing"

	"parley/internal/store"
)

func newRoomFixture(t *testing.T, st *fakeStore) (*RoomManager, *Hub, *PresenceTracker) {
	t.Helper()
	log := testLogger()
	hub := NewHub(log)
	presence := NewPresenceTracker(log, nil)
	gate := NewGate(st, 0)
	return NewRoomManager(log, st, hub, presence, gate), hub, presence
}

func TestJoinRoomsSubscribesAllConversations(t *testing.T) {
	t.Parallel()

	st := newFakeStore(
		store.Conversation{ID: "conv-1", Kind: store.ConversationDirect, Participants: []string{"alice", "bob"}},
		store.Conversation{ID: "conv-2", Kind: store.ConversationGroup, Participants: []string{"alice", "bob", "carol"}},
		store.Conversation{ID: "conv-3", Kind: store.ConversationGroup, Participants: []string{"bob", "carol"}},
	)
	rm, hub, presence := newRoomFixture(t, st)

	c := NewClient("alice", "conn-1", 8)
	joined := rm.JoinRooms(context.Background(), c)

	if len(joined) != 2 {
		t.Fatalf("joined=%d want=2 (alice is in conv-1 and conv-2)", len(joined))
	}
	for _, j := range joined {
		if !hub.Group(j.ConversationID).Contains(c.ConnID) {
			t.Fatalf("not subscribed to %s", j.ConversationID)
		}
		if got := presence.Snapshot(j.ConversationID); len(got) != 1 || got[0] != "alice" {
			t.Fatalf("presence in %s = %v", j.ConversationID, got)
		}
		// Snapshot includes the joining user.
		if len(j.Online) != 1 || j.Online[0] != "alice" {
			t.Fatalf("join snapshot for %s = %v", j.ConversationID, j.Online)
		}
	}
	if hub.Group("conv-3").Contains(c.ConnID) {
		t.Fatalf("subscribed to a conversation alice does not belong to")
	}
}

func TestJoinRoomsDegradesOnStoreFailure(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failList = true
	rm, _, _ := newRoomFixture(t, st)

	c := NewClient("alice", "conn-1", 8)
	if joined := rm.JoinRooms(context.Background(), c); joined != nil {
		t.Fatalf("degraded join must yield zero rooms, got %d", len(joined))
	}
}

func TestJoinRoomRepeatedIsIdempotent(t *testing.T) {
	t.Parallel()

	st := newFakeStore(
		store.Conversation{ID: "conv-1", Kind: store.ConversationGroup, Participants: []string{"alice"}},
	)
	rm, _, presence := newRoomFixture(t, st)

	c := NewClient("alice", "conn-1", 8)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := rm.JoinRoom(ctx, c, "conv-1"); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	// A single LeaveAll must fully clear presence: repeated joins on the same
	// connection cannot inflate the device refcount.
	rm.LeaveAll(c)
	if got := presence.Snapshot("conv-1"); got != nil {
		t.Fatalf("presence after leave = %v, want empty", got)
	}
}

func TestJoinRoomNonParticipantForbidden(t *testing.T) {
	t.Parallel()

	st := newFakeStore(
		store.Conversation{ID: "conv-1", Kind: store.ConversationGroup, Participants: []string{"alice"}},
	)
	rm, hub, _ := newRoomFixture(t, st)

	c := NewClient("mallory", "conn-1", 8)
	if _, err := rm.JoinRoom(context.Background(), c, "conv-1"); !IsForbidden(err) {
		t.Fatalf("err=%v want forbidden", err)
	}
	if hub.Group("conv-1").Contains(c.ConnID) {
		t.Fatalf("forbidden join still subscribed the connection")
	}
}

func TestJoinRefusedAfterClose(t *testing.T) {
	t.Parallel()

	st := newFakeStore(
		store.Conversation{ID: "conv-1", Kind: store.ConversationDirect, Participants: []string{"alice", "bob"}},
	)
	rm, hub, presence := newRoomFixture(t, st)

	c := NewClient("alice", "conn-1", 8)
	c.Close()

	if _, err := rm.JoinRoom(context.Background(), c, "conv-1"); !errors.Is(err, errClientClosed) {
		t.Fatalf("err=%v want errClientClosed", err)
	}
	if joined := rm.JoinRooms(context.Background(), c); len(joined) != 0 {
		t.Fatalf("closed connection joined %d rooms", len(joined))
	}
	if hub.Group("conv-1").Contains(c.ConnID) {
		t.Fatalf("closed connection was subscribed")
	}
	if got := presence.Snapshot("conv-1"); got != nil {
		t.Fatalf("closed connection holds presence: %v", got)
	}
}

func TestLeaveAllIdempotent(t *testing.T) {
	t.Parallel()

	st := newFakeStore(
		store.Conversation{ID: "conv-1", Kind: store.ConversationDirect, Participants: []string{"alice", "bob"}},
	)
	rm, hub, presence := newRoomFixture(t, st)

	c := NewClient("alice", "conn-1", 8)
	rm.JoinRooms(context.Background(), c)

	rm.LeaveAll(c)
	rm.LeaveAll(c) // second call is a no-op

	if hub.Group("conv-1").Contains(c.ConnID) {
		t.Fatalf("still subscribed after LeaveAll")
	}
	if got := presence.Snapshot("conv-1"); got != nil {
		t.Fatalf("presence after LeaveAll = %v", got)
	}
}

func TestLeaveAllKeepsOtherDevicesOnline(t *testing.T) {
	t.Parallel()

	st := newFakeStore(
		store.Conversation{ID: "conv-1", Kind: store.ConversationDirect, Participants: []string{"alice", "bob"}},
	)
	rm, _, presence := newRoomFixture(t, st)

	ctx := context.Background()
	c1 := NewClient("alice", "conn-1", 8)
	c2 := NewClient("alice", "conn-2", 8)
	rm.JoinRooms(ctx, c1)
	rm.JoinRooms(ctx, c2)

	rm.LeaveAll(c1)
	if got := presence.Snapshot("conv-1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("alice must stay online via conn-2, presence=%v", got)
	}

	rm.LeaveAll(c2)
	if got := presence.Snapshot("conv-1"); got != nil {
		t.Fatalf("presence after last device left = %v", got)
	}
}
