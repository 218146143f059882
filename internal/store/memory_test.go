package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedDirect(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.SeedConversation(Conversation{
		ID:           "conv-1",
		Kind:         ConversationDirect,
		Participants: []string{"alice", "bob"},
	})
	return s
}

func TestMemoryCreateMessageSequencing(t *testing.T) {
	t.Parallel()

	s := seedDirect(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res, err := s.CreateMessage(ctx, CreateMessageInput{
			ConversationID: "conv-1",
			ClientMsgID:    "c" + string(rune('0'+i)),
			SenderID:       "alice",
			Body:           "hi",
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if res.Stored.Seq != i {
			t.Fatalf("seq=%d want=%d", res.Stored.Seq, i)
		}
		if res.Stored.ID == "" || res.Stored.Kind != "text" {
			t.Fatalf("bad record: %+v", res.Stored)
		}
	}
}

func TestMemoryCreateMessageIdempotent(t *testing.T) {
	t.Parallel()

	s := seedDirect(t)
	ctx := context.Background()
	in := CreateMessageInput{
		ConversationID: "conv-1",
		ClientMsgID:    "dup-1",
		SenderID:       "alice",
		Body:           "once",
	}

	first, err := s.CreateMessage(ctx, in)
	if err != nil || first.Duplicated {
		t.Fatalf("first create: res=%+v err=%v", first, err)
	}
	second, err := s.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("replay not flagged as duplicate")
	}
	if second.Stored.ID != first.Stored.ID || second.Stored.Seq != first.Stored.Seq {
		t.Fatalf("replay returned a different record: first=%+v second=%+v", first.Stored, second.Stored)
	}
}

func TestMemoryCreateMessageUnknownConversation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	_, err := s.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: "ghost", ClientMsgID: "c1", SenderID: "alice",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestMemoryUpdateAndTombstone(t *testing.T) {
	t.Parallel()

	s := seedDirect(t)
	ctx := context.Background()
	res, err := s.CreateMessage(ctx, CreateMessageInput{
		ConversationID: "conv-1", ClientMsgID: "c1", SenderID: "alice", Body: "tpyo",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := res.Stored.ID

	updated, err := s.UpdateMessage(ctx, id, "typo", time.Now().UTC())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Body != "typo" || !updated.Edited {
		t.Fatalf("updated=%+v", updated)
	}

	tombstoned, err := s.TombstoneMessage(ctx, id, time.Now().UTC())
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if !tombstoned.Deleted || tombstoned.Body != "" {
		t.Fatalf("tombstoned=%+v, body must be blanked", tombstoned)
	}

	// The row survives as a tombstone.
	got, err := s.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("get after tombstone: %v", err)
	}
	if !got.Deleted {
		t.Fatalf("tombstone flag lost: %+v", got)
	}

	// Further mutations fail with the tombstone sentinel.
	if _, err := s.UpdateMessage(ctx, id, "back", time.Now().UTC()); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("update tombstoned: err=%v", err)
	}
	if _, err := s.TombstoneMessage(ctx, id, time.Now().UTC()); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("double tombstone: err=%v", err)
	}
}

func TestMemoryMutateMissingMessage(t *testing.T) {
	t.Parallel()

	s := seedDirect(t)
	ctx := context.Background()

	if _, err := s.UpdateMessage(ctx, "ghost", "x", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: err=%v", err)
	}
	if _, err := s.TombstoneMessage(ctx, "ghost", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tombstone missing: err=%v", err)
	}
}

func TestMemoryReadCursorForwardOnly(t *testing.T) {
	t.Parallel()

	s := seedDirect(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SetReadCursor(ctx, "bob", "conv-1", base); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Regressing is silently ignored.
	if err := s.SetReadCursor(ctx, "bob", "conv-1", base.Add(-time.Minute)); err != nil {
		t.Fatalf("regress: %v", err)
	}
	if got := s.cursors["bob\x00conv-1"]; !got.Equal(base) {
		t.Fatalf("cursor=%v want=%v", got, base)
	}

	if err := s.SetReadCursor(ctx, "bob", "conv-1", base.Add(time.Minute)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := s.cursors["bob\x00conv-1"]; !got.Equal(base.Add(time.Minute)) {
		t.Fatalf("cursor=%v want advanced", got)
	}
}

func TestMemoryMembership(t *testing.T) {
	t.Parallel()

	s := seedDirect(t)
	ctx := context.Background()

	cases := []struct {
		user string
		conv string
		want bool
	}{
		{user: "alice", conv: "conv-1", want: true},
		{user: "bob", conv: "conv-1", want: true},
		{user: "mallory", conv: "conv-1", want: false},
		{user: "alice", conv: "ghost", want: false},
	}
	for _, tc := range cases {
		got, err := s.IsParticipant(ctx, tc.user, tc.conv)
		if err != nil {
			t.Fatalf("IsParticipant(%s,%s): %v", tc.user, tc.conv, err)
		}
		if got != tc.want {
			t.Fatalf("IsParticipant(%s,%s)=%v want=%v", tc.user, tc.conv, got, tc.want)
		}
	}

	convs, err := s.ListConversationsFor(ctx, "alice")
	if err != nil || len(convs) != 1 || convs[0].ID != "conv-1" {
		t.Fatalf("ListConversationsFor=%v err=%v", convs, err)
	}
}

func TestMemoryEvictionPrunesIndexes(t *testing.T) {
	t.Parallel()

	s := seedDirect(t)
	ctx := context.Background()

	total := memMaxMessagesPerConversation + 50
	var firstID string
	for i := 0; i < total; i++ {
		res, err := s.CreateMessage(ctx, CreateMessageInput{
			ConversationID: "conv-1",
			ClientMsgID:    fmt.Sprintf("c-%d", i),
			SenderID:       "alice",
			Body:           "hi",
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if i == 0 {
			firstID = res.Stored.ID
		}
	}

	s.mu.Lock()
	mc := s.convs["conv-1"]
	rows, dedupe, order := len(s.msgs), len(mc.dedupe), len(mc.order)
	s.mu.Unlock()

	if order != memMaxMessagesPerConversation {
		t.Fatalf("order=%d want=%d", order, memMaxMessagesPerConversation)
	}
	if rows != memMaxMessagesPerConversation || dedupe != memMaxMessagesPerConversation {
		t.Fatalf("rows=%d dedupe=%d, evicted ids must leave every index", rows, dedupe)
	}

	if _, err := s.GetMessage(ctx, firstID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evicted message still readable: %v", err)
	}

	// An evicted client id is past the window: a retry re-inserts instead of
	// deduplicating.
	res, err := s.CreateMessage(ctx, CreateMessageInput{
		ConversationID: "conv-1",
		ClientMsgID:    "c-0",
		SenderID:       "alice",
		Body:           "hi",
	})
	if err != nil || res.Duplicated {
		t.Fatalf("retry past the window: res=%+v err=%v", res, err)
	}
}
