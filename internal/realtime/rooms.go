package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"parley/internal/store"
)

// errClientClosed reports a join attempt on a connection that already started
// (or finished) disconnect cleanup.
var errClientClosed = errors.New("client closed")

// JoinedRoom describes one conversation a connection was subscribed to,
// including the presence snapshot used for the connect acknowledgment.
type JoinedRoom struct {
	ConversationID string
	Kind           string
	Online         []string
}

// RoomManager subscribes and unsubscribes connections to the broadcast groups
// of the conversations their user belongs to.
type RoomManager struct {
	log      *slog.Logger
	store    store.ConversationStore
	hub      *Hub
	presence *PresenceTracker
	gate     *Gate

	// mu serializes subscription wiring against LeaveAll. Group membership
	// and the presence reference are taken under it, so a disconnect cannot
	// slip between the bookkeeping insert and the actual subscribe and leave
	// a dead connection wired in.
	mu     sync.Mutex
	joined map[string]map[string]struct{} // connID -> conversation ids
}

// NewRoomManager constructs a RoomManager.
func NewRoomManager(log *slog.Logger, st store.ConversationStore, hub *Hub, presence *PresenceTracker, gate *Gate) *RoomManager {
	return &RoomManager{
		log:      log,
		store:    st,
		hub:      hub,
		presence: presence,
		gate:     gate,
		joined:   make(map[string]map[string]struct{}),
	}
}

// JoinRooms fetches the user's conversation list and subscribes the connection
// to each conversation's broadcast group, marking the user online in each.
//
// If the store is unavailable the connection is still accepted but joins zero
// rooms; the client retries per-conversation via JoinRoom on first use. A
// transient storage failure should not reject the whole connection.
func (m *RoomManager) JoinRooms(ctx context.Context, c *Client) []JoinedRoom {
	convs, err := m.store.ListConversationsFor(ctx, c.UserID)
	if err != nil {
		m.log.Warn("rooms.join_all.degraded", "user_id", c.UserID, "conn_id", c.ConnID, "err", err)
		return nil
	}

	return lo.FilterMap(convs, func(conv store.Conversation, _ int) (JoinedRoom, bool) {
		return m.subscribe(c, conv.ID, conv.Kind)
	})
}

// JoinRoom is the on-demand join for a single conversation: used when a user
// opens a conversation that was not part of their initial snapshot (e.g. one
// created after connect). Re-checks membership via the Gate first; joining is
// not permitted for non-participants.
func (m *RoomManager) JoinRoom(ctx context.Context, c *Client, conversationID string) (JoinedRoom, error) {
	const op = "rooms.JoinRoom"

	if err := m.gate.EnsureParticipant(ctx, c.UserID, conversationID); err != nil {
		return JoinedRoom{}, err
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return JoinedRoom{}, opErr(op, ErrPersistence, err)
	}

	room, ok := m.subscribe(c, conv.ID, conv.Kind)
	if !ok {
		return JoinedRoom{}, errClientClosed
	}
	return room, nil
}

// LeaveAll unsubscribes the connection from every group it held and drops its
// presence references. Invoked during disconnect cleanup; idempotent.
//
// Held under mu end to end: a join racing the disconnect either completes
// before the drain (and is cleaned here) or observes the closed client and is
// refused.
func (m *RoomManager) LeaveAll(c *Client) {
	if c == nil {
		return
	}

	m.mu.Lock()
	held := m.joined[c.ConnID]
	delete(m.joined, c.ConnID)
	for conversationID := range held {
		m.hub.Group(conversationID).Unsubscribe(c.ConnID)
		m.presence.MarkOffline(conversationID, c.UserID)
	}
	m.mu.Unlock()

	if len(held) > 0 {
		m.log.Info("rooms.leave_all", "user_id", c.UserID, "conn_id", c.ConnID, "rooms", len(held))
	}
}

// subscribe wires one connection into one conversation. Idempotent per
// (connection, conversation): a repeated join refreshes the snapshot without
// inflating the presence reference count. A connection that already started
// shutdown is refused (ok=false) so a late join can never resurrect state
// that LeaveAll has already drained.
func (m *RoomManager) subscribe(c *Client, conversationID, kind string) (JoinedRoom, bool) {
	m.mu.Lock()
	select {
	case <-c.Done():
		m.mu.Unlock()
		m.log.Debug("rooms.subscribe.refused", "conn_id", c.ConnID, "conversation_id", conversationID)
		return JoinedRoom{}, false
	default:
	}

	held := m.joined[c.ConnID]
	if held == nil {
		held = make(map[string]struct{})
		m.joined[c.ConnID] = held
	}
	_, already := held[conversationID]
	held[conversationID] = struct{}{}
	if !already {
		m.hub.Group(conversationID).Subscribe(c)
		m.presence.MarkOnline(conversationID, c.UserID)
	}
	m.mu.Unlock()

	return JoinedRoom{
		ConversationID: conversationID,
		Kind:           kind,
		Online:         m.presence.Snapshot(conversationID),
	}, true
}
