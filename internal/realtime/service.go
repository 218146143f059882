package realtime

import (
	"log/slog"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/store"
)

// Service wires the chat core components over one conversation store: session
// registry, presence tracker, broadcast hub, authorization gate, room
// manager, message pipeline, and typing relay.
//
// Presence transitions are fanned out here: a true online/offline edge for a
// (user, conversation) pair broadcasts to the other online members of that
// conversation, never back to the transitioning user's own devices.
type Service struct {
	Log      *slog.Logger
	Store    store.ConversationStore
	Sessions *SessionRegistry
	Presence *PresenceTracker
	Hub      *Hub
	Gate     *Gate
	Rooms    *RoomManager
	Pipeline *MessagePipeline
	Typing   *TypingBroadcaster
}

// NewService constructs a fully wired chat core. gateTTL <= 0 selects the
// default authorization cache TTL.
func NewService(log *slog.Logger, st store.ConversationStore, gateTTL time.Duration) *Service {
	hub := NewHub(log)

	presence := NewPresenceTracker(log, func(tr PresenceTransition) {
		typ := v1.TypePresenceOffline
		if tr.Online {
			typ = v1.TypePresenceOnline
		}
		env := newEnvelope(typ, v1.PresencePayload{
			ConversationID: tr.ConversationID,
			UserID:         tr.UserID,
		}, time.Now().UTC())
		hub.Group(tr.ConversationID).BroadcastExcept(env, tr.UserID)
	})

	sessions := NewSessionRegistry(log)
	gate := NewGate(st, gateTTL)

	return &Service{
		Log:      log,
		Store:    st,
		Sessions: sessions,
		Presence: presence,
		Hub:      hub,
		Gate:     gate,
		Rooms:    NewRoomManager(log, st, hub, presence, gate),
		Pipeline: NewMessagePipeline(log, st, gate, hub, sessions),
		Typing:   NewTypingBroadcaster(log, gate, hub),
	}
}

// Disconnect runs the cleanup consumed from the hosting transport: the
// connection leaves every broadcast group it held (dropping its presence
// references) and is removed from the session registry. Safe to call more
// than once for the same connection.
//
// The client is closed first: a join still in flight on another goroutine
// then observes the closed state and is refused, instead of re-wiring the
// dead connection after LeaveAll has drained it. Closing first is safe for
// broadcasters because Send is never closed, only the done signal fires.
func (s *Service) Disconnect(c *Client) {
	if c == nil {
		return
	}
	c.Close()
	s.Rooms.LeaveAll(c)
	if userID, fullyOffline := s.Sessions.Unregister(c.ConnID); fullyOffline {
		s.Log.Info("session.fully_offline", "user_id", userID)
	}
}
