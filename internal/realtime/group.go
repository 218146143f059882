package realtime

import (
	"log/slog"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Group is a conversation's broadcast group: the set of currently-subscribed
// connections that receive events for one conversation.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Group struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client // connID -> client
}

// NewGroup constructs a broadcast group for one conversation.
func NewGroup(log *slog.Logger, conversationID string) *Group {
	return &Group{
		log:     log,
		ID:      conversationID,
		members: make(map[string]*Client),
	}
}

// Subscribe adds a connection to the group.
func (g *Group) Subscribe(client *Client) {
	if g == nil || client == nil || client.ConnID == "" {
		return
	}

	g.mu.Lock()
	g.members[client.ConnID] = client
	g.mu.Unlock()

	g.log.Debug("group.subscribe", "conversation_id", g.ID, "conn_id", client.ConnID, "user_id", client.UserID)
}

// Unsubscribe removes a connection from the group. Unlike connection shutdown,
// this does not close the client; a connection may leave one group and stay in
// others.
func (g *Group) Unsubscribe(connID string) {
	if g == nil || connID == "" {
		return
	}

	g.mu.Lock()
	_, ok := g.members[connID]
	delete(g.members, connID)
	g.mu.Unlock()

	if ok {
		g.log.Debug("group.unsubscribe", "conversation_id", g.ID, "conn_id", connID)
	}
}

// Contains reports whether the connection is currently subscribed.
func (g *Group) Contains(connID string) bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[connID]
	return ok
}

// SubscribedUsers returns the distinct user ids with at least one subscribed
// connection.
func (g *Group) SubscribedUsers() map[string]struct{} {
	out := make(map[string]struct{})
	if g == nil {
		return out
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.members {
		out[m.UserID] = struct{}{}
	}
	return out
}

// Broadcast fanouts an envelope to all subscribed connections.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (g *Group) Broadcast(env v1.Envelope) {
	g.BroadcastExcept(env, "")
}

// BroadcastExcept fanouts an envelope to all subscribed connections except
// those owned by exceptUserID. Used for presence and typing events, which are
// never echoed back to the originating user's devices.
func (g *Group) BroadcastExcept(env v1.Envelope, exceptUserID string) {
	if g == nil {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, m := range g.members {
		if m == nil {
			continue
		}
		if exceptUserID != "" && m.UserID == exceptUserID {
			continue
		}
		if !m.TryEnqueue(env) {
			// Drop rather than block the whole conversation.
			g.log.Debug("group.broadcast.drop", "conversation_id", g.ID, "conn_id", m.ConnID, "type", env.Type)
		}
	}
}
