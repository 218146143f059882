package realtime

import (
	"log/slog"
	"sync"

	v1 "parley/contracts/chat/v1"
)

const sessionShards = 32

// SessionRegistry owns the mapping from user id to that user's live
// connections. It is the single authority for the "fully offline" transition:
// Unregister reports it exactly once when a user's last connection goes away.
//
// State is sharded so that register/unregister calls for different users never
// block each other.
type SessionRegistry struct {
	log *slog.Logger

	users [sessionShards]userShard
	conns [sessionShards]connShard
}

type userShard struct {
	mu      sync.RWMutex
	clients map[string][]*Client // userID -> live connections, registration order
}

type connShard struct {
	mu    sync.RWMutex
	owner map[string]*Client // connID -> owning client
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(log *slog.Logger) *SessionRegistry {
	r := &SessionRegistry{log: log}
	for i := range r.users {
		r.users[i].clients = make(map[string][]*Client)
	}
	for i := range r.conns {
		r.conns[i].owner = make(map[string]*Client)
	}
	return r
}

// Register adds the client's connection under its user. Idempotent if the
// connection id is already registered.
func (r *SessionRegistry) Register(c *Client) {
	if c == nil || c.ConnID == "" || c.UserID == "" {
		return
	}

	cs := &r.conns[shardIndex(c.ConnID, sessionShards)]
	cs.mu.Lock()
	if _, ok := cs.owner[c.ConnID]; ok {
		cs.mu.Unlock()
		return
	}
	cs.owner[c.ConnID] = c
	cs.mu.Unlock()

	us := &r.users[shardIndex(c.UserID, sessionShards)]
	us.mu.Lock()
	us.clients[c.UserID] = append(us.clients[c.UserID], c)
	n := len(us.clients[c.UserID])
	us.mu.Unlock()

	r.log.Info("session.register", "user_id", c.UserID, "conn_id", c.ConnID, "devices", n)
}

// Unregister removes the connection from whatever user owns it. Safe to call
// multiple times for the same id; later calls are no-ops. fullyOffline is true
// exactly once per user transition from >=1 to 0 live connections.
func (r *SessionRegistry) Unregister(connID string) (userID string, fullyOffline bool) {
	if connID == "" {
		return "", false
	}

	cs := &r.conns[shardIndex(connID, sessionShards)]
	cs.mu.Lock()
	c, ok := cs.owner[connID]
	if ok {
		delete(cs.owner, connID)
	}
	cs.mu.Unlock()
	if !ok {
		return "", false
	}

	us := &r.users[shardIndex(c.UserID, sessionShards)]
	us.mu.Lock()
	remaining := us.clients[c.UserID][:0]
	for _, cl := range us.clients[c.UserID] {
		if cl.ConnID != connID {
			remaining = append(remaining, cl)
		}
	}
	if len(remaining) == 0 {
		delete(us.clients, c.UserID)
		fullyOffline = true
	} else {
		us.clients[c.UserID] = remaining
	}
	us.mu.Unlock()

	r.log.Info("session.unregister", "user_id", c.UserID, "conn_id", connID, "fully_offline", fullyOffline)
	return c.UserID, fullyOffline
}

// ConnectionsOf returns the user's live connections in registration order.
// Used for fan-out scoped to a single recipient's devices.
func (r *SessionRegistry) ConnectionsOf(userID string) []*Client {
	us := &r.users[shardIndex(userID, sessionShards)]
	us.mu.RLock()
	defer us.mu.RUnlock()
	return append([]*Client(nil), us.clients[userID]...)
}

// SendToUser fan-outs env to every live connection of a single user.
// Non-blocking; reports how many connections accepted the event.
func (r *SessionRegistry) SendToUser(userID string, env v1.Envelope) int {
	delivered := 0
	for _, c := range r.ConnectionsOf(userID) {
		if c.TryEnqueue(env) {
			delivered++
		}
	}
	return delivered
}
