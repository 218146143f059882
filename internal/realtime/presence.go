package realtime

import (
	"log/slog"
	"sort"
	"sync"
)

const presenceShards = 64

// PresenceTransition describes a true per-conversation online/offline edge for
// one user. Intermediate device joins/leaves never produce one.
type PresenceTransition struct {
	ConversationID string
	UserID         string
	Online         bool
}

// PresenceTracker owns, per conversation, the set of user ids currently online
// in it. Presence is reference-counted per (user, conversation): each
// subscribed connection of a user holds one reference, so a user with two
// devices does not go offline when one device disconnects.
//
// State is sharded by conversation id; operations on different conversations
// never block each other, while calls for the same (user, conversation) pair
// are serialized by the pair's shard lock.
type PresenceTracker struct {
	log    *slog.Logger
	notify func(PresenceTransition)

	shards [presenceShards]presenceShard
}

type presenceShard struct {
	mu   sync.Mutex
	refs map[string]map[string]int // conversationID -> userID -> subscribed device count
}

// NewPresenceTracker constructs a tracker. notify is invoked for every true
// transition while the pair's shard lock is held, which keeps online/offline
// strictly ordered per (user, conversation); it must not call back into the
// tracker.
func NewPresenceTracker(log *slog.Logger, notify func(PresenceTransition)) *PresenceTracker {
	t := &PresenceTracker{log: log, notify: notify}
	for i := range t.shards {
		t.shards[i].refs = make(map[string]map[string]int)
	}
	return t
}

// MarkOnline adds one device reference for the pair. It reports true (and
// notifies) only on the user's first online marking for that conversation;
// additional devices are deduplicated.
func (t *PresenceTracker) MarkOnline(conversationID, userID string) bool {
	if conversationID == "" || userID == "" {
		return false
	}

	s := &t.shards[shardIndex(conversationID, presenceShards)]
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.refs[conversationID]
	if users == nil {
		users = make(map[string]int)
		s.refs[conversationID] = users
	}
	users[userID]++
	if users[userID] != 1 {
		return false
	}

	t.log.Debug("presence.online", "conversation_id", conversationID, "user_id", userID)
	if t.notify != nil {
		t.notify(PresenceTransition{ConversationID: conversationID, UserID: userID, Online: true})
	}
	return true
}

// MarkOffline drops one device reference for the pair. It reports true (and
// notifies) only when the last reference goes away. Calls without a matching
// MarkOnline are no-ops.
func (t *PresenceTracker) MarkOffline(conversationID, userID string) bool {
	if conversationID == "" || userID == "" {
		return false
	}

	s := &t.shards[shardIndex(conversationID, presenceShards)]
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.refs[conversationID]
	if users == nil || users[userID] == 0 {
		return false
	}
	users[userID]--
	if users[userID] > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.refs, conversationID)
	}

	t.log.Debug("presence.offline", "conversation_id", conversationID, "user_id", userID)
	if t.notify != nil {
		t.notify(PresenceTransition{ConversationID: conversationID, UserID: userID, Online: false})
	}
	return true
}

// Snapshot returns the sorted set of user ids currently online in the
// conversation. Used to answer the initial "who's online" query at join time.
func (t *PresenceTracker) Snapshot(conversationID string) []string {
	s := &t.shards[shardIndex(conversationID, presenceShards)]
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.refs[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
