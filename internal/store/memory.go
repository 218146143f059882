package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"parley/internal/ids"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is an in-memory ConversationStore used when no database is
// configured (dev mode) and by the core's tests.
type MemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*memConv
	msgs    map[string]*StoredMessage // message id -> canonical record
	cursors map[string]time.Time      // userID+"\x00"+conversationID -> read cursor
}

type memConv struct {
	conv   Conversation
	seq    int64
	dedupe map[string]string // client_msg_id -> message id
	order  []string          // message ids ordered by seq
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:   make(map[string]*memConv),
		msgs:    make(map[string]*StoredMessage),
		cursors: make(map[string]time.Time),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// SeedConversation installs a conversation row. Dev servers and tests use this
// because membership management is driven outside the chat core.
func (s *MemoryStore) SeedConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[c.ID]
	if mc == nil {
		mc = &memConv{dedupe: make(map[string]string)}
		s.convs[c.ID] = mc
	}
	mc.conv = Conversation{
		ID:           c.ID,
		Kind:         c.Kind,
		Participants: append([]string(nil), c.Participants...),
	}
}

// ListConversationsFor returns conversations the user participates in.
func (s *MemoryStore) ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Conversation
	for _, mc := range s.convs {
		for _, p := range mc.conv.Participants {
			if p == userID {
				out = append(out, cloneConversation(mc.conv))
				break
			}
		}
	}
	return out, nil
}

// IsParticipant reports membership of userID in conversationID.
func (s *MemoryStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil {
		return false, nil
	}
	for _, p := range mc.conv.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

// GetConversation returns a conversation with its participant set.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil {
		return Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return cloneConversation(mc.conv), nil
}

// CreateMessage persists a message with idempotency and monotonic sequence allocation.
func (s *MemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return CreateMessageResult{}, errors.New("store: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	kind := in.Kind
	if kind == "" {
		kind = "text"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return CreateMessageResult{}, fmt.Errorf("conversation %s: %w", in.ConversationID, ErrNotFound)
	}

	if id, ok := mc.dedupe[in.ClientMsgID]; ok {
		return CreateMessageResult{Stored: *s.msgs[id], Duplicated: true}, nil
	}

	mc.seq++
	msg := StoredMessage{
		ID:             ids.MustULID(now),
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Kind:           kind,
		Body:           in.Body,
		Seq:            mc.seq,
		CreatedAt:      now,
	}
	mc.dedupe[in.ClientMsgID] = msg.ID
	mc.order = append(mc.order, msg.ID)
	s.msgs[msg.ID] = &msg

	// Bound memory to avoid unbounded growth in dev: evicted rows leave every
	// index, including dedupe. A client retrying an id older than the window
	// re-inserts; the window is far larger than any sane retry horizon.
	if len(mc.order) > memMaxMessagesPerConversation {
		evicted := mc.order[:len(mc.order)-memMaxMessagesPerConversation]
		for _, id := range evicted {
			if old := s.msgs[id]; old != nil {
				delete(mc.dedupe, old.ClientMsgID)
				delete(s.msgs, id)
			}
		}
		mc.order = append(mc.order[:0:0], mc.order[len(mc.order)-memMaxMessagesPerConversation:]...)
	}

	return CreateMessageResult{Stored: msg, Duplicated: false}, nil
}

// GetMessage returns a message regardless of tombstone state.
func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.msgs[messageID]
	if m == nil {
		return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return *m, nil
}

// UpdateMessage replaces the body and sets the edited flag.
func (s *MemoryStore) UpdateMessage(ctx context.Context, messageID, body string, now time.Time) (StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.msgs[messageID]
	if m == nil {
		return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if m.Deleted {
		return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrTombstoned)
	}

	m.Body = body
	m.Edited = true
	return *m, nil
}

// TombstoneMessage marks the message deleted and blanks the body, keeping the row.
func (s *MemoryStore) TombstoneMessage(ctx context.Context, messageID string, now time.Time) (StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.msgs[messageID]
	if m == nil {
		return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if m.Deleted {
		return StoredMessage{}, fmt.Errorf("message %s: %w", messageID, ErrTombstoned)
	}

	m.Body = ""
	m.Deleted = true
	return *m, nil
}

// SetReadCursor advances the user's read cursor; it never moves backwards.
func (s *MemoryStore) SetReadCursor(ctx context.Context, userID, conversationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.convs[conversationID] == nil {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	key := userID + "\x00" + conversationID
	if prev, ok := s.cursors[key]; ok && !at.After(prev) {
		return nil
	}
	s.cursors[key] = at
	return nil
}

func cloneConversation(c Conversation) Conversation {
	return Conversation{
		ID:           c.ID,
		Kind:         c.Kind,
		Participants: append([]string(nil), c.Participants...),
	}
}
