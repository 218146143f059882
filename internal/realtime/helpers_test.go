package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errStoreDown = errors.New("store down")

// fakeStore is an in-memory ConversationStore double with programmable
// failure switches and call counters.
type fakeStore struct {
	mu sync.Mutex

	convs   map[string]store.Conversation
	msgs    map[string]store.StoredMessage
	dedupe  map[string]string // conversationID+"\x00"+clientMsgID -> messageID
	seqs    map[string]int64
	cursors map[string]time.Time

	failCreate      bool
	failList        bool
	failParticipant bool

	// When set, GetConversation signals entry once and then blocks until
	// blockGetConv is closed. Lets tests hold a join mid-flight.
	getConvEntered chan struct{}
	blockGetConv   chan struct{}
	getConvOnce    sync.Once

	participantCalls atomic.Int64
	createCalls      atomic.Int64
}

func newFakeStore(convs ...store.Conversation) *fakeStore {
	s := &fakeStore{
		convs:   make(map[string]store.Conversation),
		msgs:    make(map[string]store.StoredMessage),
		dedupe:  make(map[string]string),
		seqs:    make(map[string]int64),
		cursors: make(map[string]time.Time),
	}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (s *fakeStore) ListConversationsFor(_ context.Context, userID string) ([]store.Conversation, error) {
	if s.failList {
		return nil, errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Conversation
	for _, c := range s.convs {
		for _, p := range c.Participants {
			if p == userID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) IsParticipant(_ context.Context, userID, conversationID string) (bool, error) {
	s.participantCalls.Add(1)
	if s.failParticipant {
		return false, errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return false, nil
	}
	for _, p := range c.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetConversation(_ context.Context, conversationID string) (store.Conversation, error) {
	if s.getConvEntered != nil {
		s.getConvOnce.Do(func() { close(s.getConvEntered) })
	}
	if s.blockGetConv != nil {
		<-s.blockGetConv
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, in store.CreateMessageInput) (store.CreateMessageResult, error) {
	s.createCalls.Add(1)
	if s.failCreate {
		return store.CreateMessageResult{}, errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := in.ConversationID + "\x00" + in.ClientMsgID
	if id, ok := s.dedupe[key]; ok {
		return store.CreateMessageResult{Stored: s.msgs[id], Duplicated: true}, nil
	}

	s.seqs[in.ConversationID]++
	m := store.StoredMessage{
		ID:             "m-" + in.ConversationID + "-" + in.ClientMsgID,
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Kind:           in.Kind,
		Body:           in.Body,
		Seq:            s.seqs[in.ConversationID],
		CreatedAt:      in.Now,
	}
	s.msgs[m.ID] = m
	s.dedupe[key] = m.ID
	return store.CreateMessageResult{Stored: m}, nil
}

func (s *fakeStore) GetMessage(_ context.Context, messageID string) (store.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return store.StoredMessage{}, store.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) UpdateMessage(_ context.Context, messageID, body string, _ time.Time) (store.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return store.StoredMessage{}, store.ErrNotFound
	}
	if m.Deleted {
		return store.StoredMessage{}, store.ErrTombstoned
	}
	m.Body = body
	m.Edited = true
	s.msgs[messageID] = m
	return m, nil
}

func (s *fakeStore) TombstoneMessage(_ context.Context, messageID string, _ time.Time) (store.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return store.StoredMessage{}, store.ErrNotFound
	}
	if m.Deleted {
		return store.StoredMessage{}, store.ErrTombstoned
	}
	m.Deleted = true
	m.Body = ""
	s.msgs[messageID] = m
	return m, nil
}

func (s *fakeStore) SetReadCursor(_ context.Context, userID, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "\x00" + conversationID
	if cur, ok := s.cursors[key]; ok && !at.After(cur) {
		return nil
	}
	s.cursors[key] = at
	return nil
}

func (s *fakeStore) Close() error { return nil }

// drain empties a client's send queue and returns what was pending.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func unmarshalPayload(env v1.Envelope, out any) error {
	return json.Unmarshal(env.Payload, out)
}

func typesOf(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}
