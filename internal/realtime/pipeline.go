package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/store"
)

const pipelineLockShards = 64

// MessagePipeline validates, persists, and fans out message mutations.
//
// Ordering guarantee: operations for a single conversation are serialized by a
// per-conversation lock held across persist and broadcast, so every subscriber
// observes new/edit/delete/read-receipt events in the same relative order the
// pipeline accepted them. Cross-conversation ordering is not guaranteed.
//
// Broadcast guarantee: at most once per persisted mutation, never before the
// store acknowledges, never for a failed persist.
type MessagePipeline struct {
	log      *slog.Logger
	store    store.ConversationStore
	gate     *Gate
	hub      *Hub
	sessions *SessionRegistry
	now      func() time.Time

	locks [pipelineLockShards]sync.Mutex
}

// NewMessagePipeline constructs a pipeline.
func NewMessagePipeline(log *slog.Logger, st store.ConversationStore, gate *Gate, hub *Hub, sessions *SessionRegistry) *MessagePipeline {
	return &MessagePipeline{
		log:      log,
		store:    st,
		gate:     gate,
		hub:      hub,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SendInput describes a message send request.
type SendInput struct {
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Kind           string
	Body           string
}

// Send persists a message and broadcasts it to the conversation's group,
// including the sender's own devices. Duplicated reports a client-msg-id
// replay; the original record is returned and nothing is re-broadcast.
func (p *MessagePipeline) Send(ctx context.Context, in SendInput) (stored store.StoredMessage, duplicated bool, err error) {
	const op = "pipeline.Send"

	if err := p.gate.EnsureParticipant(ctx, in.SenderID, in.ConversationID); err != nil {
		return store.StoredMessage{}, false, err
	}

	mu := p.lockFor(in.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	now := p.now()
	res, err := p.store.CreateMessage(ctx, store.CreateMessageInput{
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Kind:           in.Kind,
		Body:           in.Body,
		Now:            now,
	})
	if err != nil {
		return store.StoredMessage{}, false, opErr(op, storeErrKind(err), err)
	}
	if res.Duplicated {
		return res.Stored, true, nil
	}

	m := res.Stored
	env := newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{
		ConversationID: m.ConversationID,
		ClientMsgID:    m.ClientMsgID,
		MessageID:      m.ID,
		Seq:            m.Seq,
		Sender:         m.SenderID,
		Kind:           m.Kind,
		Body:           m.Body,
		ServerTS:       m.CreatedAt,
	}, now)

	group := p.hub.Group(m.ConversationID)
	group.Broadcast(env)
	p.notifyUnsubscribedParticipants(ctx, group, m.ConversationID, env)

	p.log.Info("pipeline.message.new",
		"conversation_id", m.ConversationID, "message_id", m.ID, "seq", m.Seq, "kind", m.Kind)
	return m, false, nil
}

// Edit persists a body change and broadcasts the edit. Only the original
// sender may edit; tombstoned or missing messages fail with ErrNotFound.
func (p *MessagePipeline) Edit(ctx context.Context, messageID, newBody, requesterID string) (store.StoredMessage, error) {
	const op = "pipeline.Edit"

	m, err := p.authorizeMutation(ctx, op, messageID, requesterID)
	if err != nil {
		return store.StoredMessage{}, err
	}

	mu := p.lockFor(m.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	now := p.now()
	updated, err := p.store.UpdateMessage(ctx, messageID, newBody, now)
	if err != nil {
		return store.StoredMessage{}, opErr(op, storeErrKind(err), err)
	}

	p.hub.Group(updated.ConversationID).Broadcast(newEnvelope(v1.TypeMessageEdited, v1.MessageEditedPayload{
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		Seq:            updated.Seq,
		Sender:         updated.SenderID,
		Body:           updated.Body,
		Edited:         updated.Edited,
		ServerTS:       now,
	}, now))

	p.log.Info("pipeline.message.edited", "conversation_id", updated.ConversationID, "message_id", updated.ID)
	return updated, nil
}

// Delete tombstones a message and broadcasts a delete event carrying ids only.
// Same authorization as Edit. The record is never physically removed, so other
// participants' ordering and indexing stay intact.
func (p *MessagePipeline) Delete(ctx context.Context, messageID, requesterID string) (store.StoredMessage, error) {
	const op = "pipeline.Delete"

	m, err := p.authorizeMutation(ctx, op, messageID, requesterID)
	if err != nil {
		return store.StoredMessage{}, err
	}

	mu := p.lockFor(m.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	now := p.now()
	tombstoned, err := p.store.TombstoneMessage(ctx, messageID, now)
	if err != nil {
		return store.StoredMessage{}, opErr(op, storeErrKind(err), err)
	}

	p.hub.Group(tombstoned.ConversationID).Broadcast(newEnvelope(v1.TypeMessageDeleted, v1.MessageDeletedPayload{
		ConversationID: tombstoned.ConversationID,
		MessageID:      tombstoned.ID,
	}, now))

	p.log.Info("pipeline.message.deleted", "conversation_id", tombstoned.ConversationID, "message_id", tombstoned.ID)
	return tombstoned, nil
}

// MarkRead records the user's read cursor and broadcasts a read receipt so
// other participants can update unread-badge state. Idempotent when nothing
// new was read.
func (p *MessagePipeline) MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	const op = "pipeline.MarkRead"

	if err := p.gate.EnsureParticipant(ctx, userID, conversationID); err != nil {
		return time.Time{}, err
	}

	mu := p.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	at := p.now()
	if err := p.store.SetReadCursor(ctx, userID, conversationID, at); err != nil {
		return time.Time{}, opErr(op, storeErrKind(err), err)
	}

	p.hub.Group(conversationID).Broadcast(newEnvelope(v1.TypeReadReceipt, v1.ReadReceiptPayload{
		ConversationID: conversationID,
		UserID:         userID,
		At:             at,
	}, at))

	return at, nil
}

// authorizeMutation loads the target message and enforces the sender-only
// mutation rule. A tombstoned target reads as NotFound, matching a physically
// absent one.
func (p *MessagePipeline) authorizeMutation(ctx context.Context, op, messageID, requesterID string) (store.StoredMessage, error) {
	m, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.StoredMessage{}, opErr(op, storeErrKind(err), err)
	}
	if m.Deleted {
		return store.StoredMessage{}, opErr(op, ErrNotFound, nil)
	}
	if m.SenderID != requesterID {
		return store.StoredMessage{}, opErr(op, ErrForbidden, nil)
	}
	return m, nil
}

// notifyUnsubscribedParticipants delivers the event to the live connections of
// participants who are not currently subscribed to the conversation's group
// (e.g. a device showing the conversation list needs an unread-count bump).
// Best-effort: the message is already persisted and broadcast.
func (p *MessagePipeline) notifyUnsubscribedParticipants(ctx context.Context, group *Group, conversationID string, env v1.Envelope) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		p.log.Debug("pipeline.unread_notify.skip", "conversation_id", conversationID, "err", err)
		return
	}

	subscribed := group.SubscribedUsers()
	for _, participant := range conv.Participants {
		if _, ok := subscribed[participant]; ok {
			continue
		}
		p.sessions.SendToUser(participant, env)
	}
}

func (p *MessagePipeline) lockFor(conversationID string) *sync.Mutex {
	return &p.locks[shardIndex(conversationID, pipelineLockShards)]
}

// storeErrKind maps store errors onto the operation error taxonomy.
func storeErrKind(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTombstoned) {
		return ErrNotFound
	}
	return ErrPersistence
}
