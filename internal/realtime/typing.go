package realtime

import (
	"context"
	"log/slog"
	"time"

	v1 "parley/contracts/chat/v1"
)

// TypingBroadcaster relays typing start/stop events to the other subscribers
// of a conversation's group. Stateless and best-effort: nothing is persisted,
// nothing is queued beyond the single fan-out, and a dropped event is not
// retried.
//
// A client that disconnects while "typing" is never told to stop by the
// server; consumers apply a client-side timeout as the correctness fallback.
type TypingBroadcaster struct {
	log  *slog.Logger
	gate *Gate
	hub  *Hub
}

// NewTypingBroadcaster constructs a broadcaster.
func NewTypingBroadcaster(log *slog.Logger, gate *Gate, hub *Hub) *TypingBroadcaster {
	return &TypingBroadcaster{log: log, gate: gate, hub: hub}
}

// StartTyping relays a typing_start event to every other subscriber of the
// conversation. Never echoed back to the originating user's devices.
func (b *TypingBroadcaster) StartTyping(ctx context.Context, conversationID, userID string) error {
	return b.relay(ctx, v1.TypeTypingStart, conversationID, userID)
}

// StopTyping relays a typing_stop event to every other subscriber of the
// conversation.
func (b *TypingBroadcaster) StopTyping(ctx context.Context, conversationID, userID string) error {
	return b.relay(ctx, v1.TypeTypingStop, conversationID, userID)
}

func (b *TypingBroadcaster) relay(ctx context.Context, typ, conversationID, userID string) error {
	if err := b.gate.EnsureParticipant(ctx, userID, conversationID); err != nil {
		return err
	}

	env := newEnvelope(typ, v1.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}, time.Now().UTC())

	b.hub.Group(conversationID).BroadcastExcept(env, userID)
	return nil
}
