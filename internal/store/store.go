// Package store defines the conversation persistence boundary consumed by the
// chat core: conversation membership reads and canonical message writes.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. Implementations must return these (possibly wrapped) so
// callers can map them onto the operation error taxonomy with errors.Is.
var (
	// ErrNotFound means the referenced conversation or message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTombstoned means the referenced message exists but is deleted.
	ErrTombstoned = errors.New("store: message tombstoned")
)

// Conversation kinds.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation is a participant-visible conversation row. Membership changes
// are driven externally; the chat core treats this as read-mostly and
// re-fetches rather than mutates.
type Conversation struct {
	ID           string
	Kind         string
	Participants []string
}

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID             string
	ConversationID string
	ClientMsgID    string
	SenderID       string
	Kind           string
	Body           string
	Seq            int64
	CreatedAt      time.Time
	Edited         bool
	Deleted        bool
}

// CreateMessageInput describes a message create request.
type CreateMessageInput struct {
	ConversationID string
	ClientMsgID    string
	SenderID       string
	Kind           string
	Body           string
	Now            time.Time
}

// CreateMessageResult is the create operation result.
type CreateMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// ConversationStore persists and queries conversations, messages, and read cursors.
//
// Requirements:
//   - CreateMessage is idempotent per (conversation_id, client_msg_id)
//   - Monotonic seq per conversation (no gaps for duplicates)
//   - TombstoneMessage retains the row and blanks the body; it never deletes
//   - SetReadCursor only moves the cursor forward
type ConversationStore interface {
	// ListConversationsFor returns every conversation the user participates in.
	ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error)
	// IsParticipant reports whether userID is a participant of conversationID.
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	// GetConversation returns a single conversation with its participant set.
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)

	CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error)
	// GetMessage returns a message regardless of tombstone state; callers
	// inspect Deleted themselves.
	GetMessage(ctx context.Context, messageID string) (StoredMessage, error)
	// UpdateMessage replaces the body and sets the edited flag.
	// Returns ErrNotFound for missing ids and ErrTombstoned for deleted ones.
	UpdateMessage(ctx context.Context, messageID, body string, now time.Time) (StoredMessage, error)
	// TombstoneMessage marks the message deleted, keeping the row.
	TombstoneMessage(ctx context.Context, messageID string, now time.Time) (StoredMessage, error)

	SetReadCursor(ctx context.Context, userID, conversationID string, at time.Time) error

	Close() error
}
