package v1

import "time"

// Message kinds (wire-stable). The server rejects kinds outside this set.
const (
	KindText       = "text"
	KindImage      = "image"
	KindFile       = "file"
	KindVoice      = "voice"
	KindVideo      = "video"
	KindVocabulary = "vocabulary"
)

// ---- Payloads ----
//
// Inbound payloads carry `validate` tags; the gateway checks them with
// go-playground/validator before dispatching.

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Token string `json:"token" validate:"required"`
}

// ConversationSnapshot describes one joined conversation in a hello ack,
// including who is currently online in it.
type ConversationSnapshot struct {
	ConversationID string   `json:"conversation_id"`
	Kind           string   `json:"kind"`
	Online         []string `json:"online"`
}

// HelloAckPayload carries the session id and the initial joined conversation list.
type HelloAckPayload struct {
	ConnID        string                 `json:"conn_id"`
	UserID        string                 `json:"user_id"`
	Conversations []ConversationSnapshot `json:"conversations"`
}

// ConversationJoinPayload requests membership of the connection in a single
// conversation's broadcast group.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// ConversationJoinedPayload acknowledges an on-demand join.
type ConversationJoinedPayload struct {
	ConversationID string   `json:"conversation_id"`
	Kind           string   `json:"kind"`
	Online         []string `json:"online"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	ClientMsgID    string `json:"client_msg_id" validate:"required"`
	Kind           string `json:"kind,omitempty" validate:"omitempty,oneof=text image file voice video vocabulary"`
	Body           string `json:"body" validate:"required"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
}

// MessageNewPayload is broadcast when a new message is persisted (non-duplicate).
type MessageNewPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id"`
	MessageID      string    `json:"message_id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	Kind           string    `json:"kind"`
	Body           string    `json:"body"`
	ServerTS       time.Time `json:"server_ts"`
}

// MessageEditPayload requests an edit of an existing message.
type MessageEditPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Body      string `json:"body" validate:"required"`
}

// MessageEditedPayload is broadcast after an edit is persisted.
type MessageEditedPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	Edited         bool      `json:"edited"`
	ServerTS       time.Time `json:"server_ts"`
}

// MessageDeletePayload requests tombstoning of an existing message.
type MessageDeletePayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

// MessageDeletedPayload is broadcast after a tombstone is persisted.
// It intentionally carries no content.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// TypingPayload is relayed for typing_start/typing_stop. UserID is filled by
// the server on the outbound leg; clients never set it.
type TypingPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UserID         string `json:"user_id,omitempty"`
}

// ReadMarkPayload records the caller's read cursor for a conversation.
type ReadMarkPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// ReadReceiptPayload is broadcast when a member advances their read cursor.
type ReadReceiptPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}

// PresencePayload is broadcast for presence_online/presence_offline.
type PresencePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ErrorPayload is a generic failure payload delivered to the caller only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
