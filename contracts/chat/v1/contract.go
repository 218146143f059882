// Package v1 defines the Parley chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake carrying the credential token (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake with the joined conversation list
	// and per-conversation presence snapshots (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin requests an on-demand join of a single conversation (client -> server).
	TypeConversationJoin = "conversation_join"
	// TypeConversationJoined acknowledges an on-demand join (server -> client).
	TypeConversationJoined = "conversation_joined"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly persisted message (server -> conversation members).
	TypeMessageNew = "message_new"

	// TypeMessageEdit requests editing an existing message (client -> server).
	TypeMessageEdit = "message_edit"
	// TypeMessageEdited broadcasts a persisted edit (server -> conversation members).
	TypeMessageEdited = "message_edited"

	// TypeMessageDelete requests tombstoning an existing message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageDeleted broadcasts a tombstone; it carries ids only, never content
	// (server -> conversation members).
	TypeMessageDeleted = "message_deleted"

	// TypeTypingStart and TypeTypingStop are best-effort typing relays
	// (client -> server -> other conversation members). Never persisted.
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// TypeReadMark records a read cursor (client -> server).
	TypeReadMark = "read_mark"
	// TypeReadReceipt broadcasts a read cursor update (server -> conversation members).
	TypeReadReceipt = "read_receipt"

	// TypePresenceOnline and TypePresenceOffline broadcast presence transitions
	// (server -> other conversation members).
	TypePresenceOnline  = "presence_online"
	TypePresenceOffline = "presence_offline"

	// TypeError is a generic failure envelope delivered to the caller only (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationJoined,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageEdit,
		TypeMessageEdited,
		TypeMessageDelete,
		TypeMessageDeleted,
		TypeTypingStart,
		TypeTypingStop,
		TypeReadMark,
		TypeReadReceipt,
		TypePresenceOnline,
		TypePresenceOffline,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
