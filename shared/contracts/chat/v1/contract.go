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
	// TypeJoin announces intent to receive events scoped to a room (client -> server).
	TypeJoin = "chat:join"

	// TypeMessage carries a chat message. Client -> server it is an emit request
	// (MessageSendPayload); server -> client it is a fanout of the persisted
	// record (Message).
	TypeMessage = "chat:message"

	// TypeTyping is a transient typing signal relayed to room members.
	// It is never persisted.
	TypeTyping = "chat:typing"

	// TypeError is a generic error envelope (server -> client).
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
	case TypeJoin, TypeMessage, TypeTyping, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinPayload requests membership in a room. Joining a new room implicitly
// leaves the previous one; the server pairs join/leave on switch.
type JoinPayload struct {
	RoomID int64 `json:"room_id"`
}

// MessageSendPayload asks the server to fan out an already-persisted message.
// TempID is the client-generated correlation token included in the durable
// create call; receivers use it to reconcile optimistic copies.
type MessageSendPayload struct {
	RoomID int64  `json:"room_id"`
	Body   string `json:"body"`
	TempID string `json:"temp_id,omitempty"`
}

// TypingPayload is a room-scoped typing indicator.
type TypingPayload struct {
	RoomID   int64 `json:"room_id"`
	IsTyping bool  `json:"is_typing"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
