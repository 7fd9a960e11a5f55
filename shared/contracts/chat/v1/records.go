package v1

import (
	"encoding/json"
	"strings"
	"time"
)

// Sender describes the author of a message as the viewer sees it.
type Sender struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Message is one chat line as exchanged with the durable API and fanned out
// over the push channel.
//
// ID is assigned by the server once persisted; TempID is the client-generated
// correlation token carried from the optimistic write through the durable
// create and the fanout, so receivers can replace-in-place instead of
// duplicating. CreatedAt is an ISO-8601 string on the wire.
type Message struct {
	ID        int64  `json:"id,omitempty"`
	TempID    string `json:"temp_id,omitempty"`
	RoomID    int64  `json:"room_id"`
	Body      string `json:"body"`
	Sender    Sender `json:"sender"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Room is a conversation scope. Name doubles as a structured lookup key
// (e.g. "Support#42") and must be treated as an opaque unique string.
type Room struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ParseCreatedAt parses a message timestamp, defaulting to "now" when the
// field is missing or malformed. The delivery module sorts by this value,
// so an unparseable timestamp must degrade to something orderable rather
// than fail the merge.
func ParseCreatedAt(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return now
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return now
}

// FormatCreatedAt renders a timestamp in the wire format.
func FormatCreatedAt(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// listEnvelope matches the two wrapped list-response shapes.
type listEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// DecodeMessageList decodes a durable-API message list response.
//
// Three shapes are tolerated: a bare array, {"data":[...]}, and
// {"data":{"data":[...]}}. Anything else decodes to an empty list — the
// caller treats malformed payloads as empty results, never as failures.
func DecodeMessageList(raw []byte) []Message {
	for range [3]struct{}{} {
		var msgs []Message
		if err := json.Unmarshal(raw, &msgs); err == nil {
			return msgs
		}

		var env listEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Data == nil {
			return nil
		}
		raw = env.Data
	}
	return nil
}

// DecodeRoomList decodes a durable-API room list response with the same
// shape tolerance as DecodeMessageList.
func DecodeRoomList(raw []byte) []Room {
	for range [3]struct{}{} {
		var rooms []Room
		if err := json.Unmarshal(raw, &rooms); err == nil {
			return rooms
		}

		var env listEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Data == nil {
			return nil
		}
		raw = env.Data
	}
	return nil
}
