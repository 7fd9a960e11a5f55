// Package gateway is the serving side of the Desk chat delivery path: the
// push-channel WebSocket gateway, the durable message/room REST API, and the
// persistence behind both.
package gateway

import (
	"context"
	"errors"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

// ErrRoomNotFound is returned for operations against an unknown room id.
var ErrRoomNotFound = errors.New("gateway: room not found")

// Store persists rooms and messages.
//
// Requirements:
//   - Room titles are unique; FindOrCreateRoom is race-free under concurrent
//     first-contact (two tabs resolving the same title get the same room).
//   - CreateMessage is idempotent per (room_id, temp_id).
//   - ListMessages returns a page of the newest window in created_at ASC order.
type Store interface {
	FindOrCreateRoom(ctx context.Context, name string) (chatv1.Room, error)
	ListRooms(ctx context.Context, nameFilter string) ([]chatv1.Room, error)
	GetRoom(ctx context.Context, id int64) (chatv1.Room, error)

	CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error)
	ListMessages(ctx context.Context, roomID int64, page, limit int) ([]chatv1.Message, error)
	GetMessageByToken(ctx context.Context, roomID int64, tempID string) (chatv1.Message, bool, error)

	Close() error
}

// CreateMessageInput describes a message create request.
type CreateMessageInput struct {
	RoomID int64
	TempID string
	Body   string
	Sender chatv1.Sender
	Now    time.Time
}

// CreateMessageResult is the create operation result.
type CreateMessageResult struct {
	Stored     chatv1.Message
	Duplicated bool
}
