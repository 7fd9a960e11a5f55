package gateway

import (
	"log/slog"
	"sync"

	chatv1 "desk/shared/contracts/chat/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because wsClient.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  int64

	mu      sync.RWMutex
	members map[string]*wsClient
}

// NewRoom constructs a room fanout handle.
func NewRoom(log *slog.Logger, id int64) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*wsClient),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *wsClient) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership. It does not close the client:
// a session survives room switches and owns its own connection lifecycle.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, present := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if present {
		r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID)
	}
}

// Len returns the member count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env chatv1.Envelope) {
	r.BroadcastExcept(env, "")
}

// BroadcastExcept fanouts an envelope to all members except the named
// session. Typing relays use it so clients never see their own indicator.
func (r *Room) BroadcastExcept(env chatv1.Envelope, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			metricFanoutDrops.Inc()
		}
	}
}
