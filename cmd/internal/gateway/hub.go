package gateway

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory room fanout handles. It is intentionally minimal:
// persistence lives behind Store.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[int64]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[int64]*Room),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle.
func (h *Hub) GetOrCreateRoom(roomID int64) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	r := NewRoom(h.log, roomID)
	h.rooms[roomID] = r
	return r
}
