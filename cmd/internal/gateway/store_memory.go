package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// MemoryStore is a dev-only fallback when the database is not configured.
// It honors the same contract as PostgresStore: unique room titles,
// idempotent message creates per (room, temp_id), and newest-window paging.
type MemoryStore struct {
	mu         sync.Mutex
	nextRoomID int64
	nextMsgID  int64
	byName     map[string]*memRoom // lowercased title -> room
	byID       map[int64]*memRoom
}

type memRoom struct {
	room   chatv1.Room
	dedupe map[string]chatv1.Message // temp_id -> stored message
	msgs   []chatv1.Message          // ordered by (created_at, id)
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byName: make(map[string]*memRoom),
		byID:   make(map[int64]*memRoom),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// FindOrCreateRoom resolves a room by title, creating it on first contact.
// Titles are compared case-insensitively so concurrent first-contact from
// two tabs converges on one room.
func (s *MemoryStore) FindOrCreateRoom(ctx context.Context, name string) (chatv1.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chatv1.Room{}, errors.New("missing room name")
	}
	if err := ctx.Err(); err != nil {
		return chatv1.Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(name)
	if r, ok := s.byName[key]; ok {
		return r.room, nil
	}

	s.nextRoomID++
	r := &memRoom{
		room:   chatv1.Room{ID: s.nextRoomID, Name: name},
		dedupe: make(map[string]chatv1.Message),
		msgs:   make([]chatv1.Message, 0, 256),
	}
	s.byName[key] = r
	s.byID[r.room.ID] = r
	return r.room, nil
}

// ListRooms returns rooms, optionally filtered by exact title match.
func (s *MemoryStore) ListRooms(ctx context.Context, nameFilter string) ([]chatv1.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if nameFilter != "" {
		r, ok := s.byName[strings.ToLower(strings.TrimSpace(nameFilter))]
		if !ok {
			return nil, nil
		}
		return []chatv1.Room{r.room}, nil
	}

	out := make([]chatv1.Room, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r.room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRoom returns a room by id.
func (s *MemoryStore) GetRoom(ctx context.Context, id int64) (chatv1.Room, error) {
	if err := ctx.Err(); err != nil {
		return chatv1.Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return chatv1.Room{}, ErrRoomNotFound
	}
	return r.room, nil
}

// CreateMessage persists a message with idempotency per (room, temp_id).
func (s *MemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if in.RoomID == 0 || in.Body == "" {
		return CreateMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[in.RoomID]
	if !ok {
		return CreateMessageResult{}, ErrRoomNotFound
	}

	if in.TempID != "" {
		if existing, ok := r.dedupe[in.TempID]; ok {
			return CreateMessageResult{Stored: existing, Duplicated: true}, nil
		}
	}

	s.nextMsgID++
	msg := chatv1.Message{
		ID:        s.nextMsgID,
		TempID:    in.TempID,
		RoomID:    in.RoomID,
		Body:      in.Body,
		Sender:    in.Sender,
		CreatedAt: chatv1.FormatCreatedAt(now),
	}
	if in.TempID != "" {
		r.dedupe[in.TempID] = msg
	}
	r.msgs = append(r.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}

	return CreateMessageResult{Stored: msg, Duplicated: false}, nil
}

// ListMessages returns page N (1-based) of the newest window, oldest first
// within the page.
func (s *MemoryStore) ListMessages(ctx context.Context, roomID int64, page, limit int) ([]chatv1.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	r, ok := s.byID[roomID]
	var snap []chatv1.Message
	if ok {
		snap = append([]chatv1.Message(nil), r.msgs...)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrRoomNotFound
	}
	if len(snap) == 0 {
		return nil, nil
	}

	// Page 1 is the newest limit messages; page 2 the window before that.
	end := len(snap) - (page-1)*limit
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return snap[start:end], nil
}

// GetMessageByToken returns the persisted message that a temp_id resolved to.
func (s *MemoryStore) GetMessageByToken(ctx context.Context, roomID int64, tempID string) (chatv1.Message, bool, error) {
	if tempID == "" {
		return chatv1.Message{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return chatv1.Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[roomID]
	if !ok {
		return chatv1.Message{}, false, ErrRoomNotFound
	}
	msg, ok := r.dedupe[tempID]
	return msg, ok, nil
}
