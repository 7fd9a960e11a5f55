package client

import (
	"sort"
	"sync"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

// Status tracks an entry's delivery state, surfaced to the presentation
// layer so failed sends stay visible instead of silently disappearing.
type Status uint8

const (
	// StatusPending: optimistic local write, durable call in flight.
	StatusPending Status = iota + 1
	// StatusFailed: durable call failed; entry kept, eligible for Retry.
	StatusFailed
	// StatusConfirmed: server-assigned identity present.
	StatusConfirmed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Entry is one message plus its local delivery state.
type Entry struct {
	Message chatv1.Message
	Status  Status

	at  time.Time // parsed created_at, the sort key
	seq uint64    // arrival order, the tie-break
}

// Store is the ordered message collection for one active room.
//
// Invariants:
//   - Entries are always sorted ascending by parsed created_at; ties keep
//     arrival order (stable).
//   - At most one entry per message identity: server id and correlation
//     token both dedupe by replace-in-place.
//   - Replace carries the version observed when its fetch started and is
//     discarded when the store has moved past it, so a slow poll snapshot
//     never clobbers a newer push-delivered or optimistic write.
//
// All methods are safe for concurrent use; the dispatcher, listener and
// poller all write here without further coordination.
type Store struct {
	roomID int64

	mu      sync.Mutex
	entries []Entry
	version uint64
	arrival uint64
}

// NewStore constructs an empty store scoped to roomID.
func NewStore(roomID int64) *Store {
	return &Store{roomID: roomID}
}

// RoomID returns the room this store is scoped to.
func (s *Store) RoomID() int64 { return s.roomID }

// Version returns the current mutation counter. Callers snapshot it before a
// fetch and hand it back to Replace.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Append merges one message, then restores sort order.
//
// If the message matches an existing entry by server id or correlation
// token, the entry is replaced in place (the optimistic copy is upgraded
// rather than duplicated). A missing timestamp defaults to now.
func (s *Store) Append(msg chatv1.Message, status Status) {
	now := time.Now().UTC()
	if msg.CreatedAt == "" {
		msg.CreatedAt = chatv1.FormatCreatedAt(now)
	}
	at := chatv1.ParseCreatedAt(msg.CreatedAt, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++

	if i := s.indexOfLocked(msg); i >= 0 {
		s.entries[i].Message = msg
		s.entries[i].Status = status
		s.entries[i].at = at
		s.sortLocked()
		return
	}

	s.arrival++
	s.entries = append(s.entries, Entry{Message: msg, Status: status, at: at, seq: s.arrival})
	s.sortLocked()
}

// Replace installs a fetched snapshot, used by initial load and the fallback
// poller. It applies only when snapshot matches the current version;
// unconfirmed local entries absent from the snapshot are preserved.
// Returns whether the snapshot was applied.
func (s *Store) Replace(snapshot uint64, msgs []chatv1.Message) bool {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot != s.version {
		return false
	}
	s.version++

	fresh := make([]Entry, 0, len(msgs)+4)
	s.arrival = 0
	for _, m := range msgs {
		if m.CreatedAt == "" {
			m.CreatedAt = chatv1.FormatCreatedAt(now)
		}
		s.arrival++
		fresh = append(fresh, Entry{
			Message: m,
			Status:  StatusConfirmed,
			at:      chatv1.ParseCreatedAt(m.CreatedAt, now),
			seq:     s.arrival,
		})
	}

	// Keep pending/failed locals the server does not know about yet.
	for _, e := range s.entries {
		if e.Status == StatusConfirmed {
			continue
		}
		if containsIdentity(fresh, e.Message) {
			continue
		}
		s.arrival++
		e.seq = s.arrival
		fresh = append(fresh, e)
	}

	s.entries = fresh
	s.sortLocked()
	return true
}

// MarkFailed flags the entry carrying token as failed. No-op when absent.
func (s *Store) MarkFailed(token string) {
	s.setStatus(token, StatusFailed)
}

// Get returns the entry carrying token.
func (s *Store) Get(token string) (Entry, bool) {
	if token == "" {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Message.TempID == token {
			return e, true
		}
	}
	return Entry{}, false
}

// Messages returns the full ordered collection.
func (s *Store) Messages() []chatv1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]chatv1.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

// Entries returns the ordered collection with delivery state.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) setStatus(token string, status Status) {
	if token == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].Message.TempID == token {
			s.entries[i].Status = status
			s.version++
			return
		}
	}
}

func (s *Store) indexOfLocked(msg chatv1.Message) int {
	for i := range s.entries {
		if msg.ID != 0 && s.entries[i].Message.ID == msg.ID {
			return i
		}
		if msg.TempID != "" && s.entries[i].Message.TempID == msg.TempID {
			return i
		}
	}
	return -1
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		a, b := s.entries[i], s.entries[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})
}

func containsIdentity(entries []Entry, msg chatv1.Message) bool {
	for _, e := range entries {
		if msg.ID != 0 && e.Message.ID == msg.ID {
			return true
		}
		if msg.TempID != "" && e.Message.TempID == msg.TempID {
			return true
		}
	}
	return false
}
