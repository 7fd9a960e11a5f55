// Package client implements the Desk realtime conversation delivery module:
// a room-scoped message stream combining a push channel with a pull fallback,
// with optimistic local writes reconciled against server-confirmed state.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

const defaultWriteTimeout = 5 * time.Second

// Session owns the push-channel connection for one viewer.
//
// Design notes:
//   - At most one transport handle exists at a time; Connect is a no-op while
//     one is held and Disconnect is idempotent.
//   - Joined rooms are reference-counted so independent conversation views of
//     the same room share a single logical membership.
//   - There is no auto-reconnect; a dead transport only flips the liveness
//     flag and the fallback poller carries the stream until the owner
//     reconnects explicitly.
type Session struct {
	log *slog.Logger

	url          string
	dial         DialFunc
	writeTimeout time.Duration

	connected atomic.Bool

	mu         sync.Mutex
	tr         Transport
	cancelRead context.CancelFunc
	rooms      map[int64]int
	subs       map[uint64]func(chatv1.Envelope)
	nextSub    uint64
}

// SessionOption configures Session behavior.
type SessionOption func(*Session)

// WithDialer overrides the transport dialer (tests, alternate transports).
func WithDialer(dial DialFunc) SessionOption {
	return func(s *Session) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithWriteTimeout bounds each push-channel write.
func WithWriteTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewSession constructs a Session against a ws:// or wss:// endpoint URL.
func NewSession(log *slog.Logger, url string, opts ...SessionOption) *Session {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Session{
		log:          log,
		url:          strings.TrimSpace(url),
		dial:         DialWebsocket,
		writeTimeout: defaultWriteTimeout,
		rooms:        make(map[int64]int),
		subs:         make(map[uint64]func(chatv1.Envelope)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect establishes the push channel. Calling while a transport handle
// exists is a no-op, so exactly one handle is ever created per connect cycle.
// Rooms joined before (or during a previous) connect are re-announced.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tr != nil {
		return nil
	}

	tr, err := s.dial(ctx, s.url)
	if err != nil {
		s.log.Info("session.connect.fail", "url", s.url, "err", err)
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s.tr = tr
	s.cancelRead = cancel
	s.connected.Store(true)
	s.log.Info("session.connect", "url", s.url)

	for roomID := range s.rooms {
		s.emitJoinLocked(ctx, roomID)
	}

	go s.readLoop(readCtx, tr)
	return nil
}

// Disconnect tears down the transport handle. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tr == nil {
		return
	}

	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	_ = s.tr.Close()
	s.tr = nil
	s.connected.Store(false)
	s.log.Info("session.disconnect", "url", s.url)
}

// Connected reports push-channel liveness. It flips to false when the read
// loop observes a transport failure; it is the only failure signal the
// session surfaces in steady state.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Join announces intent to receive events scoped to roomID. Membership is
// reference-counted; the join intent is emitted only on the first reference.
// Without a live transport this is a silent no-op (the join is replayed on
// the next Connect).
func (s *Session) Join(roomID int64) {
	if roomID <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[roomID]++
	if s.rooms[roomID] > 1 {
		return
	}
	s.emitJoinLocked(context.Background(), roomID)
}

// Leave drops one reference to roomID, forgetting the membership when the
// last reference is released. The wire protocol has no leave event; the
// gateway pairs leave with the next join.
func (s *Session) Leave(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.rooms[roomID]
	if !ok {
		return
	}
	if n <= 1 {
		delete(s.rooms, roomID)
		return
	}
	s.rooms[roomID] = n - 1
}

// Emit writes an envelope to the push channel, best-effort. Without a live
// transport it is a silent no-op; a write failure flips the liveness flag.
func (s *Session) Emit(ctx context.Context, env chatv1.Envelope) {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()

	if tr == nil {
		s.log.Debug("session.emit.skip", "type", env.Type, "reason", "no transport")
		return
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := tr.Write(wctx, env); err != nil {
		s.connected.Store(false)
		s.log.Info("session.emit.fail", "type", env.Type, "err", err)
	}
}

// Subscribe registers a handler for every inbound envelope and returns its
// unsubscribe function. Handlers run on the read-loop goroutine and must not
// block.
func (s *Session) Subscribe(fn func(chatv1.Envelope)) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) emitJoinLocked(ctx context.Context, roomID int64) {
	tr := s.tr
	if tr == nil {
		return
	}

	payload, _ := json.Marshal(chatv1.JoinPayload{RoomID: roomID})
	env := NewEnvelope(chatv1.TypeJoin, payload)

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := tr.Write(wctx, env); err != nil {
		s.log.Info("session.join.fail", "room_id", roomID, "err", err)
	}
}

func (s *Session) readLoop(ctx context.Context, tr Transport) {
	for {
		env, err := tr.Read(ctx)
		if err != nil {
			// Only flip liveness if this transport is still the active one;
			// a Disconnect/Connect cycle may already have replaced it.
			s.mu.Lock()
			if s.tr == tr {
				s.connected.Store(false)
			}
			s.mu.Unlock()

			s.log.Debug("session.read.stop", "err", err)
			return
		}

		if err := env.Validate(); err != nil {
			s.log.Debug("session.read.invalid", "err", err)
			continue
		}

		s.mu.Lock()
		fns := make([]func(chatv1.Envelope), 0, len(s.subs))
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
		s.mu.Unlock()

		for _, fn := range fns {
			fn(env)
		}
	}
}

// NewEnvelope wraps a payload in the canonical wire envelope.
func NewEnvelope(typ string, payload json.RawMessage) chatv1.Envelope {
	now := time.Now().UTC()
	return chatv1.Envelope{
		V:       chatv1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: payload,
	}
}
