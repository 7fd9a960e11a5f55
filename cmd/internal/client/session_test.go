package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

func TestSession_ConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer(d.dial))
	defer s.Disconnect()

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if got := d.dialCount(); got != 1 {
		t.Fatalf("expected exactly one transport handle, got %d dials", got)
	}
	if !s.Connected() {
		t.Fatal("expected connected")
	}
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer(d.dial))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s.Disconnect()
	s.Disconnect()

	if s.Connected() {
		t.Fatal("expected disconnected")
	}

	// A fresh connect after disconnect creates a new handle.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := d.dialCount(); got != 2 {
		t.Fatalf("expected 2 dials across the cycle, got %d", got)
	}
	s.Disconnect()
}

func TestSession_ConnectFailureLeavesDisconnected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{err: errors.New("refused")}
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer(d.dial))

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if s.Connected() {
		t.Fatal("liveness flag must stay false after failed connect")
	}
}

func TestSession_JoinWithoutTransportIsSilent(t *testing.T) {
	t.Parallel()

	s := NewSession(testLogger(t), "ws://test/ws", WithDialer((&fakeDialer{}).dial))

	// Must not panic or error; intent is recorded locally.
	s.Join(7)
	s.Leave(7)
}

func TestSession_JoinEmitsIntentAndReplaysOnConnect(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	d := &fakeDialer{next: tr}
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer(d.dial))
	defer s.Disconnect()

	// Joined before connect: silent, replayed on connect.
	s.Join(7)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	joins := tr.writtenOfType(chatv1.TypeJoin)
	if len(joins) != 1 {
		t.Fatalf("expected one replayed join, got %d", len(joins))
	}

	var p chatv1.JoinPayload
	if err := json.Unmarshal(joins[0].Payload, &p); err != nil {
		t.Fatalf("decode join payload: %v", err)
	}
	if p.RoomID != 7 {
		t.Fatalf("unexpected room id: %d", p.RoomID)
	}

	// Joining a second room while connected emits immediately.
	s.Join(9)
	if got := len(tr.writtenOfType(chatv1.TypeJoin)); got != 2 {
		t.Fatalf("expected two joins, got %d", got)
	}

	// A second reference to an already-joined room does not re-emit.
	s.Join(9)
	if got := len(tr.writtenOfType(chatv1.TypeJoin)); got != 2 {
		t.Fatalf("refcounted join re-emitted: %d", got)
	}
}

func TestSession_SubscribeFanOutAndUnsubscribe(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	d := &fakeDialer{next: tr}
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer(d.dial))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []chatv1.Envelope
	unsub := s.Subscribe(func(env chatv1.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	payload, _ := json.Marshal(chatv1.TypingPayload{RoomID: 7, IsTyping: true})
	tr.deliver(NewEnvelope(chatv1.TypeTyping, payload))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	unsub()
	tr.deliver(NewEnvelope(chatv1.TypeTyping, payload))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("handler received events after unsubscribe: %d", n)
	}
}

func TestSession_ReadFailureFlipsLiveness(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	d := &fakeDialer{next: tr}
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer(d.dial))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_ = tr.Close()

	waitFor(t, time.Second, func() bool { return !s.Connected() })
}

func TestSession_EmitWithoutTransportIsSilent(t *testing.T) {
	t.Parallel()

	s := NewSession(testLogger(t), "ws://test/ws", WithDialer((&fakeDialer{}).dial))

	payload, _ := json.Marshal(chatv1.TypingPayload{RoomID: 7, IsTyping: true})
	s.Emit(context.Background(), NewEnvelope(chatv1.TypeTyping, payload))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
