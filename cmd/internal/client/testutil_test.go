package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"desk/cmd/internal/api"
	chatv1 "desk/shared/contracts/chat/v1"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// fakeTransport is an in-memory Transport fed by tests.
type fakeTransport struct {
	in     chan chatv1.Envelope
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []chatv1.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan chatv1.Envelope, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) (chatv1.Envelope, error) {
	select {
	case <-ctx.Done():
		return chatv1.Envelope{}, ctx.Err()
	case <-f.closed:
		return chatv1.Envelope{}, errors.New("transport closed")
	case env := <-f.in:
		return env, nil
	}
}

func (f *fakeTransport) Write(_ context.Context, env chatv1.Envelope) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}

	f.mu.Lock()
	f.writes = append(f.writes, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(env chatv1.Envelope) {
	f.in <- env
}

func (f *fakeTransport) written() []chatv1.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatv1.Envelope(nil), f.writes...)
}

func (f *fakeTransport) writtenOfType(typ string) []chatv1.Envelope {
	var out []chatv1.Envelope
	for _, env := range f.written() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer counts dials and hands out transports.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	next  *fakeTransport
	err   error
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if d.next == nil {
		d.next = newFakeTransport()
	}
	tr := d.next
	d.next = nil
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeDurable is an in-memory DurableAPI.
type fakeDurable struct {
	mu        sync.Mutex
	messages  map[int64][]chatv1.Message
	nextID    int64
	listErr   error
	createErr error

	listCalls   int
	createCalls int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{messages: make(map[int64][]chatv1.Message)}
}

func (f *fakeDurable) ListMessages(_ context.Context, roomID int64, _, _ int) ([]chatv1.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]chatv1.Message(nil), f.messages[roomID]...), nil
}

func (f *fakeDurable) CreateMessage(_ context.Context, in api.CreateMessageInput) (chatv1.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.createErr != nil {
		return chatv1.Message{}, f.createErr
	}

	f.nextID++
	msg := chatv1.Message{
		ID:        f.nextID,
		TempID:    in.TempID,
		RoomID:    in.RoomID,
		Body:      in.Body,
		CreatedAt: chatv1.FormatCreatedAt(time.Now().UTC()),
	}
	f.messages[in.RoomID] = append(f.messages[in.RoomID], msg)
	return msg, nil
}

func (f *fakeDurable) seed(roomID int64, msgs ...chatv1.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[roomID] = append(f.messages[roomID], msgs...)
}

func (f *fakeDurable) calls() (list, create int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.createCalls
}
