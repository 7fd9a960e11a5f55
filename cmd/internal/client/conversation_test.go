package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

func newTestConversation(t *testing.T, durable DurableAPI, opts ...ConversationOption) (*Conversation, *fakeTransport) {
	t.Helper()

	tr := newFakeTransport()
	d := &fakeDialer{next: tr}
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer(d.dial))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Disconnect)

	viewer := chatv1.Sender{ID: 1, Name: "agent", Role: "support"}
	c := NewConversation(testLogger(t), s, durable, 7, viewer, opts...)
	t.Cleanup(c.Close)
	return c, tr
}

func TestConversation_ColdLoadSortsReverseInput(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	// Persisted in reverse order [T2, T1] on the wire.
	durable.seed(7,
		chatv1.Message{ID: 2, RoomID: 7, Body: "second", CreatedAt: "2026-08-01T10:05:00Z"},
		chatv1.Message{ID: 1, RoomID: 7, Body: "first", CreatedAt: "2026-08-01T10:00:00Z"},
	)

	c, _ := newTestConversation(t, durable, WithPollInterval(time.Hour))
	c.Open(context.Background())

	got := c.Messages()
	if len(got) != 2 || got[0].Body != "first" || got[1].Body != "second" {
		t.Fatalf("cold load order wrong: %+v", got)
	}
}

func TestConversation_EmptySendRejectedWithoutSideEffects(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	c, _ := newTestConversation(t, durable, WithPollInterval(time.Hour))
	c.Open(context.Background())

	if err := c.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}

	if c.Store().Len() != 0 {
		t.Fatalf("store mutated by empty send: %d entries", c.Store().Len())
	}
	if _, creates := durable.calls(); creates != 0 {
		t.Fatalf("network call issued for empty send: %d", creates)
	}
}

func TestConversation_SendOptimisticThenConfirmed_SingleCopy(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	c, tr := newTestConversation(t, durable, WithPollInterval(time.Hour))
	c.Open(context.Background())

	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Exactly one visible copy carrying the server identity.
	entries := c.Store().Entries()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one copy, got %d", len(entries))
	}
	if entries[0].Message.ID == 0 || entries[0].Status != StatusConfirmed {
		t.Fatalf("expected confirmed server record, got %+v", entries[0])
	}

	// One durable write and one push emit carrying the same token.
	if _, creates := durable.calls(); creates != 1 {
		t.Fatalf("expected one durable write, got %d", creates)
	}
	emits := tr.writtenOfType(chatv1.TypeMessage)
	if len(emits) != 1 {
		t.Fatalf("expected one push emit, got %d", len(emits))
	}
	var p chatv1.MessageSendPayload
	if err := json.Unmarshal(emits[0].Payload, &p); err != nil {
		t.Fatalf("decode emit: %v", err)
	}
	if p.TempID != entries[0].Message.TempID {
		t.Fatalf("emit token %q != stored token %q", p.TempID, entries[0].Message.TempID)
	}
}

func TestConversation_EchoOfOwnSendDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	c, tr := newTestConversation(t, durable, WithPollInterval(time.Hour))
	c.Open(context.Background())

	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stored := c.Messages()[0]

	// Gateway fans the persisted record back to the sender too.
	v := c.Store().Version()
	payload, _ := json.Marshal(stored)
	tr.deliver(NewEnvelope(chatv1.TypeMessage, payload))

	waitFor(t, time.Second, func() bool { return c.Store().Version() > v })

	if got := c.Store().Len(); got != 1 {
		t.Fatalf("echo duplicated the message: %d entries", got)
	}
}

func TestConversation_PersistFailureMarksFailedAndRetryRecovers(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	durable.createErr = errors.New("persist down")

	c, _ := newTestConversation(t, durable, WithPollInterval(time.Hour))
	c.Open(context.Background())

	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Optimistic entry kept, marked failed, still visible.
	entries := c.Store().Entries()
	if len(entries) != 1 || entries[0].Status != StatusFailed {
		t.Fatalf("expected one failed entry, got %+v", entries)
	}
	token := entries[0].Message.TempID

	durable.mu.Lock()
	durable.createErr = nil
	durable.mu.Unlock()

	if err := c.Retry(context.Background(), token); err != nil {
		t.Fatalf("retry: %v", err)
	}

	entries = c.Store().Entries()
	if len(entries) != 1 || entries[0].Status != StatusConfirmed || entries[0].Message.ID == 0 {
		t.Fatalf("expected confirmed entry after retry, got %+v", entries)
	}
}

func TestConversation_RoomIsolation(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	c, tr := newTestConversation(t, durable, WithPollInterval(time.Hour))
	c.Open(context.Background())

	var typingSeen atomic.Int64
	c.OnTyping(func(bool) { typingSeen.Add(1) })

	// Foreign-room message and typing events while room 7 is active.
	foreignMsg, _ := json.Marshal(chatv1.Message{ID: 5, RoomID: 8, Body: "other room"})
	tr.deliver(NewEnvelope(chatv1.TypeMessage, foreignMsg))

	foreignTyping, _ := json.Marshal(chatv1.TypingPayload{RoomID: 8, IsTyping: true})
	tr.deliver(NewEnvelope(chatv1.TypeTyping, foreignTyping))

	// A matching-room event afterwards proves delivery is flowing.
	ownMsg, _ := json.Marshal(chatv1.Message{ID: 6, RoomID: 7, Body: "this room", CreatedAt: "2026-08-01T10:00:00Z"})
	tr.deliver(NewEnvelope(chatv1.TypeMessage, ownMsg))

	waitFor(t, time.Second, func() bool { return c.Store().Len() == 1 })

	got := c.Messages()
	if got[0].RoomID != 7 {
		t.Fatalf("foreign-room message leaked: %+v", got)
	}
	if typingSeen.Load() != 0 {
		t.Fatal("foreign-room typing leaked")
	}

	ownTyping, _ := json.Marshal(chatv1.TypingPayload{RoomID: 7, IsTyping: true})
	tr.deliver(NewEnvelope(chatv1.TypeTyping, ownTyping))

	waitFor(t, time.Second, func() bool { return typingSeen.Load() == 1 })
}

func TestConversation_PollerDeliversWithinOneInterval(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()

	// No push channel at all: session never connects, the poller is the only
	// delivery path.
	s := NewSession(testLogger(t), "ws://test/ws", WithDialer((&fakeDialer{err: errors.New("down")}).dial))
	viewer := chatv1.Sender{ID: 1, Name: "agent"}
	c := NewConversation(testLogger(t), s, durable, 7, viewer, WithPollInterval(30*time.Millisecond))
	defer c.Close()

	c.Open(context.Background())
	if c.Store().Len() != 0 {
		t.Fatalf("unexpected initial contents: %d", c.Store().Len())
	}

	// Another viewer persists a message out of band.
	durable.seed(7, chatv1.Message{ID: 10, RoomID: 7, Body: "from elsewhere", CreatedAt: "2026-08-01T10:00:00Z"})

	// Must surface within one polling interval (plus scheduling slack).
	waitFor(t, 500*time.Millisecond, func() bool { return c.Store().Len() == 1 })
}

func TestConversation_PollFailureSwallowedAndRetriedNextTick(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	durable.listErr = errors.New("fetch down")

	c, _ := newTestConversation(t, durable, WithPollInterval(20*time.Millisecond))
	c.Open(context.Background())

	// A few failing ticks pass without surfacing anything.
	waitFor(t, time.Second, func() bool {
		list, _ := durable.calls()
		return list >= 3
	})
	if c.Store().Len() != 0 {
		t.Fatalf("unexpected contents during outage: %d", c.Store().Len())
	}

	durable.mu.Lock()
	durable.listErr = nil
	durable.messages[7] = []chatv1.Message{{ID: 1, RoomID: 7, Body: "recovered", CreatedAt: "2026-08-01T10:00:00Z"}}
	durable.mu.Unlock()

	waitFor(t, time.Second, func() bool { return c.Store().Len() == 1 })
}

func TestConversation_CloseStopsPolling(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	c, _ := newTestConversation(t, durable, WithPollInterval(15*time.Millisecond))
	c.Open(context.Background())

	waitFor(t, time.Second, func() bool {
		list, _ := durable.calls()
		return list >= 2
	})

	c.Close()
	listAtClose, _ := durable.calls()

	time.Sleep(80 * time.Millisecond)
	listAfter, _ := durable.calls()

	// One in-flight tick may land; the interval must not keep firing.
	if listAfter > listAtClose+1 {
		t.Fatalf("poller still running after close: %d -> %d", listAtClose, listAfter)
	}
}
