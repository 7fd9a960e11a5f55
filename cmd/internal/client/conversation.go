package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"desk/cmd/internal/api"
	chatv1 "desk/shared/contracts/chat/v1"
)

const (
	// DefaultPollInterval is the fallback poller period. The poller is the
	// resilience path when the push channel is degraded or absent, trading
	// up to one interval of staleness for eventual consistency.
	DefaultPollInterval = 3 * time.Second

	defaultPageLimit = 100
)

// ErrEmptyBody is returned by Send for empty or whitespace-only bodies.
// No store mutation and no network call happen in that case.
var ErrEmptyBody = errors.New("client: empty message body")

// DurableAPI is the request/response side of the delivery path.
// *api.Client satisfies it; tests substitute fakes.
type DurableAPI interface {
	ListMessages(ctx context.Context, roomID int64, page, limit int) ([]chatv1.Message, error)
	CreateMessage(ctx context.Context, in api.CreateMessageInput) (chatv1.Message, error)
}

// Conversation is one viewer's live view of a room: the message store fed by
// the inbound listener, the fallback poller and the outbound dispatcher.
type Conversation struct {
	log     *slog.Logger
	session *Session
	durable DurableAPI

	roomID int64
	viewer chatv1.Sender

	store    *Store
	viewport *Viewport

	pollEvery time.Duration
	pageLimit int

	typingMu sync.Mutex
	typingFn func(bool)

	openOnce  sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	unsub     func()
}

// ConversationOption configures Conversation behavior.
type ConversationOption func(*Conversation)

// WithPollInterval overrides the fallback poll period (tests mostly).
func WithPollInterval(d time.Duration) ConversationOption {
	return func(c *Conversation) {
		if d > 0 {
			c.pollEvery = d
		}
	}
}

// WithPageLimit overrides the durable fetch page size.
func WithPageLimit(n int) ConversationOption {
	return func(c *Conversation) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

// NewConversation constructs a conversation view for roomID on behalf of viewer.
func NewConversation(log *slog.Logger, session *Session, durable DurableAPI, roomID int64, viewer chatv1.Sender, opts ...ConversationOption) *Conversation {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	c := &Conversation{
		log:       log,
		session:   session,
		durable:   durable,
		roomID:    roomID,
		viewer:    viewer,
		store:     NewStore(roomID),
		viewport:  NewViewport(DefaultBottomThreshold),
		pollEvery: DefaultPollInterval,
		pageLimit: defaultPageLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Open joins the room, performs the initial load, subscribes the inbound
// listener and starts the fallback poller. Idempotent.
func (c *Conversation) Open(ctx context.Context) {
	c.openOnce.Do(func() {
		c.session.Join(c.roomID)

		c.refresh(ctx)

		c.unsub = c.session.Subscribe(c.onEnvelope)

		pollCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.pollLoop(pollCtx)

		c.log.Info("conversation.open", "room_id", c.roomID)
	})
}

// Close stops the poller, detaches the listener and releases the room
// membership reference. In-flight fetches finishing after Close are
// discarded by the store version check. Idempotent.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.unsub != nil {
			c.unsub()
		}
		c.session.Leave(c.roomID)
		c.log.Info("conversation.close", "room_id", c.roomID)
	})
}

// Send dispatches a composed message: optimistic local append first, then the
// durable persist call, then a best-effort push emit for cross-viewer fanout.
//
// A persist failure does not roll the optimistic entry back; it is marked
// failed (visible to the presentation layer) and can be re-sent with Retry.
func (c *Conversation) Send(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if c.roomID <= 0 {
		return errors.New("client: no active room")
	}

	now := time.Now().UTC()
	token := NewToken(now)

	local := chatv1.Message{
		TempID:    token,
		RoomID:    c.roomID,
		Body:      body,
		Sender:    c.viewer,
		CreatedAt: chatv1.FormatCreatedAt(now),
	}
	c.store.Append(local, StatusPending)
	metricSends.Inc()

	c.persist(ctx, token, body)
	return nil
}

// Retry re-issues the durable call for a failed entry.
func (c *Conversation) Retry(ctx context.Context, token string) error {
	entry, ok := c.store.Get(token)
	if !ok {
		return errors.New("client: unknown token")
	}
	if entry.Status != StatusFailed {
		return errors.New("client: entry is not failed")
	}

	c.persist(ctx, token, entry.Message.Body)
	return nil
}

// Typing emits a transient typing signal for the active room, best-effort.
func (c *Conversation) Typing(ctx context.Context, isTyping bool) {
	payload, _ := json.Marshal(chatv1.TypingPayload{RoomID: c.roomID, IsTyping: isTyping})
	c.session.Emit(ctx, NewEnvelope(chatv1.TypeTyping, payload))
}

// OnTyping registers the handler for inbound typing signals scoped to this
// room. Only one handler is kept; nil clears it.
func (c *Conversation) OnTyping(fn func(isTyping bool)) {
	c.typingMu.Lock()
	c.typingFn = fn
	c.typingMu.Unlock()
}

// Store exposes the ordered message collection.
func (c *Conversation) Store() *Store { return c.store }

// Viewport exposes the scroll policy state.
func (c *Conversation) Viewport() *Viewport { return c.viewport }

// Messages returns the current ordered collection.
func (c *Conversation) Messages() []chatv1.Message { return c.store.Messages() }

// ---- dispatcher internals ----

func (c *Conversation) persist(ctx context.Context, token, body string) {
	stored, err := c.durable.CreateMessage(ctx, api.CreateMessageInput{
		RoomID: c.roomID,
		Body:   body,
		TempID: token,
		Sender: c.viewer,
	})
	if err != nil {
		c.store.MarkFailed(token)
		metricSendFailures.Inc()
		c.log.Info("conversation.persist.fail", "room_id", c.roomID, "token", token, "err", err)
		return
	}

	if stored.TempID == "" {
		stored.TempID = token
	}
	c.store.Append(stored, StatusConfirmed)

	payload, _ := json.Marshal(chatv1.MessageSendPayload{
		RoomID: c.roomID,
		Body:   body,
		TempID: token,
	})
	c.session.Emit(ctx, NewEnvelope(chatv1.TypeMessage, payload))
}

// ---- inbound listener ----

func (c *Conversation) onEnvelope(env chatv1.Envelope) {
	switch env.Type {
	case chatv1.TypeMessage:
		var msg chatv1.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.log.Debug("conversation.recv.bad_payload", "err", err)
			return
		}
		if msg.RoomID != c.roomID {
			metricDroppedEvents.WithLabelValues(chatv1.TypeMessage).Inc()
			return
		}
		c.store.Append(msg, StatusConfirmed)

	case chatv1.TypeTyping:
		var p chatv1.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if p.RoomID != c.roomID {
			metricDroppedEvents.WithLabelValues(chatv1.TypeTyping).Inc()
			return
		}

		c.typingMu.Lock()
		fn := c.typingFn
		c.typingMu.Unlock()
		if fn != nil {
			fn(p.IsTyping)
		}
	}
}

// ---- fallback poller ----

func (c *Conversation) pollLoop(ctx context.Context) {
	t := time.NewTicker(c.pollEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.refresh(ctx)
		}
	}
}

// refresh performs the durable fetch+normalize+replace sequence shared by
// initial load and the poller. Failures are swallowed; the next tick retries.
func (c *Conversation) refresh(ctx context.Context) {
	snapshot := c.store.Version()
	metricPolls.Inc()

	msgs, err := c.durable.ListMessages(ctx, c.roomID, 1, c.pageLimit)
	if err != nil {
		metricPollFailures.Inc()
		c.log.Debug("conversation.poll.fail", "room_id", c.roomID, "err", err)
		return
	}

	if !c.store.Replace(snapshot, msgs) {
		metricStaleReplaces.Inc()
		c.log.Debug("conversation.poll.stale", "room_id", c.roomID, "snapshot", snapshot)
	}
}
