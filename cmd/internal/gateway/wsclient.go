package gateway

import (
	"sync"

	chatv1 "desk/shared/contracts/chat/v1"
)

// wsClient represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type wsClient struct {
	SessionID string
	Send      chan chatv1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// newWSClient constructs a wsClient with a bounded send queue.
func newWSClient(sessionID string, sendQueueSize int) *wsClient {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &wsClient{
		SessionID: sessionID,
		Send:      make(chan chatv1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *wsClient) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *wsClient) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
