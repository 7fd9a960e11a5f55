package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	chatv1 "desk/shared/contracts/chat/v1"
)

// Subprotocol is the push-channel subprotocol negotiated on dial.
const Subprotocol = "desk.chat.v1"

const maxFrameBytes = 64 << 10 // 64 KiB

// Transport is one push-channel connection. The websocket implementation is
// the production one; tests substitute an in-memory fake via WithDialer.
type Transport interface {
	Read(ctx context.Context) (chatv1.Envelope, error)
	Write(ctx context.Context, env chatv1.Envelope) error
	Close() error
}

// DialFunc establishes a Transport against a ws:// or wss:// URL.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// DialWebsocket is the default DialFunc.
func DialWebsocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("client: server selected subprotocol %q, want %q", sp, Subprotocol)
	}

	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) (chatv1.Envelope, error) {
	mt, data, err := t.conn.Read(ctx)
	if err != nil {
		return chatv1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return chatv1.Envelope{}, fmt.Errorf("client: unsupported message type: %v", mt)
	}

	var env chatv1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return chatv1.Envelope{}, err
	}
	return env, nil
}

func (t *wsTransport) Write(ctx context.Context, env chatv1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

// WSBaseURL converts an http(s) base URL into the matching ws(s) URL.
func WSBaseURL(base string) string {
	switch {
	case len(base) >= 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) >= 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	default:
		return "ws://" + base
	}
}
