// Package main provides a CI-friendly smoke test for the Desk chat service.
//
// It validates:
//   - room find-or-create over REST (filters.name lookup)
//   - handshake + subprotocol selection
//   - join echo
//   - POST persist -> push fanout to another client
//   - idempotent dedupe by temp_id (no second fanout)
//   - typing relay to others only
//   - message list contains the persisted record
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "desk.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan chatv1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the Desk server")
		roomName = flag.String("room", "", "Room title (default: generated)")
		text     = flag.String("text", "hello desk 👋", "Message body to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base := strings.TrimRight(strings.TrimSpace(*baseURL), "/")
	if err := validateBaseURL(base); err != nil {
		fatalf("invalid -base: %v", err)
	}

	title := strings.TrimSpace(*roomName)
	if title == "" {
		title = fmt.Sprintf("Support#smoke-%d", time.Now().UnixNano())
	}

	root := context.Background()

	room := mustFindOrCreateRoom(root, base, title, *timeout)
	if *verbose {
		fmt.Printf("room: id=%d name=%q\n", room.ID, room.Name)
	}

	wsURL := wsURLFor(base)

	a := mustConnect(root, "A", wsURL, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", wsURL, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, room.ID, *timeout)
	mustJoin(root, b, room.ID, *timeout)

	token := fmt.Sprintf("tmp-smoke-%d", time.Now().UnixNano())

	stored := mustPersist(root, base, room.ID, token, *text, *timeout)
	if *verbose {
		fmt.Printf("persisted: id=%d temp_id=%q\n", stored.ID, stored.TempID)
	}

	mustAssertPush(root, b, room.ID, stored.ID, token, *text, *timeout)
	mustAssertPush(root, a, room.ID, stored.ID, token, *text, *timeout)

	// Retrying the same token must return the same record and trigger no
	// second fanout.
	again := mustPersist(root, base, room.ID, token, *text, *timeout)
	if again.ID != stored.ID {
		fatalf("dedupe: id mismatch: first=%d second=%d", stored.ID, again.ID)
	}
	mustAssertNoType(root, a, chatv1.TypeMessage, 1200*time.Millisecond)
	mustAssertNoType(root, b, chatv1.TypeMessage, 1200*time.Millisecond)

	// Typing relays to the other member only.
	mustEmitTyping(root, a, room.ID, *timeout)
	mustAssertTyping(root, b, room.ID, *timeout)
	mustAssertNoType(root, a, chatv1.TypeTyping, 1200*time.Millisecond)

	mustListContains(root, base, room.ID, stored.ID, *text, *timeout)

	fmt.Printf("OK: room_id=%d message_id=%d temp_id=%s\n", room.ID, stored.ID, token)
}

// ---- REST steps ----

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURLFor(base string) string {
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	}
	return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
}

func mustFindOrCreateRoom(parent context.Context, base, title string, stepTimeout time.Duration) chatv1.Room {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("filters.name", title)

	raw := mustHTTP(ctx, http.MethodGet, base+"/api/rooms?"+q.Encode(), nil)
	for _, r := range chatv1.DecodeRoomList(raw) {
		if r.Name == title {
			return r
		}
	}

	body := mustJSON(map[string]string{"name": title})
	raw = mustHTTP(ctx, http.MethodPost, base+"/api/rooms", body)

	var room chatv1.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		fatalf("decode created room: %v", err)
	}
	if room.ID == 0 {
		fatalf("created room missing id")
	}
	return room
}

func mustPersist(parent context.Context, base string, roomID int64, token, text string, stepTimeout time.Duration) chatv1.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body := mustJSON(map[string]any{
		"body":    text,
		"temp_id": token,
		"sender":  chatv1.Sender{ID: 1, Name: "smoke", Role: "member"},
	})

	raw := mustHTTP(ctx, http.MethodPost, fmt.Sprintf("%s/api/rooms/%d/messages", base, roomID), body)

	var msg chatv1.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		fatalf("decode stored message: %v", err)
	}
	if msg.ID == 0 || msg.RoomID != roomID {
		fatalf("stored message malformed: %+v", msg)
	}
	return msg
}

func mustListContains(parent context.Context, base string, roomID, msgID int64, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	raw := mustHTTP(ctx, http.MethodGet, fmt.Sprintf("%s/api/rooms/%d/messages?page=1&limit=50", base, roomID), nil)

	for _, m := range chatv1.DecodeMessageList(raw) {
		if m.ID == msgID && m.Body == text {
			return
		}
	}
	fatalf("message list missing record id=%d", msgID)
}

func mustHTTP(ctx context.Context, method, endpoint string, body []byte) []byte {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s %s: %v", method, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fatalf("%s %s: status=%d body=%s", method, endpoint, resp.StatusCode, raw)
	}
	return raw
}

// ---- websocket steps ----

func mustConnect(parent context.Context, name, wsURL string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan chatv1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env chatv1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, roomID int64, stepTimeout time.Duration) {
	env := chatv1.Envelope{
		V:       chatv1.Version,
		Type:    chatv1.TypeJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(chatv1.JoinPayload{RoomID: roomID}),
	}
	mustWrite(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, chatv1.TypeJoin, stepTimeout)

	var p chatv1.JoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("join echo room mismatch (%s): got=%d want=%d", c.name, p.RoomID, roomID)
	}
}

func mustAssertPush(parent context.Context, c *smokeClient, roomID, msgID int64, token, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, chatv1.TypeMessage, stepTimeout)

	var m chatv1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		fatalf("unmarshal pushed message (%s): %v", c.name, err)
	}
	if m.RoomID != roomID {
		fatalf("push room mismatch (%s): got=%d want=%d", c.name, m.RoomID, roomID)
	}
	if m.ID != msgID {
		fatalf("push id mismatch (%s): got=%d want=%d", c.name, m.ID, msgID)
	}
	if m.TempID != token {
		fatalf("push temp_id mismatch (%s): got=%q want=%q", c.name, m.TempID, token)
	}
	if m.Body != text {
		fatalf("push body mismatch (%s): got=%q want=%q", c.name, m.Body, text)
	}
	if strings.TrimSpace(m.CreatedAt) == "" {
		fatalf("push missing created_at (%s)", c.name)
	}
}

func mustEmitTyping(parent context.Context, c *smokeClient, roomID int64, stepTimeout time.Duration) {
	env := chatv1.Envelope{
		V:       chatv1.Version,
		Type:    chatv1.TypeTyping,
		ID:      fmt.Sprintf("%s-typing", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(chatv1.TypingPayload{RoomID: roomID, IsTyping: true}),
	}
	mustWrite(parent, c.conn, env, stepTimeout)
}

func mustAssertTyping(parent context.Context, c *smokeClient, roomID int64, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, chatv1.TypeTyping, stepTimeout)

	var p chatv1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal typing payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID || !p.IsTyping {
		fatalf("typing payload mismatch (%s): %+v", c.name, p)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == chatv1.TypeError {
				var ep chatv1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) chatv1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == chatv1.TypeError {
				var ep chatv1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Skip unrelated envelopes (late join echoes, typing noise).
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env chatv1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
