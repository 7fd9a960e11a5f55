// Package api is the durable-call side of the delivery module: a thin HTTP
// client for the message and room endpoints of a Desk back office.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 4 << 20 // 4 MiB
)

// ErrRoomNotFound is returned by LookupRoom when no room matches the title.
var ErrRoomNotFound = errors.New("api: room not found")

// Client talks to the durable message API.
//
// All list decoding is shape-tolerant (see chatv1.DecodeMessageList); a
// malformed body is an empty result, not an error. Only transport failures
// and non-2xx statuses are surfaced.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures Client behavior.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (tests, custom transports).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient constructs a Client against baseURL (scheme + host, no trailing slash).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api: empty base URL")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}

	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ListMessages fetches one page of a room's messages.
func (c *Client) ListMessages(ctx context.Context, roomID int64, page, limit int) ([]chatv1.Message, error) {
	if roomID <= 0 {
		return nil, errors.New("api: invalid room id")
	}

	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := fmt.Sprintf("%s/api/rooms/%d/messages", c.baseURL, roomID)
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	raw, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return chatv1.DecodeMessageList(raw), nil
}

// CreateMessageInput describes a durable message create.
type CreateMessageInput struct {
	RoomID int64
	Body   string
	TempID string

	// Sender is the viewer descriptor. Normally the serving side derives it
	// from the authenticated session; the reference server accepts it inline
	// because identity is externalized.
	Sender chatv1.Sender

	// Attachments is passed through opaquely; the delivery module never
	// inspects attachment contents.
	Attachments json.RawMessage
}

// CreateMessage persists a message and returns the canonical stored record.
// Creation is idempotent per (room, temp_id) on the server side.
func (c *Client) CreateMessage(ctx context.Context, in CreateMessageInput) (chatv1.Message, error) {
	if in.RoomID <= 0 {
		return chatv1.Message{}, errors.New("api: invalid room id")
	}
	if strings.TrimSpace(in.Body) == "" {
		return chatv1.Message{}, errors.New("api: empty body")
	}

	reqBody := struct {
		Body        string          `json:"body"`
		TempID      string          `json:"temp_id,omitempty"`
		Sender      *chatv1.Sender  `json:"sender,omitempty"`
		Attachments json.RawMessage `json:"attachments,omitempty"`
	}{Body: in.Body, TempID: in.TempID, Attachments: in.Attachments}
	if in.Sender != (chatv1.Sender{}) {
		reqBody.Sender = &in.Sender
	}

	endpoint := fmt.Sprintf("%s/api/rooms/%d/messages", c.baseURL, in.RoomID)

	raw, err := c.post(ctx, endpoint, reqBody)
	if err != nil {
		return chatv1.Message{}, err
	}

	var msg chatv1.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return chatv1.Message{}, fmt.Errorf("api: decode message: %w", err)
	}
	return msg, nil
}

// LookupRoom finds a room by exact title match.
func (c *Client) LookupRoom(ctx context.Context, name string) (chatv1.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chatv1.Room{}, errors.New("api: empty room name")
	}

	q := url.Values{}
	q.Set("filters.name", name)

	raw, err := c.get(ctx, c.baseURL+"/api/rooms?"+q.Encode())
	if err != nil {
		return chatv1.Room{}, err
	}

	for _, r := range chatv1.DecodeRoomList(raw) {
		if r.Name == name {
			return r, nil
		}
	}
	return chatv1.Room{}, ErrRoomNotFound
}

// FindOrCreateRoom resolves a room by title, creating it when absent.
//
// The lookup-first step is an optimization; correctness against concurrent
// first-contact relies on the server's uniqueness guarantee for titles.
func (c *Client) FindOrCreateRoom(ctx context.Context, name string) (chatv1.Room, error) {
	room, err := c.LookupRoom(ctx, name)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return chatv1.Room{}, err
	}

	reqBody := struct {
		Name string `json:"name"`
	}{Name: strings.TrimSpace(name)}

	raw, err := c.post(ctx, c.baseURL+"/api/rooms", reqBody)
	if err != nil {
		return chatv1.Room{}, err
	}

	var created chatv1.Room
	if err := json.Unmarshal(raw, &created); err != nil {
		return chatv1.Room{}, fmt.Errorf("api: decode room: %w", err)
	}
	return created, nil
}

// ---- HTTP plumbing ----

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, endpoint string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("api: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return raw, nil
}
