package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chatv1 "desk/shared/contracts/chat/v1"
)

const apiMaxBodyBytes = 64 << 10

// APIHandler serves the durable REST surface: rooms and messages.
//
// Wire shapes:
//   - Lists respond with {"data": [...]}.
//   - Creates respond 201 with the bare stored record.
//   - Errors respond with {"error": {"code", "message"}}.
//
// A freshly persisted message is also fanned out to the room's push channel
// so viewers that never emit over the socket still see cross-tab delivery.
type APIHandler struct {
	log   *slog.Logger
	store Store
	hub   *Hub
}

// NewAPIHandler constructs the REST handler. hub may be nil to disable the
// persist-then-fanout bridge.
func NewAPIHandler(log *slog.Logger, store Store, hub *Hub) (*APIHandler, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("gateway: nil store")
	}
	return &APIHandler{log: log, store: store, hub: hub}, nil
}

// Register wires the API routes onto the provided mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/rooms", h.handleRooms)
	mux.HandleFunc("/api/rooms/{id}/messages", h.handleMessages)
}

// ---- handlers ----

func (h *APIHandler) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listRooms(w, r)
	case http.MethodPost:
		h.createRoom(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) listRooms(w http.ResponseWriter, r *http.Request) {
	nameFilter := strings.TrimSpace(r.URL.Query().Get("filters.name"))

	rooms, err := h.store.ListRooms(r.Context(), nameFilter)
	if err != nil {
		h.log.Info("api.rooms.list.fail", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "store_error", "could not list rooms")
		return
	}
	if rooms == nil {
		rooms = []chatv1.Room{}
	}
	writeAPIJSON(w, http.StatusOK, listResponse[chatv1.Room]{Data: rooms})
}

func (h *APIHandler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeAPIJSON(w, r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	room, err := h.store.FindOrCreateRoom(r.Context(), req.Name)
	if err != nil {
		h.log.Info("api.rooms.create.fail", "name", req.Name, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "store_error", "could not create room")
		return
	}
	writeAPIJSON(w, http.StatusCreated, room)
}

func (h *APIHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || roomID <= 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid room id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.listMessages(w, r, roomID)
	case http.MethodPost:
		h.createMessage(w, r, roomID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) listMessages(w http.ResponseWriter, r *http.Request, roomID int64) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	msgs, err := h.store.ListMessages(r.Context(), roomID, page, limit)
	if errors.Is(err, ErrRoomNotFound) {
		writeAPIError(w, http.StatusNotFound, "room_not_found", "unknown room")
		return
	}
	if err != nil {
		h.log.Info("api.messages.list.fail", "room_id", roomID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "store_error", "could not list messages")
		return
	}
	if msgs == nil {
		msgs = []chatv1.Message{}
	}
	writeAPIJSON(w, http.StatusOK, listResponse[chatv1.Message]{Data: msgs})
}

func (h *APIHandler) createMessage(w http.ResponseWriter, r *http.Request, roomID int64) {
	var req struct {
		Body        string          `json:"body"`
		TempID      string          `json:"temp_id"`
		Sender      chatv1.Sender   `json:"sender"`
		Attachments json.RawMessage `json:"attachments"`
	}
	if err := decodeAPIJSON(w, r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	body := strings.TrimSpace(req.Body)
	if body == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "body is required")
		return
	}
	if len([]rune(body)) > maxMessageChars {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "body too long")
		return
	}

	res, err := h.store.CreateMessage(r.Context(), CreateMessageInput{
		RoomID: roomID,
		TempID: strings.TrimSpace(req.TempID),
		Body:   body,
		Sender: req.Sender,
		Now:    time.Now().UTC(),
	})
	if errors.Is(err, ErrRoomNotFound) {
		writeAPIError(w, http.StatusNotFound, "room_not_found", "unknown room")
		return
	}
	if err != nil {
		h.log.Info("api.messages.create.fail", "room_id", roomID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "store_error", "could not persist message")
		return
	}

	if res.Duplicated {
		metricPersisted.WithLabelValues("duplicate").Inc()
	} else {
		metricPersisted.WithLabelValues("created").Inc()

		// Push-channel bridge: only first persists fan out, so a retried
		// create never duplicates delivery.
		if h.hub != nil {
			payload, _ := json.Marshal(res.Stored)
			h.hub.GetOrCreateRoom(roomID).Broadcast(newEnvelope(chatv1.TypeMessage, payload, time.Now().UTC()))
		}
	}

	writeAPIJSON(w, http.StatusCreated, res.Stored)
}

// ---- wire helpers ----

type listResponse[T any] struct {
	Data []T `json:"data"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeAPIJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeAPIJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeAPIJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, apiMaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
