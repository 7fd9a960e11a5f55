package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	chatv1 "desk/shared/contracts/chat/v1"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Room resolution relies on a unique index on lower(name), so concurrent
//   first-contact for the same title converges on one row.
// - Message creates take a per-room transactional advisory lock so the
//   dedupe check and insert are serialized per room.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "desk").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("gateway: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("gateway: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "desk",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("gateway: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindOrCreateRoom resolves a room by title, creating it on first contact.
func (s *PostgresStore) FindOrCreateRoom(ctx context.Context, name string) (chatv1.Room, error) {
	if s == nil || s.pool == nil {
		return chatv1.Room{}, errors.New("gateway: nil store")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return chatv1.Room{}, errors.New("missing room name")
	}
	if err := ctx.Err(); err != nil {
		return chatv1.Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	// The unique index on lower(name) makes this race-free: the loser of a
	// concurrent insert falls through to DO NOTHING and re-reads.
	var out chatv1.Room
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+rooms+` (name) VALUES ($1)
		 ON CONFLICT (lower(name)) DO NOTHING
		 RETURNING id, name`,
		name,
	).Scan(&out.ID, &out.Name)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chatv1.Room{}, fmt.Errorf("insert room: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id, name FROM `+rooms+` WHERE lower(name) = lower($1)`,
		name,
	).Scan(&out.ID, &out.Name)
	if err != nil {
		return chatv1.Room{}, fmt.Errorf("select room: %w", err)
	}
	return out, nil
}

// ListRooms returns rooms, optionally filtered by exact title match.
func (s *PostgresStore) ListRooms(ctx context.Context, nameFilter string) ([]chatv1.Room, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("gateway: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var (
		rows pgx.Rows
		err  error
	)
	if nameFilter != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, name FROM `+rooms+` WHERE lower(name) = lower($1) ORDER BY id`,
			strings.TrimSpace(nameFilter),
		)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT id, name FROM `+rooms+` ORDER BY id`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatv1.Room
	for rows.Next() {
		var r chatv1.Room
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRoom returns a room by id.
func (s *PostgresStore) GetRoom(ctx context.Context, id int64) (chatv1.Room, error) {
	if s == nil || s.pool == nil {
		return chatv1.Room{}, errors.New("gateway: nil store")
	}
	if err := ctx.Err(); err != nil {
		return chatv1.Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var out chatv1.Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM `+rooms+` WHERE id = $1`, id,
	).Scan(&out.ID, &out.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatv1.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return chatv1.Room{}, err
	}
	return out, nil
}

// CreateMessage persists a message with idempotency per (room, temp_id).
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if s == nil || s.pool == nil {
		return CreateMessageResult{}, errors.New("gateway: nil store")
	}
	if in.RoomID == 0 || in.Body == "" {
		return CreateMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CreateMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")
	messages := pgIdent(s.schema, "messages")

	// Serialize writes per room so the dedupe read and the insert cannot
	// interleave with a concurrent retry of the same token.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		fmt.Sprintf("desk.room.%d", in.RoomID),
	); err != nil {
		return CreateMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+rooms+` WHERE id = $1)`, in.RoomID,
	).Scan(&exists); err != nil {
		return CreateMessageResult{}, err
	}
	if !exists {
		return CreateMessageResult{}, ErrRoomNotFound
	}

	if in.TempID != "" {
		existing, err := readMessageByToken(ctx, tx, messages, in.RoomID, in.TempID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return CreateMessageResult{}, err
			}
			return CreateMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return CreateMessageResult{}, err
		}
	}

	var (
		id        int64
		createdAt time.Time
	)
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (
		     room_id, temp_id, body, sender_id, sender_name, sender_role, created_at
		   ) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		in.RoomID, in.TempID, in.Body, in.Sender.ID, in.Sender.Name, in.Sender.Role, now,
	).Scan(&id, &createdAt); err != nil {
		return CreateMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := chatv1.Message{
		ID:        id,
		TempID:    in.TempID,
		RoomID:    in.RoomID,
		Body:      in.Body,
		Sender:    in.Sender,
		CreatedAt: chatv1.FormatCreatedAt(createdAt.UTC()),
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateMessageResult{}, err
	}
	return CreateMessageResult{Stored: out, Duplicated: false}, nil
}

// ListMessages returns page N (1-based) of the newest window, oldest first
// within the page.
func (s *PostgresStore) ListMessages(ctx context.Context, roomID int64, page, limit int) ([]chatv1.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("gateway: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	// Select the newest window descending, then flip to ascending so the
	// page reads oldest-first.
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(temp_id, ''), room_id, body, sender_id, sender_name, sender_role, created_at
		   FROM (
		     SELECT * FROM `+messages+`
		      WHERE room_id = $1
		      ORDER BY created_at DESC, id DESC
		      LIMIT $2 OFFSET $3
		   ) sub
		  ORDER BY created_at ASC, id ASC`,
		roomID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]chatv1.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessageByToken returns the persisted message that a temp_id resolved to.
func (s *PostgresStore) GetMessageByToken(ctx context.Context, roomID int64, tempID string) (chatv1.Message, bool, error) {
	if s == nil || s.pool == nil {
		return chatv1.Message{}, false, errors.New("gateway: nil store")
	}
	if tempID == "" {
		return chatv1.Message{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return chatv1.Message{}, false, err
	}

	messages := pgIdent(s.schema, "messages")

	m, err := readMessageByToken(ctx, s.pool, messages, roomID, tempID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatv1.Message{}, false, nil
	}
	if err != nil {
		return chatv1.Message{}, false, err
	}
	return m, true, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readMessageByToken(ctx context.Context, q pgQuerier, messagesTable string, roomID int64, tempID string) (chatv1.Message, error) {
	row := q.QueryRow(ctx,
		`SELECT id, COALESCE(temp_id, ''), room_id, body, sender_id, sender_name, sender_role, created_at
		   FROM `+messagesTable+`
		  WHERE room_id = $1 AND temp_id = $2`,
		roomID, tempID,
	)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (chatv1.Message, error) {
	var (
		m  chatv1.Message
		ts time.Time
	)
	if err := row.Scan(
		&m.ID,
		&m.TempID,
		&m.RoomID,
		&m.Body,
		&m.Sender.ID,
		&m.Sender.Name,
		&m.Sender.Role,
		&ts,
	); err != nil {
		return chatv1.Message{}, err
	}
	m.CreatedAt = chatv1.FormatCreatedAt(ts.UTC())
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
