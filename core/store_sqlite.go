package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLiteMessageStore is the primary MessageStore backend. The messages
// table uses a global AUTOINCREMENT id, which is monotonic within every
// room, and an index on (room_id, created_at_micro, id) for range scans.
type SQLiteMessageStore struct {
	db        *sql.DB
	bodyLimit int
	limitCap  int
}

type SQLiteMessageStoreOption func(*SQLiteMessageStore)

func WithBodyLimit(limit int) SQLiteMessageStoreOption {
	return func(s *SQLiteMessageStore) {
		s.bodyLimit = limit
	}
}

func WithLimitCap(cap int) SQLiteMessageStoreOption {
	return func(s *SQLiteMessageStore) {
		s.limitCap = cap
	}
}

func NewSQLiteMessageStore(db *sql.DB, opts ...SQLiteMessageStoreOption) *SQLiteMessageStore {
	s := &SQLiteMessageStore{
		db:        db,
		bodyLimit: DefaultBodyLimit,
		limitCap:  DefaultLimitCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultLimitCap is the server-side cap applied to Query limits.
const DefaultLimitCap = 100

func (s *SQLiteMessageStore) Append(ctx context.Context, input MessageCreateInput) (*ChatMessage, error) {
	if err := input.Validate(s.bodyLimit); err != nil {
		return nil, err
	}

	// Microsecond precision keeps the stored value round-trippable
	// through the cursor encoding.
	createdAt := time.Now().UTC().Truncate(time.Microsecond)

	query := `
	INSERT INTO messages (room_id, sender, body, created_at_micro)
	VALUES (@room_id, @sender, @body, @created_at_micro) RETURNING id`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("room_id", input.RoomID),
		sql.Named("sender", input.Sender),
		sql.Named("body", input.Body),
		sql.Named("created_at_micro", createdAt.UnixMicro()),
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, storageErr("row.Scan", err)
	}

	return &ChatMessage{
		ID:        id,
		RoomID:    input.RoomID,
		Sender:    input.Sender,
		Body:      input.Body,
		CreatedAt: createdAt,
	}, nil
}

func (s *SQLiteMessageStore) Query(ctx context.Context, roomID string, cursor Cursor, limit int, direction Direction) ([]ChatMessage, error) {
	if limit <= 0 || limit > s.limitCap {
		limit = s.limitCap
	}

	var sb strings.Builder
	sb.WriteString(`
	SELECT id, room_id, sender, body, created_at_micro
	FROM messages
	WHERE room_id = @room_id`)

	if !cursor.IsZero() {
		if direction == Forward {
			sb.WriteString(` AND (created_at_micro > @cursor_micro
				OR (created_at_micro = @cursor_micro AND id > @cursor_id))`)
		} else {
			sb.WriteString(` AND (created_at_micro < @cursor_micro
				OR (created_at_micro = @cursor_micro AND id < @cursor_id))`)
		}
	}
	if direction == Forward {
		sb.WriteString(` ORDER BY created_at_micro ASC, id ASC`)
	} else {
		sb.WriteString(` ORDER BY created_at_micro DESC, id DESC`)
	}
	sb.WriteString(` LIMIT @limit`)

	rows, err := s.db.QueryContext(ctx, sb.String(),
		sql.Named("room_id", roomID),
		sql.Named("cursor_micro", cursor.CreatedAt.UnixMicro()),
		sql.Named("cursor_id", cursor.ID),
		sql.Named("limit", limit),
	)
	if err != nil {
		return nil, storageErr("QueryContext", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var micros int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Body, &micros); err != nil {
			return nil, storageErr("rows.Scan", err)
		}
		m.CreatedAt = time.UnixMicro(micros).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows.Err", err)
	}

	return messages, nil
}

func (s *SQLiteMessageStore) Close() error {
	return s.db.Close()
}

// storageErr maps an infrastructure failure to ErrStorageUnavailable while
// keeping the underlying cause in the chain for logging.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorageUnavailable)
}
