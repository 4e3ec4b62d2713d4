package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultBodyLimit is the maximum message body length, in runes, applied
// when no limit is configured.
const DefaultBodyLimit = 500

// ChatMessage is the durable unit of the chat engine. Messages are
// immutable once persisted; there is no edit or delete operation.
type ChatMessage struct {
	// ID is assigned by the MessageStore at persistence time. It is
	// monotonically increasing within a room and breaks wall-clock ties
	// when ordering messages.
	ID int64 `json:"id"`
	// RoomID is the market the message belongs to. It is an opaque
	// identifier minted elsewhere.
	RoomID string `json:"room_id"`
	// Sender is the wallet address of the author. The engine does not
	// verify it cryptographically; an external identity collaborator
	// already has.
	Sender string `json:"sender"`
	Body   string `json:"body"`
	// CreatedAt is assigned by the MessageStore at acceptance, never
	// supplied by the client.
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrInvalidMessage is returned when the room, sender, or body fail
	// the input invariants. Clients must not retry unmodified.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrRateLimited is returned when the sender exhausted its quota for
	// the room. Transient; retry after the limiter window.
	ErrRateLimited = errors.New("rate limited")
	// ErrStorageUnavailable is returned when the underlying store failed
	// or timed out. Transient; no partial write is left behind.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrDeliveryDropped signals a subscriber that it was unsubscribed
	// due to backpressure and should resubscribe and re-backfill.
	ErrDeliveryDropped = errors.New("delivery dropped")
	// ErrInvalidCursor is returned when a pagination cursor cannot be
	// decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// RateLimitedError carries the minimum interval after which a retry can
// succeed, derived from the limiter's window remainder.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// MessageCreateInput represents the input for appending a message.
type MessageCreateInput struct {
	RoomID string `json:"room_id" validate:"required"`
	Sender string `json:"sender" validate:"required"`
	Body   string `json:"body" validate:"required"`
}

// Validate checks the input against the invariants, with the body bounded
// by bodyLimit runes. A zero bodyLimit applies DefaultBodyLimit. Fields
// must be non-empty after trimming; callers that normalize do so before
// constructing the input.
func (m *MessageCreateInput) Validate(bodyLimit int) error {
	if err := validate.Struct(m); err != nil {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(m.RoomID) == "" ||
		strings.TrimSpace(m.Sender) == "" ||
		strings.TrimSpace(m.Body) == "" {
		return ErrInvalidMessage
	}
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyLimit
	}
	if len([]rune(m.Body)) > bodyLimit {
		return ErrInvalidMessage
	}
	return nil
}

// Direction selects the scan order of a history query.
type Direction int

const (
	// Forward returns messages ordered by (created_at, id) ascending.
	Forward Direction = iota
	// Backward returns messages ordered by (created_at, id) descending.
	Backward
)

// ParseDirection maps the wire value to a Direction. Unknown values
// default to Backward, the catch-up direction.
func ParseDirection(s string) Direction {
	if s == "forward" {
		return Forward
	}
	return Backward
}

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// MessageStore is the durable append-only record of chat messages.
type MessageStore interface {
	// Append persists a message, assigning ID and CreatedAt atomically
	// with the write. Two concurrent appends to the same room never
	// collide on ID, and the assigned order is consistent with a single
	// per-room total order on (CreatedAt, ID).
	// It returns ErrInvalidMessage when the input fails the invariants
	// and ErrStorageUnavailable on storage failure.
	Append(ctx context.Context, input MessageCreateInput) (*ChatMessage, error)

	// Query returns messages of a room ordered by (CreatedAt, ID) per
	// direction, starting strictly after (Forward) or before (Backward)
	// the cursor position. A zero cursor starts from the respective end.
	// A room with no messages yields an empty result, never an error.
	Query(ctx context.Context, roomID string, cursor Cursor, limit int, direction Direction) ([]ChatMessage, error)

	Close() error
}
