package core

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is an opaque pagination token derived from the (CreatedAt, ID)
// pair of the last message a client has seen. Because it addresses a
// position rather than an offset, paging is stable under concurrent
// inserts.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// IsZero reports whether the cursor addresses no position, i.e. the query
// should start from the end selected by the direction.
func (c Cursor) IsZero() bool {
	return c.ID == 0 && c.CreatedAt.IsZero()
}

// Encode renders the cursor as a URL-safe opaque token.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d:%d", c.CreatedAt.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// CursorFromMessage derives the cursor addressing a message's position.
func CursorFromMessage(m ChatMessage) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// DecodeCursor parses a token produced by Encode. An empty token decodes
// to the zero cursor. It returns ErrInvalidCursor on malformed input.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	micros, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Cursor{}, ErrInvalidCursor
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	i, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{CreatedAt: time.UnixMicro(us).UTC(), ID: i}, nil
}
