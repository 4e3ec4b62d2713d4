package core

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// HistoryPage is one cursor-delimited slice of a room's history.
// NextCursor continues in the queried direction; PrevCursor addresses the
// opposite end of the page so a client can page back the way it came.
// Both are empty when the page is empty.
type HistoryPage struct {
	Messages   []ChatMessage `json:"messages"`
	NextCursor string        `json:"next_cursor,omitempty"`
	PrevCursor string        `json:"prev_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

// HistoryService serves paginated message history for a room, used both
// for the initial catch-up on join and for scroll-back. A room that never
// received a message yields an empty page, never an error.
type HistoryService struct {
	store    MessageStore
	limitCap int
	timeout  time.Duration

	// Concurrent identical page reads (every viewer of a busy market
	// joining around the same moment) collapse into one store query.
	group singleflight.Group
}

type HistoryOption func(*HistoryService)

func WithHistoryLimitCap(cap int) HistoryOption {
	return func(h *HistoryService) {
		h.limitCap = cap
	}
}

func WithHistoryTimeout(timeout time.Duration) HistoryOption {
	return func(h *HistoryService) {
		h.timeout = timeout
	}
}

func NewHistoryService(store MessageStore, opts ...HistoryOption) *HistoryService {
	h := &HistoryService{
		store:    store,
		limitCap: DefaultLimitCap,
		timeout:  DefaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Fetch returns one page of a room's history. cursorToken is the opaque
// token of the last seen position, empty for the first page; limit is
// capped server-side.
func (h *HistoryService) Fetch(ctx context.Context, roomID, cursorToken string, limit int, direction Direction) (*HistoryPage, error) {
	cursor, err := DecodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > h.limitCap {
		limit = h.limitCap
	}

	key := fmt.Sprintf("%s|%s|%d|%s", roomID, cursorToken, limit, direction)
	v, err, _ := h.group.Do(key, func() (interface{}, error) {
		queryCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()

		// One extra row decides HasMore on the common path.
		messages, err := h.store.Query(queryCtx, roomID, cursor, limit+1, direction)
		if err != nil {
			return nil, err
		}

		page := &HistoryPage{Messages: messages}
		if len(page.Messages) > limit {
			page.Messages = page.Messages[:limit]
			page.HasMore = true
		} else if len(page.Messages) == limit {
			// An exactly full page is ambiguous: the store's own limit
			// cap may have clipped the look-ahead row. Probe one row
			// past the page to decide.
			next, err := h.store.Query(queryCtx, roomID,
				CursorFromMessage(page.Messages[limit-1]), 1, direction)
			if err != nil {
				return nil, err
			}
			page.HasMore = len(next) > 0
		}
		if n := len(page.Messages); n > 0 {
			page.NextCursor = CursorFromMessage(page.Messages[n-1]).Encode()
			page.PrevCursor = CursorFromMessage(page.Messages[0]).Encode()
		}
		if page.Messages == nil {
			page.Messages = []ChatMessage{}
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*HistoryPage), nil
}
