package core

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultStorageTimeout bounds a single storage operation before it
// surfaces as ErrStorageUnavailable.
const DefaultStorageTimeout = 5 * time.Second

// IngestionGateway orchestrates a single inbound message, strictly in
// order: normalization, rate limiting, persistence, fan-out. A denied or
// failed step surfaces its error verbatim and stops the chain; quota
// consumed on a failed append is not rolled back, which biases toward
// safety against retry storms.
type IngestionGateway struct {
	store     MessageStore
	limiter   *RateLimiter
	publisher Publisher
	bodyLimit int
	timeout   time.Duration
	logger    *slog.Logger

	// Per-room ordering locks. Holding the lock across append and publish
	// makes the fan-out order match the persisted order; unrelated rooms
	// proceed in parallel. Entries are ref-counted and removed when the
	// last in-flight send for the room releases, so the map only holds
	// rooms with active senders.
	roomLocks *SyncMap[string, *roomLock]
}

type roomLock struct {
	mu sync.Mutex
	// refs is mutated only under the roomLocks map lock.
	refs int
}

type GatewayOption func(*IngestionGateway)

func WithGatewayBodyLimit(limit int) GatewayOption {
	return func(g *IngestionGateway) {
		g.bodyLimit = limit
	}
}

func WithStorageTimeout(timeout time.Duration) GatewayOption {
	return func(g *IngestionGateway) {
		g.timeout = timeout
	}
}

func NewIngestionGateway(store MessageStore, limiter *RateLimiter, publisher Publisher, logger *slog.Logger, opts ...GatewayOption) *IngestionGateway {
	g := &IngestionGateway{
		store:     store,
		limiter:   limiter,
		publisher: publisher,
		bodyLimit: DefaultBodyLimit,
		timeout:   DefaultStorageTimeout,
		logger:    logger,
		roomLocks: NewSyncMap[string, *roomLock](),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Send validates, rate-limits, persists, and fans out one message.
// It returns the persisted message, or ErrInvalidMessage, ErrRateLimited
// (as *RateLimitedError), or ErrStorageUnavailable.
func (g *IngestionGateway) Send(ctx context.Context, roomID, sender, body string) (*ChatMessage, error) {
	input := MessageCreateInput{
		RoomID: strings.TrimSpace(roomID),
		Sender: strings.TrimSpace(sender),
		Body:   strings.TrimSpace(body),
	}
	if err := input.Validate(g.bodyLimit); err != nil {
		return nil, err
	}

	ok, retryAfter := g.limiter.Allow(input.Sender, input.RoomID)
	if !ok {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	lock := g.roomLocks.LoadAndStore(input.RoomID, func(l *roomLock, ok bool) *roomLock {
		if !ok {
			l = &roomLock{}
		}
		l.refs++
		return l
	})
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		g.roomLocks.DeleteIf(input.RoomID, func(l *roomLock) bool {
			l.refs--
			return l.refs == 0
		})
	}()

	appendCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.store.Append(appendCtx, input)
	if err != nil {
		return nil, err
	}

	g.publisher.Publish(msg)
	return msg, nil
}
