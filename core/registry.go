package core

import (
	"sync"

	"github.com/google/uuid"
)

// Subscriber is one live connection's interest in exactly one room.
// Implementations must make Deliver non-blocking: it enqueues the message
// and reports false when the connection's buffer is full, in which case
// the registry drops the subscription.
type Subscriber interface {
	// Key identifies the connection across re-subscriptions. Subscribing
	// a key that is already registered in the room replaces the prior
	// registration: a reconnect supersedes a stale one.
	Key() string
	// Deliver enqueues a message for the connection. It must not block.
	Deliver(msg *ChatMessage) bool
	// Dropped notifies the subscriber that it was unsubscribed due to
	// backpressure and should resubscribe and re-backfill from history.
	Dropped()
}

// SubscriptionToken identifies one active subscription. Unsubscribe with
// a stale or already-released token is a no-op.
type SubscriptionToken struct {
	roomID string
	id     uuid.UUID
}

func (t SubscriptionToken) RoomID() string {
	return t.roomID
}

type roomEntry struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]Subscriber
	// dead marks an entry that has been reclaimed from the registry map.
	// A Subscribe that raced the reclaim re-materializes the room instead
	// of registering into the orphaned entry.
	dead bool
}

// RoomRegistry maps room identifiers to their live subscriber sets. Rooms
// materialize lazily on first subscription and are reclaimed when the set
// drains; absence of a room is never an error. Contention is per room, not
// global: the registry map and each room's set are locked independently.
type RoomRegistry struct {
	rooms *SyncMap[string, *roomEntry]
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: NewSyncMap[string, *roomEntry]()}
}

// Subscribe registers the handle for the room and returns the token that
// releases it. A handle already registered in the room (same Key) is
// replaced.
func (r *RoomRegistry) Subscribe(roomID string, sub Subscriber) SubscriptionToken {
	token := SubscriptionToken{roomID: roomID, id: uuid.New()}

	for {
		entry := r.rooms.LoadOrStore(roomID, func() *roomEntry {
			return &roomEntry{subs: make(map[uuid.UUID]Subscriber)}
		})

		entry.mu.Lock()
		if entry.dead {
			entry.mu.Unlock()
			continue
		}
		for id, existing := range entry.subs {
			if existing.Key() == sub.Key() {
				delete(entry.subs, id)
			}
		}
		entry.subs[token.id] = sub
		entry.mu.Unlock()
		return token
	}
}

// Unsubscribe releases the subscription. It is idempotent and immediate:
// once it returns, the handle receives no further deliveries.
func (r *RoomRegistry) Unsubscribe(token SubscriptionToken) {
	entry, ok := r.rooms.Load(token.roomID)
	if !ok {
		return
	}

	entry.mu.Lock()
	delete(entry.subs, token.id)
	empty := len(entry.subs) == 0
	entry.mu.Unlock()

	if empty {
		r.reclaim(token.roomID)
	}
}

// reclaim removes the registry entry if the room is still empty. The
// recheck runs under the map's write lock so it cannot race a concurrent
// Subscribe that revived the room.
func (r *RoomRegistry) reclaim(roomID string) {
	r.rooms.DeleteFunc(func(id string, entry *roomEntry) bool {
		if id != roomID {
			return false
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if len(entry.subs) != 0 {
			return false
		}
		entry.dead = true
		return true
	})
}

// SubscriberCount reports the number of live subscriptions for a room.
func (r *RoomRegistry) SubscriberCount(roomID string) int {
	entry, ok := r.rooms.Load(roomID)
	if !ok {
		return 0
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return len(entry.subs)
}

// subscription pairs a live subscriber with the token that releases it.
type subscription struct {
	token SubscriptionToken
	sub   Subscriber
}

// subscribersOf snapshots the room's subscriber set at the moment of the
// call. Used only by the fanout dispatcher.
func (r *RoomRegistry) subscribersOf(roomID string) []subscription {
	entry, ok := r.rooms.Load(roomID)
	if !ok {
		return nil
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()
	snapshot := make([]subscription, 0, len(entry.subs))
	for id, sub := range entry.subs {
		snapshot = append(snapshot, subscription{
			token: SubscriptionToken{roomID: roomID, id: id},
			sub:   sub,
		})
	}
	return snapshot
}
