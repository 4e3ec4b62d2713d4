package core

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func testMessage(roomID string, id int64, body string) *ChatMessage {
	return &ChatMessage{
		ID:        id,
		RoomID:    roomID,
		Sender:    "0xabc",
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPublish(t *testing.T) {

	t.Run("reaches every subscriber of the room", func(t *testing.T) {
		r := NewRoomRegistry()
		d := NewFanoutDispatcher(r, testLogger)
		a := newChanSubscriber("a", 8)
		b := newChanSubscriber("b", 8)
		r.Subscribe("mkt-1", a)
		r.Subscribe("mkt-1", b)

		d.Publish(testMessage("mkt-1", 1, "hello"))

		require.Len(t, a.drain(), 1)
		require.Len(t, b.drain(), 1)
	})

	t.Run("does not cross rooms", func(t *testing.T) {
		r := NewRoomRegistry()
		d := NewFanoutDispatcher(r, testLogger)
		a := newChanSubscriber("a", 8)
		b := newChanSubscriber("b", 8)
		r.Subscribe("mkt-1", a)
		r.Subscribe("mkt-2", b)

		d.Publish(testMessage("mkt-1", 1, "hello"))

		assert.Len(t, a.drain(), 1)
		assert.Empty(t, b.drain())
	})

	t.Run("publishing to a room with no subscribers is a no-op", func(t *testing.T) {
		r := NewRoomRegistry()
		d := NewFanoutDispatcher(r, testLogger)

		assert.NotPanics(t, func() {
			d.Publish(testMessage("mkt-1", 1, "hello"))
		})
	})

	t.Run("preserves publish order per subscriber", func(t *testing.T) {
		r := NewRoomRegistry()
		d := NewFanoutDispatcher(r, testLogger)
		a := newChanSubscriber("a", 16)
		r.Subscribe("mkt-1", a)

		for i := int64(1); i <= 10; i++ {
			d.Publish(testMessage("mkt-1", i, "m"))
		}

		received := a.drain()
		require.Len(t, received, 10)
		for i := 1; i < len(received); i++ {
			assert.Greater(t, received[i].ID, received[i-1].ID)
		}
	})
}

func TestPublishBackpressure(t *testing.T) {

	t.Run("a stalled subscriber is dropped, the healthy one keeps receiving", func(t *testing.T) {
		r := NewRoomRegistry()
		d := NewFanoutDispatcher(r, testLogger)
		stalled := newChanSubscriber("stalled", 1)
		healthy := newChanSubscriber("healthy", 16)
		r.Subscribe("mkt-1", stalled)
		r.Subscribe("mkt-1", healthy)

		// The stalled subscriber never drains; its one-slot buffer fills
		// on the first publish and overflows on the second.
		d.Publish(testMessage("mkt-1", 1, "a"))
		d.Publish(testMessage("mkt-1", 2, "b"))

		require.Eventually(t, func() bool {
			return stalled.wasDropped()
		}, time.Second, 10*time.Millisecond, "stalled subscriber must be notified")
		assert.Equal(t, 1, r.SubscriberCount("mkt-1"), "stalled subscriber must be unsubscribed")

		d.Publish(testMessage("mkt-1", 3, "c"))
		assert.Len(t, healthy.drain(), 3, "healthy subscriber must see every message")
	})

	t.Run("no deliveries after the drop", func(t *testing.T) {
		r := NewRoomRegistry()
		d := NewFanoutDispatcher(r, testLogger)
		stalled := newChanSubscriber("stalled", 1)
		r.Subscribe("mkt-1", stalled)

		d.Publish(testMessage("mkt-1", 1, "a"))
		d.Publish(testMessage("mkt-1", 2, "b"))
		d.Publish(testMessage("mkt-1", 3, "c"))

		assert.Len(t, stalled.drain(), 1, "only the message accepted before the overflow is queued")
	})
}
