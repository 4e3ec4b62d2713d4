package core

import (
	"fmt"
	"log/slog"
)

// Publisher triggers fan-out of an accepted message. Satisfied by
// FanoutDispatcher; the indirection keeps the ingestion gateway testable.
type Publisher interface {
	Publish(msg *ChatMessage)
}

// FanoutDispatcher delivers a persisted message to every subscriber
// registered for its room at the moment of publish. Delivery is a
// best-effort low-latency notification; the message store remains the
// authoritative record.
type FanoutDispatcher struct {
	registry *RoomRegistry
	logger   *slog.Logger
}

func NewFanoutDispatcher(registry *RoomRegistry, logger *slog.Logger) *FanoutDispatcher {
	return &FanoutDispatcher{registry: registry, logger: logger}
}

// Publish enqueues the message on every live subscriber of its room.
// Deliver never blocks: a subscriber whose buffer has backed up is
// unsubscribed and notified, so one stalled connection cannot delay the
// others or apply backpressure to the publisher.
func (d *FanoutDispatcher) Publish(msg *ChatMessage) {
	for _, s := range d.registry.subscribersOf(msg.RoomID) {
		if s.sub.Deliver(msg) {
			continue
		}
		d.registry.Unsubscribe(s.token)
		d.logger.Warn(fmt.Sprintf("dropped slow subscriber %s in room %s", s.sub.Key(), msg.RoomID))
		// Notify off the publish path; the subscriber's buffer is full
		// and its Dropped handling may write to the connection.
		go s.sub.Dropped()
	}
}
