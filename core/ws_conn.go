package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer. Clients only send control
	// traffic; messages enter through the ingestion gateway.
	maxFrameSize = 1024

	// DefaultSendBuffer is the per-subscriber delivery queue bound. A
	// subscriber whose queue backs up past it is dropped.
	DefaultSendBuffer = 64
)

const (
	FrameMessage = "message"
	FrameDropped = "dropped"
)

// Frame is the unit pushed to a live subscriber.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageFramePayload is the shape of a FrameMessage push.
type MessageFramePayload struct {
	RoomID  string      `json:"room_id"`
	Message ChatMessage `json:"message"`
}

func newMessageFrame(msg *ChatMessage) (*Frame, error) {
	b, err := json.Marshal(MessageFramePayload{RoomID: msg.RoomID, Message: *msg})
	if err != nil {
		return nil, fmt.Errorf("marshal frame payload: %w", err)
	}
	return &Frame{Type: FrameMessage, Payload: b}, nil
}

// WSSubscriber adapts a gorilla websocket connection to the Subscriber
// interface: the write pump drains a bounded queue in FIFO order so the
// per-room delivery order any one client observes matches publish order,
// and the read pump exists to notice disconnects.
type WSSubscriber struct {
	conn    *websocket.Conn
	context context.Context
	key     string
	stream  chan *Frame
	ticker  *time.Ticker
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	// onClose runs exactly once, whichever pump exits first. The owner
	// uses it to release the registry subscription.
	onClose func()
}

type WSSubscriberOption func(*WSSubscriber)

func WithSendBuffer(n int) WSSubscriberOption {
	return func(s *WSSubscriber) {
		s.stream = make(chan *Frame, n)
	}
}

func NewWSSubscriber(ctx context.Context, conn *websocket.Conn, key string, logger *slog.Logger, opts ...WSSubscriberOption) *WSSubscriber {
	s := &WSSubscriber{
		conn:    conn,
		context: ctx,
		key:     key,
		stream:  make(chan *Frame, DefaultSendBuffer),
		ticker:  time.NewTicker(pingPeriod),
		closed:  make(chan struct{}),
		logger:  logger.With(slog.String("subscriber", key)),
		onClose: func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WSSubscriber) Key() string {
	return s.key
}

// Deliver enqueues a message push without blocking. It reports false when
// the queue is full or the subscriber is already closed.
func (s *WSSubscriber) Deliver(msg *ChatMessage) bool {
	frame, err := newMessageFrame(msg)
	if err != nil {
		s.logger.Error(err.Error())
		return true
	}
	select {
	case <-s.closed:
		return true
	default:
	}
	select {
	case s.stream <- frame:
		return true
	default:
		return false
	}
}

// Dropped pushes a best-effort dropped notice and closes the connection.
// The client's contract is to reconnect and re-backfill via history.
func (s *WSSubscriber) Dropped() {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	b, _ := json.Marshal(Frame{Type: FrameDropped})
	s.conn.WriteMessage(websocket.TextMessage, b)
	s.Close()
}

// OnClose registers the cleanup callback. Must be set before Run.
func (s *WSSubscriber) OnClose(f func()) {
	s.onClose = f
}

// Close terminates the subscriber. Idempotent.
func (s *WSSubscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.onClose()
	})
}

// Run starts both pumps and registers them on wg.
func (s *WSSubscriber) Run(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
}

func (s *WSSubscriber) readLoop() {
	defer s.Close()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Inbound frames carry no meaning; reading only detects the
		// peer going away.
		if _, r, err := s.conn.NextReader(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(fmt.Sprintf("peer closed: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				s.logger.Debug(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			s.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		} else {
			io.Copy(io.Discard, r)
		}
	}
}

func (s *WSSubscriber) writeLoop() {
	defer func() {
		s.ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case frame := <-s.stream:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				s.logger.Debug(fmt.Sprintf("NextWriter: %v", err))
				return
			}
			if err := json.NewEncoder(w).Encode(frame); err != nil {
				s.logger.Error(fmt.Sprintf("encode frame: %v", err))
			}
			w.Close()
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-s.context.Done():
			return
		case <-s.ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
