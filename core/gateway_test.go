package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher captures published messages in arrival order.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []*ChatMessage
}

func (p *recordingPublisher) Publish(msg *ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) published() []*ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ChatMessage(nil), p.messages...)
}

type GatewayFixture struct {
	gateway   *IngestionGateway
	publisher *recordingPublisher
	limiter   *RateLimiter
	ctx       context.Context
	tearDown  func()
}

func NewGatewayFixture(t *testing.T, limit int, window time.Duration, opts ...GatewayOption) *GatewayFixture {
	storeFixture := NewSQLiteStoreFixture(t)
	publisher := &recordingPublisher{}
	limiter := NewRateLimiter(WithRatePolicy(limit, window))

	return &GatewayFixture{
		gateway:   NewIngestionGateway(storeFixture.store, limiter, publisher, testLogger, opts...),
		publisher: publisher,
		limiter:   limiter,
		ctx:       storeFixture.ctx,
		tearDown:  storeFixture.tearDown,
	}
}

func TestSend(t *testing.T) {

	t.Run("persists then publishes", func(t *testing.T) {
		f := NewGatewayFixture(t, 10, 10*time.Second)
		defer f.tearDown()

		msg, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "hello")

		require.Nil(t, err)
		require.NotNil(t, msg)
		assert.NotZero(t, msg.ID)

		published := f.publisher.published()
		require.Len(t, published, 1)
		assert.Equal(t, msg.ID, published[0].ID)
	})

	t.Run("normalizes the body before validation", func(t *testing.T) {
		f := NewGatewayFixture(t, 10, 10*time.Second)
		defer f.tearDown()

		msg, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "  hello  ")
		require.Nil(t, err)
		assert.Equal(t, "hello", msg.Body)
	})

	t.Run("whitespace-only body fails validation without touching storage", func(t *testing.T) {
		f := NewGatewayFixture(t, 10, 10*time.Second)
		defer f.tearDown()

		msg, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "   ")
		assert.Nil(t, msg)
		assert.ErrorIs(t, err, ErrInvalidMessage)
		assert.Empty(t, f.publisher.published())
	})

	t.Run("validation failure does not consume quota", func(t *testing.T) {
		f := NewGatewayFixture(t, 1, 10*time.Second)
		defer f.tearDown()

		_, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "")
		assert.ErrorIs(t, err, ErrInvalidMessage)

		_, err = f.gateway.Send(f.ctx, "mkt-1", "0xabc", "hello")
		assert.Nil(t, err, "the quota must still be available")
	})

	t.Run("rate limited send touches neither storage nor fanout", func(t *testing.T) {
		f := NewGatewayFixture(t, 3, 10*time.Second)
		defer f.tearDown()

		for i := 0; i < 3; i++ {
			_, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "m")
			require.Nil(t, err)
		}

		msg, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "m")
		assert.Nil(t, msg)
		assert.ErrorIs(t, err, ErrRateLimited)

		var rateErr *RateLimitedError
		require.ErrorAs(t, err, &rateErr)
		assert.Greater(t, rateErr.RetryAfter, time.Duration(0))

		assert.Len(t, f.publisher.published(), 3)
		history, err := f.gateway.store.Query(f.ctx, "mkt-1", Cursor{}, 10, Forward)
		require.Nil(t, err)
		assert.Len(t, history, 3)
	})

	t.Run("another wallet is unaffected by an exhausted bucket", func(t *testing.T) {
		f := NewGatewayFixture(t, 1, 10*time.Second)
		defer f.tearDown()

		_, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "m")
		require.Nil(t, err)
		_, err = f.gateway.Send(f.ctx, "mkt-1", "0xabc", "m")
		require.ErrorIs(t, err, ErrRateLimited)

		_, err = f.gateway.Send(f.ctx, "mkt-1", "0xdef", "m")
		assert.Nil(t, err)
	})

	t.Run("room lock entries do not outlive in-flight sends", func(t *testing.T) {
		f := NewGatewayFixture(t, 10, 10*time.Second)
		defer f.tearDown()

		_, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "m")
		require.Nil(t, err)
		_, err = f.gateway.Send(f.ctx, "mkt-2", "0xabc", "m")
		require.Nil(t, err)

		assert.Equal(t, 0, f.gateway.roomLocks.Len(),
			"a long-lived process must not accumulate one lock per room ever seen")
	})

	t.Run("publish order matches persisted order under concurrency", func(t *testing.T) {
		f := NewGatewayFixture(t, 1000, 10*time.Second)
		defer f.tearDown()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.gateway.Send(f.ctx, "mkt-1", "0xabc", "m")
				assert.Nil(t, err)
			}()
		}
		wg.Wait()

		published := f.publisher.published()
		require.Len(t, published, 20)
		for i := 1; i < len(published); i++ {
			assert.Greater(t, published[i].ID, published[i-1].ID,
				"fanout must observe messages in persisted order")
		}
		assert.Equal(t, 0, f.gateway.roomLocks.Len())
	})
}
