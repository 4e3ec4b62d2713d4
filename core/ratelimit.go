package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultRateLimit      = 3
	DefaultRateWindow     = 10 * time.Second
	DefaultBucketTTL      = 5 * time.Minute
	defaultEvictionPeriod = time.Minute
)

// RateBucket is the per-(wallet, room) counter state. Buckets are created
// lazily on first use and evicted after BucketTTL of inactivity.
type RateBucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// RateLimiter enforces a fixed-window message-frequency ceiling per
// (wallet, room) pair. All bucket transitions go through SyncMap's
// LoadAndStore so increment-or-create is a single atomic step and never
// races eviction.
type RateLimiter struct {
	buckets *SyncMap[bucketKey, RateBucket]
	limit   int
	window  time.Duration
	ttl     time.Duration
	logger  *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

type RateLimiterOption func(*RateLimiter)

func WithRatePolicy(limit int, window time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		l.limit = limit
		l.window = window
	}
}

func WithBucketTTL(ttl time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		l.ttl = ttl
	}
}

func WithRateLimiterLogger(logger *slog.Logger) RateLimiterOption {
	return func(l *RateLimiter) {
		l.logger = logger
	}
}

func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		buckets: NewSyncMap[bucketKey, RateBucket](),
		limit:   DefaultRateLimit,
		window:  DefaultRateWindow,
		ttl:     DefaultBucketTTL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// bucketKey is a comparable pair; wallets and room ids are opaque, so
// joining them into one string could make distinct pairs collide.
type bucketKey struct {
	wallet string
	roomID string
}

// Allow reports whether the wallet may post another message to the room,
// consuming one unit of quota when it may. On deny it returns the interval
// after which a retry can succeed.
func (l *RateLimiter) Allow(wallet, roomID string) (bool, time.Duration) {
	now := l.now()
	var allowed bool
	var retryAfter time.Duration

	l.buckets.LoadAndStore(bucketKey{wallet: wallet, roomID: roomID}, func(b RateBucket, ok bool) RateBucket {
		if !ok || now.Sub(b.windowStart) >= l.window {
			b = RateBucket{windowStart: now}
		}
		b.lastSeen = now
		if b.count < l.limit {
			b.count++
			allowed = true
			return b
		}
		retryAfter = l.window - now.Sub(b.windowStart)
		return b
	})

	return allowed, retryAfter
}

// StartEviction runs the bucket janitor until ctx is cancelled.
func (l *RateLimiter) StartEviction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(defaultEvictionPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evictStale(l.now())
			}
		}
	}()
}

func (l *RateLimiter) evictStale(now time.Time) {
	before := l.buckets.Len()
	l.buckets.DeleteFunc(func(_ bucketKey, b RateBucket) bool {
		return now.Sub(b.lastSeen) >= l.ttl
	})
	if evicted := before - l.buckets.Len(); evicted > 0 {
		l.logger.Debug(fmt.Sprintf("evicted %d stale rate buckets", evicted))
	}
}
