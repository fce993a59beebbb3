// Package ratelimit enforces a fixed-window request counter per source. The
// check is fail-closed: any counter backend error surfaces as rate-exceeded,
// never as a bypass.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// Counter increments the request count for a source within a window and
// returns the new count.
type Counter interface {
	Increment(ctx context.Context, source string, windowStart int64) (int, error)
}

// Limiter applies the configured window and threshold over a Counter.
type Limiter struct {
	counter Counter
	window  time.Duration
	max     int
	clock   core.Clock
}

// New creates a limiter. max <= 0 disables limiting.
func New(counter Counter, window time.Duration, max int, clock core.Clock) *Limiter {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Limiter{counter: counter, window: window, max: max, clock: clock}
}

// Allow increments the source's counter and reports whether it is under the
// threshold. A backend error is reported as not-allowed with the error
// attached; callers must treat it as rate-exceeded.
func (l *Limiter) Allow(ctx context.Context, source string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}
	if source == "" {
		source = "__anonymous__"
	}

	now := l.clock.Now().Unix()
	windowSecs := int64(l.window / time.Second)
	if windowSecs <= 0 {
		windowSecs = 60
	}
	windowStart := now - now%windowSecs

	count, err := l.counter.Increment(ctx, source, windowStart)
	if err != nil {
		return false, fmt.Errorf("rate counter: %w", err)
	}
	return count <= l.max, nil
}

// storeCounterBackend narrows the store dependency to the one method used.
type storeCounterBackend = interface {
	IncrementRateCounter(ctx context.Context, source string, windowStart int64) (int, error)
}

// NewStoreCounter adapts the SQLite store to the Counter interface.
func NewStoreCounter(s storeCounterBackend) Counter {
	return storeCounter{s: s}
}

type storeCounter struct {
	s storeCounterBackend
}

func (c storeCounter) Increment(ctx context.Context, source string, windowStart int64) (int, error) {
	return c.s.IncrementRateCounter(ctx, source, windowStart)
}

// RedisCounter backs the limiter with Redis INCR + EXPIRE, keyed
// rl:<source>:<window>. Used when the gateway runs multi-process.
type RedisCounter struct {
	rdb    *redis.Client
	window time.Duration
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(rdb *redis.Client, window time.Duration) *RedisCounter {
	return &RedisCounter{rdb: rdb, window: window}
}

func (c *RedisCounter) Increment(ctx context.Context, source string, windowStart int64) (int, error) {
	key := fmt.Sprintf("rl:%s:%d", source, windowStart)
	cnt, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if cnt == 1 {
		// Two windows of retention keeps late readers from resurrecting keys.
		c.rdb.Expire(ctx, key, 2*c.window)
	}
	return int(cnt), nil
}
