// Package ratelimit bounds how often a caller may perform an action within
// a fixed window.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sitcon-tw/tickets-sub001/internal/clock"
	"github.com/sitcon-tw/tickets-sub001/internal/config"
)

// Limiter decides whether one more action under key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NewPool dials Redis lazily and checks the connection once.
func NewPool(ctx context.Context, cfg config.Redis) (*redis.Pool, error) {
	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.Addr,
				redis.DialPassword(cfg.Password),
				redis.DialUseTLS(cfg.TLS),
				redis.DialConnectTimeout(3*time.Second),
			)
		},
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("dial redis: %w", err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return pool, nil
}

// RedisLimiter counts actions with INCR on a key that expires at the end of
// its window, so every instance of the service shares one budget.
type RedisLimiter struct {
	pool   *redis.Pool
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit actions per key in each window.
func NewRedisLimiter(pool *redis.Pool, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{pool: pool, prefix: prefix, limit: limit, window: window}
}

// Allow records the attempt and reports whether it is within the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	// The key gets its expiry in the same transaction that creates it, so a
	// counter can never outlive its window. INCR keeps the TTL.
	redisKey := l.prefix + ":" + normalize(key)
	if err := conn.Send("MULTI"); err != nil {
		return false, fmt.Errorf("multi %s: %w", redisKey, err)
	}
	if err := conn.Send("SET", redisKey, 0, "PX", l.window.Milliseconds(), "NX"); err != nil {
		return false, fmt.Errorf("set %s: %w", redisKey, err)
	}
	if err := conn.Send("INCR", redisKey); err != nil {
		return false, fmt.Errorf("incr %s: %w", redisKey, err)
	}
	replies, err := redis.Values(redis.DoContext(conn, ctx, "EXEC"))
	if err != nil {
		return false, fmt.Errorf("exec %s: %w", redisKey, err)
	}
	if len(replies) != 2 {
		return false, fmt.Errorf("exec %s: unexpected %d replies", redisKey, len(replies))
	}
	count, err := redis.Int64(replies[1], nil)
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", redisKey, err)
	}
	return count <= int64(l.limit), nil
}

// MemoryLimiter is a single-process Limiter used when Redis is not
// configured, and in tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   int
	window  time.Duration
	buckets map[string]bucket
	calls   int
}

// pruneEvery is how many Allow calls pass between sweeps of expired buckets.
const pruneEvery = 256

type bucket struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter allows limit actions per key in each window.
func NewMemoryLimiter(clk clock.Clock, limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		clock:   clk,
		limit:   limit,
		window:  window,
		buckets: make(map[string]bucket),
	}
}

// Allow records the attempt and reports whether it is within the limit.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.clock.Now()
	key = normalize(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%pruneEvery == 0 {
		l.prune(now)
	}

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b
	return b.count <= l.limit, nil
}

func (l *MemoryLimiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
