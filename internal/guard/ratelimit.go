package guard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimiter admits or rejects a call for a key within a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// MemoryRateLimiter keeps the admitted call times per key in process memory.
// Only admitted calls count toward the limit.
type MemoryRateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewMemoryRateLimiter(window time.Duration, maxRequests int) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		window: window,
		max:    maxRequests,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(key, now)
	if len(recent) >= l.max {
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// Remaining returns how many more calls key may make in the current window.
func (l *MemoryRateLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(0, l.max-len(l.prune(key, l.now())))
}

func (l *MemoryRateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}

func (l *MemoryRateLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits = make(map[string][]time.Time)
}

// prune drops hits that left the window. Callers hold l.mu.
func (l *MemoryRateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(l.hits, key)
		return nil
	}
	l.hits[key] = hits
	return hits
}

// RedisRateLimiter is the sliding window kept in a Redis sorted set per key, so
// every instance of the service shares it. Scores are unix milliseconds.
// A Redis failure admits the call.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
	prefix string
	log    *logrus.Entry
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, window time.Duration, maxRequests int, log *logrus.Entry) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		window: window,
		max:    maxRequests,
		prefix: "ratelimit:",
		log:    log.WithField("component", "redis_rate_limiter"),
		now:    time.Now,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	now := l.now()
	k := l.prefix + key
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10))
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithField("key", key).Warn("Rate limiter unavailable, admitting request")
		return true
	}

	if card.Val() > int64(l.max) {
		// Rejected calls do not count.
		if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
			l.log.WithError(err).WithField("key", key).Warn("Failed to drop rejected request from window")
		}
		return false
	}
	return true
}

// Remaining returns how many more calls key may make in the current window.
func (l *RedisRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	now := l.now()
	n, err := l.client.ZCount(ctx, l.prefix+key,
		"("+strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count requests in window: %w", err)
	}
	return max(0, l.max-int(n)), nil
}

func (l *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
