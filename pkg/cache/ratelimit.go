package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Allow records one hit against the (agent, class) sliding window and reports
// whether it fits within limit hits per window. Backend failures fall back to
// the in-process window, so limits hold even without the external cache.
func (c *Cache) Allow(ctx context.Context, agentUUID, class string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	key := "rate:" + agentUUID + ":" + class
	now := time.Now()

	if c.client != nil {
		allowed, err := c.allowExternal(ctx, key, limit, window, now)
		if err == nil {
			return allowed
		}
		slog.Warn("Rate limit counter failed, falling back to in-process", "error", err)
	}
	return c.limiter.allow(key, limit, window, now)
}

// allowExternal implements the window on Redis: add the hit, trim everything
// older than the window, then count. Over the limit, the hit is removed again
// so a denied call does not consume quota.
func (c *Cache) allowExternal(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	member := uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if card.Val() > int64(limit) {
		if err := c.client.ZRem(ctx, key, member).Err(); err != nil {
			slog.Warn("Rate limit rollback failed", "key", key, "error", err)
		}
		return false, nil
	}
	return true, nil
}

// slidingWindow is the in-process rate limit fallback.
type slidingWindow struct {
	mu   sync.Mutex
	hits map[string][]int64
}

func newSlidingWindow() *slidingWindow {
	return &slidingWindow{hits: make(map[string][]int64)}
}

func (w *slidingWindow) allow(key string, limit int, window time.Duration, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window).UnixNano()
	hits := w.hits[key]

	// Drop everything outside the window; hits are append-ordered.
	start := 0
	for start < len(hits) && hits[start] <= cutoff {
		start++
	}
	hits = hits[start:]

	if len(hits) >= limit {
		w.hits[key] = hits
		return false
	}
	w.hits[key] = append(hits, now.UnixNano())
	return true
}
