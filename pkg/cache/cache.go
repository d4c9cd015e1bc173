// Package cache provides the ephemeral fast path: session-key bindings and
// sliding-window rate limit counters. An external Redis backend is used when
// reachable; every operation degrades to an in-process equivalent, so the
// cache is never a source of truth and never a hard dependency.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every external cache operation; on expiry the call falls
// back to the in-process equivalent.
const opTimeout = 500 * time.Millisecond

const sessionKeyPrefix = "session:"

// Config holds cache settings.
type Config struct {
	// URL is the external cache connection string; empty runs in-process only.
	URL string
	// Enabled false disables session caching entirely; resolution always goes
	// to the durable store. Rate limiting stays active in-process.
	Enabled bool
	// SessionTTL is how long a session binding lives without a touch.
	SessionTTL time.Duration
}

// Cache is the process-wide ephemeral store. Safe for concurrent use.
type Cache struct {
	client     *redis.Client // nil when the external backend is unavailable
	sessions   *memoryStore
	limiter    *slidingWindow
	sessionTTL time.Duration
	disabled   bool
}

// New builds the cache. When the external backend is configured but
// unreachable, the cache logs a warning and continues in-process.
func New(cfg Config) *Cache {
	c := &Cache{
		sessions:   newMemoryStore(),
		limiter:    newSlidingWindow(),
		sessionTTL: cfg.SessionTTL,
	}
	if c.sessionTTL <= 0 {
		c.sessionTTL = time.Hour
	}
	if !cfg.Enabled {
		c.disabled = true
		slog.Info("Session cache disabled; all resolution goes to the durable store")
		return c
	}
	if cfg.URL == "" {
		slog.Info("No external cache configured, using in-process cache")
		return c
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		slog.Warn("Invalid cache URL, using in-process cache", "error", err)
		return c
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Warn("External cache unreachable, using in-process cache", "error", err)
		_ = client.Close()
		return c
	}

	c.client = client
	slog.Info("External cache connected", "url", opt.Addr)
	return c
}

// Mode reports which backend serves requests: external, local, or disabled.
func (c *Cache) Mode() string {
	switch {
	case c.disabled:
		return "disabled"
	case c.client != nil:
		return "external"
	default:
		return "local"
	}
}

// Ping verifies the external backend when one is attached; an in-process
// cache is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close releases the external connection if any.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// GetSession resolves a session key to an agent uuid. A miss is normal; the
// caller repopulates from the durable store.
func (c *Cache) GetSession(ctx context.Context, sessionKey string) (string, bool) {
	if c.disabled {
		return "", false
	}
	if c.client != nil {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		val, err := c.client.Get(ctx, sessionKeyPrefix+sessionKey).Result()
		if err == nil {
			return val, true
		}
		if err != redis.Nil {
			slog.Warn("Session cache read failed, falling back to in-process", "error", err)
		} else {
			return "", false
		}
	}
	return c.sessions.get(sessionKey, time.Now())
}

// PutSession binds a session key to an agent uuid for the configured TTL.
// Write loss is tolerated.
func (c *Cache) PutSession(ctx context.Context, sessionKey, agentUUID string) {
	if c.disabled {
		return
	}
	if c.client != nil {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if err := c.client.Set(ctx, sessionKeyPrefix+sessionKey, agentUUID, c.sessionTTL).Err(); err != nil {
			slog.Warn("Session cache write failed, falling back to in-process", "error", err)
		} else {
			return
		}
	}
	c.sessions.put(sessionKey, agentUUID, time.Now().Add(c.sessionTTL))
}

// TouchSession extends the binding's TTL. Misses are ignored.
func (c *Cache) TouchSession(ctx context.Context, sessionKey string) {
	if c.disabled {
		return
	}
	if c.client != nil {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if err := c.client.Expire(ctx, sessionKeyPrefix+sessionKey, c.sessionTTL).Err(); err != nil {
			slog.Warn("Session cache touch failed, falling back to in-process", "error", err)
		} else {
			return
		}
	}
	c.sessions.touch(sessionKey, time.Now(), c.sessionTTL)
}

// DeleteSession drops the binding, e.g. on key rotation.
func (c *Cache) DeleteSession(ctx context.Context, sessionKey string) {
	if c.disabled {
		return
	}
	if c.client != nil {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if err := c.client.Del(ctx, sessionKeyPrefix+sessionKey).Err(); err != nil {
			slog.Warn("Session cache delete failed, falling back to in-process", "error", err)
		}
	}
	c.sessions.delete(sessionKey)
}
