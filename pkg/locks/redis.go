package locks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "lock:"
	redisPollInterval = 100 * time.Millisecond
)

// Release and renew compare the holder token first so a handle that
// expired mid-operation cannot clobber the next holder's lock.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is the cluster lock: one expiring key per name, claimed with
// SET NX PX. Crashed holders free themselves when the key expires.
type RedisLocker struct {
	client         *redis.Client
	acquireTimeout time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedis returns a locker backed by the given client. acquireTimeout <= 0
// selects DefaultAcquireTimeout.
func NewRedis(client *redis.Client, acquireTimeout time.Duration) *RedisLocker {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &RedisLocker{client: client, acquireTimeout: acquireTimeout}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := redisKeyPrefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(l.acquireTimeout)
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: acquire: %w", name, err)
		}
		if ok {
			return &redisHandle{locker: l, name: name, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisPollInterval):
		}
	}
}

// CleanupStale is a no-op on Redis: PX expiry reaps keys server-side.
func (l *RedisLocker) CleanupStale(context.Context) (int, error) {
	return 0, nil
}

type redisHandle struct {
	locker *RedisLocker
	name   string
	key    string
	token  string
}

func (h *redisHandle) Name() string { return h.name }

func (h *redisHandle) Renew(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	millis := strconv.FormatInt(ttl.Milliseconds(), 10)
	n, err := renewScript.Run(ctx, h.locker.client, []string{h.key}, h.token, millis).Int()
	if err != nil {
		return fmt.Errorf("lock %s: renew: %w", h.name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (h *redisHandle) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.locker.client, []string{h.key}, h.token).Int()
	if err != nil {
		return fmt.Errorf("lock %s: release: %w", h.name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
