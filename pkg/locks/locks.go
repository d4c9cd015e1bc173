// Package locks provides the named write-lock capability that serializes
// per-agent mutations. Two implementations exist: a cluster lock on Redis
// expiring keys and a process-local registry with a TTL reaper. Holders are
// fenced by token, so an expired lock cannot release or renew its successor.
package locks

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultTTL is the auto-expiry applied when the caller passes no TTL.
	// Operations that legitimately run longer must renew periodically.
	DefaultTTL = 30 * time.Second

	// DefaultAcquireTimeout bounds how long Acquire waits for a held lock.
	DefaultAcquireTimeout = 5 * time.Second
)

var (
	// ErrContention means the lock stayed held through the acquire window.
	ErrContention = errors.New("lock held by another owner")

	// ErrNotHeld means a renew or release found the lock expired or owned
	// by someone else.
	ErrNotHeld = errors.New("lock not held")
)

// Handle is one held lock. Release is idempotent only until the lock
// expires or is taken over; after that both Renew and Release return
// ErrNotHeld.
type Handle interface {
	// Name returns the lock's name.
	Name() string
	// Renew extends the expiry to ttl from now.
	Renew(ctx context.Context, ttl time.Duration) error
	// Release frees the lock for the next acquirer.
	Release(ctx context.Context) error
}

// Locker is the named-lock capability. Callers depend on this interface,
// never on a concrete backend.
type Locker interface {
	// Acquire blocks until the named lock is obtained or the acquire window
	// closes, returning ErrContention in the latter case.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error)

	// CleanupStale removes expired entries and returns how many were
	// reaped. The cluster backend expires keys on its own and reports 0.
	CleanupStale(ctx context.Context) (int, error)
}
