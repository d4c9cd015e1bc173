package locks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	localPollInterval = 10 * time.Millisecond
	reapInterval      = 10 * time.Second
)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// LocalLocker is the single-process fallback: a registry of named entries
// guarded by one mutex. Expired entries count as free at acquire time, so
// the reaper only bounds memory, it is not needed for correctness.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]localEntry

	acquireTimeout time.Duration
	now            func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Locker = (*LocalLocker)(nil)

// NewLocal returns a process-local locker. acquireTimeout <= 0 selects
// DefaultAcquireTimeout.
func NewLocal(acquireTimeout time.Duration) *LocalLocker {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &LocalLocker{
		entries:        make(map[string]localEntry),
		acquireTimeout: acquireTimeout,
		now:            time.Now,
	}
}

// Start launches the background reaper. Safe to skip in short-lived uses.
func (l *LocalLocker) Start(ctx context.Context) error {
	if l.cancel != nil {
		return fmt.Errorf("lock reaper already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx)
	slog.Info("Local lock reaper started", "interval", reapInterval)
	return nil
}

// Stop halts the reaper and waits for the current sweep to finish.
func (l *LocalLocker) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	slog.Info("Local lock reaper stopped")
}

func (l *LocalLocker) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reap()
		}
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	deadline := l.now().Add(l.acquireTimeout)
	for {
		if token, ok := l.tryClaim(name, ttl); ok {
			return &localHandle{locker: l, name: name, token: token}, nil
		}
		if !l.now().Before(deadline) {
			return nil, ErrContention
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(localPollInterval):
		}
	}
}

// tryClaim takes the lock if it is free or expired.
func (l *LocalLocker) tryClaim(name string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.entries[name]; ok && cur.expiresAt.After(now) {
		return "", false
	}
	token := uuid.NewString()
	l.entries[name] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true
}

func (l *LocalLocker) renew(name, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.entries[name]
	if !ok || cur.token != token || !cur.expiresAt.After(l.now()) {
		return ErrNotHeld
	}
	cur.expiresAt = l.now().Add(ttl)
	l.entries[name] = cur
	return nil
}

func (l *LocalLocker) release(name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.entries[name]
	if !ok || cur.token != token || !cur.expiresAt.After(l.now()) {
		return ErrNotHeld
	}
	delete(l.entries, name)
	return nil
}

// CleanupStale sweeps expired entries immediately.
func (l *LocalLocker) CleanupStale(_ context.Context) (int, error) {
	return l.reap(), nil
}

func (l *LocalLocker) reap() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	reaped := 0
	for name, e := range l.entries {
		if !e.expiresAt.After(now) {
			delete(l.entries, name)
			reaped++
		}
	}
	return reaped
}

type localHandle struct {
	locker *LocalLocker
	name   string
	token  string
}

func (h *localHandle) Name() string { return h.name }

func (h *localHandle) Renew(_ context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return h.locker.renew(h.name, h.token, ttl)
}

func (h *localHandle) Release(_ context.Context) error {
	return h.locker.release(h.name, h.token)
}
