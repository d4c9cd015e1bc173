package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal(30 * time.Millisecond)

	h, err := locker.Acquire(ctx, "agent-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", h.Name())

	// A second holder cannot get in while the first one is alive.
	_, err = locker.Acquire(ctx, "agent-a", time.Minute)
	require.ErrorIs(t, err, ErrContention)

	// Different names never contend.
	other, err := locker.Acquire(ctx, "agent-b", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, h.Release(ctx))

	h2, err := locker.Acquire(ctx, "agent-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))

	// Releasing twice reports the lock as gone.
	require.ErrorIs(t, h2.Release(ctx), ErrNotHeld)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal(500 * time.Millisecond)

	h, err := locker.Acquire(ctx, "agent-a", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = h.Release(context.Background())
	}()

	waited, err := locker.Acquire(ctx, "agent-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, waited.Release(ctx))
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	locker := NewLocal(time.Minute)

	h, err := locker.Acquire(context.Background(), "agent-a", time.Minute)
	require.NoError(t, err)
	defer func() { _ = h.Release(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = locker.Acquire(ctx, "agent-a", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExpiredLockIsFree(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	locker := NewLocal(50 * time.Millisecond)
	locker.now = clock.Now

	stale, err := locker.Acquire(ctx, "agent-a", time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	// The expired entry counts as free without any reaper help.
	fresh, err := locker.Acquire(ctx, "agent-a", time.Second)
	require.NoError(t, err)

	// The old handle lost its fencing token and can no longer touch the lock.
	assert.ErrorIs(t, stale.Renew(ctx, time.Second), ErrNotHeld)
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)

	require.NoError(t, fresh.Release(ctx))
}

func TestRenewExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	locker := NewLocal(50 * time.Millisecond)
	locker.now = clock.Now

	h, err := locker.Acquire(ctx, "agent-a", time.Second)
	require.NoError(t, err)

	clock.Advance(800 * time.Millisecond)
	require.NoError(t, h.Renew(ctx, time.Second))

	// Past the original expiry but inside the renewed window.
	clock.Advance(800 * time.Millisecond)
	_, ok := locker.tryClaim("agent-a", time.Second)
	assert.False(t, ok, "renewed lock must still be held")

	clock.Advance(2 * time.Second)
	assert.ErrorIs(t, h.Renew(ctx, time.Second), ErrNotHeld)
}

func TestCleanupStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	locker := NewLocal(50 * time.Millisecond)
	locker.now = clock.Now

	for _, name := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err := locker.Acquire(ctx, name, time.Second)
		require.NoError(t, err)
	}
	_, err := locker.Acquire(ctx, "agent-d", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	reaped, err := locker.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, reaped)

	reaped, err = locker.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped, "second sweep finds nothing")
}

func TestReaperStartStop(t *testing.T) {
	locker := NewLocal(50 * time.Millisecond)

	require.NoError(t, locker.Start(context.Background()))
	require.Error(t, locker.Start(context.Background()), "second start must fail")
	locker.Stop()

	// Restart after a clean stop is allowed.
	require.NoError(t, locker.Start(context.Background()))
	locker.Stop()
}

// recordingLocker captures acquisition order for AcquireOrdered tests.
type recordingLocker struct {
	inner Locker
	names []string
}

func (r *recordingLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error) {
	h, err := r.inner.Acquire(ctx, name, ttl)
	if err == nil {
		r.names = append(r.names, name)
	}
	return h, err
}

func (r *recordingLocker) CleanupStale(ctx context.Context) (int, error) {
	return r.inner.CleanupStale(ctx)
}

func TestAcquireOrderedSortsAndDedups(t *testing.T) {
	ctx := context.Background()
	rec := &recordingLocker{inner: NewLocal(50 * time.Millisecond)}

	handles, err := AcquireOrdered(ctx, rec, time.Minute, "uuid-b", "uuid-a", "uuid-b")
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, []string{"uuid-a", "uuid-b"}, rec.names)

	ReleaseAll(ctx, handles)

	// Everything was released.
	again, err := AcquireOrdered(ctx, rec, time.Minute, "uuid-a", "uuid-b")
	require.NoError(t, err)
	ReleaseAll(ctx, again)
}

func TestAcquireOrderedRollsBackOnContention(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal(30 * time.Millisecond)

	blocker, err := locker.Acquire(ctx, "uuid-b", time.Minute)
	require.NoError(t, err)
	defer func() { _ = blocker.Release(ctx) }()

	_, err = AcquireOrdered(ctx, locker, time.Minute, "uuid-a", "uuid-b")
	require.ErrorIs(t, err, ErrContention)

	// The first lock in the order was rolled back, not leaked.
	h, err := locker.Acquire(ctx, "uuid-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestConcurrentAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal(2 * time.Second)

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := locker.Acquire(ctx, "shared", time.Minute)
			if err != nil {
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			_ = h.Release(ctx)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen, "never more than one holder at a time")
}
