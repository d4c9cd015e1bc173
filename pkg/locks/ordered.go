package locks

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// AcquireOrdered takes every named lock in lexicographic order, which keeps
// two callers locking the same pair from deadlocking each other. On any
// failure the locks already taken are released and the error is returned.
// Duplicate names are collapsed so a self-review cannot self-deadlock.
func AcquireOrdered(ctx context.Context, locker Locker, ttl time.Duration, names ...string) ([]Handle, error) {
	ordered := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			ordered = append(ordered, n)
		}
	}
	sort.Strings(ordered)

	handles := make([]Handle, 0, len(ordered))
	for _, name := range ordered {
		h, err := locker.Acquire(ctx, name, ttl)
		if err != nil {
			ReleaseAll(ctx, handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ReleaseAll releases in reverse acquisition order, logging rather than
// failing on handles that already expired.
func ReleaseAll(ctx context.Context, handles []Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Release(ctx); err != nil {
			slog.Warn("Failed to release lock", "name", handles[i].Name(), "error", err)
		}
	}
}
