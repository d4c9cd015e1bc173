// Package cleanup enforces data retention: expired session bindings,
// archived knowledge notes past their window, and stale lock entries.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/notes"
	"github.com/CIRWEL/unitares/pkg/store"
)

// Defaults for the retention loop.
const (
	DefaultInterval = time.Hour
)

// Config tunes the retention sweep; zero values select the defaults.
type Config struct {
	Interval time.Duration
	// NoteRetention is how long archived knowledge notes survive;
	// zero selects the notes package default.
	NoteRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.NoteRetention <= 0 {
		c.NoteRetention = notes.DefaultRetention
	}
	return c
}

// Service periodically enforces retention:
//   - Deletes expired session bindings (the cache in front of them
//     already treats them as gone).
//   - Deletes archived knowledge notes past the retention window.
//   - Reaps expired lock entries so the table does not grow unbounded.
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	bindings store.SessionBindingStore
	notes    *notes.Service
	locks    locks.Locker
	cfg      Config

	cancel context.CancelFunc
	done   chan struct{}
}

func New(bindings store.SessionBindingStore, notesSvc *notes.Service, locker locks.Locker, cfg Config) *Service {
	return &Service{
		bindings: bindings,
		notes:    notesSvc,
		locks:    locker,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"interval", s.cfg.Interval,
		"note_retention", s.cfg.NoteRetention)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.expireSessionBindings(ctx)
	s.cleanupArchivedNotes(ctx)
	s.reapStaleLocks(ctx)
}

func (s *Service) expireSessionBindings(ctx context.Context) {
	count, err := s.bindings.DeleteExpiredSessionBindings(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("Retention: session binding cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired session bindings", "count", count)
	}
}

func (s *Service) cleanupArchivedNotes(ctx context.Context) {
	count, err := s.notes.Cleanup(ctx, s.cfg.NoteRetention)
	if err != nil {
		slog.Error("Retention: note cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed archived notes", "count", count)
	}
}

func (s *Service) reapStaleLocks(ctx context.Context) {
	count, err := s.locks.CleanupStale(ctx)
	if err != nil {
		slog.Error("Retention: stale lock cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: reaped stale locks", "count", count)
	}
}
