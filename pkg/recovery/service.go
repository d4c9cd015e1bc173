// Package recovery runs the stuck-agent detector: a periodic sweep that
// classifies agents by margin, activity age, and cognitive patterns, then
// resumes the safe ones and opens dialectic sessions for the rest.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CIRWEL/unitares/pkg/dialectic"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/metrics"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/notes"
	"github.com/CIRWEL/unitares/pkg/store"
)

// Defaults for the sweep schedule.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultWarmup      = 10 * time.Second
	DefaultParallelism = 4

	// DefaultActionWindow suppresses repeat recovery actions for the same
	// agent; the sweep fires far more often than recoveries should.
	DefaultActionWindow = time.Hour
)

// Config tunes the sweep; zero values select the defaults.
type Config struct {
	Interval     time.Duration
	Warmup       time.Duration
	Parallelism  int
	ActionWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Warmup <= 0 {
		c.Warmup = DefaultWarmup
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.ActionWindow <= 0 {
		c.ActionWindow = DefaultActionWindow
	}
	return c
}

// Service is the long-running stuck-agent detector and auto-recovery loop.
type Service struct {
	store     store.Store
	engine    *dynamics.Engine
	dialectic *dialectic.Machine
	notes     *notes.Service
	tracker   *Tracker
	metrics   *metrics.Metrics
	cfg       Config

	mu         sync.Mutex
	lastAction map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func New(st store.Store, engine *dynamics.Engine, machine *dialectic.Machine,
	notesSvc *notes.Service, tracker *Tracker, m *metrics.Metrics, cfg Config) *Service {
	if tracker == nil {
		tracker = NewTracker(DefaultPatternWindow)
	}
	return &Service{
		store:      st,
		engine:     engine,
		dialectic:  machine,
		notes:      notesSvc,
		tracker:    tracker,
		metrics:    m,
		cfg:        cfg.withDefaults(),
		lastAction: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Tracker exposes the pattern tracker so the update pipeline can tap
// tool-call fingerprints into it.
func (s *Service) Tracker() *Tracker { return s.tracker }

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Stuck-agent detector started",
		"interval", s.cfg.Interval,
		"warmup", s.cfg.Warmup,
		"parallelism", s.cfg.Parallelism)
}

// Stop signals the loop to exit and waits for the current sweep to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Stuck-agent detector stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	// Warmup lets the process finish wiring before the first sweep.
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.Warmup):
	}

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	findings, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("Stuck sweep failed", "error", err)
		return
	}
	if len(findings) > 0 {
		slog.Info("Stuck sweep finished", "stuck_agents", len(findings))
	}

	if cancelled, err := s.dialectic.CancelStale(ctx); err != nil {
		slog.Error("Stale session sweep failed", "error", err)
	} else if cancelled > 0 {
		slog.Info("Stale dialectic sessions cancelled", "count", cancelled)
	}

	s.pruneActions()
}

// Sweep classifies every non-archived agent once and triggers recovery for
// the stuck ones. Per-agent failures are logged, never fatal to the sweep.
func (s *Service) Sweep(ctx context.Context) ([]Finding, error) {
	views, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list snapshots: %w", err)
	}

	now := s.now().UTC()
	var mu sync.Mutex
	var findings []Finding

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, v := range views {
		g.Go(func() error {
			finding, stuck := classify(v, s.tracker, now)
			if !stuck {
				return nil
			}
			s.metrics.RecordSweepFinding(finding.Reason)
			mu.Lock()
			findings = append(findings, finding)
			mu.Unlock()
			s.recoverAgent(gctx, finding)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return findings, err
	}
	return findings, nil
}

// recoverAgent runs the recovery action for one finding: resume when the
// safety predicate holds, otherwise open a dialectic session. Stuck-but-
// active agents are surfaced without action; there is nothing to resume.
func (s *Service) recoverAgent(ctx context.Context, f Finding) {
	if !s.markActed(f.AgentUUID) {
		slog.Debug("Recovery suppressed inside action window",
			"agent_uuid", f.AgentUUID, "reason", f.Reason)
		return
	}

	slog.Info("Stuck agent detected",
		"agent_uuid", f.AgentUUID,
		"agent_id", f.AgentID,
		"status", f.Status,
		"reason", f.Reason,
		"detail", f.Detail)

	if f.Status != models.AgentStatusPaused {
		return
	}

	// Resume enforces the safety predicate itself; an UNSAFE refusal is the
	// dialectic trigger.
	_, err := s.engine.Resume(ctx, f.AgentUUID, dynamics.ResumeOptions{
		Tags: []string{"auto-recovery", "stuck-agent"},
	})
	switch {
	case err == nil:
		s.tracker.Forget(f.AgentUUID)
		s.recordRecoveryNote(ctx, f)
		slog.Info("Stuck agent auto-resumed", "agent_uuid", f.AgentUUID, "reason", f.Reason)
	case models.IsCode(err, models.ErrCodeUnsafe):
		s.requestReview(ctx, f)
	default:
		slog.Error("Auto-recovery resume failed",
			"agent_uuid", f.AgentUUID, "reason", f.Reason, "error", err)
	}
}

func (s *Service) requestReview(ctx context.Context, f Finding) {
	open, err := s.dialectic.OpenSessionFor(ctx, f.AgentUUID)
	if err != nil {
		slog.Error("Open session lookup failed", "agent_uuid", f.AgentUUID, "error", err)
		return
	}
	if open != nil {
		slog.Debug("Unsafe stuck agent already under review",
			"agent_uuid", f.AgentUUID, "session_id", open.SessionID)
		return
	}

	topic := fmt.Sprintf("auto-recovery blocked: %s", f.Reason)
	session, err := s.dialectic.RequestReview(ctx, f.AgentUUID, topic, "",
		[]string{"dialectic-trigger", "stuck-agent", "unsafe-recovery"})
	if err != nil {
		// Cooldowns and reviewer droughts are expected between sweeps.
		slog.Warn("Dialectic trigger failed",
			"agent_uuid", f.AgentUUID, "reason", f.Reason, "error", err)
		return
	}
	s.tracker.Forget(f.AgentUUID)
	slog.Info("Dialectic session opened for unsafe stuck agent",
		"agent_uuid", f.AgentUUID,
		"session_id", session.SessionID,
		"reviewer", session.ReviewerAgentUUID)
}

func (s *Service) recordRecoveryNote(ctx context.Context, f Finding) {
	_, err := s.notes.Record(ctx, f.AgentUUID, &models.KnowledgeNote{
		Summary:  fmt.Sprintf("auto-recovery resumed %s after %s", f.AgentID, f.Reason),
		Details:  f.Detail,
		Kind:     models.NoteKindNote,
		Severity: "info",
		Tags:     []string{"auto-recovery", "stuck-agent"},
	})
	if err != nil {
		slog.Warn("Recovery note not recorded", "agent_uuid", f.AgentUUID, "error", err)
	}
}

// markActed reports whether the agent is outside the action window and
// stamps it if so.
func (s *Service) markActed(agentUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.lastAction[agentUUID]; ok && now.Sub(last) < s.cfg.ActionWindow {
		return false
	}
	s.lastAction[agentUUID] = now
	return true
}

func (s *Service) pruneActions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.ActionWindow)
	for uuid, at := range s.lastAction {
		if at.Before(cutoff) {
			delete(s.lastAction, uuid)
		}
	}
}
