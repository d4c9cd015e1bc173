package dialectic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/metrics"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
	"github.com/CIRWEL/unitares/pkg/summarizer"
)

// Defaults for the session state machine.
const (
	DefaultMaxSynthesisAttempts = 3
	DefaultSessionTimeout       = time.Hour
	DefaultReopenCooldown       = time.Hour
)

// Config tunes the machine; zero values select the defaults.
type Config struct {
	MaxSynthesisAttempts int
	// SessionTimeout is how long a session may sit without progress before
	// the sweep cancels it.
	SessionTimeout time.Duration
	// ReopenCooldown blocks a fresh session for an agent whose last one
	// ended in a conservative default.
	ReopenCooldown time.Duration
	LockTTL        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSynthesisAttempts <= 0 {
		c.MaxSynthesisAttempts = DefaultMaxSynthesisAttempts
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.ReopenCooldown <= 0 {
		c.ReopenCooldown = DefaultReopenCooldown
	}
	if c.LockTTL <= 0 {
		c.LockTTL = locks.DefaultTTL
	}
	return c
}

// Machine drives dialectic sessions from open to terminal state.
type Machine struct {
	store      store.Store
	locks      locks.Locker
	engine     *dynamics.Engine
	audit      *audit.Recorder
	summarizer summarizer.Summarizer
	gate       *Gate
	metrics    *metrics.Metrics
	cfg        Config
	now        func() time.Time
}

// New builds the machine. A nil gate gets the default pattern set; nil
// summarizer and metrics are safe no-ops.
func New(st store.Store, locker locks.Locker, engine *dynamics.Engine, recorder *audit.Recorder,
	summ summarizer.Summarizer, gate *Gate, m *metrics.Metrics, cfg Config) *Machine {
	if gate == nil {
		gate, _ = NewGate(nil)
	}
	if summ == nil {
		summ = summarizer.Nop{}
	}
	return &Machine{
		store:      st,
		locks:      locker,
		engine:     engine,
		audit:      recorder,
		summarizer: summ,
		gate:       gate,
		metrics:    m,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// SubmitResult reports what one message submission caused.
type SubmitResult struct {
	Session *models.DialecticSession `json:"session"`
	// Accepted means the synthesis passed convergence and the gate, and the
	// paused agent was resumed.
	Accepted bool `json:"accepted"`
	// Converged reports the convergence evaluation of a synthesis attempt.
	Converged bool `json:"converged,omitempty"`
	// Reason explains a failed convergence or gate check.
	Reason string               `json:"reason,omitempty"`
	Resume *models.ResumeResult `json:"resume,omitempty"`
}

// RequestReview opens a session for a paused agent: reviewer selection,
// state snapshot, phase thesis. requestedBy is the audit actor; empty means
// the paused agent asked for itself.
func (m *Machine) RequestReview(ctx context.Context, pausedUUID, topic, requestedBy string, auditTags []string) (*models.DialecticSession, error) {
	pausedIdentity, err := m.getIdentity(ctx, pausedUUID)
	if err != nil {
		return nil, err
	}
	if pausedIdentity.Status != models.AgentStatusPaused {
		return nil, models.NewError(models.ErrCodeBadInput,
			"agent %s is %s; dialectic reviews paused agents", pausedIdentity.AgentID, pausedIdentity.Status)
	}

	handle, err := m.acquire(ctx, pausedUUID)
	if err != nil {
		return nil, err
	}
	defer m.release(ctx, handle)

	if open, err := m.store.GetOpenSessionForAgent(ctx, pausedUUID); err == nil {
		return nil, models.NewError(models.ErrCodeAlreadyOpen,
			"agent already has an open session").
			WithDetails(map[string]any{"session_id": open.SessionID, "phase": open.Phase}).
			WithRecovery("get_session", "submit_thesis")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeUnavailable, "session lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}

	now := m.now().UTC()
	if until, cooling := m.reopenCooldown(ctx, pausedUUID, now); cooling {
		return nil, models.NewError(models.ErrCodeRateLimited,
			"last session ended in a conservative default; reopening is on cooldown").
			WithDetails(map[string]any{"retry_after_seconds": int(until.Sub(now).Seconds())}).
			WithRecovery("check_recovery_options")
	}

	reviewer, err := m.selectReviewer(ctx, pausedIdentity, now)
	if err != nil {
		return nil, err
	}

	session := &models.DialecticSession{
		SessionID:         uuid.NewString(),
		PausedAgentUUID:   pausedUUID,
		ReviewerAgentUUID: reviewer.UUID,
		Topic:             topic,
		Phase:             models.PhaseThesis,
		Status:            models.SessionStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if state, err := m.store.GetState(ctx, pausedUUID); err == nil {
		session.StateSnapshot = state
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, models.NewError(models.ErrCodePersistFailure, "session not created: %v", err)
	}

	actor := requestedBy
	if actor == "" {
		actor = pausedUUID
	}
	m.audit.RecordAction(ctx, actor, pausedUUID, models.AuditActionSessionOpened, auditTags,
		map[string]any{
			"session_id":     session.SessionID,
			"reviewer_uuid":  reviewer.UUID,
			"reviewer_score": reviewer.Score,
			"topic":          topic,
		})
	slog.Info("Dialectic session opened",
		"session_id", session.SessionID,
		"paused", pausedUUID,
		"reviewer", reviewer.UUID,
		"reviewer_score", fmt.Sprintf("%.3f", reviewer.Score))
	return session, nil
}

// reopenCooldown reports whether the agent's last session ended recently in
// a conservative default or a post-gate failure.
func (m *Machine) reopenCooldown(ctx context.Context, pausedUUID string, now time.Time) (time.Time, bool) {
	last, err := m.store.GetLastSessionForAgent(ctx, pausedUUID)
	if err != nil || last.Resolution == nil {
		return time.Time{}, false
	}
	if last.Resolution.Type != models.ResolutionConservativeDefault &&
		last.Resolution.Type != models.ResolutionUnsafePostGate {
		return time.Time{}, false
	}
	until := last.UpdatedAt.Add(m.cfg.ReopenCooldown)
	return until, now.Before(until)
}

// SubmitThesis records the paused agent's opening statement.
func (m *Machine) SubmitThesis(ctx context.Context, authorUUID string, msg *models.DialecticMessage) (*SubmitResult, error) {
	return m.submit(ctx, authorUUID, msg, models.MessageKindThesis, "")
}

// SubmitAntithesis records the reviewer's counter-statement.
func (m *Machine) SubmitAntithesis(ctx context.Context, authorUUID string, msg *models.DialecticMessage) (*SubmitResult, error) {
	return m.submit(ctx, authorUUID, msg, models.MessageKindAntithesis, "")
}

// SubmitSynthesis records a converging proposal from either party and, when
// it converges and clears the gate, resumes the paused agent in the same
// call. humanInput carries optional operator guidance; it is structured by
// the summarizer or, failing that, preserved verbatim on the session.
func (m *Machine) SubmitSynthesis(ctx context.Context, authorUUID string, msg *models.DialecticMessage, humanInput string) (*SubmitResult, error) {
	return m.submit(ctx, authorUUID, msg, models.MessageKindSynthesis, humanInput)
}

func (m *Machine) submit(ctx context.Context, authorUUID string, msg *models.DialecticMessage, kind models.MessageKind, humanInput string) (*SubmitResult, error) {
	if msg == nil || msg.SessionID == "" {
		return nil, models.NewError(models.ErrCodeMissingParameter, "message with session_id is required")
	}
	if msg.Kind != kind {
		return nil, models.NewError(models.ErrCodeBadInput,
			"message kind %q does not match operation %q", msg.Kind, kind)
	}

	session, err := m.getSession(ctx, msg.SessionID)
	if err != nil {
		return nil, err
	}

	handles, err := locks.AcquireOrdered(ctx, m.locks, m.cfg.LockTTL,
		lockName(session.PausedAgentUUID), lockName(session.ReviewerAgentUUID))
	if err != nil {
		if errors.Is(err, locks.ErrContention) {
			return nil, models.NewError(models.ErrCodeContention,
				"session participants are locked by another operation").
				WithRecovery("get_session")
		}
		return nil, err
	}
	defer locks.ReleaseAll(ctx, handles)

	// Reload under the locks; another submission may have advanced the
	// session while we waited.
	session, err = m.getSession(ctx, msg.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Phase.IsTerminal() {
		return nil, models.NewError(models.ErrCodeWrongPhase,
			"session is %s", session.Phase).
			WithDetails(map[string]any{"phase": session.Phase, "status": session.Status}).
			WithRecovery("get_session", "request_review")
	}
	if err := m.checkTurn(session, authorUUID, kind); err != nil {
		return nil, err
	}
	if err := m.validateMessage(ctx, session, authorUUID, msg); err != nil {
		return nil, err
	}

	if humanInput != "" {
		m.attachHumanInput(ctx, session, humanInput)
	}

	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, models.NewError(models.ErrCodePersistFailure, "message not recorded: %v", err)
	}
	session.Messages = append(session.Messages, *msg)

	result := &SubmitResult{Session: session}
	var resolveErr error
	switch kind {
	case models.MessageKindThesis:
		session.Phase = models.PhaseAntithesis
	case models.MessageKindAntithesis:
		session.Phase = models.PhaseSynthesis
	case models.MessageKindSynthesis:
		resolveErr = m.evaluateSynthesis(ctx, session, msg, result)
	}

	// Persist even when the resolution hit a transient failure, so the
	// attempt count and the appended message survive the retry.
	session.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, models.NewError(models.ErrCodePersistFailure, "session not updated: %v", err)
	}
	if resolveErr != nil {
		return nil, resolveErr
	}
	return result, nil
}

// checkTurn enforces whose message the current phase expects.
func (m *Machine) checkTurn(session *models.DialecticSession, authorUUID string, kind models.MessageKind) error {
	if authorUUID != session.PausedAgentUUID && authorUUID != session.ReviewerAgentUUID {
		return models.NewError(models.ErrCodePermissionDenied,
			"only session participants may submit").
			WithDetails(map[string]any{"session_id": session.SessionID})
	}

	var expectedKind models.MessageKind
	switch session.Phase {
	case models.PhaseThesis:
		expectedKind = models.MessageKindThesis
	case models.PhaseAntithesis:
		expectedKind = models.MessageKindAntithesis
	case models.PhaseSynthesis:
		expectedKind = models.MessageKindSynthesis
	}
	if kind != expectedKind {
		return models.NewError(models.ErrCodeWrongPhase,
			"session expects %s, got %s", expectedKind, kind).
			WithDetails(map[string]any{"phase": session.Phase}).
			WithRecovery("get_session")
	}

	switch kind {
	case models.MessageKindThesis:
		if authorUUID != session.PausedAgentUUID {
			return models.NewError(models.ErrCodePermissionDenied,
				"thesis belongs to the paused agent")
		}
	case models.MessageKindAntithesis:
		if authorUUID != session.ReviewerAgentUUID {
			return models.NewError(models.ErrCodePermissionDenied,
				"antithesis belongs to the reviewer")
		}
	}
	// Synthesis may come from either participant.
	return nil
}

// validateMessage checks the message payload and its signature. The
// signature covers the author, so a mismatched author is a hard error, not
// something to silently rewrite.
func (m *Machine) validateMessage(ctx context.Context, session *models.DialecticSession, authorUUID string, msg *models.DialecticMessage) error {
	if msg.AuthorUUID != authorUUID {
		return models.NewError(models.ErrCodeOwnershipViolation,
			"message author %s is not the authenticated agent", msg.AuthorUUID)
	}
	if msg.Timestamp.IsZero() {
		return models.NewError(models.ErrCodeMissingParameter, "timestamp is required")
	}
	if msg.Reasoning == "" {
		return models.NewError(models.ErrCodeMissingParameter, "reasoning is required")
	}
	// The signature covers seq, so the server cannot assign it; the client
	// signs the slot it is claiming and a stale claim is rejected here.
	expectedSeq := len(session.Messages) + 1
	if msg.Seq != expectedSeq {
		return models.NewError(models.ErrCodeBadInput,
			"message seq %d does not match the next transcript slot", msg.Seq).
			WithDetails(map[string]any{"expected_seq": expectedSeq}).
			WithRecovery("get_session")
	}

	author, err := m.getIdentity(ctx, authorUUID)
	if err != nil {
		return err
	}
	if !Verify(author.APIKeyHash, msg) {
		return models.NewError(models.ErrCodeAuthFailed, "message signature verification failed").
			WithRecovery("sign the canonical message encoding with your api key hash")
	}
	return nil
}

// attachHumanInput structures operator guidance through the summarizer, or
// preserves it verbatim when structuring fails. Human input advises; it is
// still subject to the gate at resolution.
func (m *Machine) attachHumanInput(ctx context.Context, session *models.DialecticSession, input string) {
	conditions, err := m.summarizer.StructureConditions(ctx, input)
	if err != nil || len(conditions) == 0 {
		if err != nil && !errors.Is(err, summarizer.ErrNotConfigured) {
			slog.Warn("Summarizer failed, keeping human input verbatim", "error", err)
		}
		session.HumanInputs = append(session.HumanInputs, input)
		return
	}
	session.HumanConditions = append(session.HumanConditions, conditions...)
}

// evaluateSynthesis runs convergence, the gate, and the one-shot resolution.
func (m *Machine) evaluateSynthesis(ctx context.Context, session *models.DialecticSession, msg *models.DialecticMessage, result *SubmitResult) error {
	session.SynthesisAttempts++

	thesis := lastOfKind(session.Messages, models.MessageKindThesis)
	antithesis := lastOfKind(session.Messages, models.MessageKindAntithesis)
	conv := evaluateConvergence(thesis, antithesis, msg)
	result.Converged = conv.Converged
	result.Reason = conv.Reason

	if !conv.Converged {
		if session.SynthesisAttempts >= m.cfg.MaxSynthesisAttempts {
			m.terminate(ctx, session, msg.AuthorUUID, models.PhaseFailed, models.SessionStatusFailed, &models.Resolution{
				Type:   models.ResolutionConservativeDefault,
				Reason: fmt.Sprintf("no convergence after %d attempts: %s", session.SynthesisAttempts, conv.Reason),
			}, models.AuditActionSessionFailed)
			result.Reason = session.Resolution.Reason
		}
		return nil
	}

	merged := mergeConditions(msg.ProposedConditions, session.HumanConditions)
	gateErr := m.gate.CheckSynthesis(msg)
	if gateErr == nil {
		gateErr = m.gate.CheckConditions(merged)
	}
	if gateErr != nil {
		m.failUnsafe(ctx, session, msg.AuthorUUID, gateErr, result)
		return nil
	}
	return m.resolve(ctx, session, msg, merged, result)
}

// resolve applies an accepted synthesis: resume the paused agent with the
// merged conditions, then mark the session resolved.
func (m *Machine) resolve(ctx context.Context, session *models.DialecticSession, msg *models.DialecticMessage, merged []models.Condition, result *SubmitResult) error {
	resume, err := m.engine.Resume(ctx, session.PausedAgentUUID, dynamics.ResumeOptions{
		Conditions:        merged,
		ReviewerUUID:      session.ReviewerAgentUUID,
		ActorUUID:         msg.AuthorUUID,
		AcceptedSynthesis: true,
		Tags:              []string{"dialectic-resolution"},
	})
	if err != nil {
		if models.IsCode(err, models.ErrCodeUnsafe) {
			m.failUnsafe(ctx, session, msg.AuthorUUID, err, result)
			return nil
		}
		// Transient failure: the session stays in synthesis so the accepted
		// proposal can be resubmitted once the store recovers.
		return err
	}

	session.Phase = models.PhaseResolved
	session.Status = models.SessionStatusResolved
	session.Resolution = &models.Resolution{
		Type:       models.ResolutionSynthesisAccepted,
		Conditions: merged,
		ResolvedBy: msg.AuthorUUID,
	}
	result.Accepted = true
	result.Resume = resume
	m.metrics.RecordDialecticOutcome(models.ResolutionSynthesisAccepted)

	m.audit.RecordAction(ctx, msg.AuthorUUID, session.PausedAgentUUID,
		models.AuditActionSessionResolved, nil, map[string]any{
			"session_id": session.SessionID,
			"conditions": merged,
			"attempts":   session.SynthesisAttempts,
		})
	slog.Info("Dialectic session resolved",
		"session_id", session.SessionID,
		"paused", session.PausedAgentUUID,
		"conditions", len(merged),
		"attempts", session.SynthesisAttempts)
	return nil
}

func (m *Machine) failUnsafe(ctx context.Context, session *models.DialecticSession, actorUUID string, gateErr error, result *SubmitResult) {
	m.terminate(ctx, session, actorUUID, models.PhaseFailed, models.SessionStatusFailed, &models.Resolution{
		Type:   models.ResolutionUnsafePostGate,
		Reason: models.AsError(gateErr).Message,
	}, models.AuditActionSessionFailed)
	result.Accepted = false
	result.Reason = session.Resolution.Reason
}

// terminate moves the session to a terminal phase and audits it. The
// caller persists via UpdateSession.
func (m *Machine) terminate(ctx context.Context, session *models.DialecticSession, actorUUID string,
	phase models.DialecticPhase, status models.SessionStatus, resolution *models.Resolution, auditAction string) {
	session.Phase = phase
	session.Status = status
	session.Resolution = resolution
	if actorUUID == "" {
		actorUUID = session.PausedAgentUUID
	}
	m.metrics.RecordDialecticOutcome(resolution.Type)
	m.audit.RecordAction(ctx, actorUUID, session.PausedAgentUUID, auditAction, nil,
		map[string]any{
			"session_id": session.SessionID,
			"resolution": resolution.Type,
			"reason":     resolution.Reason,
		})
	slog.Info("Dialectic session terminated",
		"session_id", session.SessionID,
		"phase", phase,
		"resolution", resolution.Type,
		"reason", resolution.Reason)
}

// Cancel moves an active session to cancelled. Cancelling a terminal
// session is a no-op returning the session as-is. Participants may cancel
// their own sessions; force allows operator cancellation.
func (m *Machine) Cancel(ctx context.Context, sessionID, actorUUID, reason string, force bool) (*models.DialecticSession, error) {
	session, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Phase.IsTerminal() {
		return session, nil
	}
	if !force && actorUUID != session.PausedAgentUUID && actorUUID != session.ReviewerAgentUUID {
		return nil, models.NewError(models.ErrCodePermissionDenied,
			"only session participants may cancel")
	}
	return m.cancel(ctx, session, actorUUID, reason, models.ResolutionCancelled)
}

func (m *Machine) cancel(ctx context.Context, session *models.DialecticSession, actorUUID, reason, resolutionType string) (*models.DialecticSession, error) {
	handles, err := locks.AcquireOrdered(ctx, m.locks, m.cfg.LockTTL,
		lockName(session.PausedAgentUUID), lockName(session.ReviewerAgentUUID))
	if err != nil {
		if errors.Is(err, locks.ErrContention) {
			return nil, models.NewError(models.ErrCodeContention, "session is busy").
				WithRecovery("get_session")
		}
		return nil, err
	}
	defer locks.ReleaseAll(ctx, handles)

	session, err = m.getSession(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Phase.IsTerminal() {
		return session, nil
	}

	m.terminate(ctx, session, actorUUID, models.PhaseCancelled, models.SessionStatusCancelled, &models.Resolution{
		Type:       resolutionType,
		Reason:     reason,
		ResolvedBy: actorUUID,
	}, models.AuditActionSessionCancelled)

	session.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, models.NewError(models.ErrCodePersistFailure, "session not updated: %v", err)
	}
	return session, nil
}

// CancelStale times out active sessions without progress. The recovery
// loop calls this every sweep; the paused agent stays paused.
func (m *Machine) CancelStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.SessionTimeout)
	stale, err := m.store.ListStaleActiveSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dialectic: list stale sessions: %w", err)
	}

	cancelled := 0
	for _, session := range stale {
		reason := fmt.Sprintf("no progress within %s", m.cfg.SessionTimeout)
		if _, err := m.cancel(ctx, session, "", reason, models.ResolutionTimeout); err != nil {
			slog.Warn("Stale session cancellation failed",
				"session_id", session.SessionID, "error", err)
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// Get returns one session with its full message transcript.
func (m *Machine) Get(ctx context.Context, sessionID string) (*models.DialecticSession, error) {
	return m.getSession(ctx, sessionID)
}

// List pages sessions without transcripts.
func (m *Machine) List(ctx context.Context, filters models.SessionFilters) ([]*models.DialecticSession, error) {
	sessions, err := m.store.ListSessions(ctx, filters)
	if err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "session listing failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	return sessions, nil
}

// OpenSessionFor returns the agent's active session, or nil.
func (m *Machine) OpenSessionFor(ctx context.Context, agentUUID string) (*models.DialecticSession, error) {
	session, err := m.store.GetOpenSessionForAgent(ctx, agentUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "session lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	return session, nil
}

func (m *Machine) getSession(ctx context.Context, sessionID string) (*models.DialecticSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeSessionNotFound, "session not found").
			WithDetails(map[string]any{"session_id": sessionID}).
			WithRecovery("list_sessions")
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "session lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	return session, nil
}

func (m *Machine) getIdentity(ctx context.Context, agentUUID string) (*models.Identity, error) {
	identity, err := m.store.GetIdentity(ctx, agentUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeAgentNotFound, "agent not found").
			WithDetails(map[string]any{"agent_uuid": agentUUID})
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "identity lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	return identity, nil
}

func (m *Machine) acquire(ctx context.Context, agentUUID string) (locks.Handle, error) {
	h, err := m.locks.Acquire(ctx, lockName(agentUUID), m.cfg.LockTTL)
	if errors.Is(err, locks.ErrContention) {
		return nil, models.NewError(models.ErrCodeContention, "agent session state is locked").
			WithRecovery("get_session")
	}
	return h, err
}

func (m *Machine) release(ctx context.Context, h locks.Handle) {
	if err := h.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, locks.ErrNotHeld) {
		slog.Warn("Session lock release failed", "name", h.Name(), "error", err)
	}
}

// lockName scopes dialectic locks away from the engine's per-agent write
// locks so a resolution can resume the agent while holding session locks.
func lockName(agentUUID string) string {
	return "dialectic:" + agentUUID
}

func lastOfKind(messages []models.DialecticMessage, kind models.MessageKind) *models.DialecticMessage {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Kind == kind {
			return &messages[i]
		}
	}
	return &models.DialecticMessage{}
}

// mergeConditions unions the synthesis and human condition sets under
// structural equality.
func mergeConditions(synthesis, human []models.Condition) []models.Condition {
	merged := append([]models.Condition{}, synthesis...)
	for _, c := range human {
		if !containsCondition(merged, c) {
			merged = append(merged, c)
		}
	}
	return merged
}
