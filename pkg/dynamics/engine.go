// Package dynamics is the governance core: it integrates the EISV state
// one Euler step per agent update, derives coherence, risk, margin, regime
// and verdict, and drives the agent status machine. All mutations run under
// the agent's named write-lock.
package dynamics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/locks"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

// Engine applies updates and lifecycle transitions for every agent.
type Engine struct {
	store  store.Store
	locks  locks.Locker
	audit  *audit.Recorder
	params Params
	cfg    Config
}

func New(st store.Store, locker locks.Locker, recorder *audit.Recorder, params Params, cfg Config) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = locks.DefaultTTL
	}
	return &Engine{store: st, locks: locker, audit: recorder, params: params, cfg: cfg}
}

// Params returns the coefficient set the engine integrates with.
func (e *Engine) Params() Params { return e.params }

// ApplyUpdate integrates exactly one step for the agent and persists the
// outcome. A reject verdict additionally pauses the agent.
func (e *Engine) ApplyUpdate(ctx context.Context, agentUUID string, in *models.UpdateInput) (*models.UpdateResult, error) {
	if err := e.validateInput(in); err != nil {
		return nil, err
	}

	handle, err := e.acquireLock(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx, handle)

	identity, err := e.loadIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	if identity.Status != models.AgentStatusActive {
		return nil, models.NewError(models.ErrCodeBadInput,
			"agent %s is %s; updates require active status", identity.AgentID, identity.Status).
			WithDetails(map[string]any{"status": identity.Status}).
			WithRecovery("resume_if_safe", "check_recovery_options")
	}

	// A racing writer must not happen while the lock is held; one retry
	// covers it before surfacing CONFLICT.
	result, err := e.integrateOnce(ctx, identity, in)
	if models.IsCode(err, models.ErrCodeConflict) {
		slog.Warn("Read-your-write conflict; retrying integration", "agent_uuid", agentUUID)
		result, err = e.integrateOnce(ctx, identity, in)
	}
	return result, err
}

// Simulate computes the same outcome as ApplyUpdate without taking the
// lock or writing anything: no persistence, no audit, no status change.
// Paused agents may simulate to preview a recovery.
func (e *Engine) Simulate(ctx context.Context, agentUUID string, in *models.UpdateInput) (*models.UpdateResult, error) {
	if err := e.validateInput(in); err != nil {
		return nil, err
	}
	identity, err := e.loadIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	prev, _, err := e.loadState(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	out, err := e.computeStep(ctx, prev, in)
	if err != nil {
		return nil, err
	}

	status := identity.Status
	if out.dec.Verdict == models.VerdictReject && status == models.AgentStatusActive {
		status = models.AgentStatusPaused
	}
	return buildResult(agentUUID, out, status, e.params), nil
}

// Snapshot is the lock-free read of an agent's latest state. It may trail
// a concurrent writer by one update.
func (e *Engine) Snapshot(ctx context.Context, agentUUID string) (*models.StateView, error) {
	identity, err := e.loadIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	state, _, err := e.loadState(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	return viewOf(identity, state), nil
}

// History returns up to limit recent ring entries in chronological order.
func (e *Engine) History(ctx context.Context, agentUUID string, limit int) ([]models.HistoryEntry, error) {
	if _, err := e.loadIdentity(ctx, agentUUID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > models.HistorySize {
		limit = models.HistorySize
	}
	return e.store.GetHistory(ctx, agentUUID, limit)
}

// ResumeOptions shape one paused-to-active transition.
type ResumeOptions struct {
	// Conditions are structured resume conditions. Threshold clamps are
	// folded into the state within safety-gate bounds; other kinds ride
	// along for the caller to honor.
	Conditions []models.Condition
	// ReviewerUUID credits the approving reviewer in the audit trail.
	ReviewerUUID string
	// ActorUUID is who initiated the resume; defaults to the agent itself.
	ActorUUID string
	// AcceptedSynthesis marks conditions accepted by a dialectic session,
	// which substitutes for the bare safety predicate.
	AcceptedSynthesis bool
	// Force skips the safety predicate for operator overrides. The audit
	// event still records who forced it.
	Force bool
	// Tags annotate the lifecycle audit event.
	Tags []string
}

// Resume transitions a paused agent back to active. Without an accepted
// synthesis the stored state must satisfy the safety predicate. Resuming
// an already-active agent is a no-op success.
func (e *Engine) Resume(ctx context.Context, agentUUID string, opts ResumeOptions) (*models.ResumeResult, error) {
	handle, err := e.acquireLock(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx, handle)

	identity, err := e.loadIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	state, _, err := e.loadState(ctx, agentUUID)
	if err != nil {
		return nil, err
	}

	if identity.Status == models.AgentStatusActive {
		return &models.ResumeResult{
			AgentUUID:     agentUUID,
			Status:        models.AgentStatusActive,
			AlreadyActive: true,
			Coherence:     state.Coherence,
			RiskScore:     state.RiskScore,
		}, nil
	}
	if identity.Status != models.AgentStatusPaused {
		return nil, models.NewError(models.ErrCodeBadInput,
			"agent %s is %s; only paused agents resume", identity.AgentID, identity.Status).
			WithRecovery("agent_unarchive")
	}

	if !opts.AcceptedSynthesis && !opts.Force && !SafeToResume(state) {
		return nil, models.NewError(models.ErrCodeUnsafe,
			"safety predicate not met: coherence %.3f (need > %.2f), risk %.3f (need < %.2f), void_active=%t",
			state.Coherence, state.CoherenceThreshold, state.RiskScore, SafetyRiskMax, state.VoidActive()).
			WithDetails(map[string]any{
				"coherence":   state.Coherence,
				"risk_score":  state.RiskScore,
				"void_active": state.VoidActive(),
				"explanation": "NO_SESSION_REQUIRED",
			}).
			WithRecovery("self_recovery_review", "request_review")
	}

	applied, changed := applyConditions(state, opts.Conditions)
	if changed {
		if err := e.store.PutState(ctx, state); err != nil {
			return nil, models.NewError(models.ErrCodePersistFailure, "resume conditions not applied: %v", err)
		}
	}
	if err := e.store.UpdateIdentityStatus(ctx, agentUUID, models.AgentStatusActive, nil); err != nil {
		return nil, models.NewError(models.ErrCodePersistFailure, "resume not applied: %v", err)
	}

	actor := opts.ActorUUID
	if actor == "" {
		actor = agentUUID
	}
	details := map[string]any{
		"coherence":  state.Coherence,
		"risk_score": state.RiskScore,
	}
	if opts.ReviewerUUID != "" {
		details["reviewer_uuid"] = opts.ReviewerUUID
	}
	if len(applied) > 0 {
		details["conditions"] = applied
	}
	e.audit.RecordAction(ctx, actor, agentUUID, models.AuditActionAgentResumed, opts.Tags, details)
	slog.Info("Agent resumed", "agent_uuid", agentUUID, "actor", actor, "conditions", len(applied))

	return &models.ResumeResult{
		AgentUUID:         agentUUID,
		Status:            models.AgentStatusActive,
		AppliedConditions: applied,
		Coherence:         state.Coherence,
		RiskScore:         state.RiskScore,
	}, nil
}

// stepOutcome carries everything one integration derives.
type stepOutcome struct {
	next       *models.AgentState
	dec        decision
	d2         float64
	complexity float64
	confidence float64
}

func (e *Engine) computeStep(ctx context.Context, prev *models.AgentState, in *models.UpdateInput) (*stepOutcome, error) {
	confidence := in.ConfidenceOrDefault()

	lambda1 := prev.Lambda1
	skipped := confidence < ConfidenceGate
	if !skipped {
		history, err := e.store.GetHistory(ctx, prev.AgentUUID, historyWindow)
		if err != nil {
			slog.Warn("History unavailable for lambda1 target; using stored summary",
				"agent_uuid", prev.AgentUUID, "error", err)
		}
		lambda1 = nextLambda1(prev, history, e.params)
	}

	d2 := DriftMagnitude(in.EthicalDrift)
	raw, err := step(prev, e.params, lambda1, d2, in.ExternalValidation)
	if err != nil {
		return nil, models.NewError(models.ErrCodeIntegrationFailure,
			"integration produced a non-finite state; update discarded").
			WithDetails(map[string]any{"cause": err.Error(), "d2": d2}).
			WithRecovery("process_update")
	}

	c := Coherence(raw.V, e.params)
	calibDev := e.calibrationDeviation(ctx, prev.AgentUUID, confidence)
	risk := riskScore(raw.S, raw.V, c, calibDev, d2)
	margin := classifyMargin(c, risk, raw.V, prev.CoherenceThreshold)
	regime, streak := detectRegime(prev, raw.I, raw.S, in.ExternalValidation)
	dec := decide(c, risk, regime, prev, in.CIPassed, confidence, in.ExternalValidation)

	next := &models.AgentState{
		AgentUUID:              prev.AgentUUID,
		E:                      raw.E,
		I:                      raw.I,
		S:                      raw.S,
		V:                      raw.V,
		Coherence:              c,
		RiskScore:              risk,
		Lambda1:                lambda1,
		Regime:                 regime,
		Margin:                 margin,
		RiskThreshold:          prev.RiskThreshold,
		CoherenceThreshold:     prev.CoherenceThreshold,
		TotalUpdates:           prev.TotalUpdates + 1,
		Lambda1SkipCount:       prev.Lambda1SkipCount,
		LockedPersistenceCount: streak,
		UpdatedAt:              time.Now().UTC(),
	}
	if skipped {
		next.Lambda1SkipCount++
	}

	return &stepOutcome{
		next:       next,
		dec:        dec,
		d2:         d2,
		complexity: resolveComplexity(in),
		confidence: confidence,
	}, nil
}

func (e *Engine) integrateOnce(ctx context.Context, identity *models.Identity, in *models.UpdateInput) (*models.UpdateResult, error) {
	agentUUID := identity.UUID

	prev, fresh, err := e.loadState(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	out, err := e.computeStep(ctx, prev, in)
	if err != nil {
		if models.IsCode(err, models.ErrCodeIntegrationFailure) {
			slog.Error("Integration failure; update discarded", "agent_uuid", agentUUID, "error", err)
			e.audit.RecordAction(ctx, agentUUID, agentUUID, models.AuditActionIntegrationFailure, nil,
				models.AsError(err).Details)
		}
		return nil, err
	}

	if err := e.guardUnchanged(ctx, agentUUID, prev.TotalUpdates, fresh); err != nil {
		return nil, err
	}

	next := out.next
	entry := models.HistoryEntry{
		Seq:       next.TotalUpdates,
		E:         next.E,
		I:         next.I,
		S:         next.S,
		V:         next.V,
		Coherence: next.Coherence,
		RiskScore: next.RiskScore,
		CreatedAt: next.UpdatedAt,
	}
	if err := e.store.PersistUpdate(ctx, next, entry); err != nil {
		slog.Error("Failed to persist update", "agent_uuid", agentUUID, "error", err)
		return nil, models.NewError(models.ErrCodePersistFailure,
			"state not advanced: %v", err).WithRecovery("process_update")
	}

	details := map[string]any{
		"verdict":     out.dec.Verdict,
		"risk_score":  next.RiskScore,
		"coherence":   next.Coherence,
		"margin":      next.Margin,
		"regime":      next.Regime,
		"d2":          out.d2,
		"complexity":  out.complexity,
		"confidence":  out.confidence,
		"auto_attest": out.dec.AutoAttest,
	}

	status := identity.Status
	if out.dec.Verdict == models.VerdictReject {
		if err := e.store.UpdateIdentityStatus(ctx, agentUUID, models.AgentStatusPaused, nil); err != nil {
			slog.Error("Failed to pause agent on reject", "agent_uuid", agentUUID, "error", err)
			return nil, models.NewError(models.ErrCodePersistFailure, "reject pause not applied: %v", err)
		}
		status = models.AgentStatusPaused
		e.audit.RecordAction(ctx, agentUUID, agentUUID, models.AuditActionVerdictReject, nil, details)
		slog.Info("Update rejected; agent paused",
			"agent_uuid", agentUUID,
			"coherence", next.Coherence,
			"risk_score", next.RiskScore)
	} else {
		bucket := models.BucketForConfidence(out.confidence)
		if err := e.store.RecordCalibrationSample(ctx, agentUUID, bucket, out.confidence, in.CIPassed); err != nil {
			slog.Warn("Failed to record calibration sample", "agent_uuid", agentUUID, "error", err)
		}
		e.audit.RecordAction(ctx, agentUUID, agentUUID, models.AuditActionUpdateApplied, nil, details)
	}

	return buildResult(agentUUID, out, status, e.params), nil
}

// guardUnchanged verifies nobody advanced the state between load and
// persist. The write-lock makes that impossible; the check backs the lock.
func (e *Engine) guardUnchanged(ctx context.Context, agentUUID string, loadedUpdates int64, fresh bool) error {
	cur, err := e.store.GetState(ctx, agentUUID)
	switch {
	case err == nil && fresh:
		return models.NewError(models.ErrCodeConflict, "state appeared during integration")
	case err == nil && cur.TotalUpdates != loadedUpdates:
		return models.NewError(models.ErrCodeConflict, "state advanced during integration")
	case errors.Is(err, store.ErrNotFound):
		if !fresh {
			return models.NewError(models.ErrCodeConflict, "state disappeared during integration")
		}
		return nil
	case err != nil:
		return fmt.Errorf("conflict guard: %w", err)
	}
	return nil
}

func buildResult(agentUUID string, out *stepOutcome, status models.AgentStatus, p Params) *models.UpdateResult {
	next := out.next
	return &models.UpdateResult{
		AgentUUID:    agentUUID,
		E:            next.E,
		I:            next.I,
		S:            next.S,
		V:            next.V,
		Coherence:    next.Coherence,
		RiskScore:    next.RiskScore,
		Lambda1:      next.Lambda1,
		Margin:       next.Margin,
		Regime:       next.Regime,
		Verdict:      out.dec.Verdict,
		AutoAttest:   out.dec.AutoAttest,
		RequireHuman: out.dec.RequireHuman,
		Guidance:     out.dec.Guidance,
		TotalUpdates: next.TotalUpdates,
		Sampling:     samplingFor(next.Lambda1, p),
		Status:       status,
	}
}

// newInitialState is the canonical pre-first-update state.
func newInitialState(agentUUID string, p Params) *models.AgentState {
	c := Coherence(0, p)
	st := &models.AgentState{
		AgentUUID:          agentUUID,
		E:                  0.5,
		I:                  0.8,
		S:                  0.2,
		V:                  0,
		Coherence:          c,
		Lambda1:            p.Lambda1Base,
		Regime:             models.RegimeExploration,
		RiskThreshold:      DefaultRiskThreshold,
		CoherenceThreshold: DefaultCoherenceThreshold,
	}
	st.RiskScore = riskScore(st.S, st.V, c, 0, 0)
	st.Margin = classifyMargin(c, st.RiskScore, st.V, st.CoherenceThreshold)
	return st
}

func (e *Engine) loadState(ctx context.Context, agentUUID string) (*models.AgentState, bool, error) {
	st, err := e.store.GetState(ctx, agentUUID)
	if errors.Is(err, store.ErrNotFound) {
		return newInitialState(agentUUID, e.params), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, false, nil
}

func (e *Engine) loadIdentity(ctx context.Context, agentUUID string) (*models.Identity, error) {
	identity, err := e.store.GetIdentity(ctx, agentUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeAgentNotFound, "agent %s not found", agentUUID).
			WithRecovery("onboard")
	}
	return identity, err
}

func (e *Engine) calibrationDeviation(ctx context.Context, agentUUID string, confidence float64) float64 {
	bucket, err := e.store.GetCalibrationBucket(ctx, agentUUID, models.BucketForConfidence(confidence))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Calibration lookup failed", "agent_uuid", agentUUID, "error", err)
		}
		return 0
	}
	if bucket.Samples == 0 {
		return 0
	}
	return bucket.Deviation()
}

func (e *Engine) acquireLock(ctx context.Context, agentUUID string) (locks.Handle, error) {
	h, err := e.locks.Acquire(ctx, agentUUID, e.cfg.LockTTL)
	if errors.Is(err, locks.ErrContention) {
		h, err = e.locks.Acquire(ctx, agentUUID, e.cfg.LockTTL)
	}
	if errors.Is(err, locks.ErrContention) {
		return nil, models.NewError(models.ErrCodeContention,
			"agent %s is busy with another write; retry after backoff", agentUUID).
			WithRecovery("process_update")
	}
	if err != nil {
		return nil, fmt.Errorf("acquire write lock: %w", err)
	}
	return h, nil
}

// releaseLock runs detached from the caller's deadline so a timed-out
// operation still frees the lock instead of waiting out the TTL.
func (e *Engine) releaseLock(ctx context.Context, h locks.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := h.Release(ctx); err != nil {
		slog.Warn("Failed to release write lock", "name", h.Name(), "error", err)
	}
}

func (e *Engine) validateInput(in *models.UpdateInput) error {
	if in == nil {
		return models.NewError(models.ErrCodeMissingParameter, "update inputs are required")
	}
	if e.cfg.ParamDim > 0 && len(in.Parameters) > 0 && len(in.Parameters) != e.cfg.ParamDim {
		return models.NewError(models.ErrCodeBadInput,
			"parameters must have dimension %d, got %d", e.cfg.ParamDim, len(in.Parameters)).
			WithDetails(map[string]any{"parameter": "parameters", "expected_dim": e.cfg.ParamDim, "got_dim": len(in.Parameters)})
	}
	if e.cfg.DriftDim > 0 && len(in.EthicalDrift) > 0 && len(in.EthicalDrift) != e.cfg.DriftDim {
		return models.NewError(models.ErrCodeBadInput,
			"ethical_drift must have dimension %d, got %d", e.cfg.DriftDim, len(in.EthicalDrift)).
			WithDetails(map[string]any{"parameter": "ethical_drift", "expected_dim": e.cfg.DriftDim, "got_dim": len(in.EthicalDrift)})
	}
	for _, x := range in.Parameters {
		if !finite(x) {
			return models.NewError(models.ErrCodeBadInput, "parameters contain a non-finite value")
		}
	}
	for _, x := range in.EthicalDrift {
		if !finite(x) {
			return models.NewError(models.ErrCodeBadInput, "ethical_drift contains a non-finite value")
		}
	}
	if in.Complexity != nil && (!finite(*in.Complexity) || *in.Complexity < 0 || *in.Complexity > 1) {
		return models.NewError(models.ErrCodeBadInput, "complexity must be in [0,1]").
			WithDetails(map[string]any{"parameter": "complexity"})
	}
	if in.Confidence != nil && (!finite(*in.Confidence) || *in.Confidence < 0 || *in.Confidence > 1) {
		return models.NewError(models.ErrCodeBadInput, "confidence must be in [0,1]").
			WithDetails(map[string]any{"parameter": "confidence"})
	}
	return nil
}

func resolveComplexity(in *models.UpdateInput) float64 {
	if in.Complexity != nil {
		return *in.Complexity
	}
	return EstimateComplexity(in.ResponseText)
}

// EstimateComplexity maps response length and vocabulary variety into
// [0,1]; used when the caller supplies no estimate of their own.
func EstimateComplexity(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		seen[strings.ToLower(f)] = struct{}{}
	}
	length := clamp(float64(len(fields))/400, 0, 1)
	variety := float64(len(seen)) / float64(len(fields))
	return clamp(0.7*length+0.3*variety, 0, 1)
}

// applyConditions folds threshold clamps into the state within safety-gate
// bounds. Non-threshold conditions are advisory and ride along unchanged.
func applyConditions(st *models.AgentState, conditions []models.Condition) ([]models.Condition, bool) {
	if len(conditions) == 0 {
		return nil, false
	}
	applied := make([]models.Condition, 0, len(conditions))
	changed := false
	for _, c := range conditions {
		switch c.Key {
		case "risk_threshold":
			c.Value = clamp(c.Value, MinCoherenceThreshold, MaxRiskThreshold)
			st.RiskThreshold = c.Value
			changed = true
		case "coherence_threshold":
			c.Value = clamp(c.Value, MinCoherenceThreshold, MaxRiskThreshold)
			st.CoherenceThreshold = c.Value
			changed = true
		}
		applied = append(applied, c)
	}
	return applied, changed
}

func viewOf(id *models.Identity, st *models.AgentState) *models.StateView {
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = id.CreatedAt
	}
	return &models.StateView{
		AgentUUID:    id.UUID,
		AgentID:      id.AgentID,
		Status:       id.Status,
		Tags:         id.Tags,
		E:            st.E,
		I:            st.I,
		S:            st.S,
		V:            st.V,
		Coherence:    st.Coherence,
		RiskScore:    st.RiskScore,
		Lambda1:      st.Lambda1,
		Regime:       st.Regime,
		Margin:       st.Margin,
		TotalUpdates: st.TotalUpdates,
		UpdatedAt:    updatedAt,
	}
}
