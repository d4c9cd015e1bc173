package dynamics

import (
	"context"
	"fmt"

	"github.com/CIRWEL/unitares/pkg/models"
)

// RecoveryCheck is the read-only safety evaluation behind the self-service
// recovery operations. It names exactly which predicate legs block a resume
// and which operations can move the agent forward.
type RecoveryCheck struct {
	AgentUUID          string             `json:"agent_uuid"`
	Status             models.AgentStatus `json:"status"`
	Safe               bool               `json:"safe"`
	Coherence          float64            `json:"coherence"`
	CoherenceThreshold float64            `json:"coherence_threshold"`
	RiskScore          float64            `json:"risk_score"`
	RiskMax            float64            `json:"risk_max"`
	VoidActive         bool               `json:"void_active"`
	Margin             models.Margin      `json:"margin"`
	Regime             models.Regime      `json:"regime"`
	Blockers           []string           `json:"blockers,omitempty"`
	Options            []string           `json:"options"`
}

// CheckRecovery evaluates the resume predicate without taking the write
// lock and without side effects. Callers use it to decide between
// resume_if_safe and request_review before attempting either.
func (e *Engine) CheckRecovery(ctx context.Context, agentUUID string) (*RecoveryCheck, error) {
	identity, err := e.loadIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	state, _, err := e.loadState(ctx, agentUUID)
	if err != nil {
		return nil, err
	}

	check := &RecoveryCheck{
		AgentUUID:          agentUUID,
		Status:             identity.Status,
		Safe:               SafeToResume(state),
		Coherence:          state.Coherence,
		CoherenceThreshold: state.CoherenceThreshold,
		RiskScore:          state.RiskScore,
		RiskMax:            SafetyRiskMax,
		VoidActive:         state.VoidActive(),
		Margin:             state.Margin,
		Regime:             state.Regime,
	}

	if state.Coherence <= state.CoherenceThreshold {
		check.Blockers = append(check.Blockers,
			fmt.Sprintf("coherence %.3f at or below threshold %.2f", state.Coherence, state.CoherenceThreshold))
	}
	if state.RiskScore >= SafetyRiskMax {
		check.Blockers = append(check.Blockers,
			fmt.Sprintf("risk %.3f at or above %.2f", state.RiskScore, SafetyRiskMax))
	}
	if state.VoidActive() {
		check.Blockers = append(check.Blockers,
			fmt.Sprintf("void integral %.3f exceeds %.2f", state.V, models.VoidActiveThreshold))
	}

	switch identity.Status {
	case models.AgentStatusActive:
		check.Options = []string{"process_update"}
	case models.AgentStatusPaused:
		if check.Safe {
			check.Options = []string{"resume_if_safe"}
		} else {
			check.Options = []string{"request_review", "self_recovery_review"}
		}
	default:
		check.Options = []string{"agent_lifecycle"}
	}

	return check, nil
}
