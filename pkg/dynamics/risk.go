package dynamics

import (
	"math"

	"github.com/CIRWEL/unitares/pkg/models"
)

// riskScore combines the failure signals into one scalar in [0,1].
// Calibration deviation is zero until the agent has samples in the
// confidence bucket this update falls into.
func riskScore(s, v, c, calibrationDeviation, d2 float64) float64 {
	score := riskWeightEntropy*(s/sMaxBound) +
		riskWeightVoid*(math.Abs(v)/vBound) +
		riskWeightIncoherence*(1-c) +
		riskWeightCalibration*clamp(calibrationDeviation, 0, 1) +
		riskWeightDrift*clamp(d2, 0, 1)
	return clamp(score, 0, 1)
}

// classifyMargin grades distance to the failure edges: crossed is critical,
// within 20% proximity is tight, anything else comfortable.
func classifyMargin(c, risk, v, coherenceThreshold float64) models.Margin {
	absV := math.Abs(v)
	if c < coherenceThreshold || risk >= SafetyRiskMax || absV >= models.VoidActiveThreshold {
		return models.MarginCritical
	}
	if c-coherenceThreshold <= marginProximity*coherenceThreshold ||
		SafetyRiskMax-risk <= marginProximity*SafetyRiskMax ||
		models.VoidActiveThreshold-absV <= marginProximity*models.VoidActiveThreshold {
		return models.MarginTight
	}
	return models.MarginComfortable
}

// detectRegime labels the trajectory phase and advances the locked streak.
// Locked is sticky: once entered, only an externally validated update can
// move the agent back onto the ordinary ladder.
func detectRegime(prev *models.AgentState, newI, newS float64, externalValidation bool) (models.Regime, int) {
	streak := 0
	if newI >= lockedIMin && newS <= lockedSMax {
		streak = prev.LockedPersistenceCount + 1
	}
	if streak >= lockedConsecutive {
		return models.RegimeLocked, streak
	}
	if prev.Regime == models.RegimeLocked && !externalValidation {
		return models.RegimeLocked, streak
	}

	dS := newS - prev.S
	dI := newI - prev.I
	switch {
	case dS > regimeEpsilon:
		return models.RegimeExploration, streak
	case dS < -regimeEpsilon && dI > regimeEpsilon:
		return models.RegimeConvergence, streak
	case dS < -regimeEpsilon && math.Abs(dI) <= regimeEpsilon:
		return models.RegimeTransition, streak
	}
	// No significant movement keeps the previous label.
	if prev.Regime.IsValid() {
		return prev.Regime, streak
	}
	return models.RegimeExploration, streak
}

// SafeToResume is the resume safety predicate evaluated on a stored state.
func SafeToResume(st *models.AgentState) bool {
	return st.Coherence > st.CoherenceThreshold &&
		st.RiskScore < SafetyRiskMax &&
		!st.VoidActive()
}
