package dynamics

import (
	"fmt"
	"math"

	"github.com/CIRWEL/unitares/pkg/models"
)

// decision is the governance outcome derived from one integrated state.
type decision struct {
	Verdict      models.Verdict
	AutoAttest   bool
	RequireHuman bool
	Guidance     string
}

// decide grades the new state against the agent's thresholds. Auto-attest
// gates on ci_passed and confident self-report; an approve that fails the
// gate is coerced to revise with a human in the loop.
func decide(c, risk float64, regime models.Regime, st *models.AgentState, ciPassed bool, confidence float64, externalValidation bool) decision {
	if c < st.CoherenceThreshold || risk > st.RiskThreshold {
		return decision{
			Verdict: models.VerdictReject,
			Guidance: fmt.Sprintf(
				"coherence %.3f / risk %.3f breach thresholds (need coherence >= %.2f, risk <= %.2f); agent paused, use resume_if_safe once metrics recover or request_review for a peer session",
				c, risk, st.CoherenceThreshold, st.RiskThreshold),
		}
	}

	d := decision{Verdict: models.VerdictApprove}
	switch {
	case regime == models.RegimeLocked && !externalValidation:
		d.Verdict = models.VerdictRevise
		d.Guidance = "locked regime: integrity saturated with entropy exhausted; external validation is required to leave"
	case risk > ReviseRiskThreshold:
		d.Verdict = models.VerdictRevise
		d.Guidance = fmt.Sprintf("risk %.3f above the revise band %.2f; reduce scope or gather validation before proceeding", risk, ReviseRiskThreshold)
	}

	if d.Verdict == models.VerdictApprove {
		if ciPassed && confidence >= ConfidenceGate {
			d.AutoAttest = true
		} else {
			d.Verdict = models.VerdictRevise
			d.RequireHuman = true
			d.Guidance = fmt.Sprintf("auto-attest requires ci_passed and confidence >= %.2f; human review required", ConfidenceGate)
		}
	}
	return d
}

// samplingFor projects lambda1 monotonically into the sampling ranges the
// caller applies next turn.
func samplingFor(lambda1 float64, p Params) models.SamplingParams {
	span := p.Lambda1Base - lambda1Floor
	u := 1.0
	if span > 0 {
		u = clamp((lambda1-lambda1Floor)/span, 0, 1)
	}
	return models.SamplingParams{
		Temperature: temperatureMin + u*(temperatureMax-temperatureMin),
		TopP:        topPMin + u*(topPMax-topPMin),
		MaxTokens:   maxTokensMin + int(math.Round(u*float64(maxTokensMax-maxTokensMin))),
	}
}
