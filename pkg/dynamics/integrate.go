package dynamics

import (
	"fmt"
	"math"

	"github.com/CIRWEL/unitares/pkg/models"
)

// Coherence maps the void integral through a bounded sigmoid.
func Coherence(v float64, p Params) float64 {
	return p.CMax * 0.5 * (1 + math.Tanh(p.C1*v))
}

// DriftMagnitude is the squared drift norm normalized by dimension.
func DriftMagnitude(drift []float64) float64 {
	if len(drift) == 0 {
		return 0
	}
	var sum float64
	for _, x := range drift {
		sum += x * x
	}
	return sum / float64(len(drift))
}

// rawState is the post-Euler state before derived metrics.
type rawState struct {
	E, I, S, V float64
}

// step integrates one forward-Euler step from prev. The returned state is
// clamped to bounds; a non-finite intermediate aborts with an error and
// nothing derived from it may be persisted.
func step(prev *models.AgentState, p Params, lambda1, d2 float64, externalValidation bool) (rawState, error) {
	c := Coherence(prev.V, p)

	dE := p.Alpha*(prev.I-prev.E) - p.BetaE*prev.E*prev.S + lambda1*prev.E*d2
	dI := -p.K*prev.S + p.BetaI*prev.I*c
	if p.Mode != IntegrityLinear {
		dI -= p.GammaI * prev.I * (1 - prev.I)
	}
	dS := -p.Mu*prev.S + lambda1*d2 - p.Lambda2*c
	dV := p.Kappa*(prev.E-prev.I) - p.Delta*prev.V

	next := rawState{
		E: prev.E + p.DT*dE,
		I: prev.I + p.DT*dI,
		S: prev.S + p.DT*dS,
		V: prev.V + p.DT*dV,
	}
	if !finite(next.E) || !finite(next.I) || !finite(next.S) || !finite(next.V) {
		return rawState{}, fmt.Errorf("integration produced a non-finite value: E=%v I=%v S=%v V=%v", next.E, next.I, next.S, next.V)
	}

	next.E = clamp(next.E, 0, 1)
	next.I = clamp(next.I, 0, 1)
	next.S = clamp(next.S, 0, sMaxBound)
	next.V = clamp(next.V, -vBound, vBound)
	if !externalValidation && next.S < SMin {
		next.S = SMin
	}
	return next, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// lambda1Target derives the adaptive rate target from recent coherence and
// risk: a coherent low-risk trajectory sustains drift coupling near the
// base rate, a risky one damps it.
func lambda1Target(meanCoherence, meanRisk float64, p Params) float64 {
	return p.Lambda1Base * clamp(meanCoherence, 0, 1) * (1 - clamp(meanRisk, 0, 1))
}

// nextLambda1 blends the prior rate toward the target over the recent
// history window. The caller handles the confidence gate.
func nextLambda1(prev *models.AgentState, history []models.HistoryEntry, p Params) float64 {
	meanC, meanRisk := prev.Coherence, prev.RiskScore
	if len(history) > 0 {
		var sumC, sumRisk float64
		for _, h := range history {
			sumC += h.Coherence
			sumRisk += h.RiskScore
		}
		meanC = sumC / float64(len(history))
		meanRisk = sumRisk / float64(len(history))
	}
	target := lambda1Target(meanC, meanRisk, p)
	next := prev.Lambda1 + lambda1EMARate*(target-prev.Lambda1)
	return clamp(next, lambda1Floor, 1)
}
