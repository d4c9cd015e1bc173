package dynamics

import "time"

// IntegrityMode selects the integrity derivative form. Linear mode drops
// the logistic self-correction term.
type IntegrityMode string

const (
	IntegrityNonlinear IntegrityMode = "nonlinear"
	IntegrityLinear    IntegrityMode = "linear"
)

// Params are the tuned coefficients of the EISV system. One set per
// deployment; they never vary per agent.
type Params struct {
	Alpha       float64 // engagement relaxation toward integrity
	BetaE       float64 // entropy drag on engagement
	BetaI       float64 // coherence reinforcement of integrity
	GammaI      float64 // logistic integrity self-correction (nonlinear mode)
	K           float64 // entropy drag on integrity
	Mu          float64 // entropy decay
	Lambda2     float64 // coherence-driven entropy drain
	Kappa       float64 // engagement-integrity imbalance feeding the void term
	Delta       float64 // void decay
	Lambda1Base float64 // baseline adaptive drift-coupling rate
	C1          float64 // coherence sigmoid steepness
	CMax        float64 // coherence ceiling
	DT          float64 // Euler step
	Mode        IntegrityMode
}

// DefaultParams returns the tuned defaults.
func DefaultParams() Params {
	return Params{
		Alpha:       0.8,
		BetaE:       0.5,
		BetaI:       0.3,
		GammaI:      0.1,
		K:           0.4,
		Mu:          0.3,
		Lambda2:     0.2,
		Kappa:       0.5,
		Delta:       0.2,
		Lambda1Base: 0.3,
		C1:          3.0,
		CMax:        1.0,
		DT:          0.1,
		Mode:        IntegrityNonlinear,
	}
}

// State bounds applied after every integration step.
const (
	// SMin is the entropy floor kept unless the update carries external
	// validation ("epistemic humility").
	SMin = 0.001

	sMaxBound = 2.0
	vBound    = 2.0
)

// Adaptive lambda1 behavior.
const (
	// ConfidenceGate is the confidence below which the adaptive rate is
	// frozen and the skip counter increments.
	ConfidenceGate = 0.8

	lambda1EMARate = 0.1
	lambda1Floor   = 0.05
	historyWindow  = 8
)

// Verdict and safety thresholds.
const (
	// DefaultRiskThreshold is the per-agent reject edge on risk.
	DefaultRiskThreshold = 0.70
	// DefaultCoherenceThreshold is the per-agent reject edge on coherence.
	DefaultCoherenceThreshold = 0.40
	// ReviseRiskThreshold opens the intermediate revise band.
	ReviseRiskThreshold = 0.30
	// SafetyRiskMax is the risk edge of the resume predicate and of margin
	// classification.
	SafetyRiskMax = 0.60

	// MaxRiskThreshold and MinCoherenceThreshold bound what dialectic
	// conditions may set the per-agent thresholds to.
	MaxRiskThreshold      = 0.90
	MinCoherenceThreshold = 0.10

	marginProximity = 0.20
	regimeEpsilon   = 1e-3

	lockedIMin        = 0.999
	lockedSMax        = 0.001
	lockedConsecutive = 3
)

// Risk score weights; they sum to one so the score stays in [0,1].
const (
	riskWeightEntropy     = 0.25
	riskWeightVoid        = 0.20
	riskWeightIncoherence = 0.30
	riskWeightCalibration = 0.10
	riskWeightDrift       = 0.15
)

// Sampling projection ranges.
const (
	temperatureMin = 0.1
	temperatureMax = 1.2
	topPMin        = 0.5
	topPMax        = 0.99
	maxTokensMin   = 64
	maxTokensMax   = 512
)

// Config fixes deployment-level dimensions and lock behavior.
type Config struct {
	// ParamDim is the required length of the parameters vector; 0 skips
	// the check.
	ParamDim int
	// DriftDim is the required length of the ethical drift vector; 0 skips
	// the check.
	DriftDim int
	// LockTTL is the write-lock auto-expiry.
	LockTTL time.Duration
}

// DefaultConfig matches the reference deployment.
func DefaultConfig() Config {
	return Config{ParamDim: 128, DriftDim: 3, LockTTL: 30 * time.Second}
}
