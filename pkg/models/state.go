package models

import "time"

// Regime is the qualitative phase of an agent's trajectory.
type Regime string

const (
	// RegimeExploration means entropy is rising.
	RegimeExploration Regime = "exploration"
	// RegimeTransition means entropy is falling with stable integrity.
	RegimeTransition Regime = "transition"
	// RegimeConvergence means entropy is falling and integrity is rising.
	RegimeConvergence Regime = "convergence"
	// RegimeLocked means I >= 0.999 and S <= 0.001 held for three consecutive
	// updates; leaving it requires external validation.
	RegimeLocked Regime = "locked"
)

// IsValid checks if the regime is valid
func (r Regime) IsValid() bool {
	switch r {
	case RegimeExploration, RegimeTransition, RegimeConvergence, RegimeLocked:
		return true
	default:
		return false
	}
}

// Margin classifies how close the state sits to verdict-failure edges.
type Margin string

const (
	// MarginComfortable means no threshold is near.
	MarginComfortable Margin = "comfortable"
	// MarginTight means a threshold is within 20% proximity.
	MarginTight Margin = "tight"
	// MarginCritical means a threshold has been crossed.
	MarginCritical Margin = "critical"
)

// IsValid checks if the margin is valid
func (m Margin) IsValid() bool {
	return m == MarginComfortable || m == MarginTight || m == MarginCritical
}

// HistorySize bounds the per-agent state history ring.
const HistorySize = 64

// AgentState is the latest integrated EISV state for one agent. All writes
// go through the dynamics engine under the agent's write-lock.
type AgentState struct {
	AgentUUID string  `json:"agent_uuid"`
	E         float64 `json:"E"`
	I         float64 `json:"I"`
	S         float64 `json:"S"`
	V         float64 `json:"V"`
	Coherence float64 `json:"coherence"`
	RiskScore float64 `json:"risk_score"`
	Lambda1   float64 `json:"lambda1"`
	Regime    Regime  `json:"regime"`
	Margin    Margin  `json:"margin"`

	// Per-agent verdict thresholds, adjustable only through accepted
	// dialectic resume conditions, within safety-gate bounds.
	RiskThreshold      float64 `json:"risk_threshold"`
	CoherenceThreshold float64 `json:"coherence_threshold"`

	TotalUpdates           int64 `json:"total_updates"`
	Lambda1SkipCount       int64 `json:"lambda1_skip_count"`
	LockedPersistenceCount int   `json:"locked_persistence_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// VoidActive reports whether the void integral magnitude disqualifies the
// state from the resume safety predicate. The edge matches the critical
// margin threshold on |V|.
func (s *AgentState) VoidActive() bool {
	return s.V >= VoidActiveThreshold || s.V <= -VoidActiveThreshold
}

// VoidActiveThreshold is the |V| edge shared by margin classification and
// the resume safety predicate.
const VoidActiveThreshold = 0.15

// HistoryEntry is one ring slot of recent derived metrics, used for margin
// and oscillation analysis.
type HistoryEntry struct {
	Seq       int64     `json:"seq"`
	E         float64   `json:"E"`
	I         float64   `json:"I"`
	S         float64   `json:"S"`
	V         float64   `json:"V"`
	Coherence float64   `json:"coherence"`
	RiskScore float64   `json:"risk_score"`
	CreatedAt time.Time `json:"created_at"`
}

// StateView is the read-only snapshot returned to callers. Reads take no
// lock and may trail a concurrent writer by one update.
type StateView struct {
	AgentUUID    string      `json:"agent_uuid"`
	AgentID      string      `json:"agent_id"`
	Status       AgentStatus `json:"status"`
	TrustTier    TrustTier   `json:"trust_tier"`
	Tags         []string    `json:"tags,omitempty"`
	E            float64     `json:"E"`
	I            float64     `json:"I"`
	S            float64     `json:"S"`
	V            float64     `json:"V"`
	Coherence    float64     `json:"coherence"`
	RiskScore    float64     `json:"risk_score"`
	Lambda1      float64     `json:"lambda1"`
	Regime       Regime      `json:"regime"`
	Margin       Margin      `json:"margin"`
	TotalUpdates int64       `json:"total_updates"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HasTag reports whether the snapshot's identity carries the given tag.
func (v *StateView) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
