package models

import "time"

// StuckReason identifies which detection rule matched; rules are evaluated
// in order and the first match wins.
type StuckReason string

const (
	// StuckCriticalMarginTimeout is critical margin with no update for 5 minutes.
	StuckCriticalMarginTimeout StuckReason = "critical_margin_timeout"
	// StuckTightMarginTimeout is tight margin with no update for 15 minutes.
	StuckTightMarginTimeout StuckReason = "tight_margin_timeout"
	// StuckActivityTimeout is no update for 30 minutes regardless of margin.
	StuckActivityTimeout StuckReason = "activity_timeout"
	// StuckCognitiveLoop is the same tool-call fingerprint seen three or
	// more times within 30 minutes.
	StuckCognitiveLoop StuckReason = "cognitive_loop"
	// StuckTimeBoxExceeded is an investigation running past 10 minutes
	// without a progress marker.
	StuckTimeBoxExceeded StuckReason = "time_box_exceeded"
)

// IsValid checks if the stuck reason is valid
func (r StuckReason) IsValid() bool {
	switch r {
	case StuckCriticalMarginTimeout, StuckTightMarginTimeout, StuckActivityTimeout,
		StuckCognitiveLoop, StuckTimeBoxExceeded:
		return true
	default:
		return false
	}
}

// StuckFinding is one detector classification for one agent during a sweep.
type StuckFinding struct {
	AgentUUID   string        `json:"agent_uuid"`
	AgentID     string        `json:"agent_id"`
	Reason      StuckReason   `json:"reason"`
	Margin      Margin        `json:"margin"`
	LastUpdate  time.Time     `json:"last_update"`
	Age         time.Duration `json:"age"`
	Safe        bool          `json:"safe"`
	ActionTaken string        `json:"action_taken,omitempty"`
}
