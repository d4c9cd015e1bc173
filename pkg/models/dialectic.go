package models

import (
	"strings"
	"time"
)

// DialecticPhase is the current step of a thesis/antithesis/synthesis
// negotiation.
type DialecticPhase string

const (
	// PhaseThesis waits for the paused agent's opening statement.
	PhaseThesis DialecticPhase = "thesis"
	// PhaseAntithesis waits for the reviewer's counter-statement.
	PhaseAntithesis DialecticPhase = "antithesis"
	// PhaseSynthesis waits for a converging proposal from either party.
	PhaseSynthesis DialecticPhase = "synthesis"
	// PhaseResolved is terminal; the synthesis was accepted and applied.
	PhaseResolved DialecticPhase = "resolved"
	// PhaseFailed is terminal; convergence or the safety gate failed.
	PhaseFailed DialecticPhase = "failed"
	// PhaseCancelled is terminal; a party or the timeout sweep cancelled.
	PhaseCancelled DialecticPhase = "cancelled"
)

// IsValid checks if the dialectic phase is valid
func (p DialecticPhase) IsValid() bool {
	switch p {
	case PhaseThesis, PhaseAntithesis, PhaseSynthesis, PhaseResolved, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the phase ends the session.
func (p DialecticPhase) IsTerminal() bool {
	return p == PhaseResolved || p == PhaseFailed || p == PhaseCancelled
}

// SessionStatus collapses the phase into active vs terminal outcome.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusResolved  SessionStatus = "resolved"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsValid checks if the session status is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusActive, SessionStatusResolved, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// MessageKind is the role of one dialectic message.
type MessageKind string

const (
	MessageKindThesis     MessageKind = "thesis"
	MessageKindAntithesis MessageKind = "antithesis"
	MessageKindSynthesis  MessageKind = "synthesis"
)

// IsValid checks if the message kind is valid
func (k MessageKind) IsValid() bool {
	return k == MessageKindThesis || k == MessageKindAntithesis || k == MessageKindSynthesis
}

// Condition is one structured resume condition proposed during dialectic.
// Equality is structural over all fields; two conditions on the same key
// with opposite directions conflict and invalidate a synthesis.
type Condition struct {
	Kind      string  `json:"kind"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Direction string  `json:"direction,omitempty"`
}

// Equal reports structural equality with other.
func (c Condition) Equal(other Condition) bool {
	return c.Kind == other.Kind && c.Key == other.Key &&
		c.Value == other.Value && c.Direction == other.Direction
}

// ConflictsWith reports whether the two conditions adjust the same key in
// opposite directions.
func (c Condition) ConflictsWith(other Condition) bool {
	if c.Key != other.Key || c.Direction == "" || other.Direction == "" {
		return false
	}
	return c.Direction != other.Direction
}

// String renders the condition for safety-gate pattern matching.
func (c Condition) String() string {
	var b strings.Builder
	b.WriteString(c.Kind)
	b.WriteString(" ")
	b.WriteString(c.Key)
	if c.Direction != "" {
		b.WriteString(" ")
		b.WriteString(c.Direction)
	}
	return b.String()
}

// DialecticMessage is one signed statement within a session. The signature
// covers the canonical encoding of every other field.
type DialecticMessage struct {
	Seq                int                `json:"seq"`
	SessionID          string             `json:"session_id"`
	AuthorUUID         string             `json:"author_uuid"`
	Kind               MessageKind        `json:"kind"`
	Timestamp          time.Time          `json:"timestamp"`
	Reasoning          string             `json:"reasoning"`
	RootCause          string             `json:"root_cause,omitempty"`
	ProposedConditions []Condition        `json:"proposed_conditions,omitempty"`
	ObservedMetrics    map[string]float64 `json:"observed_metrics,omitempty"`
	Concerns           []string           `json:"concerns,omitempty"`
	Agrees             *bool              `json:"agrees,omitempty"`
	Signature          string             `json:"signature"`
}

// Resolution captures the terminal outcome of a session.
type Resolution struct {
	Type       string      `json:"type"`
	Conditions []Condition `json:"conditions,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	ResolvedBy string      `json:"resolved_by,omitempty"`
}

// Resolution type identifiers.
const (
	ResolutionSynthesisAccepted   = "synthesis_accepted"
	ResolutionConservativeDefault = "conservative_default"
	ResolutionUnsafePostGate      = "unsafe_post_gate"
	ResolutionTimeout             = "timeout"
	ResolutionCancelled           = "cancelled"
)

// DialecticSession is one peer-review negotiation for a paused agent.
// HumanInputs and HumanConditions record operator guidance; they live
// outside the signed message transcript because operators do not hold
// agent keys.
type DialecticSession struct {
	SessionID         string             `json:"session_id"`
	PausedAgentUUID   string             `json:"paused_agent_uuid"`
	ReviewerAgentUUID string             `json:"reviewer_agent_uuid"`
	Topic             string             `json:"topic"`
	Phase             DialecticPhase     `json:"phase"`
	Status            SessionStatus      `json:"status"`
	Messages          []DialecticMessage `json:"messages,omitempty"`
	StateSnapshot     *AgentState        `json:"paused_agent_state_snapshot,omitempty"`
	SynthesisAttempts int                `json:"synthesis_attempts"`
	Resolution        *Resolution        `json:"resolution,omitempty"`
	HumanInputs       []string           `json:"human_inputs,omitempty"`
	HumanConditions   []Condition        `json:"human_conditions,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// SessionFilters narrows dialectic session listings.
type SessionFilters struct {
	AgentUUID string        `json:"agent_uuid,omitempty"`
	Status    SessionStatus `json:"status,omitempty"`
	Limit     int           `json:"limit,omitempty"`
	Offset    int           `json:"offset,omitempty"`
}
