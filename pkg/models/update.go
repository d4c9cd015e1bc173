package models

// Verdict is the governance decision for one update.
type Verdict string

const (
	// VerdictApprove lets the agent proceed.
	VerdictApprove Verdict = "approve"
	// VerdictRevise asks the agent to adjust before proceeding.
	VerdictRevise Verdict = "revise"
	// VerdictReject pauses the agent.
	VerdictReject Verdict = "reject"
)

// IsValid checks if the verdict is valid
func (v Verdict) IsValid() bool {
	return v == VerdictApprove || v == VerdictRevise || v == VerdictReject
}

// UpdateInput is one agent report to the dynamics engine. Parameters and
// EthicalDrift have fixed dimensions per deployment; Confidence defaults
// to 1.0 when nil.
type UpdateInput struct {
	Parameters         []float64 `json:"parameters"`
	EthicalDrift       []float64 `json:"ethical_drift"`
	ResponseText       string    `json:"response_text,omitempty"`
	Complexity         *float64  `json:"complexity,omitempty"`
	Confidence         *float64  `json:"confidence,omitempty"`
	CIPassed           bool      `json:"ci_passed,omitempty"`
	ExternalValidation bool      `json:"external_validation,omitempty"`
	TaskType           string    `json:"task_type,omitempty"`
}

// ConfidenceOrDefault returns the caller-supplied confidence or 1.0.
func (in *UpdateInput) ConfidenceOrDefault() float64 {
	if in.Confidence == nil {
		return 1.0
	}
	return *in.Confidence
}

// SamplingParams are the numeric sampling parameters for the caller to
// apply next turn, projected monotonically from lambda1.
type SamplingParams struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// UpdateResult is the outcome of one successful apply_update.
type UpdateResult struct {
	AgentUUID    string  `json:"agent_uuid"`
	E            float64 `json:"E"`
	I            float64 `json:"I"`
	S            float64 `json:"S"`
	V            float64 `json:"V"`
	Coherence    float64 `json:"coherence"`
	RiskScore    float64 `json:"risk_score"`
	Lambda1      float64 `json:"lambda1"`
	Margin       Margin  `json:"margin"`
	Regime       Regime  `json:"regime"`
	Verdict      Verdict `json:"verdict"`
	AutoAttest   bool    `json:"auto_attest"`
	RequireHuman bool    `json:"require_human,omitempty"`
	Guidance     string  `json:"guidance,omitempty"`
	TotalUpdates int64   `json:"total_updates"`

	Sampling SamplingParams `json:"sampling"`

	// Status reflects any lifecycle transition the verdict caused.
	Status AgentStatus `json:"status"`
}

// ResumeResult is the outcome of a successful resume.
type ResumeResult struct {
	AgentUUID         string      `json:"agent_uuid"`
	Status            AgentStatus `json:"status"`
	AppliedConditions []Condition `json:"applied_conditions,omitempty"`
	AlreadyActive     bool        `json:"already_active,omitempty"`
	Coherence         float64     `json:"coherence"`
	RiskScore         float64     `json:"risk_score"`
}
