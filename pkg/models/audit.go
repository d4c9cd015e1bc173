package models

import "time"

// AuditEvent is one append-only record of a governance action. Events are
// never mutated or deleted.
type AuditEvent struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"ts"`
	ActorUUID   string         `json:"actor_uuid"`
	Action      string         `json:"action"`
	SubjectUUID string         `json:"subject_uuid,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Audit action identifiers used by the core. Actions are free-form; these
// cover the lifecycle and recovery paths.
const (
	AuditActionIdentityCreated    = "identity_created"
	AuditActionKeyRotated         = "key_rotated"
	AuditActionUpdateApplied      = "update_applied"
	AuditActionVerdictReject      = "verdict_reject"
	AuditActionAgentPaused        = "agent_paused"
	AuditActionAgentResumed       = "agent_resumed"
	AuditActionAgentArchived      = "agent_archived"
	AuditActionAgentUnarchived    = "agent_unarchived"
	AuditActionAgentDeleted       = "agent_deleted"
	AuditActionIntegrationFailure = "integration_failure"
	AuditActionStuckDetected      = "stuck_detected"
	AuditActionAutoRecovery       = "auto_recovery"
	AuditActionDialecticTrigger   = "dialectic_trigger"
	AuditActionSessionOpened      = "dialectic_session_opened"
	AuditActionSessionResolved    = "dialectic_session_resolved"
	AuditActionSessionFailed      = "dialectic_session_failed"
	AuditActionSessionCancelled   = "dialectic_session_cancelled"
	AuditActionOperatorResume     = "operator_resume"
)

// AuditFilters narrows audit event listings.
type AuditFilters struct {
	ActorUUID   string     `json:"actor_uuid,omitempty"`
	SubjectUUID string     `json:"subject_uuid,omitempty"`
	Action      string     `json:"action,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Offset      int        `json:"offset,omitempty"`
}
