package dynamics

import (
	"context"
	"log/slog"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
)

// Pause moves an active agent to paused. Pausing a paused agent is a
// no-op success.
func (e *Engine) Pause(ctx context.Context, agentUUID, actorUUID, reason string) error {
	return e.transition(ctx, agentUUID, actorUUID, models.AgentStatusPaused,
		models.AuditActionAgentPaused, map[string]any{"reason": reason},
		func(current models.AgentStatus) error {
			if current == models.AgentStatusActive {
				return nil
			}
			return models.NewError(models.ErrCodeBadInput,
				"agent is %s; only active agents pause", current)
		})
}

// Archive freezes an agent and its state. The agent_id becomes reusable.
func (e *Engine) Archive(ctx context.Context, agentUUID, actorUUID string) error {
	return e.transition(ctx, agentUUID, actorUUID, models.AgentStatusArchived,
		models.AuditActionAgentArchived, nil,
		func(current models.AgentStatus) error {
			if current == models.AgentStatusActive || current == models.AgentStatusPaused {
				return nil
			}
			return models.NewError(models.ErrCodeBadInput,
				"agent is %s; only active or paused agents archive", current)
		})
}

// Unarchive returns an archived agent to active.
func (e *Engine) Unarchive(ctx context.Context, agentUUID, actorUUID string) error {
	return e.transition(ctx, agentUUID, actorUUID, models.AgentStatusActive,
		models.AuditActionAgentUnarchived, nil,
		func(current models.AgentStatus) error {
			if current == models.AgentStatusArchived {
				return nil
			}
			return models.NewError(models.ErrCodeBadInput,
				"agent is %s; only archived agents unarchive", current)
		})
}

// Delete soft-deletes the agent: hidden from listings, record persists.
func (e *Engine) Delete(ctx context.Context, agentUUID, actorUUID string) error {
	return e.transition(ctx, agentUUID, actorUUID, models.AgentStatusDeleted,
		models.AuditActionAgentDeleted, nil,
		func(current models.AgentStatus) error { return nil })
}

// transition runs one status change under the agent's write-lock. A target
// equal to the current status short-circuits as success.
func (e *Engine) transition(ctx context.Context, agentUUID, actorUUID string, target models.AgentStatus,
	action string, details map[string]any, allowed func(models.AgentStatus) error) error {

	handle, err := e.acquireLock(ctx, agentUUID)
	if err != nil {
		return err
	}
	defer e.releaseLock(ctx, handle)

	identity, err := e.loadIdentity(ctx, agentUUID)
	if err != nil {
		return err
	}
	if identity.Status == target {
		return nil
	}
	if err := allowed(identity.Status); err != nil {
		return err
	}

	var archivedAt *time.Time
	if target == models.AgentStatusArchived {
		now := time.Now().UTC()
		archivedAt = &now
	}
	if err := e.store.UpdateIdentityStatus(ctx, agentUUID, target, archivedAt); err != nil {
		return models.NewError(models.ErrCodePersistFailure, "status change not applied: %v", err)
	}

	if actorUUID == "" {
		actorUUID = agentUUID
	}
	if details == nil {
		details = map[string]any{}
	}
	details["from"] = identity.Status
	details["to"] = target
	e.audit.RecordAction(ctx, actorUUID, agentUUID, action, nil, details)
	slog.Info("Agent status changed",
		"agent_uuid", agentUUID,
		"from", identity.Status,
		"to", target,
		"actor", actorUUID)
	return nil
}
