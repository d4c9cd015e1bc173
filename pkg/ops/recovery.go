package ops

import (
	"context"
	"fmt"

	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/models"
)

// opResumeIfSafe resumes the bound agent under the bare safety predicate.
// The engine surfaces UNSAFE with the failing legs when the predicate does
// not hold.
func (d *Dispatcher) opResumeIfSafe(ctx context.Context, call *Call) (any, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, err
	}
	return d.deps.Engine.Resume(ctx, agent.UUID, dynamics.ResumeOptions{
		ActorUUID: agent.UUID,
	})
}

// opSelfRecoveryReview is the no-side-effect walk through the safety
// predicate: each leg, each blocker, and prose guidance on what to do next.
func (d *Dispatcher) opSelfRecoveryReview(ctx context.Context, call *Call) (any, error) {
	target, err := call.TargetUUID()
	if err != nil {
		return nil, err
	}
	check, err := d.deps.Engine.CheckRecovery(ctx, target)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"check":    check,
		"guidance": recoveryGuidance(check),
	}, nil
}

func (d *Dispatcher) opCheckRecoveryOptions(ctx context.Context, call *Call) (any, error) {
	target, err := call.TargetUUID()
	if err != nil {
		return nil, err
	}
	return d.deps.Engine.CheckRecovery(ctx, target)
}

// opOperatorResume bypasses the safety predicate. The handler records the
// operator action with its reason on top of the engine's lifecycle event.
func (d *Dispatcher) opOperatorResume(ctx context.Context, call *Call) (any, error) {
	target, err := call.Args.String("agent_uuid")
	if err != nil {
		return nil, err
	}
	reason, err := call.Args.OptString("reason")
	if err != nil {
		return nil, err
	}

	result, err := d.deps.Engine.Resume(ctx, target, dynamics.ResumeOptions{
		ActorUUID: call.Actor(),
		Force:     true,
		Tags:      []string{"operator"},
	})
	if err != nil {
		return nil, err
	}
	d.deps.Audit.RecordAction(ctx, call.Actor(), target, models.AuditActionOperatorResume,
		[]string{"operator"}, map[string]any{"reason": reason, "forced": !result.AlreadyActive})
	return result, nil
}

func recoveryGuidance(check *dynamics.RecoveryCheck) []string {
	var guidance []string
	switch {
	case check.Status == models.AgentStatusActive:
		guidance = append(guidance, "Agent is active; no recovery needed.")
	case check.Status != models.AgentStatusPaused:
		guidance = append(guidance,
			fmt.Sprintf("Agent is %s; lifecycle transitions, not recovery, apply here.", check.Status))
	case check.Safe:
		guidance = append(guidance,
			"The safety predicate holds; resume_if_safe will succeed.")
	default:
		guidance = append(guidance,
			"The safety predicate does not hold; resume_if_safe would return UNSAFE.")
		guidance = append(guidance, check.Blockers...)
		guidance = append(guidance,
			"simulate_update previews the next step without persisting anything.",
			"request_review opens a dialectic session when the state cannot recover on its own.")
	}
	return guidance
}
