package ops

import (
	"context"

	"github.com/CIRWEL/unitares/pkg/models"
)

var lifecycleActions = []string{"list", "get", "update_metadata", "archive", "unarchive", "delete"}

// opAgentLifecycle consolidates identity administration behind one
// operation. Reads may target any agent; write actions land on the bound
// identity unless the operator token widens the target, and they draw from
// the admin budget.
func (d *Dispatcher) opAgentLifecycle(ctx context.Context, call *Call) (any, error) {
	action, err := call.Args.String("action")
	if err != nil {
		return nil, err
	}

	switch action {
	case "list":
		return d.lifecycleList(ctx, call)
	case "get":
		target, err := call.TargetUUID()
		if err != nil {
			return nil, err
		}
		return d.deps.Registry.Get(ctx, target)
	case "update_metadata":
		return d.lifecycleUpdateMetadata(ctx, call)
	case "archive", "unarchive", "delete":
		return d.lifecycleTransition(ctx, call, action)
	default:
		return nil, models.NewError(models.ErrCodeBadInput,
			"unknown agent_lifecycle action %q", action).
			WithDetails(map[string]any{"actions": lifecycleActions})
	}
}

func (d *Dispatcher) lifecycleList(ctx context.Context, call *Call) (any, error) {
	var filters models.IdentityFilters
	var err error

	status, err := call.Args.OptString("status")
	if err != nil {
		return nil, err
	}
	filters.Status = models.AgentStatus(status)

	tier, err := call.Args.OptString("trust_tier")
	if err != nil {
		return nil, err
	}
	filters.TrustTier = models.TrustTier(tier)

	if filters.Tag, err = call.Args.OptString("tag"); err != nil {
		return nil, err
	}
	if filters.Limit, err = call.Args.OptInt("limit", 0); err != nil {
		return nil, err
	}
	if filters.Offset, err = call.Args.OptInt("offset", 0); err != nil {
		return nil, err
	}

	includeDeleted, err := call.Args.OptBool("include_deleted")
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		if err := requireAdmin(call, "list include_deleted"); err != nil {
			return nil, err
		}
		filters.IncludeDeleted = true
	}

	agents, total, err := d.deps.Registry.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": agents, "count": len(agents), "total": total}, nil
}

func (d *Dispatcher) lifecycleUpdateMetadata(ctx context.Context, call *Call) (any, error) {
	target, err := call.WriteTarget("agent_lifecycle")
	if err != nil {
		return nil, err
	}
	if err := d.allow(ctx, budgetSubject(call), ClassAdmin); err != nil {
		return nil, err
	}

	patch, err := call.Args.OptMap("metadata")
	if err != nil {
		return nil, err
	}
	tags, err := call.Args.OptStrings("tags")
	if err != nil {
		return nil, err
	}
	if patch == nil && !call.Args.Has("tags") {
		return nil, models.NewError(models.ErrCodeMissingParameter,
			"update_metadata needs metadata or tags")
	}

	identity := call.Agent
	if patch != nil {
		if identity, err = d.deps.Registry.UpdateMetadata(ctx, target, patch); err != nil {
			return nil, err
		}
	}
	if call.Args.Has("tags") {
		if identity, err = d.deps.Registry.UpdateTags(ctx, target, tags); err != nil {
			return nil, err
		}
	}
	return identity, nil
}

func (d *Dispatcher) lifecycleTransition(ctx context.Context, call *Call, action string) (any, error) {
	target, err := call.WriteTarget("agent_lifecycle")
	if err != nil {
		return nil, err
	}
	if err := d.allow(ctx, budgetSubject(call), ClassAdmin); err != nil {
		return nil, err
	}

	actor := call.Actor()
	switch action {
	case "archive":
		err = d.deps.Engine.Archive(ctx, target, actor)
	case "unarchive":
		err = d.deps.Engine.Unarchive(ctx, target, actor)
	case "delete":
		err = d.deps.Engine.Delete(ctx, target, actor)
	}
	if err != nil {
		return nil, err
	}
	return d.deps.Registry.Get(ctx, target)
}

// budgetSubject keys in-handler budgets the same way the pipeline does.
func budgetSubject(call *Call) string {
	if uuid := call.AgentUUID(); uuid != "" {
		return uuid
	}
	if call.Admin {
		return "operator"
	}
	return ""
}
