package ops

import (
	"context"

	"github.com/CIRWEL/unitares/pkg/models"
)

var observabilityActions = []string{"observe", "compare", "detect_anomalies", "aggregate_metrics", "telemetry"}

// opObservability consolidates the read-side analysis surface. Every action
// is lock-free and may target any agent.
func (d *Dispatcher) opObservability(ctx context.Context, call *Call) (any, error) {
	action, err := call.Args.String("action")
	if err != nil {
		return nil, err
	}

	switch action {
	case "observe":
		target, err := call.TargetUUID()
		if err != nil {
			return nil, err
		}
		window, err := call.Args.OptInt("window", 0)
		if err != nil {
			return nil, err
		}
		return d.deps.Observer.Observe(ctx, target, window)

	case "compare":
		uuids, err := call.Args.OptStrings("agent_uuids")
		if err != nil {
			return nil, err
		}
		return d.deps.Observer.Compare(ctx, uuids)

	case "detect_anomalies":
		target, err := call.TargetUUID()
		if err != nil {
			return nil, err
		}
		return d.deps.Observer.DetectAnomalies(ctx, target)

	case "aggregate_metrics":
		names, err := call.Args.OptStrings("statuses")
		if err != nil {
			return nil, err
		}
		statuses := make([]models.AgentStatus, len(names))
		for i, name := range names {
			statuses[i] = models.AgentStatus(name)
		}
		return d.deps.Observer.AggregateMetrics(ctx, statuses...)

	case "telemetry":
		target, err := call.TargetUUID()
		if err != nil {
			return nil, err
		}
		return d.deps.Observer.Telemetry(ctx, target)

	default:
		return nil, models.NewError(models.ErrCodeBadInput,
			"unknown observability action %q", action).
			WithDetails(map[string]any{"actions": observabilityActions})
	}
}
