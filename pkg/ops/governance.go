package ops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/CIRWEL/unitares/pkg/models"
)

// opProcessUpdate integrates one step for the bound agent, then taps the
// pattern tracker, the genesis/trust pipeline and the update metrics. The
// taps run only after a persisted outcome; a failed update leaves no trace
// outside the error envelope.
func (d *Dispatcher) opProcessUpdate(ctx context.Context, call *Call) (any, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, err
	}
	in, err := updateInputFromArgs(call.Args)
	if err != nil {
		return nil, err
	}

	result, err := d.deps.Engine.ApplyUpdate(ctx, agent.UUID, in)
	if err != nil {
		return nil, err
	}

	if d.deps.Tracker != nil {
		d.deps.Tracker.Record(agent.UUID, updateFingerprint(in))
	}
	d.deps.Registry.AfterUpdate(ctx, agent.UUID)
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordUpdate(string(result.Verdict), result.RiskScore)
	}
	return result, nil
}

// opSimulateUpdate runs the same computation against any agent's stored
// state with no lock, no persistence and no taps.
func (d *Dispatcher) opSimulateUpdate(ctx context.Context, call *Call) (any, error) {
	target, err := call.TargetUUID()
	if err != nil {
		return nil, err
	}
	in, err := updateInputFromArgs(call.Args)
	if err != nil {
		return nil, err
	}
	return d.deps.Engine.Simulate(ctx, target, in)
}

func (d *Dispatcher) opGetMetrics(ctx context.Context, call *Call) (any, error) {
	target, err := call.TargetUUID()
	if err != nil {
		return nil, err
	}
	return d.deps.Engine.Snapshot(ctx, target)
}

func (d *Dispatcher) opGetHistory(ctx context.Context, call *Call) (any, error) {
	target, err := call.TargetUUID()
	if err != nil {
		return nil, err
	}
	limit, err := call.Args.OptInt("limit", 0)
	if err != nil {
		return nil, err
	}
	entries, err := d.deps.Engine.History(ctx, target, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent_uuid": target,
		"entries":    entries,
		"count":      len(entries),
	}, nil
}

func updateInputFromArgs(args Args) (*models.UpdateInput, error) {
	in := &models.UpdateInput{}
	var err error

	if in.Parameters, err = args.Floats("parameters"); err != nil {
		return nil, err
	}
	if in.EthicalDrift, err = args.OptFloats("ethical_drift"); err != nil {
		return nil, err
	}
	if in.ResponseText, err = args.OptString("response_text"); err != nil {
		return nil, err
	}
	if in.Complexity, err = args.OptFloat("complexity"); err != nil {
		return nil, err
	}
	if in.Confidence, err = args.OptFloat("confidence"); err != nil {
		return nil, err
	}
	if in.CIPassed, err = args.OptBool("ci_passed"); err != nil {
		return nil, err
	}
	if in.ExternalValidation, err = args.OptBool("external_validation"); err != nil {
		return nil, err
	}
	if in.TaskType, err = args.OptString("task_type"); err != nil {
		return nil, err
	}
	return in, nil
}

// updateFingerprint condenses what the agent is doing into a loop-detection
// key: the task type plus its textual output. Updates with neither carry no
// behavioral signal and are not tracked.
func updateFingerprint(in *models.UpdateInput) string {
	if in.TaskType == "" && in.ResponseText == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(in.TaskType + "\n" + in.ResponseText))
	return hex.EncodeToString(sum[:8])
}
