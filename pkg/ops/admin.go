package ops

import (
	"context"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/version"
)

// opHealthCheck reports liveness per component. The envelope stays ok even
// when a component is degraded; the caller reads the status field.
func (d *Dispatcher) opHealthCheck(ctx context.Context, call *Call) (any, error) {
	status := "ok"
	components := map[string]string{}

	if err := d.deps.Store.Ping(ctx); err != nil {
		status = "degraded"
		components["store"] = "unreachable"
	} else {
		components["store"] = "ok"
	}
	if d.deps.Cache != nil {
		components["cache"] = d.deps.Cache.Mode()
	}

	return map[string]any{
		"status":     status,
		"app":        version.AppName,
		"version":    version.Version,
		"commit":     version.GitCommit,
		"components": components,
		"time":       time.Now().UTC(),
	}, nil
}

func (d *Dispatcher) opListOperations(ctx context.Context, call *Call) (any, error) {
	return map[string]any{
		"operations": d.Operations(),
		"aliases":    aliases,
		"count":      len(d.names),
	}, nil
}

func (d *Dispatcher) opDescribeOperation(ctx context.Context, call *Call) (any, error) {
	name, err := call.Args.String("name")
	if err != nil {
		return nil, err
	}
	op, ok := d.Lookup(name)
	if !ok {
		return nil, models.NewError(models.ErrCodeResourceNotFound,
			"unknown operation %q", name).
			WithRecovery("list_operations")
	}

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var known []string
	for alias, canonical := range aliases {
		if canonical == op.Name {
			known = append(known, alias)
		}
	}
	return map[string]any{
		"operation":       op,
		"timeout_seconds": int(timeout / time.Second),
		"aliases":         known,
	}, nil
}

func (d *Dispatcher) opCleanupStaleLocks(ctx context.Context, call *Call) (any, error) {
	reaped, err := d.deps.Locks.CleanupStale(ctx)
	if err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable,
			"lock cleanup failed: %v", err)
	}
	d.deps.Audit.RecordAction(ctx, call.Actor(), "", "cleanup_stale_locks",
		[]string{"operator"}, map[string]any{"reaped": reaped})
	return map[string]any{"reaped": reaped}, nil
}
