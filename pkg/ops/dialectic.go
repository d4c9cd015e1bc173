package ops

import (
	"context"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
)

// opRequestReview opens a session for the bound paused agent. An operator
// may open one on another agent's behalf; the session still belongs to the
// paused agent.
func (d *Dispatcher) opRequestReview(ctx context.Context, call *Call) (any, error) {
	target, err := call.WriteTarget("request_review")
	if err != nil {
		return nil, err
	}
	topic, err := call.Args.OptString("topic")
	if err != nil {
		return nil, err
	}

	requestedBy := ""
	if actor := call.Actor(); actor != target {
		requestedBy = actor
	}
	return d.deps.Dialectic.RequestReview(ctx, target, topic, requestedBy, nil)
}

func (d *Dispatcher) opSubmitThesis(ctx context.Context, call *Call) (any, error) {
	agent, msg, err := submission(call, models.MessageKindThesis)
	if err != nil {
		return nil, err
	}
	return d.deps.Dialectic.SubmitThesis(ctx, agent.UUID, msg)
}

func (d *Dispatcher) opSubmitAntithesis(ctx context.Context, call *Call) (any, error) {
	agent, msg, err := submission(call, models.MessageKindAntithesis)
	if err != nil {
		return nil, err
	}
	return d.deps.Dialectic.SubmitAntithesis(ctx, agent.UUID, msg)
}

func (d *Dispatcher) opSubmitSynthesis(ctx context.Context, call *Call) (any, error) {
	agent, msg, err := submission(call, models.MessageKindSynthesis)
	if err != nil {
		return nil, err
	}
	humanInput, err := call.Args.OptString("human_input")
	if err != nil {
		return nil, err
	}
	return d.deps.Dialectic.SubmitSynthesis(ctx, agent.UUID, msg, humanInput)
}

func (d *Dispatcher) opGetSession(ctx context.Context, call *Call) (any, error) {
	sessionID, err := call.Args.String("session_id")
	if err != nil {
		return nil, err
	}
	return d.deps.Dialectic.Get(ctx, sessionID)
}

func (d *Dispatcher) opListSessions(ctx context.Context, call *Call) (any, error) {
	filters, err := sessionFiltersFromArgs(call.Args)
	if err != nil {
		return nil, err
	}
	sessions, err := d.deps.Dialectic.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
}

// opCancelSession lets a participant cancel their session. force is the
// operator escape hatch for sessions the caller is not part of.
func (d *Dispatcher) opCancelSession(ctx context.Context, call *Call) (any, error) {
	sessionID, err := call.Args.String("session_id")
	if err != nil {
		return nil, err
	}
	reason, err := call.Args.OptString("reason")
	if err != nil {
		return nil, err
	}
	force, err := call.Args.OptBool("force")
	if err != nil {
		return nil, err
	}
	if force && !call.Admin {
		return nil, models.NewError(models.ErrCodePermissionDenied,
			"force cancellation requires the operator token")
	}
	return d.deps.Dialectic.Cancel(ctx, sessionID, call.Actor(), reason, force)
}

// submission assembles a signed dialectic message from the argument bundle.
// Seq, timestamp and signature come from the caller because the signature
// covers them; the machine rejects stale slots, author mismatches and bad
// signatures. The author defaults to the bound identity, but an explicit
// author_uuid is passed through untouched so a mismatch surfaces as the
// machine's ownership error instead of a baffling signature failure.
func submission(call *Call, kind models.MessageKind) (*models.Identity, *models.DialecticMessage, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, nil, err
	}
	sessionID, err := call.Args.String("session_id")
	if err != nil {
		return nil, nil, err
	}
	reasoning, err := call.Args.String("reasoning")
	if err != nil {
		return nil, nil, err
	}

	msg := &models.DialecticMessage{
		SessionID:  sessionID,
		AuthorUUID: agent.UUID,
		Kind:       kind,
		Reasoning:  reasoning,
	}
	if author, err := call.Args.OptString("author_uuid"); err != nil {
		return nil, nil, err
	} else if author != "" {
		msg.AuthorUUID = author
	}
	if msg.Seq, err = call.Args.Int("seq"); err != nil {
		return nil, nil, err
	}
	stamp, err := call.Args.String("timestamp")
	if err != nil {
		return nil, nil, err
	}
	if msg.Timestamp, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
		return nil, nil, models.NewError(models.ErrCodeInvalidParameterType,
			"parameter %q must be an RFC3339 timestamp", "timestamp").
			WithDetails(map[string]any{"parameter": "timestamp", "got": stamp})
	}
	if msg.Signature, err = call.Args.String("signature"); err != nil {
		return nil, nil, err
	}
	if msg.RootCause, err = call.Args.OptString("root_cause"); err != nil {
		return nil, nil, err
	}
	if msg.Concerns, err = call.Args.OptStrings("concerns"); err != nil {
		return nil, nil, err
	}
	if err = call.Args.Decode("proposed_conditions", &msg.ProposedConditions); err != nil {
		return nil, nil, err
	}
	if err = call.Args.Decode("observed_metrics", &msg.ObservedMetrics); err != nil {
		return nil, nil, err
	}
	if call.Args.Has("agrees") {
		agrees, err := call.Args.OptBool("agrees")
		if err != nil {
			return nil, nil, err
		}
		msg.Agrees = &agrees
	}
	return agent, msg, nil
}

func sessionFiltersFromArgs(args Args) (models.SessionFilters, error) {
	var filters models.SessionFilters
	var err error

	if filters.AgentUUID, err = args.OptString("agent_uuid"); err != nil {
		return filters, err
	}
	status, err := args.OptString("status")
	if err != nil {
		return filters, err
	}
	filters.Status = models.SessionStatus(status)
	if filters.Limit, err = args.OptInt("limit", 0); err != nil {
		return filters, err
	}
	if filters.Offset, err = args.OptInt("offset", 0); err != nil {
		return filters, err
	}
	return filters, nil
}
