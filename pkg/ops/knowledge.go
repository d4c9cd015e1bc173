package ops

import (
	"context"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
)

var knowledgeActions = []string{"store", "search", "get", "list", "update_status", "cleanup"}

// opKnowledge consolidates the note surface. Note creation draws from the
// per-author budget inside the notes service; status flips draw from the
// knowledge class here; cleanup is operator-only.
func (d *Dispatcher) opKnowledge(ctx context.Context, call *Call) (any, error) {
	action, err := call.Args.String("action")
	if err != nil {
		return nil, err
	}

	switch action {
	case "store":
		return d.knowledgeStore(ctx, call)
	case "search":
		return d.knowledgeSearch(ctx, call)
	case "get":
		id, err := call.Args.String("id")
		if err != nil {
			return nil, err
		}
		return d.deps.Notes.Get(ctx, id)
	case "list":
		return d.knowledgeList(ctx, call)
	case "update_status":
		return d.knowledgeUpdateStatus(ctx, call)
	case "cleanup":
		return d.knowledgeCleanup(ctx, call)
	default:
		return nil, models.NewError(models.ErrCodeBadInput,
			"unknown knowledge action %q", action).
			WithDetails(map[string]any{"actions": knowledgeActions})
	}
}

func (d *Dispatcher) knowledgeStore(ctx context.Context, call *Call) (any, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, err
	}

	note := &models.KnowledgeNote{}
	if note.Summary, err = call.Args.String("summary"); err != nil {
		return nil, err
	}
	if note.Details, err = call.Args.OptString("details"); err != nil {
		return nil, err
	}
	kind, err := call.Args.OptString("kind")
	if err != nil {
		return nil, err
	}
	note.Kind = models.NoteKind(kind)
	if note.Severity, err = call.Args.OptString("severity"); err != nil {
		return nil, err
	}
	if note.Tags, err = call.Args.OptStrings("tags"); err != nil {
		return nil, err
	}
	if note.Supersedes, err = call.Args.OptString("supersedes"); err != nil {
		return nil, err
	}
	return d.deps.Notes.Store(ctx, agent.UUID, note)
}

func (d *Dispatcher) knowledgeSearch(ctx context.Context, call *Call) (any, error) {
	query, err := call.Args.String("query")
	if err != nil {
		return nil, err
	}
	filters, err := noteFiltersFromArgs(call.Args)
	if err != nil {
		return nil, err
	}
	found, err := d.deps.Notes.Search(ctx, query, filters)
	if err != nil {
		return nil, err
	}
	return map[string]any{"notes": found, "count": len(found)}, nil
}

func (d *Dispatcher) knowledgeList(ctx context.Context, call *Call) (any, error) {
	filters, err := noteFiltersFromArgs(call.Args)
	if err != nil {
		return nil, err
	}
	listed, err := d.deps.Notes.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	return map[string]any{"notes": listed, "count": len(listed)}, nil
}

func (d *Dispatcher) knowledgeUpdateStatus(ctx context.Context, call *Call) (any, error) {
	agent, err := call.RequireAgent()
	if err != nil {
		return nil, err
	}
	if err := d.allow(ctx, agent.UUID, ClassKnowledge); err != nil {
		return nil, err
	}
	id, err := call.Args.String("id")
	if err != nil {
		return nil, err
	}
	status, err := call.Args.String("status")
	if err != nil {
		return nil, err
	}
	return d.deps.Notes.UpdateStatus(ctx, agent.UUID, id, models.NoteStatus(status))
}

func (d *Dispatcher) knowledgeCleanup(ctx context.Context, call *Call) (any, error) {
	if err := requireAdmin(call, "cleanup"); err != nil {
		return nil, err
	}
	hours, err := call.Args.OptInt("retention_hours", 0)
	if err != nil {
		return nil, err
	}
	retention := d.cfg.KnowledgeRetention
	if hours > 0 {
		retention = time.Duration(hours) * time.Hour
	}
	removed, err := d.deps.Notes.Cleanup(ctx, retention)
	if err != nil {
		return nil, err
	}
	d.deps.Audit.RecordAction(ctx, call.Actor(), "", "knowledge_cleanup",
		[]string{"operator"}, map[string]any{"removed": removed, "retention": retention.String()})
	return map[string]any{"removed": removed}, nil
}

func noteFiltersFromArgs(args Args) (models.NoteFilters, error) {
	var filters models.NoteFilters
	var err error

	if filters.AuthorUUID, err = args.OptString("author_uuid"); err != nil {
		return filters, err
	}
	kind, err := args.OptString("kind")
	if err != nil {
		return filters, err
	}
	filters.Kind = models.NoteKind(kind)
	status, err := args.OptString("status")
	if err != nil {
		return filters, err
	}
	filters.Status = models.NoteStatus(status)
	if filters.Tag, err = args.OptString("tag"); err != nil {
		return filters, err
	}
	if filters.Limit, err = args.OptInt("limit", 0); err != nil {
		return filters, err
	}
	if filters.Offset, err = args.OptInt("offset", 0); err != nil {
		return filters, err
	}
	return filters, nil
}
