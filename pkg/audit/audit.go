// Package audit is the append-side tap point for governance actions. Every
// mutation path records what it did here; nothing in the core deletes or
// rewrites an event.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const appendTimeout = 5 * time.Second

// Recorder appends audit events. Append failures are logged, never
// propagated: the action an event describes has already happened, and
// rolling it back over a missed audit row would falsify history twice.
type Recorder struct {
	store store.AuditStore
}

func NewRecorder(s store.AuditStore) *Recorder {
	return &Recorder{store: s}
}

// Record appends one event, stamping the timestamp if the caller left it
// zero. The append is detached from the caller's deadline so an operation
// timing out right after commit still leaves its trace.
func (r *Recorder) Record(ctx context.Context, event *models.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	if err := r.store.AppendAudit(ctx, event); err != nil {
		slog.Error("Failed to append audit event",
			"action", event.Action,
			"actor_uuid", event.ActorUUID,
			"subject_uuid", event.SubjectUUID,
			"error", err)
	}
}

// RecordAction is Record with the event assembled inline.
func (r *Recorder) RecordAction(ctx context.Context, actor, subject, action string, tags []string, details map[string]any) {
	r.Record(ctx, &models.AuditEvent{
		ActorUUID:   actor,
		SubjectUUID: subject,
		Action:      action,
		Tags:        tags,
		Details:     details,
	})
}

// List returns events matching the filters, newest first.
func (r *Recorder) List(ctx context.Context, filters models.AuditFilters) ([]*models.AuditEvent, error) {
	return r.store.ListAudit(ctx, filters)
}
