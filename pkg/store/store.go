// Package store defines the persistence contract for the governance
// runtime. Two backends implement it: PostgreSQL (pgx) and SQLite
// (modernc, pure Go). Backends are chosen at process start; everything
// above this package depends only on the Store interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("duplicate record")

	// ErrFrozen is returned when writing to an archived or deleted agent.
	ErrFrozen = errors.New("agent is archived or deleted")
)

// Store is the durable persistence surface for the core. All methods are
// safe for concurrent use; serialization of per-agent writes is the lock
// layer's job, not the store's.
type Store interface {
	IdentityStore
	StateStore
	DialecticStore
	NoteStore
	AuditStore
	CalibrationStore
	SessionBindingStore

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// IdentityStore persists canonical agent identities.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, id *models.Identity) error
	GetIdentity(ctx context.Context, uuid string) (*models.Identity, error)
	GetIdentityByAgentID(ctx context.Context, agentID string) (*models.Identity, error)
	GetIdentityByFingerprint(ctx context.Context, fingerprint string) (*models.Identity, error)
	// GetIdentitiesByDisplayName returns every identity carrying the name;
	// display names are not unique.
	GetIdentitiesByDisplayName(ctx context.Context, name string) ([]*models.Identity, error)
	ListIdentities(ctx context.Context, filters models.IdentityFilters) ([]*models.Identity, int, error)
	UpdateIdentityStatus(ctx context.Context, uuid string, status models.AgentStatus, archivedAt *time.Time) error
	UpdateDisplayName(ctx context.Context, uuid, name string) error
	UpdateAPIKeyHash(ctx context.Context, uuid, hash string) error
	UpdateGenesisSignature(ctx context.Context, uuid, signature string) error
	UpdateTrustTier(ctx context.Context, uuid string, tier models.TrustTier) error
	UpdateIdentityMetadata(ctx context.Context, uuid string, metadata map[string]any) error
	UpdateIdentityTags(ctx context.Context, uuid string, tags []string) error
	// TouchIdentity advances last_update_at.
	TouchIdentity(ctx context.Context, uuid string, at time.Time) error
}

// StateStore persists the latest EISV state and its bounded history ring.
type StateStore interface {
	GetState(ctx context.Context, agentUUID string) (*models.AgentState, error)
	// PersistUpdate atomically upserts the state, appends one history
	// entry, trims the ring to models.HistorySize, and touches the
	// identity's last_update_at.
	PersistUpdate(ctx context.Context, state *models.AgentState, entry models.HistoryEntry) error
	// PutState upserts the latest state without touching history; used by
	// resume condition clamps.
	PutState(ctx context.Context, state *models.AgentState) error
	GetHistory(ctx context.Context, agentUUID string, limit int) ([]models.HistoryEntry, error)
	// ListSnapshots joins identity and latest state for every agent in the
	// given statuses; used by the stuck detector and aggregate metrics.
	ListSnapshots(ctx context.Context, statuses ...models.AgentStatus) ([]*models.StateView, error)
}

// DialecticStore persists peer-review sessions and their signed messages.
type DialecticStore interface {
	CreateSession(ctx context.Context, session *models.DialecticSession) error
	GetSession(ctx context.Context, sessionID string) (*models.DialecticSession, error)
	// GetOpenSessionForAgent returns the active session where the agent is
	// either party, or ErrNotFound.
	GetOpenSessionForAgent(ctx context.Context, agentUUID string) (*models.DialecticSession, error)
	// GetLastSessionForAgent returns the most recently created session for
	// the paused agent regardless of status, or ErrNotFound.
	GetLastSessionForAgent(ctx context.Context, pausedUUID string) (*models.DialecticSession, error)
	ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.DialecticSession, error)
	// ListStaleActiveSessions returns active sessions not updated since the
	// cutoff; the recovery loop cancels them.
	ListStaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.DialecticSession, error)
	// UpdateSession persists phase, status, synthesis attempt count, and
	// resolution in one write.
	UpdateSession(ctx context.Context, session *models.DialecticSession) error
	AppendMessage(ctx context.Context, msg *models.DialecticMessage) error
	// ReviewerStats returns how many terminal sessions the agent reviewed
	// and how many of those resolved.
	ReviewerStats(ctx context.Context, reviewerUUID string) (resolved, total int64, err error)
	// LastReviewAt returns when the reviewer last served for the paused
	// agent, or ErrNotFound; feeds the anti-collusion rule.
	LastReviewAt(ctx context.Context, reviewerUUID, pausedUUID string) (time.Time, error)
}

// NoteStore persists knowledge notes.
type NoteStore interface {
	CreateNote(ctx context.Context, note *models.KnowledgeNote) error
	GetNote(ctx context.Context, id string) (*models.KnowledgeNote, error)
	ListNotes(ctx context.Context, filters models.NoteFilters) ([]*models.KnowledgeNote, error)
	UpdateNoteStatus(ctx context.Context, id string, status models.NoteStatus) error
	// CleanupNotes deletes archived notes older than the cutoff and returns
	// how many were removed.
	CleanupNotes(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore appends and lists immutable audit events.
type AuditStore interface {
	AppendAudit(ctx context.Context, event *models.AuditEvent) error
	ListAudit(ctx context.Context, filters models.AuditFilters) ([]*models.AuditEvent, error)
}

// CalibrationStore accumulates per-agent confidence calibration buckets.
type CalibrationStore interface {
	// RecordCalibrationSample increments the bucket with one observation.
	RecordCalibrationSample(ctx context.Context, agentUUID string, bucket int, confidence float64, passed bool) error
	GetCalibrationBucket(ctx context.Context, agentUUID string, bucket int) (*models.CalibrationBucket, error)
	// ListCalibrationBuckets returns the agent's populated buckets in
	// bucket order; agents with no samples get an empty slice.
	ListCalibrationBuckets(ctx context.Context, agentUUID string) ([]*models.CalibrationBucket, error)
}

// SessionBindingStore durably maps session keys to agents. The session
// cache fronts this table; on cache miss the resolver repopulates from it.
type SessionBindingStore interface {
	PutSessionBinding(ctx context.Context, sessionKey, agentUUID string, expiresAt time.Time) error
	GetSessionBinding(ctx context.Context, sessionKey string) (string, error)
	TouchSessionBinding(ctx context.Context, sessionKey string, expiresAt time.Time) error
	DeleteExpiredSessionBindings(ctx context.Context, now time.Time) (int64, error)
}
