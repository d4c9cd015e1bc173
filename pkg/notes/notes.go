// Package notes is the knowledge-note surface: agents record observations,
// the recovery loop records what it did, and operators prune the archive.
// The core depends only on append and filter, never on graph semantics.
package notes

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CIRWEL/unitares/pkg/cache"
	"github.com/CIRWEL/unitares/pkg/embedder"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const (
	// writeLimit is the per-author note budget enforced over writeWindow.
	writeClass  = "knowledge_note_write"
	writeLimit  = 20
	writeWindow = time.Hour

	defaultListLimit = 50
	maxListLimit     = 200

	// searchCandidates is how many recent notes feed one semantic ranking.
	searchCandidates = 200

	// DefaultRetention is how long archived notes survive before cleanup
	// removes them.
	DefaultRetention = 30 * 24 * time.Hour
)

// Service stores and serves knowledge notes.
type Service struct {
	store       store.NoteStore
	cache       *cache.Cache
	embedder    embedder.Embedder
	writeLimit  int
	writeWindow time.Duration
}

func New(st store.NoteStore, c *cache.Cache, emb embedder.Embedder) *Service {
	if emb == nil {
		emb = embedder.Nop{}
	}
	return &Service{
		store:       st,
		cache:       c,
		embedder:    emb,
		writeLimit:  writeLimit,
		writeWindow: writeWindow,
	}
}

// WithWriteBudget overrides the per-author write budget. Zero or negative
// values keep the defaults.
func (s *Service) WithWriteBudget(limit int, window time.Duration) *Service {
	if limit > 0 {
		s.writeLimit = limit
	}
	if window > 0 {
		s.writeWindow = window
	}
	return s
}

// Store records a note on behalf of an authenticated agent. authorUUID
// comes from the session binding; an author field in the payload that
// disagrees is ignored. Agent writes draw from the per-author budget.
func (s *Service) Store(ctx context.Context, authorUUID string, note *models.KnowledgeNote) (*models.KnowledgeNote, error) {
	if note.AuthorUUID != "" && note.AuthorUUID != authorUUID {
		slog.Debug("Ignoring caller-supplied note author",
			"claimed", note.AuthorUUID,
			"effective", authorUUID)
	}
	if !s.cache.Allow(ctx, authorUUID, writeClass, s.writeLimit, s.writeWindow) {
		return nil, models.NewError(models.ErrCodeRateLimited,
			"note budget exhausted: %d writes per %s", s.writeLimit, s.writeWindow).
			WithDetails(map[string]any{"limit": s.writeLimit, "window_seconds": int(s.writeWindow.Seconds())}).
			WithRecovery("list_knowledge_notes")
	}
	return s.create(ctx, authorUUID, note)
}

// Record stores a note from an internal writer (recovery loop, dialectic
// resolution). Internal writers bypass the agent budget.
func (s *Service) Record(ctx context.Context, authorUUID string, note *models.KnowledgeNote) (*models.KnowledgeNote, error) {
	return s.create(ctx, authorUUID, note)
}

func (s *Service) create(ctx context.Context, authorUUID string, note *models.KnowledgeNote) (*models.KnowledgeNote, error) {
	if strings.TrimSpace(note.Summary) == "" {
		return nil, models.NewError(models.ErrCodeMissingParameter, "summary is required")
	}
	if note.Kind == "" {
		note.Kind = models.NoteKindNote
	}
	if !note.Kind.IsValid() {
		return nil, models.NewError(models.ErrCodeOutOfRange, "unknown note kind %q", note.Kind)
	}
	if note.Status == "" {
		note.Status = models.NoteStatusOpen
	}
	if !note.Status.IsValid() {
		return nil, models.NewError(models.ErrCodeOutOfRange, "unknown note status %q", note.Status)
	}
	if note.Supersedes != "" {
		if _, err := s.store.GetNote(ctx, note.Supersedes); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, models.NewError(models.ErrCodeResourceNotFound,
					"superseded note %s not found", note.Supersedes)
			}
			return nil, err
		}
	}

	note.ID = uuid.NewString()
	note.AuthorUUID = authorUUID
	note.CreatedAt = time.Now().UTC()

	if err := s.store.CreateNote(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}

// Get returns one note by id.
func (s *Service) Get(ctx context.Context, id string) (*models.KnowledgeNote, error) {
	note, err := s.store.GetNote(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeResourceNotFound, "note %s not found", id)
	}
	return note, err
}

// List returns notes matching the filters, newest first. Search is List
// with a text query set.
func (s *Service) List(ctx context.Context, filters models.NoteFilters) ([]*models.KnowledgeNote, error) {
	if filters.Limit <= 0 {
		filters.Limit = defaultListLimit
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}
	if filters.Kind != "" && !filters.Kind.IsValid() {
		return nil, models.NewError(models.ErrCodeOutOfRange, "unknown note kind %q", filters.Kind)
	}
	if filters.Status != "" && !filters.Status.IsValid() {
		return nil, models.NewError(models.ErrCodeOutOfRange, "unknown note status %q", filters.Status)
	}
	return s.store.ListNotes(ctx, filters)
}

// Search finds notes relevant to a free-text query. With an embeddings
// endpoint configured the recent candidates are ranked by cosine similarity
// against the query; otherwise this is substring search on the store.
func (s *Service) Search(ctx context.Context, query string, filters models.NoteFilters) ([]*models.KnowledgeNote, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.NewError(models.ErrCodeMissingParameter, "query is required")
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	// Candidates come unfiltered by text so the ranking sees notes a
	// substring match would miss.
	candidateFilters := filters
	candidateFilters.Query = ""
	candidateFilters.Limit = searchCandidates
	candidateFilters.Offset = 0
	candidates, err := s.store.ListNotes(ctx, candidateFilters)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	for _, n := range candidates {
		texts = append(texts, n.Summary+" "+n.Details)
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		if !errors.Is(err, embedder.ErrNotConfigured) {
			slog.Warn("Embedding failed, falling back to substring search", "error", err)
		}
		filters.Query = query
		filters.Limit = limit
		return s.store.ListNotes(ctx, filters)
	}

	type ranked struct {
		note  *models.KnowledgeNote
		score float64
	}
	scored := make([]ranked, len(candidates))
	for i, n := range candidates {
		scored[i] = ranked{note: n, score: embedder.Cosine(vectors[0], vectors[i+1])}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]*models.KnowledgeNote, len(scored))
	for i, r := range scored {
		out[i] = r.note
	}
	return out, nil
}

// UpdateStatus moves a note through open → resolved → archived. Only the
// author may change their note.
func (s *Service) UpdateStatus(ctx context.Context, actorUUID, id string, status models.NoteStatus) (*models.KnowledgeNote, error) {
	if !status.IsValid() {
		return nil, models.NewError(models.ErrCodeOutOfRange, "unknown note status %q", status)
	}
	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError(models.ErrCodeResourceNotFound, "note %s not found", id)
		}
		return nil, err
	}
	if note.AuthorUUID != actorUUID {
		return nil, models.NewError(models.ErrCodeOwnershipViolation,
			"note %s belongs to another agent", id)
	}
	if err := s.store.UpdateNoteStatus(ctx, id, status); err != nil {
		return nil, err
	}
	note.Status = status
	return note, nil
}

// Cleanup deletes archived notes older than the retention window and
// returns how many were removed.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().Add(-retention)
	removed, err := s.store.CleanupNotes(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("Cleaned up archived notes", "removed", removed, "older_than", retention)
	}
	return removed, nil
}
