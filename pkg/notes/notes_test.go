package notes

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/cache"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store/sqlite"
)

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New(cache.Config{Enabled: true})
	t.Cleanup(func() { _ = c.Close() })

	return New(st, c, nil), st
}

func seedAuthor(t *testing.T, st *sqlite.Store, agentUUID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.CreateIdentity(context.Background(), &models.Identity{
		UUID:         agentUUID,
		AgentID:      "claude_20260301_" + agentUUID[:4],
		APIKeyHash:   "hash-" + agentUUID,
		Status:       models.AgentStatusActive,
		TrustTier:    models.TrustTierActive,
		CreatedAt:    now,
		LastUpdateAt: now,
	}))
}

func TestStoreAppliesDefaultsAndOwnership(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	seedAuthor(t, st, "aaaa-1111")

	note, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{
		AuthorUUID: "someone-else", // ignored: session identity wins
		Summary:    "Retry loop detected in deploy step",
		Tags:       []string{"retry", "deploy"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, note.ID)
	assert.Equal(t, "aaaa-1111", note.AuthorUUID)
	assert.Equal(t, models.NoteKindNote, note.Kind)
	assert.Equal(t, models.NoteStatusOpen, note.Status)

	got, err := svc.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, note.Summary, got.Summary)
	assert.ElementsMatch(t, note.Tags, got.Tags)
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	seedAuthor(t, st, "aaaa-1111")

	_, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "   "})
	assert.True(t, models.IsCode(err, models.ErrCodeMissingParameter))

	_, err = svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "x", Kind: "rant"})
	assert.True(t, models.IsCode(err, models.ErrCodeOutOfRange))

	_, err = svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "x", Status: "limbo"})
	assert.True(t, models.IsCode(err, models.ErrCodeOutOfRange))

	_, err = svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "x", Supersedes: "no-such-note"})
	assert.True(t, models.IsCode(err, models.ErrCodeResourceNotFound))
}

func TestStoreEnforcesWriteBudget(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	seedAuthor(t, st, "aaaa-1111")
	seedAuthor(t, st, "bbbb-2222")

	for i := 0; i < 20; i++ {
		_, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{
			Summary: fmt.Sprintf("observation %d", i),
		})
		require.NoError(t, err)
	}

	_, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "one too many"})
	require.True(t, models.IsCode(err, models.ErrCodeRateLimited))

	// The budget is per author.
	_, err = svc.Store(ctx, "bbbb-2222", &models.KnowledgeNote{Summary: "fresh author"})
	require.NoError(t, err)

	// Internal writers are not budgeted.
	_, err = svc.Record(ctx, "aaaa-1111", &models.KnowledgeNote{
		Summary: "resumed after recovery",
		Tags:    []string{"auto-recovery", "stuck-agent"},
	})
	require.NoError(t, err)
}

func TestUpdateStatusOwnership(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	seedAuthor(t, st, "aaaa-1111")
	seedAuthor(t, st, "bbbb-2222")

	note, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "flaky test"})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, "bbbb-2222", note.ID, models.NoteStatusResolved)
	assert.True(t, models.IsCode(err, models.ErrCodeOwnershipViolation))

	updated, err := svc.UpdateStatus(ctx, "aaaa-1111", note.ID, models.NoteStatusResolved)
	require.NoError(t, err)
	assert.Equal(t, models.NoteStatusResolved, updated.Status)

	_, err = svc.UpdateStatus(ctx, "aaaa-1111", "missing", models.NoteStatusArchived)
	assert.True(t, models.IsCode(err, models.ErrCodeResourceNotFound))

	_, err = svc.UpdateStatus(ctx, "aaaa-1111", note.ID, "limbo")
	assert.True(t, models.IsCode(err, models.ErrCodeOutOfRange))
}

func TestListAndSearch(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	seedAuthor(t, st, "aaaa-1111")

	for i := 0; i < 3; i++ {
		_, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{
			Summary: fmt.Sprintf("timeout in service %d", i),
			Kind:    models.NoteKindBug,
			Tags:    []string{"timeout"},
		})
		require.NoError(t, err)
	}
	_, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "unrelated insight", Kind: models.NoteKindInsight})
	require.NoError(t, err)

	byQuery, err := svc.List(ctx, models.NoteFilters{Query: "timeout"})
	require.NoError(t, err)
	assert.Len(t, byQuery, 3)

	byKind, err := svc.List(ctx, models.NoteFilters{Kind: models.NoteKindInsight})
	require.NoError(t, err)
	assert.Len(t, byKind, 1)

	byTag, err := svc.List(ctx, models.NoteFilters{Tag: "timeout", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, byTag, 2)

	_, err = svc.List(ctx, models.NoteFilters{Kind: "rant"})
	assert.True(t, models.IsCode(err, models.ErrCodeOutOfRange))
}

func TestCleanupRemovesOldArchivedOnly(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	seedAuthor(t, st, "aaaa-1111")

	old := &models.KnowledgeNote{
		ID:         "old-archived",
		AuthorUUID: "aaaa-1111",
		Summary:    "stale archived note",
		Kind:       models.NoteKindNote,
		Status:     models.NoteStatusArchived,
		CreatedAt:  time.Now().UTC().Add(-60 * 24 * time.Hour),
	}
	require.NoError(t, st.CreateNote(ctx, old))

	fresh, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: "still relevant"})
	require.NoError(t, err)

	removed, err := svc.Cleanup(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = svc.Get(ctx, "old-archived")
	assert.True(t, models.IsCode(err, models.ErrCodeResourceNotFound))

	_, err = svc.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

// stubEmbedder maps known texts to fixed vectors so ranking is
// deterministic; unknown texts get an orthogonal vector.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		if v, ok := s.vectors[txt]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func TestSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	c := cache.New(cache.Config{Enabled: true})
	t.Cleanup(func() { _ = c.Close() })
	seedAuthor(t, st, "aaaa-1111")

	emb := stubEmbedder{vectors: map[string][]float32{
		"deploy keeps timing out":    {1, 0, 0},
		"deploy step hits timeout ":  {0.9, 0.1, 0}, // summary + " " + empty details
		"cache eviction looks fine ": {0, 1, 0},
	}}
	svc := New(st, c, emb)

	for _, summary := range []string{"deploy step hits timeout", "cache eviction looks fine"} {
		_, err := svc.Store(ctx, "aaaa-1111", &models.KnowledgeNote{Summary: summary})
		require.NoError(t, err)
	}

	got, err := svc.Search(ctx, "deploy keeps timing out", models.NoteFilters{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "deploy step hits timeout", got[0].Summary)

	// Without an embedder the search is substring matching.
	plain := New(st, c, nil)
	got, err = plain.Search(ctx, "eviction", models.NoteFilters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cache eviction looks fine", got[0].Summary)

	_, err = plain.Search(ctx, "  ", models.NoteFilters{})
	assert.True(t, models.IsCode(err, models.ErrCodeMissingParameter))
}
