package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRWEL/unitares/pkg/models"
	testdb "github.com/CIRWEL/unitares/test/database"
)

// ────────────────────────────────────────────────────────────
// Multi-replica test - verifies that identity, session bindings, state
// and history live entirely in the durable store.
//
// Two replicas share one PostgreSQL schema but nothing else: separate
// caches, separate lock tables, separate HTTP servers. An agent onboards
// on replica A, authenticates on replica B with only the session key
// (B's cache is cold, forcing the durable binding lookup), integrates an
// update on B, and reads the history back on A.
// ────────────────────────────────────────────────────────────

func TestE2E_ReplicasShareDurableState(t *testing.T) {
	shared := testdb.NewSharedPostgres(t)

	appA := NewTestApp(t, WithStore(shared.OpenPool(t)))
	appB := NewTestApp(t, WithStore(shared.OpenPool(t)))

	juno := appA.onboard(t, "juno")

	// Session-key-only credentials against the replica that never saw the
	// onboard. The binding must come from the shared store.
	byKey := &creds{SessionKey: juno.SessionKey, UserAgent: juno.UserAgent}
	var view models.StateView
	appB.callOK(t, "get_metrics", byKey, nil, &view)
	assert.Equal(t, juno.UUID, view.AgentUUID)
	assert.Equal(t, models.AgentStatusActive, view.Status)
	assert.Zero(t, view.TotalUpdates)

	// Write on B, read on A.
	var res models.UpdateResult
	appB.callOK(t, "process_update", juno, map[string]any{
		"parameters":    zeros(128),
		"ethical_drift": []float64{0.1, 0, 0},
		"complexity":    0.3,
		"confidence":    0.9,
		"ci_passed":     true,
	}, &res)
	assert.Equal(t, int64(1), res.TotalUpdates)

	var hist struct {
		Entries []models.HistoryEntry `json:"entries"`
		Count   int                   `json:"count"`
	}
	appA.callOK(t, "get_history", juno, nil, &hist)
	require.Equal(t, 1, hist.Count)
	assert.InDelta(t, res.E, hist.Entries[0].E, 1e-9)

	appA.callOK(t, "get_metrics", juno, nil, &view)
	assert.Equal(t, int64(1), view.TotalUpdates)
	assert.InDelta(t, res.Coherence, view.Coherence, 1e-9)
}
