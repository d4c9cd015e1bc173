package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const stateColumns = `agent_uuid, e, i, s, v, coherence, risk_score, lambda1, regime, margin,
	risk_threshold, coherence_threshold, total_updates, lambda1_skip_count,
	locked_persistence_count, updated_at`

const stateUpsert = `INSERT INTO agent_state (` + stateColumns + `)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	 ON CONFLICT (agent_uuid) DO UPDATE SET
	   e = EXCLUDED.e, i = EXCLUDED.i, s = EXCLUDED.s, v = EXCLUDED.v,
	   coherence = EXCLUDED.coherence, risk_score = EXCLUDED.risk_score,
	   lambda1 = EXCLUDED.lambda1, regime = EXCLUDED.regime, margin = EXCLUDED.margin,
	   risk_threshold = EXCLUDED.risk_threshold, coherence_threshold = EXCLUDED.coherence_threshold,
	   total_updates = EXCLUDED.total_updates, lambda1_skip_count = EXCLUDED.lambda1_skip_count,
	   locked_persistence_count = EXCLUDED.locked_persistence_count, updated_at = EXCLUDED.updated_at`

func stateArgs(st *models.AgentState) []any {
	return []any{
		st.AgentUUID, st.E, st.I, st.S, st.V, st.Coherence, st.RiskScore, st.Lambda1,
		st.Regime, st.Margin, st.RiskThreshold, st.CoherenceThreshold,
		st.TotalUpdates, st.Lambda1SkipCount, st.LockedPersistenceCount, st.UpdatedAt,
	}
}

func (s *Store) GetState(ctx context.Context, agentUUID string) (*models.AgentState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM agent_state WHERE agent_uuid = $1`, agentUUID)

	var st models.AgentState
	err := row.Scan(&st.AgentUUID, &st.E, &st.I, &st.S, &st.V, &st.Coherence, &st.RiskScore,
		&st.Lambda1, &st.Regime, &st.Margin, &st.RiskThreshold, &st.CoherenceThreshold,
		&st.TotalUpdates, &st.Lambda1SkipCount, &st.LockedPersistenceCount, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: get state: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get state: %w", err)
	}
	return &st, nil
}

func (s *Store) PersistUpdate(ctx context.Context, state *models.AgentState, entry models.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, stateUpsert, stateArgs(state)...); err != nil {
		return fmt.Errorf("postgres: upsert state: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO state_history (agent_uuid, seq, e, i, s, v, coherence, risk_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		state.AgentUUID, entry.Seq, entry.E, entry.I, entry.S, entry.V,
		entry.Coherence, entry.RiskScore, entry.CreatedAt); err != nil {
		return fmt.Errorf("postgres: append history: %w", err)
	}

	// Trim the ring: keep only the newest HistorySize entries.
	if _, err := tx.Exec(ctx,
		`DELETE FROM state_history
		 WHERE agent_uuid = $1 AND seq <= $2 - $3`,
		state.AgentUUID, entry.Seq, models.HistorySize); err != nil {
		return fmt.Errorf("postgres: trim history: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE identities SET last_update_at = $1 WHERE uuid = $2`,
		state.UpdatedAt, state.AgentUUID); err != nil {
		return fmt.Errorf("postgres: touch identity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) PutState(ctx context.Context, state *models.AgentState) error {
	if _, err := s.pool.Exec(ctx, stateUpsert, stateArgs(state)...); err != nil {
		return fmt.Errorf("postgres: put state: %w", err)
	}
	return nil
}

func (s *Store) GetHistory(ctx context.Context, agentUUID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 || limit > models.HistorySize {
		limit = models.HistorySize
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, e, i, s, v, coherence, risk_score, created_at
		 FROM state_history
		 WHERE agent_uuid = $1
		 ORDER BY seq DESC
		 LIMIT $2`, agentUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.Seq, &e.E, &e.I, &e.S, &e.V, &e.Coherence, &e.RiskScore, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate history: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) ListSnapshots(ctx context.Context, statuses ...models.AgentStatus) ([]*models.StateView, error) {
	if len(statuses) == 0 {
		statuses = []models.AgentStatus{models.AgentStatusActive, models.AgentStatusPaused}
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = st
	}

	rows, err := s.pool.Query(ctx,
		`SELECT i.uuid, i.agent_id, i.status, i.trust_tier, i.tags,
		        st.e, st.i, st.s, st.v, st.coherence, st.risk_score, st.lambda1,
		        st.regime, st.margin, st.total_updates, st.updated_at
		 FROM identities i
		 JOIN agent_state st ON st.agent_uuid = i.uuid
		 WHERE i.status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY st.updated_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var views []*models.StateView
	for rows.Next() {
		var v models.StateView
		var tagsJSON []byte
		if err := rows.Scan(&v.AgentUUID, &v.AgentID, &v.Status, &v.TrustTier, &tagsJSON,
			&v.E, &v.I, &v.S, &v.V, &v.Coherence, &v.RiskScore, &v.Lambda1,
			&v.Regime, &v.Margin, &v.TotalUpdates, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		if err := unmarshalJSON(tagsJSON, &v.Tags); err != nil {
			return nil, fmt.Errorf("postgres: decode snapshot tags: %w", err)
		}
		views = append(views, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate snapshots: %w", err)
	}
	return views, nil
}
