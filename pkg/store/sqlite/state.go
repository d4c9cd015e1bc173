package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const stateColumns = `agent_uuid, e, i, s, v, coherence, risk_score, lambda1, regime, margin,
	risk_threshold, coherence_threshold, total_updates, lambda1_skip_count,
	locked_persistence_count, updated_at`

const stateUpsert = `INSERT INTO agent_state (` + stateColumns + `)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	 ON CONFLICT (agent_uuid) DO UPDATE SET
	   e = excluded.e, i = excluded.i, s = excluded.s, v = excluded.v,
	   coherence = excluded.coherence, risk_score = excluded.risk_score,
	   lambda1 = excluded.lambda1, regime = excluded.regime, margin = excluded.margin,
	   risk_threshold = excluded.risk_threshold, coherence_threshold = excluded.coherence_threshold,
	   total_updates = excluded.total_updates, lambda1_skip_count = excluded.lambda1_skip_count,
	   locked_persistence_count = excluded.locked_persistence_count, updated_at = excluded.updated_at`

func stateArgs(st *models.AgentState) []any {
	return []any{
		st.AgentUUID, st.E, st.I, st.S, st.V, st.Coherence, st.RiskScore, st.Lambda1,
		st.Regime, st.Margin, st.RiskThreshold, st.CoherenceThreshold,
		st.TotalUpdates, st.Lambda1SkipCount, st.LockedPersistenceCount, toNanos(st.UpdatedAt),
	}
}

func (s *Store) GetState(ctx context.Context, agentUUID string) (*models.AgentState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM agent_state WHERE agent_uuid = ?`, agentUUID)

	var st models.AgentState
	var updatedAt int64
	err := row.Scan(&st.AgentUUID, &st.E, &st.I, &st.S, &st.V, &st.Coherence, &st.RiskScore,
		&st.Lambda1, &st.Regime, &st.Margin, &st.RiskThreshold, &st.CoherenceThreshold,
		&st.TotalUpdates, &st.Lambda1SkipCount, &st.LockedPersistenceCount, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: get state: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get state: %w", err)
	}
	st.UpdatedAt = fromNanos(updatedAt)
	return &st, nil
}

func (s *Store) PersistUpdate(ctx context.Context, state *models.AgentState, entry models.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, stateUpsert, stateArgs(state)...); err != nil {
		return fmt.Errorf("sqlite: upsert state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_history (agent_uuid, seq, e, i, s, v, coherence, risk_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.AgentUUID, entry.Seq, entry.E, entry.I, entry.S, entry.V,
		entry.Coherence, entry.RiskScore, toNanos(entry.CreatedAt)); err != nil {
		return fmt.Errorf("sqlite: append history: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM state_history
		 WHERE agent_uuid = ? AND seq <= ? - ?`,
		state.AgentUUID, entry.Seq, models.HistorySize); err != nil {
		return fmt.Errorf("sqlite: trim history: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE identities SET last_update_at = ? WHERE uuid = ?`,
		toNanos(state.UpdatedAt), state.AgentUUID); err != nil {
		return fmt.Errorf("sqlite: touch identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return nil
}

func (s *Store) PutState(ctx context.Context, state *models.AgentState) error {
	if _, err := s.db.ExecContext(ctx, stateUpsert, stateArgs(state)...); err != nil {
		return fmt.Errorf("sqlite: put state: %w", err)
	}
	return nil
}

func (s *Store) GetHistory(ctx context.Context, agentUUID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 || limit > models.HistorySize {
		limit = models.HistorySize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, e, i, s, v, coherence, risk_score, created_at
		 FROM state_history
		 WHERE agent_uuid = ?
		 ORDER BY seq DESC
		 LIMIT ?`, agentUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var createdAt int64
		if err := rows.Scan(&e.Seq, &e.E, &e.I, &e.S, &e.V, &e.Coherence, &e.RiskScore, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan history: %w", err)
		}
		e.CreatedAt = fromNanos(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate history: %w", err)
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
		placeholders[i] = "?"
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT i.uuid, i.agent_id, i.status, i.trust_tier, i.tags,
		        st.e, st.i, st.s, st.v, st.coherence, st.risk_score, st.lambda1,
		        st.regime, st.margin, st.total_updates, st.updated_at
		 FROM identities i
		 JOIN agent_state st ON st.agent_uuid = i.uuid
		 WHERE i.status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY st.updated_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	defer rows.Close()

	var views []*models.StateView
	for rows.Next() {
		var v models.StateView
		var tagsJSON *string
		var updatedAt int64
		if err := rows.Scan(&v.AgentUUID, &v.AgentID, &v.Status, &v.TrustTier, &tagsJSON,
			&v.E, &v.I, &v.S, &v.V, &v.Coherence, &v.RiskScore, &v.Lambda1,
			&v.Regime, &v.Margin, &v.TotalUpdates, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		if err := unmarshalJSON(tagsJSON, &v.Tags); err != nil {
			return nil, fmt.Errorf("sqlite: decode snapshot tags: %w", err)
		}
		v.UpdatedAt = fromNanos(updatedAt)
		views = append(views, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate snapshots: %w", err)
	}
	return views, nil
}
