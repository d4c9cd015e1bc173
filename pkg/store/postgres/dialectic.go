package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const sessionColumns = `session_id, paused_agent_uuid, reviewer_agent_uuid, topic, phase, status,
	state_snapshot, synthesis_attempts, resolution, human_inputs, human_conditions, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, session *models.DialecticSession) error {
	snapJSON, err := marshalJSON(session.StateSnapshot)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	resJSON, err := marshalJSON(session.Resolution)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	inputsJSON, err := marshalJSON(session.HumanInputs)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	humanCondJSON, err := marshalJSON(session.HumanConditions)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dialectic_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12, $13)`,
		session.SessionID, session.PausedAgentUUID, session.ReviewerAgentUUID,
		session.Topic, session.Phase, session.Status, snapJSON,
		session.SynthesisAttempts, resJSON, inputsJSON, humanCondJSON,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.DialecticSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions WHERE session_id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: get session: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}

	msgs, err := s.listMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Messages = msgs
	return session, nil
}

func (s *Store) GetOpenSessionForAgent(ctx context.Context, agentUUID string) (*models.DialecticSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		 WHERE status = 'active' AND (paused_agent_uuid = $1 OR reviewer_agent_uuid = $1)
		 ORDER BY created_at DESC
		 LIMIT 1`, agentUUID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: open session: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: open session: %w", err)
	}
	return session, nil
}

func (s *Store) GetLastSessionForAgent(ctx context.Context, pausedUUID string) (*models.DialecticSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		 WHERE paused_agent_uuid = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, pausedUUID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: last session: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: last session: %w", err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.DialecticSession, error) {
	where := "1 = 1"
	args := []any{}
	n := 1

	if filters.AgentUUID != "" {
		where += fmt.Sprintf(" AND (paused_agent_uuid = $%d OR reviewer_agent_uuid = $%d)", n, n)
		args = append(args, filters.AgentUUID)
		n++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filters.Status)
		n++
	}

	query := `SELECT ` + sessionColumns + ` FROM dialectic_sessions WHERE ` + where + ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filters.Limit)
		n++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) ListStaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.DialecticSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		 WHERE status = 'active' AND updated_at < $1
		 ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) UpdateSession(ctx context.Context, session *models.DialecticSession) error {
	resJSON, err := marshalJSON(session.Resolution)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	inputsJSON, err := marshalJSON(session.HumanInputs)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	humanCondJSON, err := marshalJSON(session.HumanConditions)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE dialectic_sessions
		 SET phase = $1, status = $2, synthesis_attempts = $3, resolution = $4::jsonb,
		     human_inputs = $5::jsonb, human_conditions = $6::jsonb, updated_at = $7
		 WHERE session_id = $8`,
		session.Phase, session.Status, session.SynthesisAttempts, resJSON,
		inputsJSON, humanCondJSON, session.UpdatedAt, session.SessionID)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update session: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.DialecticMessage) error {
	condJSON, err := marshalJSON(msg.ProposedConditions)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	metricsJSON, err := marshalJSON(msg.ObservedMetrics)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	concernsJSON, err := marshalJSON(msg.Concerns)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dialectic_messages
		   (session_id, seq, author_uuid, kind, ts, reasoning, root_cause,
		    proposed_conditions, observed_metrics, concerns, agrees, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12)`,
		msg.SessionID, msg.Seq, msg.AuthorUUID, msg.Kind, msg.Timestamp,
		msg.Reasoning, msg.RootCause, condJSON, metricsJSON, concernsJSON,
		msg.Agrees, msg.Signature)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

func (s *Store) ReviewerStats(ctx context.Context, reviewerUUID string) (int64, int64, error) {
	var resolved, total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'resolved'), COUNT(*)
		 FROM dialectic_sessions
		 WHERE reviewer_agent_uuid = $1 AND status IN ('resolved', 'failed')`,
		reviewerUUID).Scan(&resolved, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: reviewer stats: %w", err)
	}
	return resolved, total, nil
}

func (s *Store) LastReviewAt(ctx context.Context, reviewerUUID, pausedUUID string) (time.Time, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM dialectic_sessions
		 WHERE reviewer_agent_uuid = $1 AND paused_agent_uuid = $2`,
		reviewerUUID, pausedUUID).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last review: %w", err)
	}
	if at == nil {
		return time.Time{}, fmt.Errorf("postgres: last review: %w", store.ErrNotFound)
	}
	return *at, nil
}

func (s *Store) listMessages(ctx context.Context, sessionID string) ([]models.DialecticMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, seq, author_uuid, kind, ts, reasoning, root_cause,
		        proposed_conditions, observed_metrics, concerns, agrees, signature
		 FROM dialectic_messages
		 WHERE session_id = $1
		 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.DialecticMessage
	for rows.Next() {
		var m models.DialecticMessage
		var condJSON, metricsJSON, concernsJSON []byte
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.AuthorUUID, &m.Kind, &m.Timestamp,
			&m.Reasoning, &m.RootCause, &condJSON, &metricsJSON, &concernsJSON,
			&m.Agrees, &m.Signature); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if err := unmarshalJSON(condJSON, &m.ProposedConditions); err != nil {
			return nil, fmt.Errorf("postgres: decode conditions: %w", err)
		}
		if err := unmarshalJSON(metricsJSON, &m.ObservedMetrics); err != nil {
			return nil, fmt.Errorf("postgres: decode metrics: %w", err)
		}
		if err := unmarshalJSON(concernsJSON, &m.Concerns); err != nil {
			return nil, fmt.Errorf("postgres: decode concerns: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return msgs, nil
}

func scanSession(row pgx.Row) (*models.DialecticSession, error) {
	var session models.DialecticSession
	var snapJSON, resJSON, inputsJSON, humanCondJSON []byte
	err := row.Scan(&session.SessionID, &session.PausedAgentUUID, &session.ReviewerAgentUUID,
		&session.Topic, &session.Phase, &session.Status, &snapJSON,
		&session.SynthesisAttempts, &resJSON, &inputsJSON, &humanCondJSON,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(snapJSON) > 0 {
		session.StateSnapshot = &models.AgentState{}
		if err := unmarshalJSON(snapJSON, session.StateSnapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	if len(resJSON) > 0 {
		session.Resolution = &models.Resolution{}
		if err := unmarshalJSON(resJSON, session.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
	}
	if err := unmarshalJSON(inputsJSON, &session.HumanInputs); err != nil {
		return nil, fmt.Errorf("decode human inputs: %w", err)
	}
	if err := unmarshalJSON(humanCondJSON, &session.HumanConditions); err != nil {
		return nil, fmt.Errorf("decode human conditions: %w", err)
	}
	return &session, nil
}

func scanSessions(rows pgx.Rows) ([]*models.DialecticSession, error) {
	var sessions []*models.DialecticSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return sessions, nil
}
