package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const sessionColumns = `session_id, paused_agent_uuid, reviewer_agent_uuid, topic, phase, status,
	state_snapshot, synthesis_attempts, resolution, human_inputs, human_conditions, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, session *models.DialecticSession) error {
	snapJSON, err := marshalJSON(session.StateSnapshot)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	resJSON, err := marshalJSON(session.Resolution)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	inputsJSON, err := marshalJSON(session.HumanInputs)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	humanCondJSON, err := marshalJSON(session.HumanConditions)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dialectic_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.PausedAgentUUID, session.ReviewerAgentUUID,
		session.Topic, session.Phase, session.Status, snapJSON,
		session.SynthesisAttempts, resJSON, inputsJSON, humanCondJSON,
		toNanos(session.CreatedAt), toNanos(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.DialecticSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: get session: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}

	msgs, err := s.listMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Messages = msgs
	return session, nil
}

func (s *Store) GetOpenSessionForAgent(ctx context.Context, agentUUID string) (*models.DialecticSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		 WHERE status = 'active' AND (paused_agent_uuid = ? OR reviewer_agent_uuid = ?)
		 ORDER BY created_at DESC
		 LIMIT 1`, agentUUID, agentUUID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: open session: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: open session: %w", err)
	}
	return session, nil
}

func (s *Store) GetLastSessionForAgent(ctx context.Context, pausedUUID string) (*models.DialecticSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		 WHERE paused_agent_uuid = ?
		 ORDER BY created_at DESC
		 LIMIT 1`, pausedUUID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: last session: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: last session: %w", err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.DialecticSession, error) {
	where := "1 = 1"
	args := []any{}

	if filters.AgentUUID != "" {
		where += " AND (paused_agent_uuid = ? OR reviewer_agent_uuid = ?)"
		args = append(args, filters.AgentUUID, filters.AgentUUID)
	}
	if filters.Status != "" {
		where += " AND status = ?"
		args = append(args, filters.Status)
	}

	query := `SELECT ` + sessionColumns + ` FROM dialectic_sessions WHERE ` + where + ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}
	if filters.Offset > 0 {
		if filters.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) ListStaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.DialecticSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM dialectic_sessions
		 WHERE status = 'active' AND updated_at < ?
		 ORDER BY updated_at`, toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("sqlite: stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) UpdateSession(ctx context.Context, session *models.DialecticSession) error {
	resJSON, err := marshalJSON(session.Resolution)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	inputsJSON, err := marshalJSON(session.HumanInputs)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	humanCondJSON, err := marshalJSON(session.HumanConditions)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dialectic_sessions
		 SET phase = ?, status = ?, synthesis_attempts = ?, resolution = ?,
		     human_inputs = ?, human_conditions = ?, updated_at = ?
		 WHERE session_id = ?`,
		session.Phase, session.Status, session.SynthesisAttempts, resJSON,
		inputsJSON, humanCondJSON, toNanos(session.UpdatedAt), session.SessionID)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	return checkAffected(res, "update session")
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.DialecticMessage) error {
	condJSON, err := marshalJSON(msg.ProposedConditions)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	metricsJSON, err := marshalJSON(msg.ObservedMetrics)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	concernsJSON, err := marshalJSON(msg.Concerns)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}

	var agrees *int
	if msg.Agrees != nil {
		v := 0
		if *msg.Agrees {
			v = 1
		}
		agrees = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dialectic_messages
		   (session_id, seq, author_uuid, kind, ts, reasoning, root_cause,
		    proposed_conditions, observed_metrics, concerns, agrees, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Seq, msg.AuthorUUID, msg.Kind, toNanos(msg.Timestamp),
		msg.Reasoning, msg.RootCause, condJSON, metricsJSON, concernsJSON,
		agrees, msg.Signature)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	return nil
}

func (s *Store) ReviewerStats(ctx context.Context, reviewerUUID string) (int64, int64, error) {
	var resolved, total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0), COUNT(*)
		 FROM dialectic_sessions
		 WHERE reviewer_agent_uuid = ? AND status IN ('resolved', 'failed')`,
		reviewerUUID).Scan(&resolved, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: reviewer stats: %w", err)
	}
	return resolved, total, nil
}

func (s *Store) LastReviewAt(ctx context.Context, reviewerUUID, pausedUUID string) (time.Time, error) {
	var at *int64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM dialectic_sessions
		 WHERE reviewer_agent_uuid = ? AND paused_agent_uuid = ?`,
		reviewerUUID, pausedUUID).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: last review: %w", err)
	}
	if at == nil {
		return time.Time{}, fmt.Errorf("sqlite: last review: %w", store.ErrNotFound)
	}
	return fromNanos(*at), nil
}

func (s *Store) listMessages(ctx context.Context, sessionID string) ([]models.DialecticMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, author_uuid, kind, ts, reasoning, root_cause,
		        proposed_conditions, observed_metrics, concerns, agrees, signature
		 FROM dialectic_messages
		 WHERE session_id = ?
		 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.DialecticMessage
	for rows.Next() {
		var m models.DialecticMessage
		var ts int64
		var condJSON, metricsJSON, concernsJSON *string
		var agrees *int
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.AuthorUUID, &m.Kind, &ts,
			&m.Reasoning, &m.RootCause, &condJSON, &metricsJSON, &concernsJSON,
			&agrees, &m.Signature); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Timestamp = fromNanos(ts)
		if err := unmarshalJSON(condJSON, &m.ProposedConditions); err != nil {
			return nil, fmt.Errorf("sqlite: decode conditions: %w", err)
		}
		if err := unmarshalJSON(metricsJSON, &m.ObservedMetrics); err != nil {
			return nil, fmt.Errorf("sqlite: decode metrics: %w", err)
		}
		if err := unmarshalJSON(concernsJSON, &m.Concerns); err != nil {
			return nil, fmt.Errorf("sqlite: decode concerns: %w", err)
		}
		if agrees != nil {
			v := *agrees != 0
			m.Agrees = &v
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate messages: %w", err)
	}
	return msgs, nil
}

func scanSession(row rowScanner) (*models.DialecticSession, error) {
	var session models.DialecticSession
	var snapJSON, resJSON, inputsJSON, humanCondJSON *string
	var createdAt, updatedAt int64
	err := row.Scan(&session.SessionID, &session.PausedAgentUUID, &session.ReviewerAgentUUID,
		&session.Topic, &session.Phase, &session.Status, &snapJSON,
		&session.SynthesisAttempts, &resJSON, &inputsJSON, &humanCondJSON,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if snapJSON != nil && *snapJSON != "" {
		session.StateSnapshot = &models.AgentState{}
		if err := unmarshalJSON(snapJSON, session.StateSnapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	if resJSON != nil && *resJSON != "" {
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
	session.CreatedAt = fromNanos(createdAt)
	session.UpdatedAt = fromNanos(updatedAt)
	return &session, nil
}

func scanSessions(rows *sql.Rows) ([]*models.DialecticSession, error) {
	var sessions []*models.DialecticSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate sessions: %w", err)
	}
	return sessions, nil
}
