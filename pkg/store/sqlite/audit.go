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

func (s *Store) AppendAudit(ctx context.Context, event *models.AuditEvent) error {
	tagsJSON, err := marshalJSON(event.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: append audit: %w", err)
	}
	detailsJSON, err := marshalJSON(event.Details)
	if err != nil {
		return fmt.Errorf("sqlite: append audit: %w", err)
	}

	var subject *string
	if event.SubjectUUID != "" {
		subject = &event.SubjectUUID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, actor_uuid, action, subject_uuid, tags, details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		toNanos(event.Timestamp), event.ActorUUID, event.Action, subject, tagsJSON, detailsJSON)
	if err != nil {
		return fmt.Errorf("sqlite: append audit: %w", err)
	}
	event.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filters models.AuditFilters) ([]*models.AuditEvent, error) {
	where := "1 = 1"
	args := []any{}

	if filters.ActorUUID != "" {
		where += " AND actor_uuid = ?"
		args = append(args, filters.ActorUUID)
	}
	if filters.SubjectUUID != "" {
		where += " AND subject_uuid = ?"
		args = append(args, filters.SubjectUUID)
	}
	if filters.Action != "" {
		where += " AND action = ?"
		args = append(args, filters.Action)
	}
	if filters.Since != nil {
		where += " AND ts >= ?"
		args = append(args, toNanos(*filters.Since))
	}
	if filters.Until != nil {
		where += " AND ts < ?"
		args = append(args, toNanos(*filters.Until))
	}

	query := `SELECT id, ts, actor_uuid, action, subject_uuid, tags, details
	 FROM audit_events WHERE ` + where + ` ORDER BY ts DESC`
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
		return nil, fmt.Errorf("sqlite: list audit: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var ts int64
		var subject *string
		var tagsJSON, detailsJSON *string
		if err := rows.Scan(&e.ID, &ts, &e.ActorUUID, &e.Action, &subject, &tagsJSON, &detailsJSON); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		if subject != nil {
			e.SubjectUUID = *subject
		}
		if err := unmarshalJSON(tagsJSON, &e.Tags); err != nil {
			return nil, fmt.Errorf("sqlite: decode audit tags: %w", err)
		}
		if err := unmarshalJSON(detailsJSON, &e.Details); err != nil {
			return nil, fmt.Errorf("sqlite: decode audit details: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate audit: %w", err)
	}
	return events, nil
}

func (s *Store) RecordCalibrationSample(ctx context.Context, agentUUID string, bucket int, confidence float64, passed bool) error {
	pass := 0
	if passed {
		pass = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_buckets (agent_uuid, bucket, samples, passes, confidence_sum)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT (agent_uuid, bucket) DO UPDATE SET
		   samples = samples + 1,
		   passes = passes + excluded.passes,
		   confidence_sum = confidence_sum + excluded.confidence_sum`,
		agentUUID, bucket, pass, confidence)
	if err != nil {
		return fmt.Errorf("sqlite: record calibration: %w", err)
	}
	return nil
}

func (s *Store) GetCalibrationBucket(ctx context.Context, agentUUID string, bucket int) (*models.CalibrationBucket, error) {
	var b models.CalibrationBucket
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_uuid, bucket, samples, passes, confidence_sum
		 FROM calibration_buckets
		 WHERE agent_uuid = ? AND bucket = ?`,
		agentUUID, bucket).Scan(&b.AgentUUID, &b.Bucket, &b.Samples, &b.Passes, &b.ConfidenceSum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: get calibration: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get calibration: %w", err)
	}
	return &b, nil
}

func (s *Store) ListCalibrationBuckets(ctx context.Context, agentUUID string) ([]*models.CalibrationBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_uuid, bucket, samples, passes, confidence_sum
		 FROM calibration_buckets
		 WHERE agent_uuid = ?
		 ORDER BY bucket`,
		agentUUID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list calibration: %w", err)
	}
	defer rows.Close()

	buckets := []*models.CalibrationBucket{}
	for rows.Next() {
		var b models.CalibrationBucket
		if err := rows.Scan(&b.AgentUUID, &b.Bucket, &b.Samples, &b.Passes, &b.ConfidenceSum); err != nil {
			return nil, fmt.Errorf("sqlite: scan calibration: %w", err)
		}
		buckets = append(buckets, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate calibration: %w", err)
	}
	return buckets, nil
}

func (s *Store) PutSessionBinding(ctx context.Context, sessionKey, agentUUID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_bindings (session_key, agent_uuid, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE SET
		   agent_uuid = excluded.agent_uuid, expires_at = excluded.expires_at`,
		sessionKey, agentUUID, toNanos(expiresAt))
	if err != nil {
		return fmt.Errorf("sqlite: put session binding: %w", err)
	}
	return nil
}

func (s *Store) GetSessionBinding(ctx context.Context, sessionKey string) (string, error) {
	var agentUUID string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_uuid FROM session_bindings WHERE session_key = ? AND expires_at > ?`,
		sessionKey, toNanos(time.Now())).Scan(&agentUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("sqlite: get session binding: %w", store.ErrNotFound)
		}
		return "", fmt.Errorf("sqlite: get session binding: %w", err)
	}
	return agentUUID, nil
}

func (s *Store) TouchSessionBinding(ctx context.Context, sessionKey string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_bindings SET expires_at = ? WHERE session_key = ?`,
		toNanos(expiresAt), sessionKey)
	if err != nil {
		return fmt.Errorf("sqlite: touch session binding: %w", err)
	}
	return checkAffected(res, "touch session binding")
}

func (s *Store) DeleteExpiredSessionBindings(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_bindings WHERE expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired bindings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired bindings: %w", err)
	}
	return n, nil
}
