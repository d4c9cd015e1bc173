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

func (s *Store) AppendAudit(ctx context.Context, event *models.AuditEvent) error {
	tagsJSON, err := marshalJSON(event.Tags)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}
	detailsJSON, err := marshalJSON(event.Details)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}

	var subject *string
	if event.SubjectUUID != "" {
		subject = &event.SubjectUUID
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO audit_events (ts, actor_uuid, action, subject_uuid, tags, details)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
		 RETURNING id`,
		event.Timestamp, event.ActorUUID, event.Action, subject, tagsJSON, detailsJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filters models.AuditFilters) ([]*models.AuditEvent, error) {
	where := "1 = 1"
	args := []any{}
	n := 1

	if filters.ActorUUID != "" {
		where += fmt.Sprintf(" AND actor_uuid = $%d", n)
		args = append(args, filters.ActorUUID)
		n++
	}
	if filters.SubjectUUID != "" {
		where += fmt.Sprintf(" AND subject_uuid = $%d", n)
		args = append(args, filters.SubjectUUID)
		n++
	}
	if filters.Action != "" {
		where += fmt.Sprintf(" AND action = $%d", n)
		args = append(args, filters.Action)
		n++
	}
	if filters.Since != nil {
		where += fmt.Sprintf(" AND ts >= $%d", n)
		args = append(args, *filters.Since)
		n++
	}
	if filters.Until != nil {
		where += fmt.Sprintf(" AND ts < $%d", n)
		args = append(args, *filters.Until)
		n++
	}

	query := `SELECT id, ts, actor_uuid, action, subject_uuid, tags, details
	 FROM audit_events WHERE ` + where + ` ORDER BY ts DESC`
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
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var subject *string
		var tagsJSON, detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorUUID, &e.Action, &subject, &tagsJSON, &detailsJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		if subject != nil {
			e.SubjectUUID = *subject
		}
		if err := unmarshalJSON(tagsJSON, &e.Tags); err != nil {
			return nil, fmt.Errorf("postgres: decode audit tags: %w", err)
		}
		if err := unmarshalJSON(detailsJSON, &e.Details); err != nil {
			return nil, fmt.Errorf("postgres: decode audit details: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate audit: %w", err)
	}
	return events, nil
}

func (s *Store) RecordCalibrationSample(ctx context.Context, agentUUID string, bucket int, confidence float64, passed bool) error {
	pass := 0
	if passed {
		pass = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calibration_buckets (agent_uuid, bucket, samples, passes, confidence_sum)
		 VALUES ($1, $2, 1, $3, $4)
		 ON CONFLICT (agent_uuid, bucket) DO UPDATE SET
		   samples = calibration_buckets.samples + 1,
		   passes = calibration_buckets.passes + $3,
		   confidence_sum = calibration_buckets.confidence_sum + $4`,
		agentUUID, bucket, pass, confidence)
	if err != nil {
		return fmt.Errorf("postgres: record calibration: %w", err)
	}
	return nil
}

func (s *Store) GetCalibrationBucket(ctx context.Context, agentUUID string, bucket int) (*models.CalibrationBucket, error) {
	var b models.CalibrationBucket
	err := s.pool.QueryRow(ctx,
		`SELECT agent_uuid, bucket, samples, passes, confidence_sum
		 FROM calibration_buckets
		 WHERE agent_uuid = $1 AND bucket = $2`,
		agentUUID, bucket).Scan(&b.AgentUUID, &b.Bucket, &b.Samples, &b.Passes, &b.ConfidenceSum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: get calibration: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get calibration: %w", err)
	}
	return &b, nil
}

func (s *Store) ListCalibrationBuckets(ctx context.Context, agentUUID string) ([]*models.CalibrationBucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_uuid, bucket, samples, passes, confidence_sum
		 FROM calibration_buckets
		 WHERE agent_uuid = $1
		 ORDER BY bucket`,
		agentUUID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list calibration: %w", err)
	}
	defer rows.Close()

	buckets := []*models.CalibrationBucket{}
	for rows.Next() {
		var b models.CalibrationBucket
		if err := rows.Scan(&b.AgentUUID, &b.Bucket, &b.Samples, &b.Passes, &b.ConfidenceSum); err != nil {
			return nil, fmt.Errorf("postgres: scan calibration: %w", err)
		}
		buckets = append(buckets, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate calibration: %w", err)
	}
	return buckets, nil
}

func (s *Store) PutSessionBinding(ctx context.Context, sessionKey, agentUUID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_bindings (session_key, agent_uuid, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_key) DO UPDATE SET
		   agent_uuid = EXCLUDED.agent_uuid, expires_at = EXCLUDED.expires_at`,
		sessionKey, agentUUID, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: put session binding: %w", err)
	}
	return nil
}

func (s *Store) GetSessionBinding(ctx context.Context, sessionKey string) (string, error) {
	var agentUUID string
	err := s.pool.QueryRow(ctx,
		`SELECT agent_uuid FROM session_bindings WHERE session_key = $1 AND expires_at > NOW()`,
		sessionKey).Scan(&agentUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("postgres: get session binding: %w", store.ErrNotFound)
		}
		return "", fmt.Errorf("postgres: get session binding: %w", err)
	}
	return agentUUID, nil
}

func (s *Store) TouchSessionBinding(ctx context.Context, sessionKey string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session_bindings SET expires_at = $1 WHERE session_key = $2`,
		expiresAt, sessionKey)
	if err != nil {
		return fmt.Errorf("postgres: touch session binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: touch session binding: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteExpiredSessionBindings(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM session_bindings WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired bindings: %w", err)
	}
	return tag.RowsAffected(), nil
}
