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

const noteColumns = `id, author_uuid, summary, details, kind, severity, tags, status, supersedes, created_at`

func (s *Store) CreateNote(ctx context.Context, note *models.KnowledgeNote) error {
	tagsJSON, err := marshalJSON(note.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: create note: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var supersedes *string
	if note.Supersedes != "" {
		supersedes = &note.Supersedes
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO knowledge_notes (`+noteColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.AuthorUUID, note.Summary, note.Details, note.Kind,
		note.Severity, tagsJSON, note.Status, supersedes, toNanos(note.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert note: %w", err)
	}

	for _, tag := range note.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO note_tags (note_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			note.ID, tag); err != nil {
			return fmt.Errorf("sqlite: insert note tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetNote(ctx context.Context, id string) (*models.KnowledgeNote, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM knowledge_notes WHERE id = ?`, id)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: get note: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get note: %w", err)
	}
	return note, nil
}

func (s *Store) ListNotes(ctx context.Context, filters models.NoteFilters) ([]*models.KnowledgeNote, error) {
	where := "1 = 1"
	args := []any{}

	if filters.AuthorUUID != "" {
		where += " AND author_uuid = ?"
		args = append(args, filters.AuthorUUID)
	}
	if filters.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filters.Kind)
	}
	if filters.Status != "" {
		where += " AND status = ?"
		args = append(args, filters.Status)
	}
	if filters.Tag != "" {
		where += " AND id IN (SELECT note_id FROM note_tags WHERE tag = ?)"
		args = append(args, filters.Tag)
	}
	if filters.Query != "" {
		// LIKE is case-insensitive for ASCII in sqlite by default.
		where += " AND (summary LIKE ? OR details LIKE ?)"
		pattern := "%" + filters.Query + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + noteColumns + ` FROM knowledge_notes WHERE ` + where + ` ORDER BY created_at DESC`
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
		return nil, fmt.Errorf("sqlite: list notes: %w", err)
	}
	defer rows.Close()

	var notes []*models.KnowledgeNote
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate notes: %w", err)
	}
	return notes, nil
}

func (s *Store) UpdateNoteStatus(ctx context.Context, id string, status models.NoteStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_notes SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("sqlite: update note status: %w", err)
	}
	return checkAffected(res, "update note status")
}

func (s *Store) CleanupNotes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_notes WHERE status = 'archived' AND created_at < ?`,
		toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup notes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup notes: %w", err)
	}
	return n, nil
}

func scanNote(row rowScanner) (*models.KnowledgeNote, error) {
	var note models.KnowledgeNote
	var tagsJSON *string
	var supersedes *string
	var createdAt int64
	err := row.Scan(&note.ID, &note.AuthorUUID, &note.Summary, &note.Details,
		&note.Kind, &note.Severity, &tagsJSON, &note.Status, &supersedes, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tagsJSON, &note.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if supersedes != nil {
		note.Supersedes = *supersedes
	}
	note.CreatedAt = fromNanos(createdAt)
	return &note, nil
}
