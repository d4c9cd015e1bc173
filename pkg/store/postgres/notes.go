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

const noteColumns = `id, author_uuid, summary, details, kind, severity, tags, status, supersedes, created_at`

func (s *Store) CreateNote(ctx context.Context, note *models.KnowledgeNote) error {
	tagsJSON, err := marshalJSON(note.Tags)
	if err != nil {
		return fmt.Errorf("postgres: create note: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var supersedes *string
	if note.Supersedes != "" {
		supersedes = &note.Supersedes
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO knowledge_notes (`+noteColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
		note.ID, note.AuthorUUID, note.Summary, note.Details, note.Kind,
		note.Severity, tagsJSON, note.Status, supersedes, note.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert note: %w", err)
	}

	for _, tag := range note.Tags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO note_tags (note_id, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			note.ID, tag); err != nil {
			return fmt.Errorf("postgres: insert note tag: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetNote(ctx context.Context, id string) (*models.KnowledgeNote, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM knowledge_notes WHERE id = $1`, id)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: get note: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get note: %w", err)
	}
	return note, nil
}

func (s *Store) ListNotes(ctx context.Context, filters models.NoteFilters) ([]*models.KnowledgeNote, error) {
	where := "1 = 1"
	args := []any{}
	n := 1

	if filters.AuthorUUID != "" {
		where += fmt.Sprintf(" AND author_uuid = $%d", n)
		args = append(args, filters.AuthorUUID)
		n++
	}
	if filters.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", n)
		args = append(args, filters.Kind)
		n++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filters.Status)
		n++
	}
	if filters.Tag != "" {
		where += fmt.Sprintf(" AND id IN (SELECT note_id FROM note_tags WHERE tag = $%d)", n)
		args = append(args, filters.Tag)
		n++
	}
	if filters.Query != "" {
		where += fmt.Sprintf(" AND (summary ILIKE $%d OR details ILIKE $%d)", n, n)
		args = append(args, "%"+filters.Query+"%")
		n++
	}

	query := `SELECT ` + noteColumns + ` FROM knowledge_notes WHERE ` + where + ` ORDER BY created_at DESC`
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
		return nil, fmt.Errorf("postgres: list notes: %w", err)
	}
	defer rows.Close()

	var notes []*models.KnowledgeNote
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate notes: %w", err)
	}
	return notes, nil
}

func (s *Store) UpdateNoteStatus(ctx context.Context, id string, status models.NoteStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_notes SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("postgres: update note status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update note status: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) CleanupNotes(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM knowledge_notes WHERE status = 'archived' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup notes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanNote(row pgx.Row) (*models.KnowledgeNote, error) {
	var note models.KnowledgeNote
	var tagsJSON []byte
	var supersedes *string
	err := row.Scan(&note.ID, &note.AuthorUUID, &note.Summary, &note.Details, &note.Kind,
		&note.Severity, &tagsJSON, &note.Status, &supersedes, &note.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tagsJSON, &note.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if supersedes != nil {
		note.Supersedes = *supersedes
	}
	return &note, nil
}
