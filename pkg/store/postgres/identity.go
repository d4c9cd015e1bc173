package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const identityColumns = `uuid, agent_id, display_name, api_key_hash, genesis_signature,
	status, trust_tier, tags, fingerprint, metadata, created_at, last_update_at, archived_at`

func (s *Store) CreateIdentity(ctx context.Context, id *models.Identity) error {
	tagsJSON, err := marshalJSON(id.Tags)
	if err != nil {
		return fmt.Errorf("postgres: create identity: %w", err)
	}
	metaJSON, err := marshalJSON(id.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: create identity: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10::jsonb, $11, $12, $13)`,
		id.UUID, id.AgentID, id.DisplayName, id.APIKeyHash, id.GenesisSignature,
		id.Status, id.TrustTier, tagsJSON, id.Fingerprint, metaJSON,
		id.CreatedAt, id.LastUpdateAt, nullableTime(id.ArchivedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create identity: %w", store.ErrDuplicate)
		}
		return fmt.Errorf("postgres: create identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, uuid string) (*models.Identity, error) {
	return s.getIdentityWhere(ctx, "uuid = $1", uuid)
}

func (s *Store) GetIdentityByAgentID(ctx context.Context, agentID string) (*models.Identity, error) {
	return s.getIdentityWhere(ctx, "agent_id = $1 AND status <> 'archived'", agentID)
}

func (s *Store) GetIdentityByFingerprint(ctx context.Context, fingerprint string) (*models.Identity, error) {
	return s.getIdentityWhere(ctx,
		"fingerprint = $1 AND status NOT IN ('archived', 'deleted') ORDER BY last_update_at DESC LIMIT 1",
		fingerprint)
}

func (s *Store) getIdentityWhere(ctx context.Context, where string, args ...any) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE `+where, args...)
	id, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: get identity: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get identity: %w", err)
	}
	return id, nil
}

func (s *Store) GetIdentitiesByDisplayName(ctx context.Context, name string) ([]*models.Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities
		 WHERE display_name = $1 AND status NOT IN ('archived', 'deleted')
		 ORDER BY last_update_at DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: identities by name: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (s *Store) ListIdentities(ctx context.Context, filters models.IdentityFilters) ([]*models.Identity, int, error) {
	where := "1 = 1"
	args := []any{}
	n := 1

	if !filters.IncludeDeleted {
		where += " AND status <> 'deleted'"
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filters.Status)
		n++
	}
	if filters.TrustTier != "" {
		where += fmt.Sprintf(" AND trust_tier = $%d", n)
		args = append(args, filters.TrustTier)
		n++
	}
	if filters.Tag != "" {
		where += fmt.Sprintf(" AND tags ? $%d", n)
		args = append(args, filters.Tag)
		n++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count identities: %w", err)
	}

	query := `SELECT ` + identityColumns + ` FROM identities WHERE ` + where + ` ORDER BY created_at DESC`
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
		return nil, 0, fmt.Errorf("postgres: list identities: %w", err)
	}
	defer rows.Close()

	ids, err := scanIdentities(rows)
	if err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}

func (s *Store) UpdateIdentityStatus(ctx context.Context, uuid string, status models.AgentStatus, archivedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET status = $1, archived_at = $2 WHERE uuid = $3`,
		status, nullableTime(archivedAt), uuid)
	if err != nil {
		return fmt.Errorf("postgres: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update status: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateDisplayName(ctx context.Context, uuid, name string) error {
	return s.updateIdentityField(ctx, uuid, "display_name", name)
}

func (s *Store) UpdateAPIKeyHash(ctx context.Context, uuid, hash string) error {
	return s.updateIdentityField(ctx, uuid, "api_key_hash", hash)
}

func (s *Store) UpdateGenesisSignature(ctx context.Context, uuid, signature string) error {
	return s.updateIdentityField(ctx, uuid, "genesis_signature", signature)
}

func (s *Store) UpdateTrustTier(ctx context.Context, uuid string, tier models.TrustTier) error {
	return s.updateIdentityField(ctx, uuid, "trust_tier", string(tier))
}

func (s *Store) UpdateIdentityMetadata(ctx context.Context, uuid string, metadata map[string]any) error {
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("postgres: update metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET metadata = $1::jsonb WHERE uuid = $2`, metaJSON, uuid)
	if err != nil {
		return fmt.Errorf("postgres: update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update metadata: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateIdentityTags(ctx context.Context, uuid string, tags []string) error {
	tagsJSON, err := marshalJSON(tags)
	if err != nil {
		return fmt.Errorf("postgres: update tags: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET tags = $1::jsonb WHERE uuid = $2`, tagsJSON, uuid)
	if err != nil {
		return fmt.Errorf("postgres: update tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update tags: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) TouchIdentity(ctx context.Context, uuid string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET last_update_at = $1 WHERE uuid = $2`, at, uuid)
	if err != nil {
		return fmt.Errorf("postgres: touch identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: touch identity: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) updateIdentityField(ctx context.Context, uuid, column, value string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities SET `+column+` = $1 WHERE uuid = $2`, value, uuid)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update %s: %w", column, store.ErrNotFound)
	}
	return nil
}

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var id models.Identity
	var tagsJSON, metaJSON []byte
	var archivedAt *time.Time
	err := row.Scan(&id.UUID, &id.AgentID, &id.DisplayName, &id.APIKeyHash, &id.GenesisSignature,
		&id.Status, &id.TrustTier, &tagsJSON, &id.Fingerprint, &metaJSON,
		&id.CreatedAt, &id.LastUpdateAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tagsJSON, &id.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := unmarshalJSON(metaJSON, &id.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	id.ArchivedAt = archivedAt
	return &id, nil
}

func scanIdentities(rows pgx.Rows) ([]*models.Identity, error) {
	var ids []*models.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate identities: %w", err)
	}
	return ids, nil
}
