package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const identityColumns = `uuid, agent_id, display_name, api_key_hash, genesis_signature,
	status, trust_tier, tags, fingerprint, metadata, created_at, last_update_at, archived_at`

func (s *Store) CreateIdentity(ctx context.Context, id *models.Identity) error {
	tagsJSON, err := marshalJSON(id.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: create identity: %w", err)
	}
	metaJSON, err := marshalJSON(id.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: create identity: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.UUID, id.AgentID, id.DisplayName, id.APIKeyHash, id.GenesisSignature,
		id.Status, id.TrustTier, tagsJSON, id.Fingerprint, metaJSON,
		toNanos(id.CreatedAt), toNanos(id.LastUpdateAt), toNullableNanos(id.ArchivedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("sqlite: create identity: %w", store.ErrDuplicate)
		}
		return fmt.Errorf("sqlite: create identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, uuid string) (*models.Identity, error) {
	return s.getIdentityWhere(ctx, "uuid = ?", uuid)
}

func (s *Store) GetIdentityByAgentID(ctx context.Context, agentID string) (*models.Identity, error) {
	return s.getIdentityWhere(ctx, "agent_id = ? AND status <> 'archived'", agentID)
}

func (s *Store) GetIdentityByFingerprint(ctx context.Context, fingerprint string) (*models.Identity, error) {
	return s.getIdentityWhere(ctx,
		"fingerprint = ? AND status NOT IN ('archived', 'deleted') ORDER BY last_update_at DESC LIMIT 1",
		fingerprint)
}

func (s *Store) getIdentityWhere(ctx context.Context, where string, args ...any) (*models.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE `+where, args...)
	id, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: get identity: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get identity: %w", err)
	}
	return id, nil
}

func (s *Store) GetIdentitiesByDisplayName(ctx context.Context, name string) ([]*models.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities
		 WHERE display_name = ? AND status NOT IN ('archived', 'deleted')
		 ORDER BY last_update_at DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("sqlite: identities by name: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (s *Store) ListIdentities(ctx context.Context, filters models.IdentityFilters) ([]*models.Identity, int, error) {
	where := "1 = 1"
	args := []any{}

	if !filters.IncludeDeleted {
		where += " AND status <> 'deleted'"
	}
	if filters.Status != "" {
		where += " AND status = ?"
		args = append(args, filters.Status)
	}
	if filters.TrustTier != "" {
		where += " AND trust_tier = ?"
		args = append(args, filters.TrustTier)
	}
	if filters.Tag != "" {
		// Tags are a JSON array of strings; match the quoted element.
		where += " AND tags LIKE ?"
		args = append(args, `%"`+filters.Tag+`"%`)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count identities: %w", err)
	}

	query := `SELECT ` + identityColumns + ` FROM identities WHERE ` + where + ` ORDER BY created_at DESC`
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
		return nil, 0, fmt.Errorf("sqlite: list identities: %w", err)
	}
	defer rows.Close()

	ids, err := scanIdentities(rows)
	if err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}

func (s *Store) UpdateIdentityStatus(ctx context.Context, uuid string, status models.AgentStatus, archivedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET status = ?, archived_at = ? WHERE uuid = ?`,
		status, toNullableNanos(archivedAt), uuid)
	if err != nil {
		return fmt.Errorf("sqlite: update status: %w", err)
	}
	return checkAffected(res, "update status")
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
		return fmt.Errorf("sqlite: update metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET metadata = ? WHERE uuid = ?`, metaJSON, uuid)
	if err != nil {
		return fmt.Errorf("sqlite: update metadata: %w", err)
	}
	return checkAffected(res, "update metadata")
}

func (s *Store) UpdateIdentityTags(ctx context.Context, uuid string, tags []string) error {
	tagsJSON, err := marshalJSON(tags)
	if err != nil {
		return fmt.Errorf("sqlite: update tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET tags = ? WHERE uuid = ?`, tagsJSON, uuid)
	if err != nil {
		return fmt.Errorf("sqlite: update tags: %w", err)
	}
	return checkAffected(res, "update tags")
}

func (s *Store) TouchIdentity(ctx context.Context, uuid string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET last_update_at = ? WHERE uuid = ?`, toNanos(at), uuid)
	if err != nil {
		return fmt.Errorf("sqlite: touch identity: %w", err)
	}
	return checkAffected(res, "touch identity")
}

func (s *Store) updateIdentityField(ctx context.Context, uuid, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET `+column+` = ? WHERE uuid = ?`, value, uuid)
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", column, err)
	}
	return checkAffected(res, "update "+column)
}

func checkAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s: %w", op, store.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*models.Identity, error) {
	var id models.Identity
	var tagsJSON, metaJSON *string
	var createdAt, lastUpdateAt int64
	var archivedAt *int64
	err := row.Scan(&id.UUID, &id.AgentID, &id.DisplayName, &id.APIKeyHash, &id.GenesisSignature,
		&id.Status, &id.TrustTier, &tagsJSON, &id.Fingerprint, &metaJSON,
		&createdAt, &lastUpdateAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tagsJSON, &id.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := unmarshalJSON(metaJSON, &id.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	id.CreatedAt = fromNanos(createdAt)
	id.LastUpdateAt = fromNanos(lastUpdateAt)
	id.ArchivedAt = fromNullableNanos(archivedAt)
	return &id, nil
}

func scanIdentities(rows *sql.Rows) ([]*models.Identity, error) {
	var ids []*models.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate identities: %w", err)
	}
	return ids, nil
}
