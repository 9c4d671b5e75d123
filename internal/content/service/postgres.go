package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/proto"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const searchQuery = `
SELECT u.id, u.unit_type, u.unit_key, u.metadata, ru.repo_id, COALESCE(u.upload_id, ''), u.created_at
FROM units u
JOIN repo_units ru ON ru.unit_id = u.id
WHERE ru.repo_id = $1
  AND u.id > $2
  AND (cardinality($3::text[]) = 0 OR u.unit_type = ANY($3::text[]))
  AND u.unit_key @> $4::jsonb
ORDER BY u.id
LIMIT $5`

// PostgresService stores units in the units and repo_units tables.
type PostgresService struct {
	db     *postgres.Client
	logger *slog.Logger
}

var _ Service = (*PostgresService)(nil)

// NewPostgresService creates a service over db. The schema must already be
// applied with postgres.Client.Migrate.
func NewPostgresService(db *postgres.Client) *PostgresService {
	return &PostgresService{
		db:     db,
		logger: slog.Default().With("component", "content-service"),
	}
}

// Search returns one keyset page of units of c.RepoID.
func (s *PostgresService) Search(ctx context.Context, c content.Criteria, afterID string, limit int) ([]content.Unit, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 0, "search limit must be positive, got %d", limit)
	}
	types := make([]string, len(c.Types))
	for i, t := range c.Types {
		types[i] = string(t)
	}
	filters := c.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	filterJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("encoding filters: %w", err)
	}

	rows, err := s.db.DB.QueryContext(ctx, searchQuery, c.RepoID, afterID, pq.Array(types), string(filterJSON), limit)
	if err != nil {
		return nil, fmt.Errorf("searching units of %s: %w", c.RepoID, err)
	}
	defer rows.Close()

	units := make([]content.Unit, 0, limit)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating units of %s: %w", c.RepoID, err)
	}
	return units, nil
}

func scanUnit(rows *sql.Rows) (content.Unit, error) {
	var (
		u             content.Unit
		unitType      string
		key, metadata []byte
	)
	if err := rows.Scan(&u.ID, &unitType, &key, &metadata, &u.RepoID, &u.UploadID, &u.CreatedAt); err != nil {
		return u, fmt.Errorf("scanning unit: %w", err)
	}
	u.Type = content.UnitType(unitType)
	if err := json.Unmarshal(key, &u.Key); err != nil {
		return u, fmt.Errorf("decoding unit key of %s: %w", u.ID, err)
	}
	if err := json.Unmarshal(metadata, &u.Metadata); err != nil {
		return u, fmt.Errorf("decoding metadata of %s: %w", u.ID, err)
	}
	return u, nil
}

// RemoveUnits deletes associations; the units themselves stay.
func (s *PostgresService) RemoveUnits(ctx context.Context, repoID string, ids []string) (int, error) {
	if strings.TrimSpace(repoID) == "" {
		return 0, apperrors.New(apperrors.ErrInvalidInput, 0, "repository id is required")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM repo_units WHERE repo_id = $1 AND unit_id = ANY($2::text[])`,
		repoID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("removing units from %s: %w", repoID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting removed units: %w", err)
	}
	s.logger.Debug("units removed", "repo_id", repoID, "requested", len(ids), "removed", n)
	return int(n), nil
}

// CopyUnits only copies units that are associated with srcRepo.
func (s *PostgresService) CopyUnits(ctx context.Context, srcRepo, dstRepo string, ids []string) (int, error) {
	if strings.TrimSpace(srcRepo) == "" || strings.TrimSpace(dstRepo) == "" {
		return 0, apperrors.New(apperrors.ErrInvalidInput, 0, "source and destination repository ids are required")
	}
	if srcRepo == dstRepo {
		return 0, apperrors.Newf(apperrors.ErrInvalidInput, 0, "cannot copy %s onto itself", srcRepo)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO repo_units (repo_id, unit_id)
		SELECT $2, unit_id FROM repo_units WHERE repo_id = $1 AND unit_id = ANY($3::text[])
		ON CONFLICT DO NOTHING`,
		srcRepo, dstRepo, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("copying units from %s to %s: %w", srcRepo, dstRepo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting copied units: %w", err)
	}
	s.logger.Debug("units copied", "source_repo", srcRepo, "dest_repo", dstRepo, "requested", len(ids), "copied", n)
	return int(n), nil
}

// AddUnits inserts units in one transaction. Units without an id get a new
// one; units whose id exists are only associated.
func (s *PostgresService) AddUnits(ctx context.Context, repoID string, units []content.Unit) (int, error) {
	if strings.TrimSpace(repoID) == "" {
		return 0, apperrors.New(apperrors.ErrInvalidInput, 0, "repository id is required")
	}
	for _, u := range units {
		if err := u.Type.ValidateKey(u.Key); err != nil {
			return 0, err
		}
	}
	added := 0
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, u := range units {
			if u.ID == "" {
				u.ID = uuid.NewString()
			}
			key, md, err := encodeMaps(u.Key, u.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO units (id, unit_type, unit_key, metadata)
				VALUES ($1, $2, $3::jsonb, $4::jsonb)
				ON CONFLICT (id) DO NOTHING`,
				u.ID, string(u.Type), key, md); err != nil {
				return fmt.Errorf("inserting unit %s: %w", u.ID, err)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO repo_units (repo_id, unit_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				repoID, u.ID)
			if err != nil {
				return fmt.Errorf("associating unit %s: %w", u.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// ImportUpload is idempotent on the upload id.
func (s *PostgresService) ImportUpload(ctx context.Context, req proto.ImportUploadRequest) (content.Unit, error) {
	if req.UploadID == "" {
		return content.Unit{}, apperrors.New(apperrors.ErrInvalidInput, 0, "upload id is required")
	}
	if err := req.UnitType.ValidateKey(req.UnitKey); err != nil {
		return content.Unit{}, err
	}
	key, md, err := encodeMaps(req.UnitKey, req.Metadata)
	if err != nil {
		return content.Unit{}, err
	}

	u := content.Unit{
		Type:     req.UnitType,
		Key:      req.UnitKey,
		Metadata: req.Metadata,
		RepoID:   req.RepoID,
		UploadID: req.UploadID,
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO units (id, unit_type, unit_key, metadata, upload_id, location, size)
			VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7)
			ON CONFLICT (upload_id) DO NOTHING
			RETURNING id, created_at`,
			uuid.NewString(), string(req.UnitType), key, md, req.UploadID, req.Location, req.Size,
		).Scan(&u.ID, &u.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx,
				`SELECT id, created_at FROM units WHERE upload_id = $1`, req.UploadID,
			).Scan(&u.ID, &u.CreatedAt)
			if err == nil {
				s.logger.Info("upload already imported", "upload_id", req.UploadID, "unit_id", u.ID)
			}
		}
		if err != nil {
			return fmt.Errorf("importing upload %s: %w", req.UploadID, err)
		}
		if req.RepoID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repo_units (repo_id, unit_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			req.RepoID, u.ID); err != nil {
			return fmt.Errorf("associating unit %s with %s: %w", u.ID, req.RepoID, err)
		}
		return nil
	})
	if err != nil {
		return content.Unit{}, err
	}
	s.logger.Info("upload imported",
		"upload_id", req.UploadID,
		"unit_id", u.ID,
		"unit_type", req.UnitType,
		"repo_id", req.RepoID,
	)
	return u, nil
}

func encodeMaps(key, metadata map[string]string) (string, string, error) {
	k, err := json.Marshal(key)
	if err != nil {
		return "", "", fmt.Errorf("encoding unit key: %w", err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	md, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(k), string(md), nil
}
