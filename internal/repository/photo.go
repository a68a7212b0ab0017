package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/kvernberg/fieldscope/internal/domain"
)

// listPhotos loads all photos of an inspection in sort order, including each
// photo's findings.
func (s *Store) listPhotos(ctx context.Context, inspectionID uuid.UUID) ([]domain.Photo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inspection_id, image_key, image_url, thumbnail_key, captured_at, description, sort_order, is_analyzed, analysis_error_reason, created_at, updated_at
		FROM photos
		WHERE inspection_id = $1
		ORDER BY sort_order`,
		inspectionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	photos := make([]domain.Photo, 0)
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, photo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range photos {
		findings, err := s.listFindingsByPhoto(ctx, photos[i].ID)
		if err != nil {
			return nil, fmt.Errorf("load findings for photo %s: %w", photos[i].ID, err)
		}
		photos[i].Findings = findings
	}

	return photos, nil
}

// ListPhotosByIDs returns the subset of an inspection's photos matching the
// given ids, in sort order. Ids belonging to other inspections are simply
// absent from the result.
func (s *Store) ListPhotosByIDs(ctx context.Context, inspectionID uuid.UUID, ids []uuid.UUID) ([]domain.Photo, error) {
	idStrings := make([]string, 0, len(ids))
	for _, id := range ids {
		idStrings = append(idStrings, id.String())
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inspection_id, image_key, image_url, thumbnail_key, captured_at, description, sort_order, is_analyzed, analysis_error_reason, created_at, updated_at
		FROM photos
		WHERE inspection_id = $1 AND id = ANY($2::uuid[])
		ORDER BY sort_order`,
		inspectionID, pq.Array(idStrings),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	photos := make([]domain.Photo, 0, len(ids))
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, photo)
	}
	return photos, rows.Err()
}

// NewFindingParams describes one finding produced by an analysis pass.
type NewFindingParams struct {
	Description      string
	RiskLevel        domain.RiskLevel
	CorrectiveAction string
	PreventiveAction string
}

// CompletePhotoAnalysisParams carries the whole outcome of one successful
// photo analysis.
type CompletePhotoAnalysisParams struct {
	PhotoID      uuid.UUID
	InspectionID uuid.UUID
	Findings     []NewFindingParams
	RawResponse  pqtype.NullRawMessage // Provider response for auditing
}

// CompletePhotoAnalysis persists a successful analysis pass atomically:
// prior findings are replaced wholesale, the photo is marked analyzed and any
// earlier error reason is cleared. No observer ever sees a half-written
// finding set.
func (s *Store) CompletePhotoAnalysis(ctx context.Context, params CompletePhotoAnalysisParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE photos
		SET is_analyzed = TRUE, analysis_error_reason = NULL, last_analysis_response = $3, updated_at = now()
		WHERE id = $1 AND inspection_id = $2`,
		params.PhotoID, params.InspectionID, params.RawResponse,
	)
	if err != nil {
		return fmt.Errorf("update photo: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE photo_id = $1`, params.PhotoID); err != nil {
		return fmt.Errorf("delete prior findings: %w", err)
	}

	now := time.Now().UTC()
	for i, f := range params.Findings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO findings (id, photo_id, description, risk_level, corrective_action, preventive_action, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), params.PhotoID, f.Description, f.RiskLevel.String(), f.CorrectiveAction, f.PreventiveAction, now,
		)
		if err != nil {
			return fmt.Errorf("insert finding %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// MarkPhotoFailed records a permanent analysis failure on a photo. The photo
// stays unanalyzed and keeps any findings from an earlier successful pass
// untouched.
func (s *Store) MarkPhotoFailed(ctx context.Context, photoID, inspectionID uuid.UUID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE photos
		SET analysis_error_reason = $3, updated_at = now()
		WHERE id = $1 AND inspection_id = $2`,
		photoID, inspectionID, reason,
	)
	if err != nil {
		return fmt.Errorf("mark photo failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// scanPhoto scans one photo row from either query shape above.
func scanPhoto(rows *sql.Rows) (domain.Photo, error) {
	var (
		photo        domain.Photo
		thumbnailKey sql.NullString
		description  sql.NullString
		errorReason  sql.NullString
	)
	err := rows.Scan(
		&photo.ID,
		&photo.InspectionID,
		&photo.ImageKey,
		&photo.ImageURL,
		&thumbnailKey,
		&photo.CapturedAt,
		&description,
		&photo.SortOrder,
		&photo.IsAnalyzed,
		&errorReason,
		&photo.CreatedAt,
		&photo.UpdatedAt,
	)
	if err != nil {
		return domain.Photo{}, fmt.Errorf("scan photo: %w", err)
	}
	photo.ThumbnailKey = thumbnailKey.String
	photo.Description = description.String
	photo.AnalysisErrorReason = errorReason.String
	return photo, nil
}
