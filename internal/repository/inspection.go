package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kvernberg/fieldscope/internal/domain"
)

// CreateInspection persists a new inspection and all of its photos in one
// transaction. The inspection starts in status created with every photo
// unanalyzed.
func (s *Store) CreateInspection(ctx context.Context, params domain.CreateInspectionParams) (*domain.Inspection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	inspectionID := params.ID
	if inspectionID == uuid.Nil {
		inspectionID = uuid.New()
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inspections (id, organization_id, affiliated_company_id, user_id, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		inspectionID,
		params.OrganizationID,
		params.AffiliatedCompanyID,
		params.UserID,
		domain.InspectionStatusCreated.String(),
		params.StartedAt,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert inspection: %w", err)
	}

	for i, photo := range params.Photos {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO photos (id, inspection_id, image_key, image_url, thumbnail_key, captured_at, description, sort_order, is_analyzed, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $9)`,
			uuid.New(),
			inspectionID,
			photo.ImageKey,
			photo.ImageURL,
			nullString(photo.ThumbnailKey),
			photo.CapturedAt,
			nullString(photo.Description),
			int32(i+1),
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert photo %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetInspection(ctx, inspectionID, params.OrganizationID)
}

// GetInspection loads the full aggregate: inspection, photos in order, and
// each photo's findings. Returns sql.ErrNoRows when the inspection does not
// exist in the caller's organization.
func (s *Store) GetInspection(ctx context.Context, id, organizationID uuid.UUID) (*domain.Inspection, error) {
	var (
		insp        domain.Inspection
		status      string
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, affiliated_company_id, user_id, status, started_at, completed_at, created_at, updated_at
		FROM inspections
		WHERE id = $1 AND organization_id = $2`,
		id, organizationID,
	).Scan(
		&insp.ID,
		&insp.OrganizationID,
		&insp.AffiliatedCompanyID,
		&insp.UserID,
		&status,
		&insp.StartedAt,
		&completedAt,
		&insp.CreatedAt,
		&insp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	insp.Status = domain.InspectionStatus(status)
	insp.CompletedAt = timePtr(completedAt)

	photos, err := s.listPhotos(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load photos: %w", err)
	}
	insp.Photos = photos

	return &insp, nil
}

// ListInspections returns a page of an organization's inspections, newest
// first, without photo collections, plus the total count for pagination.
func (s *Store) ListInspections(ctx context.Context, params domain.ListInspectionsParams) ([]domain.Inspection, int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inspections WHERE organization_id = $1`,
		params.OrganizationID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count inspections: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, affiliated_company_id, user_id, status, started_at, completed_at, created_at, updated_at
		FROM inspections
		WHERE organization_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`,
		params.OrganizationID, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list inspections: %w", err)
	}
	defer rows.Close()

	inspections := make([]domain.Inspection, 0)
	for rows.Next() {
		var (
			insp        domain.Inspection
			status      string
			completedAt sql.NullTime
		)
		if err := rows.Scan(
			&insp.ID,
			&insp.OrganizationID,
			&insp.AffiliatedCompanyID,
			&insp.UserID,
			&status,
			&insp.StartedAt,
			&completedAt,
			&insp.CreatedAt,
			&insp.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan inspection: %w", err)
		}
		insp.Status = domain.InspectionStatus(status)
		insp.CompletedAt = timePtr(completedAt)
		inspections = append(inspections, insp)
	}

	return inspections, total, rows.Err()
}

// SetInspectionStatusParams contains parameters for a status update.
type SetInspectionStatusParams struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Status         domain.InspectionStatus
	CompletedAt    *time.Time // Nil clears the column
}

// SetInspectionStatus updates the status (and completion time) of an
// inspection within the caller's organization.
func (s *Store) SetInspectionStatus(ctx context.Context, params SetInspectionStatusParams) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inspections
		SET status = $3, completed_at = $4, updated_at = now()
		WHERE id = $1 AND organization_id = $2`,
		params.ID, params.OrganizationID, params.Status.String(), nullTime(params.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update inspection status: %w", err)
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

// MarkInspectionAnalyzing attempts the analysis_pending -> analyzing
// transition as a single conditional update. It returns false when the
// inspection is not in analysis_pending, which means another run already
// holds the status lock (or the request is stale).
func (s *Store) MarkInspectionAnalyzing(ctx context.Context, id, organizationID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inspections
		SET status = $3, updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND status = $4`,
		id, organizationID,
		domain.InspectionStatusAnalyzing.String(),
		domain.InspectionStatusAnalysisPending.String(),
	)
	if err != nil {
		return false, fmt.Errorf("mark inspection analyzing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecoverStuckAnalyses returns inspections stuck in analyzing longer than the
// threshold to analysis_pending. A crashed worker cannot release its status
// lock; this runs at startup alongside stale job recovery so the retried job
// can claim the inspection again.
func (s *Store) RecoverStuckAnalyses(ctx context.Context, threshold time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inspections
		SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < now() - $3::interval`,
		domain.InspectionStatusAnalysisPending.String(),
		domain.InspectionStatusAnalyzing.String(),
		fmt.Sprintf("%d seconds", int(threshold.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stuck analyses: %w", err)
	}
	return result.RowsAffected()
}
