package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/kvernberg/fieldscope/internal/domain"
)

// ListFindings returns every finding recorded across an inspection's photos,
// ordered by photo sort order. A cross-tenant inspection id reads as not
// found rather than as an empty result.
func (s *Store) ListFindings(ctx context.Context, inspectionID, organizationID uuid.UUID) ([]domain.Finding, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM inspections WHERE id = $1 AND organization_id = $2)`,
		inspectionID, organizationID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check inspection: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.photo_id, f.description, f.risk_level, f.corrective_action, f.preventive_action, f.created_at
		FROM findings f
		JOIN photos p ON p.id = f.photo_id
		WHERE p.inspection_id = $1
		ORDER BY p.sort_order, f.created_at`,
		inspectionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFindings(rows)
}

func (s *Store) listFindingsByPhoto(ctx context.Context, photoID uuid.UUID) ([]domain.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, photo_id, description, risk_level, corrective_action, preventive_action, created_at
		FROM findings
		WHERE photo_id = $1
		ORDER BY created_at`,
		photoID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFindings(rows)
}

func scanFindings(rows *sql.Rows) ([]domain.Finding, error) {
	findings := make([]domain.Finding, 0)
	for rows.Next() {
		var (
			f         domain.Finding
			riskLevel string
		)
		err := rows.Scan(&f.ID, &f.PhotoID, &f.Description, &riskLevel, &f.CorrectiveAction, &f.PreventiveAction, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.RiskLevel = domain.RiskLevel(riskLevel)
		findings = append(findings, f)
	}
	return findings, rows.Err()
}
