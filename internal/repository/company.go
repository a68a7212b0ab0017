package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CompanyBelongsToOrganization reports whether the affiliated company exists,
// is active, and is scoped to the given organization.
func (s *Store) CompanyBelongsToOrganization(ctx context.Context, companyID, organizationID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM affiliated_companies
			WHERE id = $1 AND organization_id = $2 AND is_active = TRUE
		)`,
		companyID, organizationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check affiliated company: %w", err)
	}
	return exists, nil
}

// GetFirstActiveAffiliatedCompany returns the oldest active affiliated
// company of an organization. Used when an intake request does not name one.
func (s *Store) GetFirstActiveAffiliatedCompany(ctx context.Context, organizationID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM affiliated_companies
		WHERE organization_id = $1 AND is_active = TRUE
		ORDER BY created_at
		LIMIT 1`,
		organizationID,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
