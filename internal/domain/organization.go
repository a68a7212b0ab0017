package domain

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant boundary. Every inspection, photo and finding
// transitively belongs to exactly one organization, and all reads are scoped
// by organization id.
type Organization struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AffiliatedCompany is the audited entity an inspection is performed against.
type AffiliatedCompany struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// User performs inspections on behalf of an organization. Authentication and
// role management are handled outside this service.
type User struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Email          string
	FullName       string
	CreatedAt      time.Time
}
