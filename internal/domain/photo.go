package domain

import (
	"time"

	"github.com/google/uuid"
)

// Photo is one captured image belonging to an inspection.
//
// IsAnalyzed is true iff a successful analysis pass persisted its findings
// (possibly zero of them) without a later invalidating error. A photo that
// failed permanently keeps IsAnalyzed=false and records the reason.
type Photo struct {
	ID                  uuid.UUID
	InspectionID        uuid.UUID
	ImageKey            string
	ImageURL            string
	ThumbnailKey        string
	CapturedAt          time.Time
	Description         string
	SortOrder           int32
	IsAnalyzed          bool
	AnalysisErrorReason string // Empty unless the last pass failed permanently
	Findings            []Finding
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
