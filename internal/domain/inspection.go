// Package domain contains core business types and interfaces.
//
// This file defines the Inspection aggregate and its analysis lifecycle.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Inspection Status
// =============================================================================

// InspectionStatus represents the analysis lifecycle state of an inspection.
type InspectionStatus string

const (
	// InspectionStatusCreated indicates the inspection and its photos have
	// been persisted but no analysis has been requested yet.
	InspectionStatusCreated InspectionStatus = "created"

	// InspectionStatusAnalysisPending indicates an analysis request has been
	// accepted and a job is queued, but no worker has picked it up yet.
	InspectionStatusAnalysisPending InspectionStatus = "analysis_pending"

	// InspectionStatusAnalyzing indicates an orchestration run is in flight.
	// The status doubles as the cooperative lock between workers: only the
	// run that won the pending->analyzing transition may process photos.
	InspectionStatusAnalyzing InspectionStatus = "analyzing"

	// InspectionStatusCompleted indicates a run finished with at least one
	// analyzed photo. Individual photos may still carry an error reason.
	InspectionStatusCompleted InspectionStatus = "completed"

	// InspectionStatusFailed indicates a run finished with no analyzed
	// photos at all.
	InspectionStatusFailed InspectionStatus = "failed"
)

// String returns the string representation of the status.
func (s InspectionStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s InspectionStatus) IsValid() bool {
	switch s {
	case InspectionStatusCreated, InspectionStatusAnalysisPending,
		InspectionStatusAnalyzing, InspectionStatusCompleted, InspectionStatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true if the status ends an orchestration run.
func (s InspectionStatus) IsTerminal() bool {
	return s == InspectionStatusCompleted || s == InspectionStatusFailed
}

// CanTransitionTo checks if the inspection can transition to the target status.
//
// Transitions run forward only, with two exceptions: analyzing may fall back
// to analysis_pending when a run is cancelled and resumed later, and terminal
// states may re-enter analysis_pending when a re-analysis is requested.
func (s InspectionStatus) CanTransitionTo(target InspectionStatus) bool {
	switch s {
	case InspectionStatusCreated:
		return target == InspectionStatusAnalysisPending
	case InspectionStatusAnalysisPending:
		return target == InspectionStatusAnalyzing
	case InspectionStatusAnalyzing:
		return target == InspectionStatusCompleted ||
			target == InspectionStatusFailed ||
			target == InspectionStatusAnalysisPending
	case InspectionStatusCompleted, InspectionStatusFailed:
		return target == InspectionStatusAnalysisPending
	}
	return false
}

// =============================================================================
// Inspection Aggregate
// =============================================================================

// Inspection is the aggregate root for one audit visit. It owns an ordered
// collection of photos; findings hang off individual photos.
type Inspection struct {
	ID                  uuid.UUID
	OrganizationID      uuid.UUID
	AffiliatedCompanyID uuid.UUID
	UserID              uuid.UUID
	Status              InspectionStatus
	StartedAt           time.Time
	CompletedAt         *time.Time // Set only for completed/failed
	Photos              []Photo    // Ordered by sort order
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PhotoByID returns the photo with the given id, or nil if the inspection
// does not own it.
func (i *Inspection) PhotoByID(id uuid.UUID) *Photo {
	for idx := range i.Photos {
		if i.Photos[idx].ID == id {
			return &i.Photos[idx]
		}
	}
	return nil
}

// PhotoIDs returns the ids of all photos in order.
func (i *Inspection) PhotoIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(i.Photos))
	for _, p := range i.Photos {
		ids = append(ids, p.ID)
	}
	return ids
}

// AnalyzedCount returns the number of photos with a persisted successful
// analysis pass.
func (i *Inspection) AnalyzedCount() int {
	n := 0
	for _, p := range i.Photos {
		if p.IsAnalyzed {
			n++
		}
	}
	return n
}

// AllAnalyzed reports whether every photo in the given id set is analyzed.
// An id the inspection does not own counts as not analyzed.
func (i *Inspection) AllAnalyzed(ids []uuid.UUID) bool {
	for _, id := range ids {
		p := i.PhotoByID(id)
		if p == nil || !p.IsAnalyzed {
			return false
		}
	}
	return true
}

// =============================================================================
// Analysis Status View
// =============================================================================

// AnalysisStatusView is the cheap read clients poll while a run is in
// progress. PendingPhotos is derived so AnalyzedPhotos+PendingPhotos always
// equals TotalPhotos.
type AnalysisStatusView struct {
	InspectionID   uuid.UUID
	Status         InspectionStatus
	TotalPhotos    int
	AnalyzedPhotos int
	PendingPhotos  int
	StartedAt      time.Time
	CompletedAt    *time.Time
	ErrorMessage   string // First recorded per-photo error reason, if any
}

// StatusView computes the analysis status view from the loaded aggregate.
func (i *Inspection) StatusView() AnalysisStatusView {
	analyzed := i.AnalyzedCount()
	view := AnalysisStatusView{
		InspectionID:   i.ID,
		Status:         i.Status,
		TotalPhotos:    len(i.Photos),
		AnalyzedPhotos: analyzed,
		PendingPhotos:  len(i.Photos) - analyzed,
		StartedAt:      i.StartedAt,
		CompletedAt:    i.CompletedAt,
	}
	for _, p := range i.Photos {
		if p.AnalysisErrorReason != "" {
			view.ErrorMessage = p.AnalysisErrorReason
			break
		}
	}
	return view
}

// =============================================================================
// Service Parameters
// =============================================================================

// NewPhoto describes one photo captured during an inspection, already stored
// by the image storage collaborator.
type NewPhoto struct {
	ImageKey     string    // Storage key of the original image
	ImageURL     string    // Public or presigned URL of the original
	ThumbnailKey string    // Storage key of the thumbnail (optional)
	CapturedAt   time.Time // When the inspector took the photo
	Description  string    // Optional inspector note
}

// CreateInspectionParams contains validated parameters for creating an
// inspection with its photos.
type CreateInspectionParams struct {
	ID                  uuid.UUID // Optional pre-allocated id; zero means generate
	OrganizationID      uuid.UUID
	AffiliatedCompanyID uuid.UUID
	UserID              uuid.UUID
	StartedAt           time.Time
	Photos              []NewPhoto
}

// StartAnalysisParams contains parameters for requesting analysis of a photo
// subset. An empty PhotoIDs slice selects every photo of the inspection.
type StartAnalysisParams struct {
	InspectionID   uuid.UUID
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	PhotoIDs       []uuid.UUID
	Prompt         string // Optional analysis prompt override
}

// ListInspectionsParams contains parameters for listing inspections.
type ListInspectionsParams struct {
	OrganizationID uuid.UUID
	Limit          int32
	Offset         int32
}

// ListInspectionsResult contains the result of a paginated list query.
type ListInspectionsResult struct {
	Inspections []Inspection
	Total       int64
	Limit       int32
	Offset      int32
}

// HasMore returns true if there are more results available.
func (r *ListInspectionsResult) HasMore() bool {
	return int64(r.Offset+r.Limit) < r.Total
}
