// Package service contains the business logic layer.
//
// This file implements the inspection service: creation, analysis lifecycle
// management and the read operations clients poll during analysis.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kvernberg/fieldscope/internal/ai"
	"github.com/kvernberg/fieldscope/internal/domain"
	"github.com/kvernberg/fieldscope/internal/metrics"
	"github.com/kvernberg/fieldscope/internal/repository"
	"github.com/kvernberg/fieldscope/internal/worker"
)

// maxPhotosPerInspection bounds one inspection's photo set.
const maxPhotosPerInspection = 100

// =============================================================================
// Interface Definition
// =============================================================================

// InspectionService defines the interface for inspection-related operations.
// All operations are tenant-scoped: an inspection outside the caller's
// organization behaves exactly like a missing one.
type InspectionService interface {
	// Create creates a new inspection with its photos.
	// Returns domain.EINVALID for validation errors.
	// Returns domain.ENOTFOUND if the affiliated company doesn't exist or
	// doesn't belong to the organization.
	Create(ctx context.Context, params domain.CreateInspectionParams) (*domain.Inspection, error)

	// GetByID retrieves an inspection with its photos and findings.
	// Returns domain.ENOTFOUND if it does not exist in the organization.
	GetByID(ctx context.Context, id, organizationID uuid.UUID) (*domain.Inspection, error)

	// List retrieves a paginated list of the organization's inspections,
	// newest first.
	List(ctx context.Context, params domain.ListInspectionsParams) (*domain.ListInspectionsResult, error)

	// StartAnalysis accepts an analysis request, enqueues the background run,
	// and returns the job id for client tracking. An empty PhotoIDs slice
	// selects every photo.
	// Returns domain.ENOTFOUND if the inspection does not exist in the
	// organization, domain.EINVALID if a requested photo doesn't belong to
	// it, and domain.ECONFLICT if an analysis is already pending or running.
	StartAnalysis(ctx context.Context, params domain.StartAnalysisParams) (uuid.UUID, error)

	// GetAnalysisStatus returns the progress view clients poll during a run.
	// Returns domain.ENOTFOUND if the inspection does not exist in the
	// organization.
	GetAnalysisStatus(ctx context.Context, id, organizationID uuid.UUID) (*domain.AnalysisStatusView, error)

	// GetFindings returns all findings across the inspection's photos in
	// photo order. Returns domain.ENOTFOUND if the inspection does not exist
	// in the organization.
	GetFindings(ctx context.Context, id, organizationID uuid.UUID) ([]domain.Finding, error)
}

// InspectionStore is the slice of the repository the service needs.
type InspectionStore interface {
	CreateInspection(ctx context.Context, params domain.CreateInspectionParams) (*domain.Inspection, error)
	GetInspection(ctx context.Context, id, organizationID uuid.UUID) (*domain.Inspection, error)
	ListInspections(ctx context.Context, params domain.ListInspectionsParams) ([]domain.Inspection, int64, error)
	SetInspectionStatus(ctx context.Context, params repository.SetInspectionStatusParams) error
	ListFindings(ctx context.Context, inspectionID, organizationID uuid.UUID) ([]domain.Finding, error)
	CompanyBelongsToOrganization(ctx context.Context, companyID, organizationID uuid.UUID) (bool, error)
	GetFirstActiveAffiliatedCompany(ctx context.Context, organizationID uuid.UUID) (uuid.UUID, error)
	EnqueueJob(ctx context.Context, params repository.EnqueueJobParams) (*repository.Job, error)
}

// =============================================================================
// Implementation
// =============================================================================

type inspectionService struct {
	store  InspectionStore
	logger *slog.Logger
}

// NewInspectionService creates a new InspectionService.
func NewInspectionService(store InspectionStore, logger *slog.Logger) InspectionService {
	return &inspectionService{
		store:  store,
		logger: logger,
	}
}

// =============================================================================
// Create
// =============================================================================

func (s *inspectionService) Create(ctx context.Context, params domain.CreateInspectionParams) (*domain.Inspection, error) {
	const op = "inspection.create"

	if err := s.validateCreateParams(params); err != nil {
		return nil, err
	}

	if params.AffiliatedCompanyID == uuid.Nil {
		// Requests that don't name a company default to the organization's
		// oldest active one.
		companyID, err := s.store.GetFirstActiveAffiliatedCompany(ctx, params.OrganizationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domain.Invalid(op, "organization has no active affiliated company")
			}
			return nil, domain.Internal(err, op, "failed to resolve affiliated company")
		}
		params.AffiliatedCompanyID = companyID
	} else {
		ok, err := s.store.CompanyBelongsToOrganization(ctx, params.AffiliatedCompanyID, params.OrganizationID)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to verify affiliated company")
		}
		if !ok {
			return nil, domain.NotFound(op, "affiliated company", params.AffiliatedCompanyID.String())
		}
	}

	inspection, err := s.store.CreateInspection(ctx, params)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create inspection")
	}

	s.logger.Info("inspection created",
		"inspection_id", inspection.ID,
		"organization_id", params.OrganizationID,
		"photos", len(params.Photos),
	)
	metrics.InspectionsCreated.Inc()

	return inspection, nil
}

func (s *inspectionService) validateCreateParams(params domain.CreateInspectionParams) error {
	const op = "inspection.validate"

	if params.OrganizationID == uuid.Nil {
		return domain.Invalid(op, "organization is required")
	}
	if params.UserID == uuid.Nil {
		return domain.Invalid(op, "user is required")
	}
	if len(params.Photos) == 0 {
		return domain.Invalid(op, "at least one photo is required")
	}
	if len(params.Photos) > maxPhotosPerInspection {
		return domain.Invalid(op, "too many photos for one inspection")
	}
	for _, p := range params.Photos {
		if p.ImageKey == "" {
			return domain.Invalid(op, "photo image key is required")
		}
		if p.CapturedAt.IsZero() {
			return domain.Invalid(op, "photo capture time is required")
		}
	}

	oneDayFromNow := time.Now().Add(24 * time.Hour)
	if params.StartedAt.After(oneDayFromNow) {
		return domain.Invalid(op, "inspection start time cannot be in the future")
	}

	return nil
}

// =============================================================================
// Reads
// =============================================================================

func (s *inspectionService) GetByID(ctx context.Context, id, organizationID uuid.UUID) (*domain.Inspection, error) {
	const op = "inspection.get"

	inspection, err := s.store.GetInspection(ctx, id, organizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "inspection", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get inspection")
	}
	return inspection, nil
}

func (s *inspectionService) List(ctx context.Context, params domain.ListInspectionsParams) (*domain.ListInspectionsResult, error) {
	const op = "inspection.list"

	if params.OrganizationID == uuid.Nil {
		return nil, domain.Invalid(op, "organization is required")
	}
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 20
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	inspections, total, err := s.store.ListInspections(ctx, params)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list inspections")
	}

	return &domain.ListInspectionsResult{
		Inspections: inspections,
		Total:       total,
		Limit:       params.Limit,
		Offset:      params.Offset,
	}, nil
}

func (s *inspectionService) GetAnalysisStatus(ctx context.Context, id, organizationID uuid.UUID) (*domain.AnalysisStatusView, error) {
	const op = "inspection.analysis_status"

	inspection, err := s.store.GetInspection(ctx, id, organizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "inspection", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get inspection")
	}

	view := inspection.StatusView()
	return &view, nil
}

func (s *inspectionService) GetFindings(ctx context.Context, id, organizationID uuid.UUID) ([]domain.Finding, error) {
	const op = "inspection.findings"

	findings, err := s.store.ListFindings(ctx, id, organizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "inspection", id.String())
		}
		return nil, domain.Internal(err, op, "failed to list findings")
	}
	return findings, nil
}

// =============================================================================
// StartAnalysis
// =============================================================================

func (s *inspectionService) StartAnalysis(ctx context.Context, params domain.StartAnalysisParams) (uuid.UUID, error) {
	const op = "inspection.start_analysis"

	if params.InspectionID == uuid.Nil {
		return uuid.Nil, domain.Invalid(op, "inspection is required")
	}
	if params.OrganizationID == uuid.Nil {
		return uuid.Nil, domain.Invalid(op, "organization is required")
	}

	inspection, err := s.store.GetInspection(ctx, params.InspectionID, params.OrganizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, domain.NotFound(op, "inspection", params.InspectionID.String())
		}
		return uuid.Nil, domain.Internal(err, op, "failed to get inspection")
	}

	// Every requested photo must belong to this inspection.
	for _, photoID := range params.PhotoIDs {
		if inspection.PhotoByID(photoID) == nil {
			return uuid.Nil, domain.Invalid(op, "photo does not belong to inspection: "+photoID.String())
		}
	}
	if len(inspection.Photos) == 0 {
		return uuid.Nil, domain.Invalid(op, "inspection has no photos to analyze")
	}

	// A pending or running analysis owns the inspection until it reaches a
	// terminal status.
	if !inspection.Status.CanTransitionTo(domain.InspectionStatusAnalysisPending) {
		return uuid.Nil, domain.Conflict(op, "analysis already requested for this inspection")
	}

	err = s.store.SetInspectionStatus(ctx, repository.SetInspectionStatusParams{
		ID:             params.InspectionID,
		OrganizationID: params.OrganizationID,
		Status:         domain.InspectionStatusAnalysisPending,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, domain.NotFound(op, "inspection", params.InspectionID.String())
		}
		return uuid.Nil, domain.Internal(err, op, "failed to mark inspection pending")
	}

	prompt := params.Prompt
	if prompt == "" {
		prompt = ai.DefaultAnalysisPrompt
	}

	// Pin the target set at request time so photos added later are not
	// silently swept into this run.
	targetIDs := params.PhotoIDs
	if len(targetIDs) == 0 {
		targetIDs = inspection.PhotoIDs()
	}

	// User-requested analyses jump ahead of background maintenance jobs.
	job, err := worker.EnqueueAnalyzeInspection(ctx, s.store, worker.AnalyzeInspectionPayload{
		InspectionID:   params.InspectionID,
		OrganizationID: params.OrganizationID,
		UserID:         params.UserID,
		PhotoIDs:       targetIDs,
		Prompt:         prompt,
	}, worker.WithPriority(worker.PriorityHigh))
	if err != nil {
		return uuid.Nil, domain.Internal(err, op, "failed to enqueue analysis job")
	}

	s.logger.Info("analysis requested",
		"inspection_id", params.InspectionID,
		"organization_id", params.OrganizationID,
		"job_id", job.ID,
		"photos", len(params.PhotoIDs),
	)
	metrics.AnalysesStarted.Inc()

	return job.ID, nil
}
