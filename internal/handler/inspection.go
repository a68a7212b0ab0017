package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kvernberg/fieldscope/internal/domain"
	"github.com/kvernberg/fieldscope/internal/service"
)

// Tenant and user identity arrive from the upstream gateway as headers.
// Authentication itself happens before requests reach this service.
const (
	headerOrganizationID = "X-Organization-ID"
	headerUserID         = "X-User-ID"
)

// maxCreateRequestSize bounds one multipart create request.
const maxCreateRequestSize = 512 << 20

// InspectionHandler serves the inspection API.
type InspectionHandler struct {
	inspections service.InspectionService
	intake      service.PhotoIntakeService
	logger      *slog.Logger
}

// NewInspectionHandler creates a new InspectionHandler.
func NewInspectionHandler(inspections service.InspectionService, intake service.PhotoIntakeService, logger *slog.Logger) *InspectionHandler {
	return &InspectionHandler{
		inspections: inspections,
		intake:      intake,
		logger:      logger,
	}
}

// RegisterRoutes registers the inspection API routes.
func (h *InspectionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/inspections", h.Create)
	mux.HandleFunc("GET /api/inspections", h.List)
	mux.HandleFunc("GET /api/inspections/{id}", h.Get)
	mux.HandleFunc("POST /api/inspections/{id}/analysis", h.StartAnalysis)
	mux.HandleFunc("GET /api/inspections/{id}/analysis", h.AnalysisStatus)
	mux.HandleFunc("GET /api/inspections/{id}/findings", h.Findings)
}

// =============================================================================
// Requests and responses
// =============================================================================

type startAnalysisRequest struct {
	PhotoIDs []uuid.UUID `json:"photo_ids,omitempty"`
	Prompt   string      `json:"prompt,omitempty"`
}

type photoResponse struct {
	ID                  uuid.UUID         `json:"id"`
	ImageURL            string            `json:"image_url"`
	ThumbnailKey        string            `json:"thumbnail_key,omitempty"`
	CapturedAt          time.Time         `json:"captured_at"`
	Description         string            `json:"description,omitempty"`
	SortOrder           int32             `json:"sort_order"`
	IsAnalyzed          bool              `json:"is_analyzed"`
	AnalysisErrorReason string            `json:"analysis_error_reason,omitempty"`
	Findings            []findingResponse `json:"findings"`
}

type findingResponse struct {
	ID               uuid.UUID        `json:"id"`
	PhotoID          uuid.UUID        `json:"photo_id"`
	Description      string           `json:"description"`
	RiskLevel        domain.RiskLevel `json:"risk_level"`
	CorrectiveAction string           `json:"corrective_action"`
	PreventiveAction string           `json:"preventive_action"`
	CreatedAt        time.Time        `json:"created_at"`
}

type inspectionResponse struct {
	ID                  uuid.UUID       `json:"id"`
	AffiliatedCompanyID uuid.UUID       `json:"affiliated_company_id"`
	Status              string          `json:"status"`
	StartedAt           time.Time       `json:"started_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	Photos              []photoResponse `json:"photos"`
	CreatedAt           time.Time       `json:"created_at"`
}

type analysisStatusResponse struct {
	InspectionID   uuid.UUID  `json:"inspection_id"`
	Status         string     `json:"status"`
	TotalPhotos    int        `json:"total_photos"`
	AnalyzedPhotos int        `json:"analyzed_photos"`
	PendingPhotos  int        `json:"pending_photos"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

func toInspectionResponse(i *domain.Inspection) inspectionResponse {
	resp := inspectionResponse{
		ID:                  i.ID,
		AffiliatedCompanyID: i.AffiliatedCompanyID,
		Status:              i.Status.String(),
		StartedAt:           i.StartedAt,
		CompletedAt:         i.CompletedAt,
		CreatedAt:           i.CreatedAt,
		Photos:              make([]photoResponse, 0, len(i.Photos)),
	}
	for _, p := range i.Photos {
		photo := photoResponse{
			ID:                  p.ID,
			ImageURL:            p.ImageURL,
			ThumbnailKey:        p.ThumbnailKey,
			CapturedAt:          p.CapturedAt,
			Description:         p.Description,
			SortOrder:           p.SortOrder,
			IsAnalyzed:          p.IsAnalyzed,
			AnalysisErrorReason: p.AnalysisErrorReason,
			Findings:            make([]findingResponse, 0, len(p.Findings)),
		}
		for _, f := range p.Findings {
			photo.Findings = append(photo.Findings, toFindingResponse(f))
		}
		resp.Photos = append(resp.Photos, photo)
	}
	return resp
}

func toFindingResponse(f domain.Finding) findingResponse {
	return findingResponse{
		ID:               f.ID,
		PhotoID:          f.PhotoID,
		Description:      f.Description,
		RiskLevel:        f.RiskLevel,
		CorrectiveAction: f.CorrectiveAction,
		PreventiveAction: f.PreventiveAction,
		CreatedAt:        f.CreatedAt,
	}
}

// =============================================================================
// Handlers
// =============================================================================

// Create handles multipart inspection creation: form fields plus one or more
// photo files under the "photos" field.
func (h *InspectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxCreateRequestSize); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("inspection.create", "invalid multipart request"))
		return
	}

	// An omitted affiliated_company_id falls back to the organization's
	// default company downstream.
	var companyID uuid.UUID
	var err error
	if v := r.FormValue("affiliated_company_id"); v != "" {
		companyID, err = uuid.Parse(v)
		if err != nil {
			ErrorResponse(w, r, h.logger, domain.Invalid("inspection.create", "affiliated_company_id must be a valid id"))
			return
		}
	}

	startedAt := time.Now()
	if v := r.FormValue("started_at"); v != "" {
		startedAt, err = time.Parse(time.RFC3339, v)
		if err != nil {
			ErrorResponse(w, r, h.logger, domain.Invalid("inspection.create", "started_at must be RFC 3339"))
			return
		}
	}

	files := r.MultipartForm.File["photos"]
	if len(files) == 0 {
		ErrorResponse(w, r, h.logger, domain.Invalid("inspection.create", "at least one photo is required"))
		return
	}

	// Photos are stored before the inspection row exists, so intake keys are
	// grouped under a pre-allocated inspection id.
	inspectionID := uuid.New()

	photos := make([]domain.NewPhoto, 0, len(files))
	for _, fh := range files {
		file, err := fh.Open()
		if err != nil {
			ErrorResponse(w, r, h.logger, domain.Internal(err, "inspection.create", "failed to read photo upload"))
			return
		}

		photo, err := h.intake.StorePhoto(r.Context(), inspectionID, service.PhotoUpload{
			Data:        file,
			ContentType: fh.Header.Get("Content-Type"),
			Filename:    fh.Filename,
			CapturedAt:  startedAt,
		})
		file.Close()
		if err != nil {
			h.intake.Discard(r.Context(), photos)
			ErrorResponse(w, r, h.logger, err)
			return
		}
		photos = append(photos, *photo)
	}

	inspection, err := h.inspections.Create(r.Context(), domain.CreateInspectionParams{
		ID:                  inspectionID,
		OrganizationID:      identity.organizationID,
		AffiliatedCompanyID: companyID,
		UserID:              identity.userID,
		StartedAt:           startedAt,
		Photos:              photos,
	})
	if err != nil {
		// No inspection row references the uploaded objects; remove them.
		h.intake.Discard(r.Context(), photos)
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toInspectionResponse(inspection))
}

func (h *InspectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	inspection, err := h.inspections.GetByID(r.Context(), id, identity.organizationID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toInspectionResponse(inspection))
}

func (h *InspectionHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	result, err := h.inspections.List(r.Context(), domain.ListInspectionsParams{
		OrganizationID: identity.organizationID,
		Limit:          int32(limit),
		Offset:         int32(offset),
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	inspections := make([]inspectionResponse, 0, len(result.Inspections))
	for i := range result.Inspections {
		inspections = append(inspections, toInspectionResponse(&result.Inspections[i]))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"inspections": inspections,
		"total":       result.Total,
		"limit":       result.Limit,
		"offset":      result.Offset,
		"has_more":    result.HasMore(),
	})
}

func (h *InspectionHandler) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req startAnalysisRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ErrorResponse(w, r, h.logger, domain.Invalid("inspection.start_analysis", "invalid request body"))
			return
		}
	}

	jobID, err := h.inspections.StartAnalysis(r.Context(), domain.StartAnalysisParams{
		InspectionID:   id,
		OrganizationID: identity.organizationID,
		UserID:         identity.userID,
		PhotoIDs:       req.PhotoIDs,
		Prompt:         req.Prompt,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	// The run is asynchronous; clients poll the analysis status endpoint.
	writeJSON(w, http.StatusAccepted, map[string]string{
		"inspection_id": id.String(),
		"job_id":        jobID.String(),
		"status":        domain.InspectionStatusAnalysisPending.String(),
	})
}

func (h *InspectionHandler) AnalysisStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	view, err := h.inspections.GetAnalysisStatus(r.Context(), id, identity.organizationID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, analysisStatusResponse{
		InspectionID:   view.InspectionID,
		Status:         view.Status.String(),
		TotalPhotos:    view.TotalPhotos,
		AnalyzedPhotos: view.AnalyzedPhotos,
		PendingPhotos:  view.PendingPhotos,
		StartedAt:      view.StartedAt,
		CompletedAt:    view.CompletedAt,
		ErrorMessage:   view.ErrorMessage,
	})
}

func (h *InspectionHandler) Findings(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	findings, err := h.inspections.GetFindings(r.Context(), id, identity.organizationID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	out := make([]findingResponse, 0, len(findings))
	for _, f := range findings {
		out = append(out, toFindingResponse(f))
	}

	counts := domain.CountFindings(findings)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"findings": out,
		"counts": map[string]int{
			"total":  counts.Total,
			"low":    counts.Low,
			"medium": counts.Medium,
			"high":   counts.High,
		},
	})
}

// =============================================================================
// Helpers
// =============================================================================

type requestIdentity struct {
	organizationID uuid.UUID
	userID         uuid.UUID
}

func (h *InspectionHandler) identity(w http.ResponseWriter, r *http.Request) (requestIdentity, bool) {
	orgID, err := uuid.Parse(r.Header.Get(headerOrganizationID))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("request.identity", "valid "+headerOrganizationID+" header is required"))
		return requestIdentity{}, false
	}
	userID, err := uuid.Parse(r.Header.Get(headerUserID))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("request.identity", "valid "+headerUserID+" header is required"))
		return requestIdentity{}, false
	}
	return requestIdentity{organizationID: orgID, userID: userID}, true
}

func (h *InspectionHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("request.path", "invalid inspection id"))
		return uuid.Nil, false
	}
	return id, true
}
