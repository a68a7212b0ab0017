package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvernberg/fieldscope/internal/domain"
	"github.com/kvernberg/fieldscope/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubInspectionService returns canned values per method.
type stubInspectionService struct {
	inspection *domain.Inspection
	view       *domain.AnalysisStatusView
	findings   []domain.Finding
	err        error

	startParams *domain.StartAnalysisParams
}

func (s *stubInspectionService) Create(ctx context.Context, params domain.CreateInspectionParams) (*domain.Inspection, error) {
	return s.inspection, s.err
}

func (s *stubInspectionService) GetByID(ctx context.Context, id, organizationID uuid.UUID) (*domain.Inspection, error) {
	return s.inspection, s.err
}

func (s *stubInspectionService) List(ctx context.Context, params domain.ListInspectionsParams) (*domain.ListInspectionsResult, error) {
	return &domain.ListInspectionsResult{Limit: 20}, s.err
}

func (s *stubInspectionService) StartAnalysis(ctx context.Context, params domain.StartAnalysisParams) (uuid.UUID, error) {
	s.startParams = &params
	if s.err != nil {
		return uuid.Nil, s.err
	}
	return uuid.New(), nil
}

func (s *stubInspectionService) GetAnalysisStatus(ctx context.Context, id, organizationID uuid.UUID) (*domain.AnalysisStatusView, error) {
	return s.view, s.err
}

func (s *stubInspectionService) GetFindings(ctx context.Context, id, organizationID uuid.UUID) ([]domain.Finding, error) {
	return s.findings, s.err
}

// stubIntake records stored and discarded photos. failAfter > 0 makes
// StorePhoto fail once that many photos have been stored.
type stubIntake struct {
	stored    []domain.NewPhoto
	discarded []domain.NewPhoto
	failAfter int
}

func (s *stubIntake) StorePhoto(ctx context.Context, inspectionID uuid.UUID, upload service.PhotoUpload) (*domain.NewPhoto, error) {
	if s.failAfter > 0 && len(s.stored) >= s.failAfter {
		return nil, domain.Invalid("photo.store", "unsupported image type")
	}
	photo := domain.NewPhoto{
		ImageKey:     "inspections/" + inspectionID.String() + "/" + upload.Filename,
		ThumbnailKey: "inspections/" + inspectionID.String() + "/thumb.jpg",
		CapturedAt:   upload.CapturedAt,
	}
	s.stored = append(s.stored, photo)
	return &photo, nil
}

func (s *stubIntake) Discard(ctx context.Context, photos []domain.NewPhoto) {
	s.discarded = append(s.discarded, photos...)
}

func newTestMux(svc service.InspectionService) *http.ServeMux {
	return newTestMuxWithIntake(svc, &stubIntake{})
}

func newTestMuxWithIntake(svc service.InspectionService, intake service.PhotoIntakeService) *http.ServeMux {
	mux := http.NewServeMux()
	NewInspectionHandler(svc, intake, discardLogger()).RegisterRoutes(mux)
	return mux
}

func multipartCreateRequest(t *testing.T, photoNames ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range photoNames {
		part, err := w.CreateFormFile("photos", name)
		require.NoError(t, err)
		_, err = part.Write([]byte{0xFF, 0xD8, 0xFF})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/inspections", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return withIdentity(req)
}

func withIdentity(r *http.Request) *http.Request {
	r.Header.Set(headerOrganizationID, uuid.NewString())
	r.Header.Set(headerUserID, uuid.NewString())
	return r
}

func TestCreate_DiscardsStoredPhotosOnValidationFailure(t *testing.T) {
	svc := &stubInspectionService{err: domain.Invalid("inspection.create", "organization is required")}
	intake := &stubIntake{}
	mux := newTestMuxWithIntake(svc, intake)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartCreateRequest(t, "site1.jpg", "site2.jpg"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// Rejected inspections leave no objects behind in storage.
	require.Len(t, intake.stored, 2)
	assert.Equal(t, intake.stored, intake.discarded)
}

func TestCreate_DiscardsStoredPhotosOnUploadFailure(t *testing.T) {
	svc := &stubInspectionService{inspection: &domain.Inspection{}}
	intake := &stubIntake{failAfter: 1}
	mux := newTestMuxWithIntake(svc, intake)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, multipartCreateRequest(t, "good.jpg", "bad.pdf"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// The photo stored before the failing one is cleaned up.
	require.Len(t, intake.stored, 1)
	assert.Equal(t, intake.stored, intake.discarded)
}

func TestStartAnalysis_Accepted(t *testing.T) {
	svc := &stubInspectionService{}
	mux := newTestMux(svc)

	id := uuid.New()
	body := strings.NewReader(`{"photo_ids": ["` + uuid.NewString() + `"], "prompt": "check scaffolding"}`)
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/inspections/"+id.String()+"/analysis", body))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "analysis_pending", resp["status"])

	require.NotNil(t, svc.startParams)
	assert.Equal(t, id, svc.startParams.InspectionID)
	assert.Len(t, svc.startParams.PhotoIDs, 1)
	assert.Equal(t, "check scaffolding", svc.startParams.Prompt)
}

func TestStartAnalysis_ConflictMapsTo409(t *testing.T) {
	svc := &stubInspectionService{err: domain.Conflict("inspection.start_analysis", "analysis already requested for this inspection")}
	mux := newTestMux(svc)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/inspections/"+uuid.NewString()+"/analysis", nil))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.ECONFLICT, resp["error"]["code"])
}

func TestGet_NotFoundMapsTo404(t *testing.T) {
	svc := &stubInspectionService{err: domain.NotFound("inspection.get", "inspection", uuid.NewString())}
	mux := newTestMux(svc)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/inspections/"+uuid.NewString(), nil))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingIdentityHeaders(t *testing.T) {
	mux := newTestMux(&stubInspectionService{})

	req := httptest.NewRequest(http.MethodGet, "/api/inspections", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidInspectionID(t *testing.T) {
	mux := newTestMux(&stubInspectionService{})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/inspections/not-a-uuid", nil))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFindings_IncludesRiskCounts(t *testing.T) {
	svc := &stubInspectionService{findings: []domain.Finding{
		{ID: uuid.New(), RiskLevel: domain.RiskLevelHigh},
		{ID: uuid.New(), RiskLevel: domain.RiskLevelLow},
		{ID: uuid.New(), RiskLevel: domain.RiskLevelLow},
	}}
	mux := newTestMux(svc)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/inspections/"+uuid.NewString()+"/findings", nil))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Findings []findingResponse `json:"findings"`
		Counts   map[string]int    `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Findings, 3)
	assert.Equal(t, 3, resp.Counts["total"])
	assert.Equal(t, 2, resp.Counts["low"])
	assert.Equal(t, 0, resp.Counts["medium"])
	assert.Equal(t, 1, resp.Counts["high"])
}

func TestAnalysisStatus_Body(t *testing.T) {
	started := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	inspectionID := uuid.New()
	svc := &stubInspectionService{
		view: &domain.AnalysisStatusView{
			InspectionID:   inspectionID,
			Status:         domain.InspectionStatusAnalyzing,
			TotalPhotos:    4,
			AnalyzedPhotos: 1,
			PendingPhotos:  3,
			StartedAt:      started,
		},
	}
	mux := newTestMux(svc)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/inspections/"+inspectionID.String()+"/analysis", nil))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp analysisStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, inspectionID, resp.InspectionID)
	assert.Equal(t, "analyzing", resp.Status)
	assert.Equal(t, 4, resp.TotalPhotos)
	assert.Equal(t, 1, resp.AnalyzedPhotos)
	assert.Equal(t, 3, resp.PendingPhotos)
	assert.Nil(t, resp.CompletedAt)
}
