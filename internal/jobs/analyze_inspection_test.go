package jobs

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvernberg/fieldscope/internal/ai"
	"github.com/kvernberg/fieldscope/internal/ai/mock"
	"github.com/kvernberg/fieldscope/internal/domain"
	"github.com/kvernberg/fieldscope/internal/repository"
	"github.com/kvernberg/fieldscope/internal/storage"
	"github.com/kvernberg/fieldscope/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory AnalysisStore.
type fakeStore struct {
	mu         sync.Mutex
	inspection *domain.Inspection
	findings   map[uuid.UUID][]repository.NewFindingParams

	statusHistory  []domain.InspectionStatus
	listByIDsCalls int
}

func newFakeStore(inspection *domain.Inspection) *fakeStore {
	return &fakeStore{
		inspection: inspection,
		findings:   make(map[uuid.UUID][]repository.NewFindingParams),
	}
}

func (f *fakeStore) GetInspection(ctx context.Context, id, organizationID uuid.UUID) (*domain.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspection.ID != id || f.inspection.OrganizationID != organizationID {
		return nil, sql.ErrNoRows
	}
	copied := *f.inspection
	copied.Photos = append([]domain.Photo(nil), f.inspection.Photos...)
	return &copied, nil
}

func (f *fakeStore) ListPhotosByIDs(ctx context.Context, inspectionID uuid.UUID, ids []uuid.UUID) ([]domain.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listByIDsCalls++
	if f.inspection.ID != inspectionID {
		return nil, nil
	}
	var photos []domain.Photo
	for _, id := range ids {
		if photo := f.inspection.PhotoByID(id); photo != nil {
			photos = append(photos, *photo)
		}
	}
	return photos, nil
}

func (f *fakeStore) MarkInspectionAnalyzing(ctx context.Context, id, organizationID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspection.ID != id || f.inspection.OrganizationID != organizationID {
		return false, nil
	}
	if f.inspection.Status != domain.InspectionStatusAnalysisPending {
		return false, nil
	}
	f.inspection.Status = domain.InspectionStatusAnalyzing
	f.statusHistory = append(f.statusHistory, domain.InspectionStatusAnalyzing)
	return true, nil
}

func (f *fakeStore) SetInspectionStatus(ctx context.Context, params repository.SetInspectionStatusParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspection.ID != params.ID || f.inspection.OrganizationID != params.OrganizationID {
		return sql.ErrNoRows
	}
	f.inspection.Status = params.Status
	f.inspection.CompletedAt = params.CompletedAt
	f.statusHistory = append(f.statusHistory, params.Status)
	return nil
}

func (f *fakeStore) CompletePhotoAnalysis(ctx context.Context, params repository.CompletePhotoAnalysisParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	photo := f.inspection.PhotoByID(params.PhotoID)
	if photo == nil || f.inspection.ID != params.InspectionID {
		return sql.ErrNoRows
	}
	photo.IsAnalyzed = true
	photo.AnalysisErrorReason = ""
	f.findings[params.PhotoID] = params.Findings
	return nil
}

func (f *fakeStore) MarkPhotoFailed(ctx context.Context, photoID, inspectionID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	photo := f.inspection.PhotoByID(photoID)
	if photo == nil || f.inspection.ID != inspectionID {
		return sql.ErrNoRows
	}
	photo.AnalysisErrorReason = reason
	return nil
}

func (f *fakeStore) status() domain.InspectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspection.Status
}

func (f *fakeStore) photo(id uuid.UUID) domain.Photo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.inspection.PhotoByID(id)
}

// fakeStorage serves the same JPEG bytes for every key.
type fakeStorage struct{}

func (fakeStorage) Put(ctx context.Context, key string, data io.Reader, opts storage.PutOptions) error {
	return nil
}

func (fakeStorage) Get(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	info := storage.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: "image/jpeg"}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (fakeStorage) Delete(ctx context.Context, key string) error { return nil }

func (fakeStorage) URL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

func (fakeStorage) Exists(ctx context.Context, key string) (bool, error) { return true, nil }

func newPendingInspection(photoCount int) *domain.Inspection {
	insp := &domain.Inspection{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		UserID:         uuid.New(),
		Status:         domain.InspectionStatusAnalysisPending,
		StartedAt:      time.Now().Add(-time.Hour),
	}
	for i := 0; i < photoCount; i++ {
		insp.Photos = append(insp.Photos, domain.Photo{
			ID:           uuid.New(),
			InspectionID: insp.ID,
			ImageKey:     storage.PhotoKey(insp.ID, "site.jpg"),
			CapturedAt:   time.Now().Add(-time.Hour),
			SortOrder:    int32(i + 1),
		})
	}
	return insp
}

func payloadJSON(t *testing.T, p worker.AnalyzeInspectionPayload) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func TestHandle_AllPhotosAnalyzed(t *testing.T) {
	insp := newPendingInspection(3)
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
		UserID:         insp.UserID,
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.InspectionStatusCompleted, store.status())
	assert.NotNil(t, store.inspection.CompletedAt)
	for _, p := range insp.Photos {
		got := store.photo(p.ID)
		assert.True(t, got.IsAnalyzed)
		assert.Empty(t, got.AnalysisErrorReason)
		assert.Len(t, store.findings[p.ID], 2) // canned mock result
	}
}

func TestHandle_HighRiskAndCleanPhoto(t *testing.T) {
	insp := newPendingInspection(2)
	store := newFakeStore(insp)
	p1, p2 := insp.Photos[0].ID, insp.Photos[1].ID

	provider := mock.New(discardLogger())
	provider.SetPhotoResponse(p1, &ai.AnalysisResult{
		Findings: []ai.PotentialFinding{{
			Description:      "worker on unguarded ledge",
			RiskLevel:        ai.RiskHigh,
			CorrectiveAction: "install guardrail",
			PreventiveAction: "add fall protection to site checklist",
		}},
	})
	provider.SetPhotoResponse(p2, &ai.AnalysisResult{Observations: "no issues visible"})

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.InspectionStatusCompleted, store.status())

	// A clean photo is analyzed with zero findings, not failed.
	assert.True(t, store.photo(p1).IsAnalyzed)
	assert.True(t, store.photo(p2).IsAnalyzed)
	require.Len(t, store.findings[p1], 1)
	assert.Equal(t, domain.RiskLevelHigh, store.findings[p1][0].RiskLevel)
	assert.Empty(t, store.findings[p2])

	view := store.inspection.StatusView()
	assert.Equal(t, 2, view.TotalPhotos)
	assert.Equal(t, 2, view.AnalyzedPhotos)
	assert.Equal(t, 0, view.PendingPhotos)
}

func TestHandle_PartialFailureIsolated(t *testing.T) {
	insp := newPendingInspection(3)
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())
	badPhoto := insp.Photos[1].ID
	provider.SetPhotoError(badPhoto, ai.EInvalidImage)

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.NoError(t, err)

	// One bad photo never blocks the run from completing.
	assert.Equal(t, domain.InspectionStatusCompleted, store.status())

	failed := store.photo(badPhoto)
	assert.False(t, failed.IsAnalyzed)
	assert.Contains(t, failed.AnalysisErrorReason, "invalid image")
	// Permanent failures are not retried.
	assert.Equal(t, 1, provider.Calls(badPhoto))

	for _, p := range insp.Photos {
		if p.ID == badPhoto {
			continue
		}
		assert.True(t, store.photo(p.ID).IsAnalyzed)
	}
}

func TestHandle_AllPhotosFail(t *testing.T) {
	insp := newPendingInspection(2)
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())
	provider.AnalyzeImageError = ai.EContentPolicy

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.InspectionStatusFailed, store.status())
	for _, p := range insp.Photos {
		got := store.photo(p.ID)
		assert.False(t, got.IsAnalyzed)
		assert.NotEmpty(t, got.AnalysisErrorReason)
	}
}

func TestHandle_PreviouslyAnalyzedPhotosSkipped(t *testing.T) {
	insp := newPendingInspection(3)
	insp.Photos[0].IsAnalyzed = true
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.InspectionStatusCompleted, store.status())
	// The already-analyzed photo never reaches the provider.
	assert.Equal(t, 0, provider.Calls(insp.Photos[0].ID))
	assert.Equal(t, 1, provider.Calls(insp.Photos[1].ID))
	assert.Equal(t, 1, provider.Calls(insp.Photos[2].ID))
}

func TestHandle_PhotoSubset(t *testing.T) {
	insp := newPendingInspection(3)
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
		PhotoIDs:       []uuid.UUID{insp.Photos[2].ID},
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.InspectionStatusCompleted, store.status())
	// Only the requested photo is looked up and analyzed.
	assert.Equal(t, 1, store.listByIDsCalls)
	assert.Equal(t, 0, provider.Calls(insp.Photos[0].ID))
	assert.Equal(t, 0, provider.Calls(insp.Photos[1].ID))
	assert.Equal(t, 1, provider.Calls(insp.Photos[2].ID))
}

func TestHandle_LosesClaimToRunningAnalysis(t *testing.T) {
	insp := newPendingInspection(2)
	insp.Status = domain.InspectionStatusAnalyzing
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	// Losing the claim backs off for a retry but touches nothing.
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
	assert.Equal(t, 0, provider.AnalyzeImageCalls)
	assert.Equal(t, domain.InspectionStatusAnalyzing, store.status())
}

func TestHandle_DuplicateDeliveryAfterCompletion(t *testing.T) {
	insp := newPendingInspection(2)
	insp.Status = domain.InspectionStatusCompleted
	for i := range insp.Photos {
		insp.Photos[i].IsAnalyzed = true
	}
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, provider.AnalyzeImageCalls)
	assert.Equal(t, domain.InspectionStatusCompleted, store.status())
}

func TestHandle_MissingInspectionIsNoOp(t *testing.T) {
	insp := newPendingInspection(1)
	store := newFakeStore(insp)
	provider := mock.New(discardLogger())

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger())

	// A tenant mismatch looks identical to a deleted inspection: no row. The
	// job succeeds without doing anything so the queue never redelivers it.
	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: uuid.New(), // different tenant
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, provider.AnalyzeImageCalls)
	assert.Equal(t, domain.InspectionStatusAnalysisPending, store.status())
}

func TestHandle_InvalidPayloadIsPermanent(t *testing.T) {
	provider := mock.New(discardLogger())
	h := NewAnalyzeInspectionHandler(newFakeStore(newPendingInspection(1)), provider, fakeStorage{}, discardLogger())

	err := h.Handle(context.Background(), []byte("{not json"))
	require.Error(t, err)
	assert.True(t, worker.IsPermanent(err))
}

// flakyProvider fails with a transient error a fixed number of times per
// photo, then delegates to the mock.
type flakyProvider struct {
	mu       sync.Mutex
	failures map[uuid.UUID]int
	inner    *mock.Provider
}

func (p *flakyProvider) AnalyzeImage(ctx context.Context, params ai.AnalyzeImageParams) (*ai.AnalysisResult, error) {
	p.mu.Lock()
	remaining := p.failures[params.PhotoID]
	if remaining > 0 {
		p.failures[params.PhotoID] = remaining - 1
		p.mu.Unlock()
		return nil, ai.ERateLimit
	}
	p.mu.Unlock()
	return p.inner.AnalyzeImage(ctx, params)
}

func TestHandle_TransientFailureRetriedWithinRun(t *testing.T) {
	insp := newPendingInspection(1)
	store := newFakeStore(insp)
	photoID := insp.Photos[0].ID

	provider := &flakyProvider{
		failures: map[uuid.UUID]int{photoID: 2},
		inner:    mock.New(discardLogger()),
	}

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger(),
		WithPhotoRetry(3, time.Millisecond))

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.InspectionStatusCompleted, store.status())
	assert.True(t, store.photo(photoID).IsAnalyzed)
	assert.Equal(t, 1, provider.inner.Calls(photoID))
}

func TestHandle_TransientRetryBudgetExhausted(t *testing.T) {
	insp := newPendingInspection(2)
	store := newFakeStore(insp)
	photoID := insp.Photos[0].ID

	provider := &flakyProvider{
		failures: map[uuid.UUID]int{photoID: 100},
		inner:    mock.New(discardLogger()),
	}

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger(),
		WithPhotoRetry(2, time.Millisecond))

	err := h.Handle(context.Background(), payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.NoError(t, err)

	// The exhausted photo is recorded as failed, the other still completes.
	assert.Equal(t, domain.InspectionStatusCompleted, store.status())
	failed := store.photo(photoID)
	assert.False(t, failed.IsAnalyzed)
	assert.Contains(t, failed.AnalysisErrorReason, "rate limit")
	assert.True(t, store.photo(insp.Photos[1].ID).IsAnalyzed)
}

// cancellingProvider cancels the run after its first successful analysis.
type cancellingProvider struct {
	cancel context.CancelFunc
	inner  *mock.Provider
	once   sync.Once
}

func (p *cancellingProvider) AnalyzeImage(ctx context.Context, params ai.AnalyzeImageParams) (*ai.AnalysisResult, error) {
	result, err := p.inner.AnalyzeImage(ctx, params)
	p.once.Do(p.cancel)
	return result, err
}

func TestHandle_CancellationReleasesClaimAndKeepsResults(t *testing.T) {
	insp := newPendingInspection(3)
	store := newFakeStore(insp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &cancellingProvider{cancel: cancel, inner: mock.New(discardLogger())}

	h := NewAnalyzeInspectionHandler(store, provider, fakeStorage{}, discardLogger(),
		WithAnalysisConcurrency(1))

	err := h.Handle(ctx, payloadJSON(t, worker.AnalyzeInspectionPayload{
		InspectionID:   insp.ID,
		OrganizationID: insp.OrganizationID,
	}))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))

	// The claim is released so a retry can resume, and the work done before
	// cancellation is preserved.
	assert.Equal(t, domain.InspectionStatusAnalysisPending, store.status())
	assert.Equal(t, 1, store.inspection.AnalyzedCount())
}
