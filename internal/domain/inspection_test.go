package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestInspectionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name   string
		from   InspectionStatus
		to     InspectionStatus
		want   bool
	}{
		{"created to pending", InspectionStatusCreated, InspectionStatusAnalysisPending, true},
		{"created to analyzing skips pending", InspectionStatusCreated, InspectionStatusAnalyzing, false},
		{"pending to analyzing", InspectionStatusAnalysisPending, InspectionStatusAnalyzing, true},
		{"pending to completed skips analyzing", InspectionStatusAnalysisPending, InspectionStatusCompleted, false},
		{"analyzing to completed", InspectionStatusAnalyzing, InspectionStatusCompleted, true},
		{"analyzing to failed", InspectionStatusAnalyzing, InspectionStatusFailed, true},
		{"analyzing back to pending on resume", InspectionStatusAnalyzing, InspectionStatusAnalysisPending, true},
		{"analyzing to created is backwards", InspectionStatusAnalyzing, InspectionStatusCreated, false},
		{"completed to pending for re-analysis", InspectionStatusCompleted, InspectionStatusAnalysisPending, true},
		{"failed to pending for re-analysis", InspectionStatusFailed, InspectionStatusAnalysisPending, true},
		{"completed to analyzing directly", InspectionStatusCompleted, InspectionStatusAnalyzing, false},
		{"failed to completed", InspectionStatusFailed, InspectionStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestInspectionStatus_IsValid(t *testing.T) {
	valid := []InspectionStatus{
		InspectionStatusCreated,
		InspectionStatusAnalysisPending,
		InspectionStatusAnalyzing,
		InspectionStatusCompleted,
		InspectionStatusFailed,
	}
	for _, s := range valid {
		assert.True(t, s.IsValid(), "expected %s to be valid", s)
	}
	assert.False(t, InspectionStatus("draft").IsValid())
	assert.False(t, InspectionStatus("").IsValid())
}

func TestInspection_StatusView(t *testing.T) {
	tests := []struct {
		name         string
		photos       []Photo
		wantAnalyzed int
		wantPending  int
		wantError    string
	}{
		{
			name:         "no photos",
			photos:       nil,
			wantAnalyzed: 0,
			wantPending:  0,
		},
		{
			name: "all pending",
			photos: []Photo{
				{ID: uuid.New()},
				{ID: uuid.New()},
			},
			wantAnalyzed: 0,
			wantPending:  2,
		},
		{
			name: "mixed with one failure",
			photos: []Photo{
				{ID: uuid.New(), IsAnalyzed: true},
				{ID: uuid.New(), AnalysisErrorReason: "invalid image format"},
				{ID: uuid.New(), IsAnalyzed: true},
			},
			wantAnalyzed: 2,
			wantPending:  1,
			wantError:    "invalid image format",
		},
		{
			name: "first error wins",
			photos: []Photo{
				{ID: uuid.New(), AnalysisErrorReason: "first"},
				{ID: uuid.New(), AnalysisErrorReason: "second"},
			},
			wantAnalyzed: 0,
			wantPending:  2,
			wantError:    "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insp := Inspection{
				ID:        uuid.New(),
				Status:    InspectionStatusAnalyzing,
				StartedAt: time.Now(),
				Photos:    tt.photos,
			}
			view := insp.StatusView()

			assert.Equal(t, insp.ID, view.InspectionID)
			assert.Equal(t, len(tt.photos), view.TotalPhotos)
			assert.Equal(t, tt.wantAnalyzed, view.AnalyzedPhotos)
			assert.Equal(t, tt.wantPending, view.PendingPhotos)
			assert.Equal(t, tt.wantError, view.ErrorMessage)

			// Invariant: counts always add up, regardless of photo states.
			assert.Equal(t, view.TotalPhotos, view.AnalyzedPhotos+view.PendingPhotos)
		})
	}
}

func TestInspection_AllAnalyzed(t *testing.T) {
	analyzed := Photo{ID: uuid.New(), IsAnalyzed: true}
	pending := Photo{ID: uuid.New()}
	insp := Inspection{Photos: []Photo{analyzed, pending}}

	assert.True(t, insp.AllAnalyzed([]uuid.UUID{analyzed.ID}))
	assert.False(t, insp.AllAnalyzed([]uuid.UUID{analyzed.ID, pending.ID}))
	assert.False(t, insp.AllAnalyzed([]uuid.UUID{uuid.New()}), "unknown id counts as not analyzed")
	assert.True(t, insp.AllAnalyzed(nil))
}
