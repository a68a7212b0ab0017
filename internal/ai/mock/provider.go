// Package mock provides an in-process ai.Provider for development and tests.
package mock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvernberg/fieldscope/internal/ai"
)

// Provider is a mock AI provider. The zero-value behavior returns a canned
// pair of findings; tests can override the response or error globally or per
// photo id.
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Global overrides applied when no per-photo override matches.
	AnalyzeImageResponse *ai.AnalysisResult
	AnalyzeImageError    error

	// Per-photo overrides keyed by PhotoID.
	ResponseByPhoto map[uuid.UUID]*ai.AnalysisResult
	ErrorByPhoto    map[uuid.UUID]error

	// Call tracking.
	AnalyzeImageCalls int
	CallsByPhoto      map[uuid.UUID]int
}

// New creates a new mock AI provider.
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger:          logger,
		ResponseByPhoto: make(map[uuid.UUID]*ai.AnalysisResult),
		ErrorByPhoto:    make(map[uuid.UUID]error),
		CallsByPhoto:    make(map[uuid.UUID]int),
	}
}

// AnalyzeImage returns the configured response for the photo, the global
// override, or a canned default.
func (p *Provider) AnalyzeImage(ctx context.Context, params ai.AnalyzeImageParams) (*ai.AnalysisResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.AnalyzeImageCalls++
	p.CallsByPhoto[params.PhotoID]++

	if err, ok := p.ErrorByPhoto[params.PhotoID]; ok && err != nil {
		return nil, err
	}
	if resp, ok := p.ResponseByPhoto[params.PhotoID]; ok && resp != nil {
		return resp, nil
	}
	if p.AnalyzeImageError != nil {
		return nil, p.AnalyzeImageError
	}
	if p.AnalyzeImageResponse != nil {
		return p.AnalyzeImageResponse, nil
	}

	return &ai.AnalysisResult{
		Findings: []ai.PotentialFinding{
			{
				Description:      "Worker not wearing a hard hat near overhead work",
				RiskLevel:        ai.RiskHigh,
				CorrectiveAction: "Stop work until all personnel in the area wear head protection",
				PreventiveAction: "Post signage and include PPE checks in daily toolbox talks",
				Confidence:       ai.ConfidenceHigh,
			},
			{
				Description:      "Loose material stored close to the walkway edge",
				RiskLevel:        ai.RiskMedium,
				CorrectiveAction: "Move stored material away from the edge and secure it",
				PreventiveAction: "Mark dedicated storage zones away from traffic routes",
				Confidence:       ai.ConfidenceMedium,
			},
		},
		Observations: "Active work area with moderate housekeeping. Two issues identified.",
		QualityNotes: "Image quality sufficient for analysis.",
		Usage: ai.UsageInfo{
			Model:        "mock-ai-v1",
			InputTokens:  1250,
			OutputTokens: 850,
			CostCents:    2,
			Duration:     250 * time.Millisecond,
		},
	}, nil
}

// SetPhotoError configures a per-photo failure.
func (p *Provider) SetPhotoError(photoID uuid.UUID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ErrorByPhoto[photoID] = err
}

// SetPhotoResponse configures a per-photo result.
func (p *Provider) SetPhotoResponse(photoID uuid.UUID, resp *ai.AnalysisResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResponseByPhoto[photoID] = resp
}

// ClearPhotoError removes a per-photo failure so later calls succeed.
func (p *Provider) ClearPhotoError(photoID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ErrorByPhoto, photoID)
}

// Calls returns how many times the given photo was analyzed.
func (p *Provider) Calls(photoID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallsByPhoto[photoID]
}

// Reset clears call counters and configured responses.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AnalyzeImageCalls = 0
	p.AnalyzeImageResponse = nil
	p.AnalyzeImageError = nil
	p.ResponseByPhoto = make(map[uuid.UUID]*ai.AnalysisResult)
	p.ErrorByPhoto = make(map[uuid.UUID]error)
	p.CallsByPhoto = make(map[uuid.UUID]int)
}
