// Package jobs contains the background job handlers executed by the worker.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sqlc-dev/pqtype"

	"github.com/kvernberg/fieldscope/internal/ai"
	"github.com/kvernberg/fieldscope/internal/domain"
	"github.com/kvernberg/fieldscope/internal/metrics"
	"github.com/kvernberg/fieldscope/internal/repository"
	"github.com/kvernberg/fieldscope/internal/storage"
	"github.com/kvernberg/fieldscope/internal/worker"
)

const (
	// defaultAnalysisConcurrency limits concurrent AI API calls per job to
	// avoid rate limiting.
	defaultAnalysisConcurrency = 3

	// defaultPhotoRetryAttempts is the per-photo retry budget for transient
	// provider failures within a single run.
	defaultPhotoRetryAttempts = 3

	// defaultPhotoRetryBaseDelay is the base for the per-photo exponential
	// backoff.
	defaultPhotoRetryBaseDelay = 1 * time.Second
)

// AnalysisStore is the slice of the repository the analysis handler needs.
type AnalysisStore interface {
	GetInspection(ctx context.Context, id, organizationID uuid.UUID) (*domain.Inspection, error)
	ListPhotosByIDs(ctx context.Context, inspectionID uuid.UUID, ids []uuid.UUID) ([]domain.Photo, error)
	MarkInspectionAnalyzing(ctx context.Context, id, organizationID uuid.UUID) (bool, error)
	SetInspectionStatus(ctx context.Context, params repository.SetInspectionStatusParams) error
	CompletePhotoAnalysis(ctx context.Context, params repository.CompletePhotoAnalysisParams) error
	MarkPhotoFailed(ctx context.Context, photoID, inspectionID uuid.UUID, reason string) error
}

// AnalyzeInspectionHandler processes jobs that analyze an inspection's photos
// for safety findings. It downloads each photo from storage, sends it to the
// AI provider, and persists the resulting findings per photo.
//
// The handler is safe to re-run: already-analyzed photos are skipped, and the
// inspection status acts as a cooperative lock so two concurrent runs for the
// same inspection cannot both process photos.
type AnalyzeInspectionHandler struct {
	store       AnalysisStore
	aiProvider  ai.Provider
	storage     storage.Storage
	logger      *slog.Logger
	concurrency int

	retryAttempts  uint64
	retryBaseDelay time.Duration
}

// AnalyzeInspectionOption customizes handler construction.
type AnalyzeInspectionOption func(*AnalyzeInspectionHandler)

// WithAnalysisConcurrency overrides the per-job AI call concurrency limit.
func WithAnalysisConcurrency(n int) AnalyzeInspectionOption {
	return func(h *AnalyzeInspectionHandler) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithPhotoRetry overrides the per-photo transient retry budget.
func WithPhotoRetry(attempts uint64, baseDelay time.Duration) AnalyzeInspectionOption {
	return func(h *AnalyzeInspectionHandler) {
		if attempts > 0 {
			h.retryAttempts = attempts
		}
		if baseDelay > 0 {
			h.retryBaseDelay = baseDelay
		}
	}
}

// NewAnalyzeInspectionHandler creates a new handler for inspection analysis jobs.
func NewAnalyzeInspectionHandler(
	store AnalysisStore,
	aiProvider ai.Provider,
	storage storage.Storage,
	logger *slog.Logger,
	opts ...AnalyzeInspectionOption,
) *AnalyzeInspectionHandler {
	h := &AnalyzeInspectionHandler{
		store:          store,
		aiProvider:     aiProvider,
		storage:        storage,
		logger:         logger,
		concurrency:    defaultAnalysisConcurrency,
		retryAttempts:  defaultPhotoRetryAttempts,
		retryBaseDelay: defaultPhotoRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Type returns the job type identifier.
func (h *AnalyzeInspectionHandler) Type() string {
	return worker.JobTypeAnalyzeInspection
}

// Handle executes one analysis run for an inspection.
//
// The run claims the inspection by flipping its status from analysis_pending
// to analyzing with a conditional update. A run that loses the claim backs
// off: the winning run will drive the inspection to a terminal status. Photos
// are processed independently with bounded concurrency; a failure on one
// photo never aborts the others. On cancellation the status falls back to
// analysis_pending so a later retry resumes where this run stopped.
func (h *AnalyzeInspectionHandler) Handle(ctx context.Context, payload []byte) error {
	var p worker.AnalyzeInspectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.NewPermanentError(fmt.Errorf("invalid payload: %w", err))
	}
	if p.InspectionID == uuid.Nil || p.OrganizationID == uuid.Nil {
		return worker.NewPermanentError(errors.New("payload missing inspection or organization id"))
	}

	logger := h.logger.With("inspection_id", p.InspectionID, "organization_id", p.OrganizationID)
	logger.Info("Analyzing inspection", "user_id", p.UserID, "requested_photos", len(p.PhotoIDs))

	// 1. Fetch and validate inspection
	inspection, err := h.store.GetInspection(ctx, p.InspectionID, p.OrganizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Covers both deleted inspections and tenant mismatches.
			// Redelivering the job can never make progress.
			logger.Info("Inspection not found, nothing to analyze")
			return nil
		}
		return fmt.Errorf("fetch inspection: %w", err)
	}

	// Redelivery of a finished job: every requested photo already carries a
	// persisted analysis.
	if inspection.Status.IsTerminal() && inspection.AllAnalyzed(p.PhotoIDs) {
		logger.Info("Analysis already finished, nothing to do", "status", inspection.Status)
		return nil
	}

	// 2. Claim the inspection. The conditional update succeeds for exactly
	// one run; everyone else resolves from the observed status.
	claimed, err := h.store.MarkInspectionAnalyzing(ctx, p.InspectionID, p.OrganizationID)
	if err != nil {
		return fmt.Errorf("claim inspection: %w", err)
	}
	if !claimed {
		return h.resolveUnclaimed(ctx, p, logger)
	}

	// 3. Resolve target photos. An empty requested set means every photo.
	targets, err := h.resolveTargets(ctx, inspection, p.PhotoIDs, logger)
	if err != nil {
		h.releaseClaim(ctx, p, logger)
		return fmt.Errorf("resolve target photos: %w", err)
	}

	// 4. Analyze unprocessed targets in parallel with limited concurrency.
	// Photos analyzed by an earlier, interrupted run keep their results.
	var succeeded, failed, skipped atomic.Int32
	sem := make(chan struct{}, h.concurrency)
	var wg sync.WaitGroup

	for _, photo := range targets {
		if photo.IsAnalyzed {
			skipped.Add(1)
			metrics.PhotosAnalyzed.WithLabelValues("skipped").Inc()
			continue
		}
		if ctx.Err() != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(photo domain.Photo) {
			defer wg.Done()
			defer func() { <-sem }()

			photoLogger := logger.With("photo_id", photo.ID)
			if err := h.analyzePhoto(ctx, photo, p, photoLogger); err != nil {
				failed.Add(1)
				metrics.PhotosAnalyzed.WithLabelValues("failed").Inc()
				photoLogger.Error("Photo analysis failed", "error", err)

				if markErr := h.markPhotoFailed(ctx, photo, err); markErr != nil {
					photoLogger.Error("Failed to record photo failure", "error", markErr)
				}
				return
			}

			succeeded.Add(1)
			metrics.PhotosAnalyzed.WithLabelValues("analyzed").Inc()
			photoLogger.Info("Photo analysis completed")
		}(photo)
	}

	wg.Wait()

	// 5. On cancellation, release the claim so a retry can resume. Per-photo
	// results persisted above survive.
	if ctx.Err() != nil {
		h.releaseClaim(ctx, p, logger)
		return fmt.Errorf("analysis interrupted: %w", ctx.Err())
	}

	// 6. Aggregate. The run completes if any photo of the inspection has a
	// successful analysis, including photos analyzed by earlier runs. It
	// fails only when nothing at all could be analyzed.
	return h.finalize(ctx, p, targets, int(succeeded.Load()), int(failed.Load()), int(skipped.Load()), logger)
}

// resolveUnclaimed decides the outcome for a run that lost the status claim.
func (h *AnalyzeInspectionHandler) resolveUnclaimed(ctx context.Context, p worker.AnalyzeInspectionPayload, logger *slog.Logger) error {
	inspection, err := h.store.GetInspection(ctx, p.InspectionID, p.OrganizationID)
	if err != nil {
		return fmt.Errorf("fetch inspection after failed claim: %w", err)
	}

	switch {
	case inspection.Status.IsTerminal():
		// Duplicate delivery of an already-finished run.
		logger.Info("Analysis already finished, nothing to do", "status", inspection.Status)
		return nil
	case inspection.Status == domain.InspectionStatusAnalyzing:
		// Another run holds the claim. Back off; the retry either finds a
		// terminal status or picks up a released claim.
		logger.Warn("Another analysis run is in flight, backing off")
		return errors.New("analysis already in flight")
	default:
		return worker.NewPermanentError(fmt.Errorf("inspection not ready for analysis: status %s", inspection.Status))
	}
}

// resolveTargets fetches the requested subset of the inspection's photos.
func (h *AnalyzeInspectionHandler) resolveTargets(ctx context.Context, inspection *domain.Inspection, requested []uuid.UUID, logger *slog.Logger) ([]domain.Photo, error) {
	if len(requested) == 0 {
		return inspection.Photos, nil
	}

	targets, err := h.store.ListPhotosByIDs(ctx, inspection.ID, requested)
	if err != nil {
		return nil, fmt.Errorf("list requested photos: %w", err)
	}
	if len(targets) < len(requested) {
		// The service validates membership at enqueue time; a gap here means
		// photos were deleted since.
		logger.Warn("Some requested photos no longer belong to the inspection",
			"requested", len(requested),
			"found", len(targets),
		)
	}
	return targets, nil
}

// analyzePhoto downloads one photo, runs it through the AI provider with a
// transient-failure retry budget, and persists the findings atomically.
func (h *AnalyzeInspectionHandler) analyzePhoto(ctx context.Context, photo domain.Photo, p worker.AnalyzeInspectionPayload, logger *slog.Logger) error {
	reader, objInfo, err := h.storage.Get(ctx, photo.ImageKey)
	if err != nil {
		return fmt.Errorf("download photo from storage: %w", err)
	}
	defer reader.Close()

	imageData, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read photo data: %w", err)
	}

	logger.Debug("Downloaded photo from storage",
		"size_bytes", len(imageData),
		"content_type", objInfo.ContentType,
	)

	params := ai.AnalyzeImageParams{
		ImageData:      imageData,
		ContentType:    objInfo.ContentType,
		Prompt:         p.Prompt,
		PhotoID:        photo.ID,
		InspectionID:   p.InspectionID,
		OrganizationID: p.OrganizationID,
	}
	if params.Prompt == "" {
		params.Prompt = ai.DefaultAnalysisPrompt
	}

	var result *ai.AnalysisResult
	backoff := retry.WithMaxRetries(h.retryAttempts, retry.NewExponential(h.retryBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		result, callErr = h.aiProvider.AnalyzeImage(ctx, params)
		if callErr != nil {
			metrics.AIAPICalls.WithLabelValues("error").Inc()
			if ai.IsRetryable(callErr) {
				return retry.RetryableError(callErr)
			}
			return callErr
		}
		metrics.AIAPICalls.WithLabelValues("success").Inc()
		return nil
	})
	if err != nil {
		return ai.WrapError("analyze image", err)
	}

	logger.Info("AI analysis completed",
		"findings", len(result.Findings),
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"cost_cents", result.Usage.CostCents,
	)
	metrics.AITokensTotal.WithLabelValues("input").Add(float64(result.Usage.InputTokens))
	metrics.AITokensTotal.WithLabelValues("output").Add(float64(result.Usage.OutputTokens))
	metrics.AICostCentsTotal.Add(float64(result.Usage.CostCents))

	findings := make([]repository.NewFindingParams, 0, len(result.Findings))
	for _, f := range result.Findings {
		findings = append(findings, repository.NewFindingParams{
			Description:      f.Description,
			RiskLevel:        domain.RiskLevel(f.RiskLevel),
			CorrectiveAction: f.CorrectiveAction,
			PreventiveAction: f.PreventiveAction,
		})
	}

	var raw pqtype.NullRawMessage
	if len(result.Raw) > 0 {
		raw = pqtype.NullRawMessage{RawMessage: result.Raw, Valid: true}
	}

	// Persist on a detached context: a finished analysis survives run
	// cancellation, so a resumed run skips this photo.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := h.store.CompletePhotoAnalysis(writeCtx, repository.CompletePhotoAnalysisParams{
		PhotoID:      photo.ID,
		InspectionID: p.InspectionID,
		Findings:     findings,
		RawResponse:  raw,
	}); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}

	metrics.FindingsDetected.Add(float64(len(findings)))
	return nil
}

// markPhotoFailed records the failure reason on the photo. Uses a detached
// context so the record survives run cancellation.
func (h *AnalyzeInspectionHandler) markPhotoFailed(ctx context.Context, photo domain.Photo, cause error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return h.store.MarkPhotoFailed(writeCtx, photo.ID, photo.InspectionID, cause.Error())
}

// releaseClaim returns a cancelled run's inspection to analysis_pending so a
// retry can claim it again.
func (h *AnalyzeInspectionHandler) releaseClaim(ctx context.Context, p worker.AnalyzeInspectionPayload, logger *slog.Logger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := h.store.SetInspectionStatus(writeCtx, repository.SetInspectionStatusParams{
		ID:             p.InspectionID,
		OrganizationID: p.OrganizationID,
		Status:         domain.InspectionStatusAnalysisPending,
	})
	if err != nil {
		logger.Error("Failed to release inspection claim", "error", err)
		return
	}
	logger.Info("Released inspection claim after cancellation")
}

// finalize moves the inspection to its terminal status.
func (h *AnalyzeInspectionHandler) finalize(ctx context.Context, p worker.AnalyzeInspectionPayload, targets []domain.Photo, succeeded, failed, skipped int, logger *slog.Logger) error {
	// Reload for an authoritative analyzed count across all runs.
	inspection, err := h.store.GetInspection(ctx, p.InspectionID, p.OrganizationID)
	if err != nil {
		return fmt.Errorf("reload inspection: %w", err)
	}

	status := domain.InspectionStatusCompleted
	if inspection.AnalyzedCount() == 0 {
		status = domain.InspectionStatusFailed
	}

	now := time.Now().UTC()
	err = h.store.SetInspectionStatus(ctx, repository.SetInspectionStatusParams{
		ID:             p.InspectionID,
		OrganizationID: p.OrganizationID,
		Status:         status,
		CompletedAt:    &now,
	})
	if err != nil {
		return fmt.Errorf("set terminal status: %w", err)
	}

	logger.Info("Inspection analysis finished",
		"status", status,
		"target_photos", len(targets),
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
	)
	return nil
}
