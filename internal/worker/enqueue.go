package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kvernberg/fieldscope/internal/repository"
)

// Job type constants - these must match the JobHandler.Type() values
const (
	JobTypeAnalyzeInspection = "analyze_inspection"
)

// Priority constants for job scheduling
const (
	PriorityLow    = 0
	PriorityNormal = 10
	PriorityHigh   = 20
)

// AnalyzeInspectionPayload is the payload for inspection analysis jobs.
// An empty PhotoIDs slice means every photo of the inspection.
type AnalyzeInspectionPayload struct {
	InspectionID   uuid.UUID   `json:"inspection_id"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	UserID         uuid.UUID   `json:"user_id"`
	PhotoIDs       []uuid.UUID `json:"photo_ids,omitempty"`
	Prompt         string      `json:"prompt,omitempty"`
}

// Enqueuer is the slice of the repository the enqueue helpers need.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, params repository.EnqueueJobParams) (*repository.Job, error)
}

// EnqueueOption is a functional option for customizing job enqueue parameters.
type EnqueueOption func(*repository.EnqueueJobParams)

// WithPriority sets the job priority.
func WithPriority(priority int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.Priority = priority
	}
}

// EnqueueJob is a generic helper for enqueuing jobs with custom options.
func EnqueueJob(
	ctx context.Context,
	store Enqueuer,
	jobType string,
	payload interface{},
	opts ...EnqueueOption,
) (*repository.Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	params := repository.EnqueueJobParams{
		JobType:     jobType,
		Payload:     payloadJSON,
		Priority:    PriorityNormal,
		MaxAttempts: 3,
		ScheduledAt: time.Now(),
	}

	for _, opt := range opts {
		opt(&params)
	}

	job, err := store.EnqueueJob(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	return job, nil
}

// EnqueueAnalyzeInspection enqueues a job to analyze an inspection's photos.
// This is typically called when a user requests analysis of an inspection.
func EnqueueAnalyzeInspection(
	ctx context.Context,
	store Enqueuer,
	payload AnalyzeInspectionPayload,
	opts ...EnqueueOption,
) (*repository.Job, error) {
	return EnqueueJob(ctx, store, JobTypeAnalyzeInspection, payload, opts...)
}
