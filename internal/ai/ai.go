// Package ai defines the contract for the external image analysis provider.
//
// Implementations live in subpackages: anthropic (production) and mock
// (development and tests).
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider defines the interface for AI-powered safety analysis of a single
// inspection photo.
type Provider interface {
	// AnalyzeImage analyzes one photo for safety issues and returns the
	// structured findings. The call enforces a per-request timeout; callers
	// classify failures with IsRetryable.
	AnalyzeImage(ctx context.Context, params AnalyzeImageParams) (*AnalysisResult, error)
}

// AnalyzeImageParams contains parameters for image analysis.
type AnalyzeImageParams struct {
	ImageData      []byte    // Raw image bytes
	ContentType    string    // MIME type (e.g., "image/jpeg")
	Prompt         string    // Analysis prompt (already resolved by the caller)
	PhotoID        uuid.UUID // Photo id for tracking
	InspectionID   uuid.UUID // Inspection id for tracking
	OrganizationID uuid.UUID // Tenant id for tracking
}

// AnalysisResult contains the complete analysis of one photo.
type AnalysisResult struct {
	Findings     []PotentialFinding // Identified safety issues, possibly empty
	Observations string             // General safety observations
	QualityNotes string             // Notes about image quality/usability
	Raw          []byte             // Raw provider response for auditing
	Usage        UsageInfo          // Token usage and cost information
}

// PotentialFinding represents a single identified safety issue.
type PotentialFinding struct {
	Description      string    // What the issue is
	RiskLevel        RiskLevel // Estimated risk
	CorrectiveAction string    // What to do now
	PreventiveAction string    // How to keep it from recurring
	Confidence       Confidence
}

// UsageInfo tracks API usage for monitoring.
type UsageInfo struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostCents    int
	Duration     time.Duration
}

// RiskLevel mirrors domain.RiskLevel for provider output.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid checks if the risk level is a recognized value.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

// Confidence levels for finding detection.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid checks if the confidence level is recognized.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	default:
		return false
	}
}

// ProviderConfig contains common configuration for providers. Providers make
// a single attempt per call; callers own the retry policy for transient
// errors.
type ProviderConfig struct {
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for provider operations
var (
	// ERateLimit indicates the API rate limit has been exceeded.
	ERateLimit = errors.New("ai provider rate limit exceeded")

	// EInvalidImage indicates the image format or content is invalid.
	EInvalidImage = errors.New("invalid image format or content")

	// EContentPolicy indicates the image violates the provider's content policy.
	EContentPolicy = errors.New("image violates content policy")

	// ETimeout indicates the request timed out.
	ETimeout = errors.New("ai request timed out")

	// EUnavailable indicates the AI service is temporarily unavailable.
	EUnavailable = errors.New("ai service temporarily unavailable")

	// EUnauthorized indicates invalid API credentials.
	EUnauthorized = errors.New("ai provider authentication failed")
)

// IsRetryable returns true for transient failures worth retrying. Invalid
// images, policy rejections and credential failures are permanent.
func IsRetryable(err error) bool {
	return errors.Is(err, ERateLimit) ||
		errors.Is(err, ETimeout) ||
		errors.Is(err, EUnavailable)
}

// WrapError wraps an error with context about the AI operation.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}

// DefaultAnalysisPrompt is the system prompt used when the analysis request
// carries no caller-supplied override. Prompt selection happens in the
// lifecycle service so the orchestrator and providers stay prompt-agnostic.
const DefaultAnalysisPrompt = `You are an expert workplace safety inspector reviewing a photograph taken during a safety audit of an affiliated company's site. Identify every safety issue visible in the image.

For each issue you identify:
- Describe it clearly and specifically
- Rate the risk level: "high" (could cause death or severe injury), "medium" (could cause injury requiring medical treatment), or "low" (minor hazard or housekeeping issue)
- Recommend a corrective action that removes the hazard now
- Recommend a preventive action that keeps it from recurring
- Assess your confidence: "high", "medium", or "low"

Guidelines:
- Only report issues you can reasonably identify from visible evidence
- An image with no visible issues is a valid result: return an empty list
- Be conservative with risk ratings and prioritize worker safety
- Note anything about image quality that limited your assessment

Response format. Return ONLY a JSON object with this exact structure, no additional text:

{
  "findings": [
    {
      "description": "Detailed description of the issue",
      "risk_level": "high|medium|low",
      "corrective_action": "What to do immediately",
      "preventive_action": "How to prevent recurrence",
      "confidence": "high|medium|low"
    }
  ],
  "observations": "Overall safety assessment of the site",
  "quality_notes": "Comments about image quality or analysis limitations"
}`
