// Package anthropic implements the ai.Provider interface against the
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kvernberg/fieldscope/internal/ai"
)

const (
	// APIBaseURL is the base URL for the Anthropic API
	APIBaseURL = "https://api.anthropic.com/v1/messages"

	// APIVersion is the Anthropic API version
	APIVersion = "2023-06-01"

	// DefaultModel is the default Claude model to use
	DefaultModel = "claude-3-5-sonnet-20241022"

	// MaxImageSize is the maximum image size in bytes (20MB)
	MaxImageSize = 20 * 1024 * 1024

	// Pricing in cents per 1M tokens for claude-3-5-sonnet
	PricingInputCents  = 300  // $3 per 1M input tokens
	PricingOutputCents = 1500 // $15 per 1M output tokens
)

// Config contains configuration for the Anthropic provider
type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Messages API endpoint. Defaults to APIBaseURL.
	BaseURL string

	ProviderConfig ai.ProviderConfig
}

// Provider implements ai.Provider using Anthropic's Claude API.
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new Anthropic AI provider.
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = APIBaseURL
	}
	if config.ProviderConfig.RequestTimeout == 0 {
		config.ProviderConfig.RequestTimeout = 60 * time.Second
	}

	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: config.ProviderConfig.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// AnalyzeImage analyzes an inspection photo for safety issues using Claude.
func (p *Provider) AnalyzeImage(ctx context.Context, params ai.AnalyzeImageParams) (*ai.AnalysisResult, error) {
	startTime := time.Now()

	if err := p.validateImageParams(params); err != nil {
		return nil, ai.WrapError("analyze image", err)
	}

	body, err := p.buildRequestBody(params)
	if err != nil {
		return nil, ai.WrapError("build request", err)
	}

	resp, raw, err := p.executeRequest(ctx, body)
	if err != nil {
		return nil, ai.WrapError("execute request", err)
	}

	result, err := parseAnalysisResponse(resp)
	if err != nil {
		return nil, ai.WrapError("parse response", err)
	}
	result.Raw = raw

	result.Usage = ai.UsageInfo{
		Model:        p.config.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostCents:    p.calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Duration:     time.Since(startTime),
	}

	p.logger.Debug("anthropic analysis complete",
		"photo_id", params.PhotoID,
		"findings", len(result.Findings),
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"cost_cents", result.Usage.CostCents,
	)

	return result, nil
}

// validateImageParams validates the image analysis parameters
func (p *Provider) validateImageParams(params ai.AnalyzeImageParams) error {
	if len(params.ImageData) == 0 {
		return ai.EInvalidImage
	}
	if len(params.ImageData) > MaxImageSize {
		return fmt.Errorf("%w: image size %d exceeds maximum %d", ai.EInvalidImage, len(params.ImageData), MaxImageSize)
	}
	if params.ContentType == "" {
		return fmt.Errorf("%w: content type is required", ai.EInvalidImage)
	}
	validTypes := map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	}
	if !validTypes[params.ContentType] {
		return fmt.Errorf("%w: unsupported content type %s", ai.EInvalidImage, params.ContentType)
	}
	if params.Prompt == "" {
		return fmt.Errorf("analysis prompt is required")
	}
	return nil
}

// buildRequestBody builds the JSON body for the Messages API call.
func (p *Provider) buildRequestBody(params ai.AnalyzeImageParams) ([]byte, error) {
	imageB64 := base64.StdEncoding.EncodeToString(params.ImageData)

	reqBody := apiRequest{
		Model:     p.config.Model,
		MaxTokens: 4096,
		Messages: []apiMessage{
			{
				Role: "user",
				Content: []apiContent{
					{
						Type: "image",
						Source: &apiImageSource{
							Type:      "base64",
							MediaType: params.ContentType,
							Data:      imageB64,
						},
					},
					{
						Type: "text",
						Text: params.Prompt,
					},
				},
			},
		},
	}

	return json.Marshal(reqBody)
}

// executeRequest executes a single HTTP request. Transient failures surface
// as retryable sentinel errors; the caller owns the retry policy.
func (p *Provider) executeRequest(ctx context.Context, body []byte) (*apiResponse, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", APIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ai.ETimeout
		}
		// Network errors are typically retryable
		return nil, nil, ai.EUnavailable
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, mapHTTPError(resp.StatusCode, bodyBytes)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &apiResp, bodyBytes, nil
}

// mapHTTPError maps HTTP status codes to the ai sentinel errors.
func mapHTTPError(statusCode int, body []byte) error {
	var errResp apiErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ai.EUnauthorized
	case http.StatusTooManyRequests:
		return ai.ERateLimit
	case http.StatusRequestTimeout:
		return ai.ETimeout
	case http.StatusBadRequest:
		if errResp.Error.Type == "invalid_request_error" {
			return ai.EInvalidImage
		}
		return fmt.Errorf("bad request: %s", errResp.Error.Message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout,
		http.StatusInternalServerError:
		return ai.EUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errResp.Error.Message)
	}
}

// parseAnalysisResponse parses the API response into an AnalysisResult.
func parseAnalysisResponse(resp *apiResponse) (*ai.AnalysisResult, error) {
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("empty response content")
	}

	var textContent string
	for _, content := range resp.Content {
		if content.Type == "text" {
			textContent = content.Text
			break
		}
	}
	if textContent == "" {
		return nil, fmt.Errorf("no text content in response")
	}

	var output analysisOutput
	if err := json.Unmarshal([]byte(textContent), &output); err != nil {
		return nil, fmt.Errorf("parse analysis output: %w", err)
	}

	result := &ai.AnalysisResult{
		Findings:     make([]ai.PotentialFinding, 0, len(output.Findings)),
		Observations: output.Observations,
		QualityNotes: output.QualityNotes,
	}

	for _, f := range output.Findings {
		finding := ai.PotentialFinding{
			Description:      f.Description,
			RiskLevel:        ai.RiskLevel(f.RiskLevel),
			CorrectiveAction: f.CorrectiveAction,
			PreventiveAction: f.PreventiveAction,
			Confidence:       ai.Confidence(f.Confidence),
		}

		// The model occasionally drifts from the schema; default rather
		// than reject the whole photo.
		if !finding.RiskLevel.Valid() {
			finding.RiskLevel = ai.RiskMedium
		}
		if !finding.Confidence.Valid() {
			finding.Confidence = ai.ConfidenceMedium
		}

		result.Findings = append(result.Findings, finding)
	}

	return result, nil
}

// calculateCost calculates the cost in cents for the given token usage
func (p *Provider) calculateCost(inputTokens, outputTokens int) int {
	inputCost := (inputTokens * PricingInputCents) / 1_000_000
	outputCost := (outputTokens * PricingOutputCents) / 1_000_000
	return inputCost + outputCost
}

// API request/response types

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *apiImageSource `json:"source,omitempty"`
}

type apiImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []apiContentOutput `json:"content"`
	Model   string             `json:"model"`
	Usage   apiUsage           `json:"usage"`
}

type apiContentOutput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrorResponse struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// analysisOutput represents the JSON structure returned by Claude
type analysisOutput struct {
	Findings     []outputFinding `json:"findings"`
	Observations string          `json:"observations"`
	QualityNotes string          `json:"quality_notes"`
}

type outputFinding struct {
	Description      string `json:"description"`
	RiskLevel        string `json:"risk_level"`
	CorrectiveAction string `json:"corrective_action"`
	PreventiveAction string `json:"preventive_action"`
	Confidence       string `json:"confidence"`
}
