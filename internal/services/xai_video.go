package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/bobarin/adreel/internal/models"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video Generation Provider
// Uses the xAI REST API to generate videos from text prompts + optional images.
// Follows a deferred request pattern: submit generation → poll by request_id → download.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiDefaultResolution = "720p" // 720p or 480p supported
	xaiDownloadTimeout   = 120 * time.Second
)

// XAIVideoProvider handles video generation via xAI's Grok Imagine Video API.
// It cannot extend an existing clip.
type XAIVideoProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewXAIVideoProvider creates a new xAI video generation provider.
func NewXAIVideoProvider(apiKey string) *XAIVideoProvider {
	return &XAIVideoProvider{
		apiKey:  apiKey,
		baseURL: xaiBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Timeout for individual HTTP calls, not the full poll cycle
		},
	}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

// xaiImageInput is an image reference for image-to-video generation.
// URL may be a public URL or a base64 data URI.
type xaiImageInput struct {
	URL string `json:"url"`
}

// xaiGenerationResponse is the response from POST /v1/videos/generations
type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the unified response from GET /v1/videos/{request_id}.
//
// xAI returns two different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8,"respect_moderation":true},"model":"grok-imagine-video"}
//     (note: no "status" field when completed: status will be "")
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

// xaiVideoOutput is the nested video object in a completed generation response.
type xaiVideoOutput struct {
	URL               string `json:"url"`
	Duration          int    `json:"duration"`
	RespectModeration *bool  `json:"respect_moderation,omitempty"`
}

func (p *XAIVideoProvider) Name() string { return ProviderXAI }

// Submit sends the generation request and returns a handle keyed by request_id.
func (p *XAIVideoProvider) Submit(ctx context.Context, req GenerationRequest) (*models.OperationHandle, error) {
	if len(req.SourceVideo) > 0 {
		return nil, ErrExtensionUnsupported
	}

	reqBody := xaiGenerationRequest{
		Prompt:      req.Prompt,
		Model:       xaiVideoModel,
		Duration:    req.DurationSeconds,
		AspectRatio: req.AspectRatio,
		Resolution:  xaiDefaultResolution,
	}
	if img := xaiImageFromSeed(req.SeedImage); img != nil {
		reqBody.Image = img
	}

	log.Printf("[xAI Video] Starting video generation (promptLen=%d, hasImage=%v, duration=%ds, aspect=%s)",
		len(req.Prompt), reqBody.Image != nil, req.DurationSeconds, req.AspectRatio)

	requestID, err := p.submitGeneration(ctx, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to submit video generation: %w", err)
	}

	log.Printf("[xAI Video] Generation submitted, request_id=%s", requestID)

	return &models.OperationHandle{
		Provider:        ProviderXAI,
		Name:            requestID,
		SceneNumber:     req.SceneNumber,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		SubmittedAt:     time.Now(),
	}, nil
}

// AcceptsSeedImageURL is true: the image_url field takes remote references.
func (p *XAIVideoProvider) AcceptsSeedImageURL() bool { return true }

func xaiImageFromSeed(seed *models.SeedImage) *xaiImageInput {
	if seed == nil {
		return nil
	}
	if seed.URL != "" {
		return &xaiImageInput{URL: seed.URL}
	}
	if len(seed.Data) > 0 {
		mime := seed.MIMEType
		if mime == "" {
			mime = http.DetectContentType(seed.Data)
		}
		return &xaiImageInput{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(seed.Data)}
	}
	return nil
}

// submitGeneration sends the initial video generation request and returns the request_id.
func (p *XAIVideoProvider) submitGeneration(ctx context.Context, reqBody xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		if isContentPolicyMessage(string(body)) {
			return "", &ContentPolicyError{Provider: ProviderXAI, Reasons: []string{xaiErrorMessage(body)}}
		}
		return "", &ProviderStatusError{Provider: "xAI", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(body))
	}

	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", string(body))
	}

	return genResp.RequestID, nil
}

// Poll checks GET /v1/videos/{request_id} once.
//
// Detection logic: xAI returns two different response shapes:
//   - Pending: {"status":"pending"}: status field is "pending"
//   - Completed: {"video":{"url":"...","duration":8},"model":"..."}: no status field, video object present
//   - Failed: {"status":"failed","error":"..."}: status is "failed"
func (p *XAIVideoProvider) Poll(ctx context.Context, handle *models.OperationHandle) (*PollResult, error) {
	result, err := p.getVideoResult(ctx, handle.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to poll video result: %w", err)
	}

	if result.Video != nil && result.Video.URL != "" {
		if result.Video.RespectModeration != nil && !*result.Video.RespectModeration {
			return &PollResult{Done: true, Err: &ContentPolicyError{
				Provider: ProviderXAI,
				Reasons:  []string{"video did not pass moderation"},
			}}, nil
		}
		return &PollResult{Done: true, Media: &GeneratedMedia{
			URI:             result.Video.URL,
			MIMEType:        "video/mp4",
			DurationSeconds: float64(result.Video.Duration),
		}}, nil
	}

	switch result.Status {
	case "failed", "expired":
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		if isContentPolicyMessage(errMsg) {
			return &PollResult{Done: true, Err: &ContentPolicyError{Provider: ProviderXAI, Reasons: []string{errMsg}}}, nil
		}
		return &PollResult{Done: true, Err: fmt.Errorf("video generation failed: %s (request_id=%s)", errMsg, handle.Name)}, nil
	case "done", "completed":
		// Terminal state without a video object
		return &PollResult{Done: true, Err: fmt.Errorf("%w (request_id=%s)", ErrNoMedia, handle.Name)}, nil
	default:
		return &PollResult{Done: false}, nil
	}
}

// getVideoResult fetches the current status of a video generation request.
func (p *XAIVideoProvider) getVideoResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", p.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Accept both 200 (completed) and 202 (still processing) as valid poll responses.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &ProviderStatusError{Provider: "xAI", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w (body: %s)", err, string(body))
	}

	return &result, nil
}

// Fetch downloads the video bytes from the returned URL.
func (p *XAIVideoProvider) Fetch(ctx context.Context, media *GeneratedMedia) ([]byte, error) {
	if len(media.Data) > 0 {
		return media.Data, nil
	}
	if media.URI == "" {
		return nil, ErrNoMedia
	}

	log.Printf("[xAI Video] Downloading video from URL...")
	data, err := downloadURL(ctx, media.URI, xaiDownloadTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	log.Printf("[xAI Video] Video downloaded successfully (%d bytes)", len(data))
	return data, nil
}

// xaiErrorMessage extracts {"error": "..."} or {"error": {"message": "..."}} when present.
func xaiErrorMessage(body []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	return truncateTail(string(body), 300)
}

// downloadURL fetches a remote file with a dedicated long timeout.
func downloadURL(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	downloadClient := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &ProviderStatusError{Provider: "download", StatusCode: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read video data: %w", err)
	}

	return data, nil
}
