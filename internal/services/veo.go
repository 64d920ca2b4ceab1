package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"google.golang.org/genai"

	"github.com/bobarin/adreel/internal/models"
)

// ---------------------------------------------------------------------------
// Veo Video Generation Provider
// Uses the Google Gen AI SDK. Text-to-video and image-to-video go through
// GenerateVideos; extension hops pass the previous clip as the source video.
// Polling is driven by the ClipGenerator, one GetVideosOperation per Poll.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel = "veo-3.1-generate-preview"
	veoVideoMIME    = "video/mp4"
)

// VeoProvider handles video generation via Google's Veo models.
type VeoProvider struct {
	client *genai.Client
	model  string
}

// NewVeoProvider creates a Veo provider.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoProvider(ctx context.Context, apiKey, model string) (*VeoProvider, error) {
	if model == "" {
		model = defaultVeoModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &VeoProvider{client: client, model: model}, nil
}

func (p *VeoProvider) Name() string { return ProviderVeo }

// Submit starts an async generation and returns its handle.
func (p *VeoProvider) Submit(ctx context.Context, req GenerationRequest) (*models.OperationHandle, error) {
	config := &genai.GenerateVideosConfig{
		AspectRatio:    req.AspectRatio,
		NumberOfVideos: 1,
	}

	var (
		operation *genai.GenerateVideosOperation
		err       error
	)

	if len(req.SourceVideo) > 0 {
		// Extension: the model continues the source clip by a fixed increment.
		log.Printf("[Veo] Submitting extension (model=%s, promptLen=%d, sourceSize=%d bytes)", p.model, len(req.Prompt), len(req.SourceVideo))
		operation, err = p.client.Models.GenerateVideosFromSource(ctx, p.model, &genai.GenerateVideosSource{
			Prompt: req.Prompt,
			Video: &genai.Video{
				VideoBytes: req.SourceVideo,
				MIMEType:   veoVideoMIME,
			},
		}, config)
	} else {
		config.DurationSeconds = genai.Ptr(int32(req.DurationSeconds))

		var firstFrame *genai.Image
		if req.SeedImage != nil && len(req.SeedImage.Data) > 0 {
			firstFrame = &genai.Image{
				ImageBytes: req.SeedImage.Data,
				MIMEType:   req.SeedImage.MIMEType,
			}
			// People are only permitted in image-to-video mode
			config.PersonGeneration = "allow_adult"
		}

		log.Printf("[Veo] Starting video generation (model=%s, promptLen=%d, duration=%ds, aspect=%s, hasImage=%v)",
			p.model, len(req.Prompt), req.DurationSeconds, req.AspectRatio, firstFrame != nil)
		operation, err = p.client.Models.GenerateVideos(ctx, p.model, req.Prompt, firstFrame, config)
	}
	if err != nil {
		return nil, classifyVeoError(fmt.Errorf("failed to start video generation: %w", err))
	}

	log.Printf("[Veo] Operation started: %s", operation.Name)

	return &models.OperationHandle{
		Provider:        ProviderVeo,
		Name:            operation.Name,
		SceneNumber:     req.SceneNumber,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		SubmittedAt:     time.Now(),
	}, nil
}

// Poll fetches the operation once. Safe to call repeatedly.
func (p *VeoProvider) Poll(ctx context.Context, handle *models.OperationHandle) (*PollResult, error) {
	operation, err := p.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle.Name}, nil)
	if err != nil {
		return nil, classifyVeoError(fmt.Errorf("failed to poll operation %s: %w", handle.Name, err))
	}

	if !operation.Done {
		return &PollResult{Done: false}, nil
	}

	// Operation-level errors (e.g. invalid request, policy violation)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		msg := string(errJSON)
		if m, ok := operation.Error["message"].(string); ok && m != "" {
			msg = m
		}
		if isContentPolicyMessage(msg) {
			return &PollResult{Done: true, Err: &ContentPolicyError{Provider: ProviderVeo, Reasons: []string{msg}}}, nil
		}
		return &PollResult{Done: true, Err: fmt.Errorf("video generation operation failed: %s", msg)}, nil
	}

	if operation.Response == nil {
		if operation.Metadata != nil {
			metaJSON, _ := json.Marshal(operation.Metadata)
			log.Printf("[Veo] Operation metadata: %s", string(metaJSON))
		}
		return &PollResult{Done: true, Err: fmt.Errorf("%w: empty response (operation: %s)", ErrNoMedia, handle.Name)}, nil
	}

	// Videos blocked by RAI (Responsible AI) safety filters
	if operation.Response.RAIMediaFilteredCount > 0 {
		return &PollResult{Done: true, Err: &ContentPolicyError{
			Provider: ProviderVeo,
			Reasons:  operation.Response.RAIMediaFilteredReasons,
		}}, nil
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return &PollResult{Done: true, Err: fmt.Errorf("%w (operation: %s)", ErrNoMedia, handle.Name)}, nil
	}

	video := operation.Response.GeneratedVideos[0].Video
	mime := video.MIMEType
	if mime == "" {
		mime = veoVideoMIME
	}

	return &PollResult{Done: true, Media: &GeneratedMedia{
		URI:      video.URI,
		Data:     video.VideoBytes,
		MIMEType: mime,
	}}, nil
}

// Fetch returns embedded bytes when present, otherwise downloads the file.
func (p *VeoProvider) Fetch(ctx context.Context, media *GeneratedMedia) ([]byte, error) {
	if len(media.Data) > 0 {
		return media.Data, nil
	}
	if media.URI == "" {
		return nil, ErrNoMedia
	}

	log.Printf("[Veo] Video ready, downloading...")
	downloadURI := genai.NewDownloadURIFromVideo(&genai.Video{URI: media.URI})
	videoBytes, err := p.client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	log.Printf("[Veo] Video downloaded (%d bytes)", len(videoBytes))
	return videoBytes, nil
}

// classifyVeoError turns SDK errors that describe a safety refusal into a
// ContentPolicyError; everything else passes through for retry classification.
func classifyVeoError(err error) error {
	if isContentPolicyMessage(err.Error()) {
		return &ContentPolicyError{Provider: ProviderVeo, Reasons: []string{err.Error()}}
	}
	return err
}
