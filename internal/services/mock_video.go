package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/adreel/internal/models"
)

// MockProvider is a deterministic local provider for development. A job is
// done once Latency has elapsed since the handle's submission time, so all
// state lives on the handle.
type MockProvider struct {
	Latency time.Duration
	now     func() time.Time
}

func NewMockProvider(latency time.Duration) *MockProvider {
	return &MockProvider{Latency: latency, now: time.Now}
}

func (p *MockProvider) Name() string { return ProviderMock }

func (p *MockProvider) Submit(ctx context.Context, req GenerationRequest) (*models.OperationHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind := "generate"
	if len(req.SourceVideo) > 0 {
		kind = "extend"
	}
	name := fmt.Sprintf("mock/%s/%s", kind, uuid.New().String())
	log.Printf("[Mock Video] Submitted %s (scene=%d, duration=%ds)", name, req.SceneNumber, req.DurationSeconds)

	return &models.OperationHandle{
		Provider:        ProviderMock,
		Name:            name,
		SceneNumber:     req.SceneNumber,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		SubmittedAt:     p.now(),
	}, nil
}

func (p *MockProvider) Poll(ctx context.Context, handle *models.OperationHandle) (*PollResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.now().Sub(handle.SubmittedAt) < p.Latency {
		return &PollResult{Done: false}, nil
	}

	payload := fmt.Sprintf("mock-video|%s|%ds|%s|%s", handle.Name, handle.DurationSeconds, handle.AspectRatio, handle.Prompt)
	return &PollResult{Done: true, Media: &GeneratedMedia{
		Data:            []byte(payload),
		MIMEType:        "video/mp4",
		DurationSeconds: float64(handle.DurationSeconds),
	}}, nil
}

func (p *MockProvider) Fetch(ctx context.Context, media *GeneratedMedia) ([]byte, error) {
	if len(media.Data) == 0 {
		return nil, ErrNoMedia
	}
	return media.Data, nil
}
