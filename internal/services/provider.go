package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/models"
)

// GenerationRequest is one submission to a video provider. SourceVideo is set
// for extension hops and holds the bytes of the clip being continued.
type GenerationRequest struct {
	SceneNumber     int
	Prompt          string
	DurationSeconds int
	AspectRatio     string
	SeedImage       *models.SeedImage
	SourceVideo     []byte
}

// GeneratedMedia is what a provider hands back on completion: either a
// downloadable reference, embedded bytes, or both.
type GeneratedMedia struct {
	URI             string
	Data            []byte
	MIMEType        string
	DurationSeconds float64
}

// PollResult is the state of an in-flight job. Err is a terminal provider-side
// failure (including *ContentPolicyError); transport failures are returned as
// the error from Poll instead.
type PollResult struct {
	Done  bool
	Media *GeneratedMedia
	Err   error
}

// VideoProvider is a remote asynchronous video-generation backend.
type VideoProvider interface {
	Name() string
	Submit(ctx context.Context, req GenerationRequest) (*models.OperationHandle, error)
	Poll(ctx context.Context, handle *models.OperationHandle) (*PollResult, error)
	Fetch(ctx context.Context, media *GeneratedMedia) ([]byte, error)
}

// SeedURLAccepter is implemented by providers that fetch a seed image URL
// themselves; for every other provider the generator downloads it first.
type SeedURLAccepter interface {
	AcceptsSeedImageURL() bool
}

const (
	ProviderVeo  = "veo"
	ProviderXAI  = "xai"
	ProviderMock = "mock"
)

// ProviderConfig carries the credentials for every provider; only the fields
// of the selected one are read.
type ProviderConfig struct {
	GeminiAPIKey string
	VeoModel     string
	XAIAPIKey    string
	MockLatency  time.Duration
}

// NewVideoProvider builds the provider registered under name.
func NewVideoProvider(ctx context.Context, name string, cfg ProviderConfig) (VideoProvider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProviderVeo:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("veo provider requires GEMINI_API_KEY")
		}
		return NewVeoProvider(ctx, cfg.GeminiAPIKey, cfg.VeoModel)
	case ProviderXAI:
		if cfg.XAIAPIKey == "" {
			return nil, fmt.Errorf("xai provider requires XAI_API_KEY")
		}
		return NewXAIVideoProvider(cfg.XAIAPIKey), nil
	case ProviderMock:
		return NewMockProvider(cfg.MockLatency), nil
	default:
		return nil, fmt.Errorf("unknown video provider %q", name)
	}
}

var (
	_ VideoProvider = (*VeoProvider)(nil)
	_ VideoProvider = (*XAIVideoProvider)(nil)
	_ VideoProvider = (*MockProvider)(nil)
)
