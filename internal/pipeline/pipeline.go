// Package pipeline wires the generation services from configuration. Both
// the API worker and the assemble command build theirs here.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/bobarin/adreel/internal/config"
	"github.com/bobarin/adreel/internal/retry"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
)

type Pipeline struct {
	Store        storage.FileStore
	FFmpeg       *services.FFmpegService
	Clips        *services.ClipGenerator
	Orchestrator *services.SceneOrchestrator
	Extension    *services.ExtensionEngine
	Concat       *services.Concatenator
}

func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	local, err := storage.NewLocal(cfg.OutputDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	var store storage.FileStore = local
	if cfg.MirrorEnabled() {
		store = &storage.Mirrored{
			Local:  local,
			Remote: storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, "clips"),
		}
		log.Printf("[Storage] Mirroring output to Supabase bucket %s", cfg.SupabaseStorageBucket)
	}

	provider, err := services.NewVideoProvider(ctx, cfg.VideoProvider, services.ProviderConfig{
		GeminiAPIKey: cfg.GeminiKey,
		VeoModel:     cfg.VeoModel,
		XAIAPIKey:    cfg.XAIAPIKey,
		MockLatency:  cfg.MockLatency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create video provider: %w", err)
	}
	log.Printf("Video provider: %s", provider.Name())

	var screener services.PromptScreener
	if cfg.OpenAIKey != "" {
		screener = services.NewOpenAIModerator(cfg.OpenAIKey)
		log.Println("Prompt screening enabled (OpenAI moderation)")
	}

	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	ffmpeg := services.NewFFmpegService(nil)
	policy := retry.Default().WithAttempts(cfg.RetryMaxAttempts)

	clips := services.NewClipGenerator(provider, store, services.ClipGeneratorOptions{
		PollInterval: cfg.PollInterval,
		MaxPollWait:  cfg.MaxPollWait,
		Retry:        &policy,
		Prober:       ffmpeg,
		Screener:     screener,
	})

	return &Pipeline{
		Store:        store,
		FFmpeg:       ffmpeg,
		Clips:        clips,
		Orchestrator: services.NewSceneOrchestrator(clips),
		Extension:    services.NewExtensionEngine(clips, cfg.HopPacingDelay),
		Concat:       services.NewConcatenator(ffmpeg, store, cfg.TempDir),
	}, nil
}
