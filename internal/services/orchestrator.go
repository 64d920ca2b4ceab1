package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/retry"
)

// clipGenerating is the part of ClipGenerator the orchestrator drives.
type clipGenerating interface {
	Generate(ctx context.Context, req ClipRequest) (*models.ClipResult, error)
}

// SceneOrchestrator generates one clip per scene, strictly sequentially, with a
// pacing delay between provider calls.
type SceneOrchestrator struct {
	gen clipGenerating

	// OnResult, when set, is called after each scene with its result.
	OnResult func(result *models.ClipResult)

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSceneOrchestrator(gen clipGenerating) *SceneOrchestrator {
	return &SceneOrchestrator{gen: gen, sleep: retry.Sleep}
}

// GenerateAll processes scenes in ascending scene_number. One scene's failure,
// including a panic inside the generator, is recorded and the run continues.
func (o *SceneOrchestrator) GenerateAll(ctx context.Context, scenes []models.Scene, aspectRatio string, pacingDelay time.Duration) *models.SceneBatchResult {
	ordered := make([]models.Scene, len(scenes))
	copy(ordered, scenes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SceneNumber < ordered[j].SceneNumber
	})

	log.Printf("[Orchestrator] Generating %d scenes (aspect=%s, pacing=%v)", len(ordered), aspectRatio, pacingDelay)

	results := make([]models.ClipResult, 0, len(ordered))
	for i, scene := range ordered {
		var result *models.ClipResult
		if err := ctx.Err(); err != nil {
			result = failedClip(scene.SceneNumber, "", time.Now(), time.Now(), fmt.Errorf("run cancelled: %w", err))
		} else {
			result = o.generateScene(ctx, scene, aspectRatio)
		}

		log.Printf("[Orchestrator] Scene %d/%d (scene_number=%d): %s", i+1, len(ordered), scene.SceneNumber, result.Status)
		results = append(results, *result)
		if o.OnResult != nil {
			o.OnResult(result)
		}

		if i < len(ordered)-1 && pacingDelay > 0 && ctx.Err() == nil {
			if err := o.sleep(ctx, pacingDelay); err != nil {
				log.Printf("[Orchestrator] Pacing interrupted: %v", err)
			}
		}
	}

	batch := &models.SceneBatchResult{
		OverallStatus: OverallStatus(results),
		Results:       results,
	}
	log.Printf("[Orchestrator] Run finished: %s (%d/%d completed)", batch.OverallStatus, batch.CompletedCount(), len(results))
	return batch
}

func (o *SceneOrchestrator) generateScene(ctx context.Context, scene models.Scene, aspectRatio string) (result *models.ClipResult) {
	prompt := BuildScenePrompt(scene)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Orchestrator] Scene %d panicked: %v", scene.SceneNumber, r)
			result = failedClip(scene.SceneNumber, prompt, start, time.Now(), fmt.Errorf("scene %d: unexpected failure: %v", scene.SceneNumber, r))
		}
	}()

	res, err := o.gen.Generate(ctx, ClipRequest{
		SceneNumber:     scene.SceneNumber,
		Prompt:          prompt,
		DurationSeconds: scene.DurationSeconds,
		AspectRatio:     aspectRatio,
		SeedImage:       scene.SeedImage,
	})
	if res == nil {
		if err == nil {
			err = fmt.Errorf("generator returned no result")
		}
		return failedClip(scene.SceneNumber, prompt, start, time.Now(), err)
	}
	if err != nil && res.Status != models.StatusFailed {
		res.Status = models.StatusFailed
		res.Error = errString(err)
	}
	return res
}

// OverallStatus summarizes a batch: completed when every scene completed,
// partial when some did, processing when none did but some are in flight,
// failed otherwise.
func OverallStatus(results []models.ClipResult) models.GenerationStatus {
	completed, processing := 0, 0
	for _, r := range results {
		switch r.Status {
		case models.StatusCompleted:
			completed++
		case models.StatusProcessing:
			processing++
		}
	}

	switch {
	case len(results) > 0 && completed == len(results):
		return models.StatusCompleted
	case completed > 0:
		return models.StatusPartial
	case processing > 0:
		return models.StatusProcessing
	default:
		return models.StatusFailed
	}
}
