package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/retry"
)

const (
	SeedClipSeconds  = 8
	HopSeconds       = 7
	MaxHops          = 20
	MinTargetSeconds = SeedClipSeconds
	MaxTargetSeconds = SeedClipSeconds + MaxHops*HopSeconds // 148
)

// ClampTarget clamps a requested extended-video length into [8, 148].
func ClampTarget(target int) int {
	if target < MinTargetSeconds {
		return MinTargetSeconds
	}
	if target > MaxTargetSeconds {
		return MaxTargetSeconds
	}
	return target
}

// HopBudget is min(ceil((target-8)/7), 20, sceneCount-1), never negative.
// The target is clamped first.
func HopBudget(target, sceneCount int) int {
	target = ClampTarget(target)
	hops := (target - SeedClipSeconds + HopSeconds - 1) / HopSeconds
	if hops > MaxHops {
		hops = MaxHops
	}
	if hops > sceneCount-1 {
		hops = sceneCount - 1
	}
	if hops < 0 {
		hops = 0
	}
	return hops
}

// clipExtending is the part of ClipGenerator the extension engine drives.
type clipExtending interface {
	Generate(ctx context.Context, req ClipRequest) (*models.ClipResult, error)
	Extend(ctx context.Context, req ExtendRequest) (*models.ClipResult, error)
}

// ExtensionEngine builds one long clip: an 8s seed from the first scene, then
// 7s continuation hops driven by each following scene.
type ExtensionEngine struct {
	gen       clipExtending
	hopPacing time.Duration

	// OnHop, when set, is called after every hop attempt.
	OnHop func(hop models.ExtensionHop)

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExtensionEngine(gen clipExtending, hopPacing time.Duration) *ExtensionEngine {
	return &ExtensionEngine{gen: gen, hopPacing: hopPacing, sleep: retry.Sleep}
}

// GenerateExtended runs the seed + hop chain. A failed seed fails the whole
// operation; a failed hop stops the chain with status partial and keeps the
// last good clip.
func (e *ExtensionEngine) GenerateExtended(ctx context.Context, scenes []models.Scene, targetDurationSeconds int, aspectRatio string) *models.ExtendedVideoResult {
	start := time.Now()
	target := ClampTarget(targetDurationSeconds)

	result := &models.ExtendedVideoResult{
		Status:                models.StatusPending,
		TargetDurationSeconds: target,
		HopHistory:            []models.ExtensionHop{},
	}
	finish := func(status models.GenerationStatus, err error) *models.ExtendedVideoResult {
		result.Status = status
		result.Error = errString(err)
		result.GenerationTimeMs = time.Since(start).Milliseconds()
		log.Printf("[Extension] Finished: %s (%ds of %ds target, %d/%d hops)",
			status, result.FinalDurationSeconds, target, result.HopsCompleted, result.HopsRequested)
		return result
	}

	if len(scenes) == 0 {
		return finish(models.StatusFailed, fmt.Errorf("no scenes to generate from"))
	}

	ordered := make([]models.Scene, len(scenes))
	copy(ordered, scenes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SceneNumber < ordered[j].SceneNumber
	})

	hops := HopBudget(target, len(ordered))
	result.HopsRequested = hops
	log.Printf("[Extension] Target %ds (requested %ds): seed + %d hops from %d scenes", target, targetDurationSeconds, hops, len(ordered))

	// Step 1: seed clip
	seedScene := ordered[0]
	seed, err := e.gen.Generate(ctx, ClipRequest{
		SceneNumber:     seedScene.SceneNumber,
		Prompt:          BuildScenePrompt(seedScene),
		DurationSeconds: SeedClipSeconds,
		AspectRatio:     aspectRatio,
		SeedImage:       seedScene.SeedImage,
	})
	if seed == nil || seed.Status != models.StatusCompleted {
		if err == nil {
			err = clipNotReady(seed)
		}
		return finish(models.StatusFailed, fmt.Errorf("seed clip failed, nothing to extend: %w", err))
	}

	current := clipRef{url: seed.VideoURL, path: seed.VideoPath}
	currentDuration := SeedClipSeconds
	result.InitialDurationSeconds = SeedClipSeconds
	result.ScenesProcessed = 1
	e.setCurrent(result, current, currentDuration)

	if currentDuration >= target || hops == 0 {
		return finish(models.StatusCompleted, nil)
	}
	if current.path == nil {
		return finish(models.StatusPartial, fmt.Errorf("seed clip has no local file, cannot extend (0 of %d hops completed)", hops))
	}

	// Step 2: hops
	for hopNumber := 1; hopNumber <= hops; hopNumber++ {
		scene := ordered[hopNumber]
		prompt := BuildExtensionPrompt(scene)
		hop := models.ExtensionHop{
			HopNumber:  hopNumber,
			Status:     models.StatusProcessing,
			PromptUsed: prompt,
		}

		hopErr := e.pace(ctx)
		var res *models.ClipResult
		if hopErr == nil {
			res, hopErr = e.runHop(ctx, scene, prompt, aspectRatio, *current.path)
		}

		if hopErr != nil {
			hop.Status = models.StatusFailed
			hop.Error = errString(hopErr)
			hop.TotalDurationSeconds = currentDuration
			e.record(result, hop)
			log.Printf("[Extension] Hop %d/%d failed: %v", hopNumber, hops, hopErr)
			return finish(models.StatusPartial, fmt.Errorf("hop %d failed: %w (%d of %d hops completed)", hopNumber, hopErr, result.HopsCompleted, hops))
		}

		currentDuration += HopSeconds
		current = clipRef{url: res.VideoURL, path: res.VideoPath}

		hop.Status = models.StatusCompleted
		hop.VideoURL = res.VideoURL
		hop.VideoPath = res.VideoPath
		hop.DurationAddedSeconds = HopSeconds
		hop.TotalDurationSeconds = currentDuration
		e.record(result, hop)

		result.HopsCompleted++
		result.ScenesProcessed++
		e.setCurrent(result, current, currentDuration)
		log.Printf("[Extension] Hop %d/%d completed (%ds total)", hopNumber, hops, currentDuration)

		if currentDuration >= target {
			break
		}
		if current.path == nil && hopNumber < hops {
			return finish(models.StatusPartial, fmt.Errorf("hop %d produced no local file, cannot continue (%d of %d hops completed)", hopNumber, result.HopsCompleted, hops))
		}
	}

	return finish(models.StatusCompleted, nil)
}

// runHop reads the current clip and requests one continuation. A non-completed
// hop is an error; hops are never retried inside the chain.
func (e *ExtensionEngine) runHop(ctx context.Context, scene models.Scene, prompt, aspectRatio, currentPath string) (*models.ClipResult, error) {
	data, err := os.ReadFile(currentPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrClipNotFound, currentPath)
		}
		return nil, fmt.Errorf("failed to read current clip: %w", err)
	}

	res, err := e.gen.Extend(ctx, ExtendRequest{
		SceneNumber: scene.SceneNumber,
		SourceVideo: data,
		Prompt:      prompt,
		AspectRatio: aspectRatio,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Status != models.StatusCompleted {
		return nil, clipNotReady(res)
	}
	return res, nil
}

func (e *ExtensionEngine) pace(ctx context.Context) error {
	if e.hopPacing <= 0 {
		return ctx.Err()
	}
	if err := e.sleep(ctx, e.hopPacing); err != nil {
		return fmt.Errorf("cancelled before hop: %w", err)
	}
	return nil
}

func (e *ExtensionEngine) record(result *models.ExtendedVideoResult, hop models.ExtensionHop) {
	result.HopHistory = append(result.HopHistory, hop)
	if e.OnHop != nil {
		e.OnHop(hop)
	}
}

func (e *ExtensionEngine) setCurrent(result *models.ExtendedVideoResult, c clipRef, duration int) {
	result.VideoURL = c.url
	result.VideoPath = c.path
	result.FinalDurationSeconds = duration
}

type clipRef struct {
	url  *string
	path *string
}

// clipNotReady describes a clip result that is not usable yet.
func clipNotReady(r *models.ClipResult) error {
	switch {
	case r == nil:
		return fmt.Errorf("no result from generator")
	case r.Status == models.StatusProcessing:
		op := ""
		if r.OperationID != nil {
			op = *r.OperationID
		}
		return fmt.Errorf("still processing after max poll wait (operation %s)", op)
	case r.Error != nil:
		return errors.New(*r.Error)
	default:
		return fmt.Errorf("clip ended with status %s", r.Status)
	}
}
