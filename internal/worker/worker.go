package worker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/bobarin/adreel/internal/retry"
	"github.com/bobarin/adreel/internal/services"
	"github.com/google/uuid"
)

// runStore is the persistence the worker needs; *db.DB satisfies it.
type runStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.AssemblyRun, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status models.GenerationStatus) error
	SetRunResult(ctx context.Context, id uuid.UUID, status models.GenerationStatus, result models.JSONB) error
	SetRunFinalVideo(ctx context.Context, id uuid.UUID, url string) error
	SetRunError(ctx context.Context, id uuid.UUID, status models.GenerationStatus, errorMessage string) error
	ClaimConcatenation(ctx context.Context, id uuid.UUID) (bool, error)
	UpsertSceneClip(ctx context.Context, clip *models.SceneClip) error
	GetSceneClip(ctx context.Context, runID uuid.UUID, sceneNumber int) (*models.SceneClip, error)
	GetRunClips(ctx context.Context, runID uuid.UUID) ([]models.SceneClip, error)
}

// jobQueue is the part of *queue.Queue the worker uses.
type jobQueue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	EnqueueResumeClip(ctx context.Context, runID uuid.UUID, sceneNumber, attempt int, notBefore time.Time) error
	EnqueueConcatenate(ctx context.Context, runID uuid.UUID) error
	PromoteDue(ctx context.Context, queueName string, now time.Time) (int, error)
}

// clipService is satisfied by *services.ClipGenerator.
type clipService interface {
	Generate(ctx context.Context, req services.ClipRequest) (*models.ClipResult, error)
	Extend(ctx context.Context, req services.ExtendRequest) (*models.ClipResult, error)
	Resume(ctx context.Context, handle *models.OperationHandle) (*models.ClipResult, error)
}

type concatenator interface {
	Concatenate(ctx context.Context, clips []models.ConcatClip, includeTransitions bool, transitionDurationMs int) *models.ConcatenationResult
}

type Options struct {
	ScenePacing       time.Duration // Default gap between scene submissions
	HopPacing         time.Duration // Gap before every extension hop
	ResumeDelay       time.Duration // Wait before re-polling a processing clip
	MaxResumeAttempts int           // After this many resumes a clip is marked failed
	TransitionMs      int           // Default crossfade length
}

type Worker struct {
	db     runStore
	queue  jobQueue
	clips  clipService
	concat concatenator
	opts   Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(database runStore, q jobQueue, clips clipService, concat concatenator, opts Options) *Worker {
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = 30 * time.Second
	}
	if opts.MaxResumeAttempts <= 0 {
		opts.MaxResumeAttempts = 10
	}
	if opts.TransitionMs <= 0 {
		opts.TransitionMs = services.DefaultTransitionMs
	}
	return &Worker{
		db:     database,
		queue:  q,
		clips:  clips,
		concat: concat,
		opts:   opts,
		now:    time.Now,
		sleep:  retry.Sleep,
	}
}

// Start begins processing jobs from all queues
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("[Worker] Started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueGenerateScenes, w.handleGenerateScenes)
		go w.processQueue(ctx, queue.QueueGenerateExtended, w.handleGenerateExtended)
		go w.processQueue(ctx, queue.QueueResumeClip, w.handleResumeClip)
		go w.processQueue(ctx, queue.QueueConcatenate, w.handleConcatenate)
	}
	go w.promoteDelayed(ctx, queue.QueueResumeClip, time.Second)

	<-ctx.Done()
	log.Println("[Worker] Shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Worker] Error dequeuing from %s: %v", queueName, err)
				w.sleep(ctx, time.Second)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			log.Printf("[Worker] Processing job %s (type: %s, run: %s)", job.ID, job.Type, job.RunID)

			if err := handler(ctx, job); err != nil {
				log.Printf("[Worker] Job %s failed: %v", job.ID, err)
				if err := w.db.SetRunError(ctx, job.RunID, models.StatusFailed, err.Error()); err != nil {
					log.Printf("[Worker] Failed to record error for run %s: %v", job.RunID, err)
				}
			} else {
				log.Printf("[Worker] Job %s completed", job.ID)
			}
		}
	}
}

// promoteDelayed releases parked resume jobs once they are due, so no worker
// slot is held while a clip waits for its next poll.
func (w *Worker) promoteDelayed(ctx context.Context, queueName string, every time.Duration) {
	for {
		if n, err := w.queue.PromoteDue(ctx, queueName, w.now()); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] Error promoting delayed jobs on %s: %v", queueName, err)
		} else if n > 0 {
			log.Printf("[Worker] Promoted %d delayed job(s) on %s", n, queueName)
		}
		if err := w.sleep(ctx, every); err != nil {
			return
		}
	}
}

// handleGenerateScenes runs the per-scene orchestrator for a run, persisting
// each clip as it lands and scheduling resumes for clips still in flight.
func (w *Worker) handleGenerateScenes(ctx context.Context, job *queue.Job) error {
	run, err := w.db.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	var req models.SceneRunRequest
	if err := run.Request.Decode(&req); err != nil {
		return fmt.Errorf("failed to decode scene request: %w", err)
	}

	if err := w.db.UpdateRunStatus(ctx, run.ID, models.StatusProcessing); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	pacing := w.opts.ScenePacing
	if req.PacingDelayMs != nil && *req.PacingDelayMs >= 0 {
		pacing = time.Duration(*req.PacingDelayMs) * time.Millisecond
	}

	orch := services.NewSceneOrchestrator(w.clips)
	orch.OnResult = func(result *models.ClipResult) {
		if err := w.saveClip(ctx, run.ID, result); err != nil {
			log.Printf("[Worker] Warning: failed to persist scene %d of run %s: %v", result.SceneNumber, run.ID, err)
			return
		}
		if result.Status == models.StatusProcessing {
			w.scheduleResume(ctx, run.ID, result.SceneNumber, 1)
		}
	}

	batch := orch.GenerateAll(ctx, req.Scenes, req.AspectRatio, pacing)
	log.Printf("[Worker] Run %s: %d/%d scenes completed (%s)",
		run.ID, batch.CompletedCount(), len(batch.Results), batch.OverallStatus)

	return w.refreshSceneRun(ctx, run.ID, req)
}

// handleGenerateExtended runs the seed-and-extend chain and stores the result.
func (w *Worker) handleGenerateExtended(ctx context.Context, job *queue.Job) error {
	run, err := w.db.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	var req models.ExtendedRunRequest
	if err := run.Request.Decode(&req); err != nil {
		return fmt.Errorf("failed to decode extended request: %w", err)
	}

	if err := w.db.UpdateRunStatus(ctx, run.ID, models.StatusProcessing); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	engine := services.NewExtensionEngine(w.clips, w.opts.HopPacing)
	engine.OnHop = func(hop models.ExtensionHop) {
		log.Printf("[Worker] Run %s hop %d: %s (total %ds)", run.ID, hop.HopNumber, hop.Status, hop.TotalDurationSeconds)
	}

	result := engine.GenerateExtended(ctx, req.Scenes, req.TargetDurationSeconds, req.AspectRatio)

	doc, err := models.ToJSONB(result)
	if err != nil {
		return err
	}
	if err := w.db.SetRunResult(ctx, run.ID, result.Status, doc); err != nil {
		return fmt.Errorf("failed to save extended result: %w", err)
	}
	if result.VideoURL != nil {
		if err := w.db.SetRunFinalVideo(ctx, run.ID, *result.VideoURL); err != nil {
			return fmt.Errorf("failed to save final video: %w", err)
		}
	}
	if result.Error != nil {
		return w.db.SetRunError(ctx, run.ID, result.Status, *result.Error)
	}
	return nil
}

// handleResumeClip polls a clip that was still processing when its bounded
// wait ran out.
func (w *Worker) handleResumeClip(ctx context.Context, job *queue.Job) error {
	if job.SceneNumber == nil {
		return fmt.Errorf("resume job %s has no scene number", job.ID)
	}
	if job.NotBefore != nil && w.now().Before(*job.NotBefore) {
		// Not due yet: park it again instead of holding this slot.
		if err := w.queue.EnqueueResumeClip(ctx, job.RunID, *job.SceneNumber, job.Attempt, *job.NotBefore); err != nil {
			return fmt.Errorf("failed to re-park resume job: %w", err)
		}
		return nil
	}

	clip, err := w.db.GetSceneClip(ctx, job.RunID, *job.SceneNumber)
	if err != nil {
		return fmt.Errorf("failed to get scene clip: %w", err)
	}
	if clip.Status != models.StatusProcessing {
		log.Printf("[Worker] Scene %d of run %s already %s, skipping resume", clip.SceneNumber, job.RunID, clip.Status)
		return nil
	}

	prev, err := clip.ClipResult()
	if err != nil {
		return err
	}
	if prev.Handle == nil {
		return w.saveClip(ctx, job.RunID, failedResume(prev, "no operation handle to resume"))
	}

	result, err := w.clips.Resume(ctx, prev.Handle)
	if err != nil && result == nil {
		return fmt.Errorf("failed to resume scene %d: %w", *job.SceneNumber, err)
	}

	if result.Status == models.StatusProcessing {
		if job.Attempt >= w.opts.MaxResumeAttempts {
			result = failedResume(*result, fmt.Sprintf("still processing after %d resume attempts", job.Attempt))
		} else {
			w.scheduleResume(ctx, job.RunID, *job.SceneNumber, job.Attempt+1)
		}
	}

	if err := w.saveClip(ctx, job.RunID, result); err != nil {
		return fmt.Errorf("failed to persist resumed clip: %w", err)
	}

	run, err := w.db.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	var req models.SceneRunRequest
	if err := run.Request.Decode(&req); err != nil {
		return fmt.Errorf("failed to decode scene request: %w", err)
	}
	return w.refreshSceneRun(ctx, job.RunID, req)
}

// handleConcatenate joins clips into the final video. Concatenate-mode runs
// carry their clips in the request; scenes-mode runs use their completed clips.
func (w *Worker) handleConcatenate(ctx context.Context, job *queue.Job) error {
	run, err := w.db.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	var (
		clips       []models.ConcatClip
		transitions bool
		ms          = w.opts.TransitionMs
	)

	switch run.Mode {
	case models.RunModeConcatenate:
		var req models.ConcatenateRequest
		if err := run.Request.Decode(&req); err != nil {
			return fmt.Errorf("failed to decode concatenate request: %w", err)
		}
		clips, transitions = req.Clips, req.IncludeTransitions
		if req.TransitionMs != nil {
			ms = *req.TransitionMs
		}
		if err := w.db.UpdateRunStatus(ctx, run.ID, models.StatusProcessing); err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}
	case models.RunModeScenes:
		var req models.SceneRunRequest
		if err := run.Request.Decode(&req); err != nil {
			return fmt.Errorf("failed to decode scene request: %w", err)
		}
		rows, err := w.db.GetRunClips(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to get run clips: %w", err)
		}
		clips = concatClipsFor(req.Scenes, rows)
		transitions = req.IncludeTransitions
		if req.TransitionMs != nil {
			ms = *req.TransitionMs
		}
	default:
		return fmt.Errorf("run %s (mode %s) cannot be concatenated", run.ID, run.Mode)
	}

	result := w.concat.Concatenate(ctx, clips, transitions, ms)

	switch run.Mode {
	case models.RunModeConcatenate:
		status := models.StatusCompleted
		if !result.Success {
			status = models.StatusFailed
		}
		doc, err := models.ToJSONB(result)
		if err != nil {
			return err
		}
		if err := w.db.SetRunResult(ctx, run.ID, status, doc); err != nil {
			return fmt.Errorf("failed to save concatenation result: %w", err)
		}
	default:
		// The per-scene clips are still usable when the join fails.
		if err := w.db.UpdateRunStatus(ctx, run.ID, models.StatusCompleted); err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}
	}

	if !result.Success {
		msg := "concatenation failed"
		if result.Error != nil {
			msg = "concatenation failed: " + *result.Error
		}
		status := models.StatusFailed
		if run.Mode == models.RunModeScenes {
			status = models.StatusPartial
		}
		return w.db.SetRunError(ctx, run.ID, status, msg)
	}

	if url := finalURL(result); url != "" {
		if err := w.db.SetRunFinalVideo(ctx, run.ID, url); err != nil {
			return fmt.Errorf("failed to save final video: %w", err)
		}
	}
	log.Printf("[Worker] Run %s final video ready (%d scenes, %.1fs)", run.ID, result.SceneCount, result.DurationSeconds)
	return nil
}

// refreshSceneRun rebuilds the run's aggregate from its persisted clips and
// hands off to concatenation once every scene has completed.
func (w *Worker) refreshSceneRun(ctx context.Context, runID uuid.UUID, req models.SceneRunRequest) error {
	rows, err := w.db.GetRunClips(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run clips: %w", err)
	}

	batch := &models.SceneBatchResult{Results: make([]models.ClipResult, 0, len(rows))}
	for i := range rows {
		r, err := rows[i].ClipResult()
		if err != nil {
			return err
		}
		batch.Results = append(batch.Results, r)
	}
	batch.OverallStatus = services.OverallStatus(batch.Results)

	status := batch.OverallStatus
	wantsConcat := req.Concatenate && status == models.StatusCompleted && len(rows) == len(req.Scenes)
	if wantsConcat {
		status = models.StatusProcessing
	}

	doc, err := models.ToJSONB(batch)
	if err != nil {
		return err
	}
	if err := w.db.SetRunResult(ctx, runID, status, doc); err != nil {
		return fmt.Errorf("failed to save scene results: %w", err)
	}

	if !wantsConcat {
		return nil
	}
	claimed, err := w.db.ClaimConcatenation(ctx, runID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	log.Printf("[Worker] All %d scenes of run %s completed, enqueueing concatenation", len(rows), runID)
	return w.queue.EnqueueConcatenate(ctx, runID)
}

func (w *Worker) saveClip(ctx context.Context, runID uuid.UUID, result *models.ClipResult) error {
	row, err := db.SceneClipFromResult(runID, result)
	if err != nil {
		return err
	}
	return w.db.UpsertSceneClip(ctx, row)
}

func (w *Worker) scheduleResume(ctx context.Context, runID uuid.UUID, sceneNumber, attempt int) {
	notBefore := w.now().Add(w.opts.ResumeDelay)
	if err := w.queue.EnqueueResumeClip(ctx, runID, sceneNumber, attempt, notBefore); err != nil {
		log.Printf("[Worker] Warning: failed to enqueue resume for scene %d of run %s: %v", sceneNumber, runID, err)
		return
	}
	log.Printf("[Worker] Scene %d of run %s still processing, resume #%d scheduled", sceneNumber, runID, attempt)
}

func failedResume(r models.ClipResult, msg string) *models.ClipResult {
	r.Status = models.StatusFailed
	r.Handle = nil
	r.Error = &msg
	return &r
}

// concatClipsFor orders completed clips by scene number and attaches each
// scene's transition.
func concatClipsFor(scenes []models.Scene, rows []models.SceneClip) []models.ConcatClip {
	transitions := make(map[int]*string, len(scenes))
	for _, s := range scenes {
		transitions[s.SceneNumber] = s.TransitionEffect
	}

	sorted := make([]models.SceneClip, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SceneNumber < sorted[j].SceneNumber })

	clips := make([]models.ConcatClip, 0, len(sorted))
	for _, row := range sorted {
		if row.Status != models.StatusCompleted {
			continue
		}
		var source string
		switch {
		case row.VideoPath != nil && *row.VideoPath != "":
			source = *row.VideoPath
		case row.VideoURL != nil && *row.VideoURL != "":
			source = *row.VideoURL
		default:
			continue
		}
		clips = append(clips, models.ConcatClip{
			Source:           source,
			TransitionEffect: transitions[row.SceneNumber],
			DurationSeconds:  row.DurationSeconds,
		})
	}
	return clips
}

func finalURL(r *models.ConcatenationResult) string {
	if r.OutputURL != nil {
		return *r.OutputURL
	}
	if r.OutputPath != nil {
		return *r.OutputPath
	}
	return ""
}
