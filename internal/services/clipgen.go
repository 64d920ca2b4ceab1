package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/retry"
	"github.com/bobarin/adreel/internal/storage"
)

const (
	MinClipSeconds = 4
	MaxClipSeconds = 8

	AspectLandscape    = "16:9"
	AspectPortrait     = "9:16"
	DefaultAspectRatio = AspectLandscape

	defaultPollInterval = 10 * time.Second
	defaultMaxPollWait  = 5 * time.Minute

	seedImageDownloadTimeout = 60 * time.Second
)

// ClampClipDuration rounds to whole seconds and clamps into the provider's
// accepted range. Non-positive or NaN requests get the maximum.
func ClampClipDuration(seconds float64) int {
	if math.IsNaN(seconds) || seconds <= 0 {
		return MaxClipSeconds
	}
	d := int(math.Round(seconds))
	if d < MinClipSeconds {
		return MinClipSeconds
	}
	if d > MaxClipSeconds {
		return MaxClipSeconds
	}
	return d
}

// NormalizeAspectRatio maps a storyboard aspect ratio onto one the provider
// accepts. Unsupported values fall back to DefaultAspectRatio.
func NormalizeAspectRatio(ar string) string {
	n := strings.ToLower(strings.TrimSpace(ar))
	n = strings.NewReplacer("x", ":", "/", ":", " ", "").Replace(n)

	switch n {
	case AspectLandscape, "landscape", "horizontal":
		return AspectLandscape
	case AspectPortrait, "portrait", "vertical":
		return AspectPortrait
	}
	if ar != "" {
		log.Printf("[ClipGen] Warning: unsupported aspect ratio %q, using %s", ar, DefaultAspectRatio)
	}
	return DefaultAspectRatio
}

// ClipRequest is one single-clip generation.
type ClipRequest struct {
	SceneNumber     int
	Prompt          string
	DurationSeconds float64
	AspectRatio     string
	SeedImage       *models.SeedImage
}

// ExtendRequest asks the provider to continue an existing clip.
type ExtendRequest struct {
	SceneNumber int
	SourceVideo []byte
	Prompt      string
	AspectRatio string
}

type ClipGeneratorOptions struct {
	PollInterval time.Duration
	MaxPollWait  time.Duration
	Retry        *retry.Policy

	// Optional collaborators
	Prober   Prober
	Screener PromptScreener
}

// ClipGenerator wraps a VideoProvider: submit, poll with a bounded wait, and
// persist the result through a FileStore.
type ClipGenerator struct {
	provider     VideoProvider
	store        storage.FileStore
	prober       Prober
	screener     PromptScreener
	pollInterval time.Duration
	maxPollWait  time.Duration
	retry        retry.Policy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClipGenerator(provider VideoProvider, store storage.FileStore, opts ClipGeneratorOptions) *ClipGenerator {
	g := &ClipGenerator{
		provider:     provider,
		store:        store,
		prober:       opts.Prober,
		screener:     opts.Screener,
		pollInterval: opts.PollInterval,
		maxPollWait:  opts.MaxPollWait,
		retry:        retry.Default(),
		now:          time.Now,
		sleep:        retry.Sleep,
	}
	if g.pollInterval <= 0 {
		g.pollInterval = defaultPollInterval
	}
	if g.maxPollWait <= 0 {
		g.maxPollWait = defaultMaxPollWait
	}
	if opts.Retry != nil {
		g.retry = *opts.Retry
	}
	g.retry.Retryable = isTransient
	return g
}

// Provider returns the name of the wrapped provider.
func (g *ClipGenerator) Provider() string { return g.provider.Name() }

// Generate produces one clip. The returned result is never nil; when its status
// is failed the cause is also returned as the error so callers can classify it.
// A "processing" result carries a handle for Resume and a nil error.
func (g *ClipGenerator) Generate(ctx context.Context, req ClipRequest) (*models.ClipResult, error) {
	start := g.now()
	duration := ClampClipDuration(req.DurationSeconds)
	aspect := NormalizeAspectRatio(req.AspectRatio)

	log.Printf("[ClipGen] Scene %d: generating %ds %s clip via %s", req.SceneNumber, duration, aspect, g.provider.Name())

	seed, err := g.resolveSeedImage(ctx, req.SceneNumber, req.SeedImage)
	if err != nil {
		log.Printf("[ClipGen] Scene %d: %v", req.SceneNumber, err)
		return failedClip(req.SceneNumber, req.Prompt, start, g.now(), err), err
	}

	return g.submitAndAwait(ctx, start, GenerationRequest{
		SceneNumber:     req.SceneNumber,
		Prompt:          req.Prompt,
		DurationSeconds: duration,
		AspectRatio:     aspect,
		SeedImage:       seed,
	})
}

// resolveSeedImage makes sure a seed image reaches the provider in a form it
// can use. Remote images are downloaded into a copy; the caller's scene is
// left untouched.
func (g *ClipGenerator) resolveSeedImage(ctx context.Context, sceneNumber int, seed *models.SeedImage) (*models.SeedImage, error) {
	if seed == nil || len(seed.Data) > 0 {
		return seed, nil
	}
	if seed.URL == "" {
		return nil, fmt.Errorf("seed image has no data or url (path %q was never loaded)", seed.Path)
	}
	if a, ok := g.provider.(SeedURLAccepter); ok && a.AcceptsSeedImageURL() {
		return seed, nil
	}

	var data []byte
	err := g.retry.Do(ctx, fmt.Sprintf("scene %d seed image", sceneNumber), func(ctx context.Context) error {
		b, err := downloadURL(ctx, seed.URL, seedImageDownloadTimeout)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download seed image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("seed image %s is empty", seed.URL)
	}

	resolved := *seed
	resolved.Data = data
	if resolved.MIMEType == "" {
		resolved.MIMEType = http.DetectContentType(data)
	}
	log.Printf("[ClipGen] Scene %d: downloaded seed image (%d bytes, %s)", sceneNumber, len(data), resolved.MIMEType)
	return &resolved, nil
}

// Extend asks the provider to continue an existing clip by one hop.
func (g *ClipGenerator) Extend(ctx context.Context, req ExtendRequest) (*models.ClipResult, error) {
	start := g.now()
	aspect := NormalizeAspectRatio(req.AspectRatio)

	if len(req.SourceVideo) == 0 {
		err := fmt.Errorf("%w: empty source video", ErrClipNotFound)
		return failedClip(req.SceneNumber, req.Prompt, start, g.now(), err), err
	}

	log.Printf("[ClipGen] Scene %d: extending clip (%d bytes) by %ds via %s", req.SceneNumber, len(req.SourceVideo), HopSeconds, g.provider.Name())

	return g.submitAndAwait(ctx, start, GenerationRequest{
		SceneNumber:     req.SceneNumber,
		Prompt:          req.Prompt,
		DurationSeconds: HopSeconds,
		AspectRatio:     aspect,
		SourceVideo:     req.SourceVideo,
	})
}

// Resume polls a previously returned handle again with the same bounded wait.
// Once a handle has reached a terminal result, Resume returns that result
// without touching the provider or the store.
func (g *ClipGenerator) Resume(ctx context.Context, handle *models.OperationHandle) (*models.ClipResult, error) {
	if handle == nil || handle.Name == "" {
		return nil, fmt.Errorf("resume requires an operation handle")
	}
	if handle.Provider != "" && handle.Provider != g.provider.Name() {
		return nil, fmt.Errorf("handle belongs to provider %q, generator uses %q", handle.Provider, g.provider.Name())
	}
	return g.await(ctx, handle, handle.SubmittedAt)
}

func (g *ClipGenerator) submitAndAwait(ctx context.Context, start time.Time, req GenerationRequest) (*models.ClipResult, error) {
	if g.screener != nil {
		if err := g.screener.Screen(ctx, req.Prompt); err != nil {
			if errors.Is(err, ErrContentFiltered) {
				log.Printf("[ClipGen] Scene %d: prompt rejected by screening: %v", req.SceneNumber, err)
				return failedClip(req.SceneNumber, req.Prompt, start, g.now(), err), err
			}
			log.Printf("[ClipGen] Warning: prompt screening unavailable, continuing: %v", err)
		}
	}

	var handle *models.OperationHandle
	err := g.retry.Do(ctx, fmt.Sprintf("scene %d submit", req.SceneNumber), func(ctx context.Context) error {
		h, err := g.provider.Submit(ctx, req)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		log.Printf("[ClipGen] Scene %d: submission failed: %v", req.SceneNumber, err)
		return failedClip(req.SceneNumber, req.Prompt, start, g.now(), err), err
	}

	return g.await(ctx, handle, start)
}

// await polls on a fixed interval until the job is done or maxPollWait elapses.
func (g *ClipGenerator) await(ctx context.Context, handle *models.OperationHandle, start time.Time) (*models.ClipResult, error) {
	if handle.Result != nil {
		cached := *handle.Result
		var err error
		if cached.Status == models.StatusFailed {
			err = handle.Err
			if err == nil && cached.Error != nil {
				err = restoreError(*cached.Error)
			}
		}
		return &cached, err
	}

	deadline := g.now().Add(g.maxPollWait)
	for pollCount := 1; ; pollCount++ {
		var pr *PollResult
		err := g.retry.Do(ctx, fmt.Sprintf("scene %d poll", handle.SceneNumber), func(ctx context.Context) error {
			r, err := g.provider.Poll(ctx, handle)
			if err != nil {
				return err
			}
			pr = r
			return nil
		})
		if err != nil {
			if ctx.Err() != nil || isTransient(err) {
				// The job itself may still finish and can be resumed.
				log.Printf("[ClipGen] Warning: scene %d poll gave up (%v), returning handle %s", handle.SceneNumber, err, handle.Name)
				return g.processingClip(handle, start), nil
			}
			log.Printf("[ClipGen] Scene %d: polling %s failed: %v", handle.SceneNumber, handle.Name, err)
			return failedClip(handle.SceneNumber, handle.Prompt, start, g.now(), err), err
		}

		if pr.Done {
			log.Printf("[ClipGen] Scene %d: operation done after %d polls", handle.SceneNumber, pollCount)
			result, err := g.finish(ctx, handle, pr, start)
			cached := *result
			handle.Result = &cached
			handle.Err = err
			return result, err
		}

		remaining := deadline.Sub(g.now())
		if remaining <= 0 {
			log.Printf("[ClipGen] Scene %d: still processing after %v (%d polls), returning handle %s",
				handle.SceneNumber, g.maxPollWait, pollCount, handle.Name)
			return g.processingClip(handle, start), nil
		}

		wait := g.pollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := g.sleep(ctx, wait); err != nil {
			return g.processingClip(handle, start), nil
		}
	}
}

// finish turns a completed poll into a terminal ClipResult.
func (g *ClipGenerator) finish(ctx context.Context, handle *models.OperationHandle, pr *PollResult, start time.Time) (*models.ClipResult, error) {
	if pr.Err != nil {
		log.Printf("[ClipGen] Scene %d: provider reported failure: %v", handle.SceneNumber, pr.Err)
		return g.terminalFailure(handle, start, pr.Err)
	}
	if pr.Media == nil {
		return g.terminalFailure(handle, start, fmt.Errorf("%w (operation: %s)", ErrNoMedia, handle.Name))
	}

	media := pr.Media
	result := &models.ClipResult{
		SceneNumber: handle.SceneNumber,
		Status:      models.StatusCompleted,
		OperationID: strPtr(handle.Name),
		PromptUsed:  handle.Prompt,
	}

	var data []byte
	err := g.retry.Do(ctx, fmt.Sprintf("scene %d download", handle.SceneNumber), func(ctx context.Context) error {
		b, err := g.provider.Fetch(ctx, media)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		if media.URI == "" {
			return g.terminalFailure(handle, start, fmt.Errorf("failed to fetch generated clip: %w", err))
		}
		log.Printf("[ClipGen] Warning: scene %d download failed, returning provider URL: %v", handle.SceneNumber, err)
		result.VideoURL = strPtr(media.URI)
		result.DurationSeconds = declaredDuration(media, handle)
		result.GenerationTimeMs = g.now().Sub(start).Milliseconds()
		return result, nil
	}

	filename := storage.UniqueName(clipFilePrefix(handle), extensionForMIME(media.MIMEType))
	stored, err := g.store.Save(ctx, filename, data)
	if err != nil {
		if media.URI == "" {
			return g.terminalFailure(handle, start, fmt.Errorf("failed to persist generated clip: %w", err))
		}
		log.Printf("[ClipGen] Warning: scene %d persistence failed, returning provider URL: %v", handle.SceneNumber, err)
		result.VideoURL = strPtr(media.URI)
		result.DurationSeconds = declaredDuration(media, handle)
		result.GenerationTimeMs = g.now().Sub(start).Milliseconds()
		return result, nil
	}

	result.VideoURL = strPtr(stored.URL)
	result.VideoPath = strPtr(stored.Path)
	result.DurationSeconds = declaredDuration(media, handle)

	// The encoded file is authoritative over the requested duration
	if g.prober != nil {
		if d, err := g.prober.Duration(ctx, stored.Path); err == nil && d > 0 {
			result.DurationSeconds = &d
		} else if err != nil {
			log.Printf("[ClipGen] Warning: could not probe %s: %v", stored.Filename, err)
		}
	}

	result.GenerationTimeMs = g.now().Sub(start).Milliseconds()
	log.Printf("[ClipGen] Scene %d: clip saved as %s (%d bytes, %dms)", handle.SceneNumber, stored.Filename, len(data), result.GenerationTimeMs)
	return result, nil
}

func (g *ClipGenerator) terminalFailure(handle *models.OperationHandle, start time.Time, err error) (*models.ClipResult, error) {
	r := failedClip(handle.SceneNumber, handle.Prompt, start, g.now(), err)
	r.OperationID = strPtr(handle.Name)
	return r, err
}

func (g *ClipGenerator) processingClip(handle *models.OperationHandle, start time.Time) *models.ClipResult {
	return &models.ClipResult{
		SceneNumber:      handle.SceneNumber,
		Status:           models.StatusProcessing,
		OperationID:      strPtr(handle.Name),
		Handle:           handle,
		PromptUsed:       handle.Prompt,
		GenerationTimeMs: g.now().Sub(start).Milliseconds(),
	}
}

func failedClip(sceneNumber int, prompt string, start, end time.Time, err error) *models.ClipResult {
	return &models.ClipResult{
		SceneNumber:      sceneNumber,
		Status:           models.StatusFailed,
		Error:            errString(err),
		PromptUsed:       prompt,
		GenerationTimeMs: end.Sub(start).Milliseconds(),
	}
}

func declaredDuration(media *GeneratedMedia, handle *models.OperationHandle) *float64 {
	d := media.DurationSeconds
	if d <= 0 {
		d = float64(handle.DurationSeconds)
	}
	if d <= 0 {
		return nil
	}
	return &d
}

func clipFilePrefix(handle *models.OperationHandle) string {
	return fmt.Sprintf("scene%02d_%s", handle.SceneNumber, handle.Provider)
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(mime) {
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	default:
		return ".mp4"
	}
}

func strPtr(s string) *string {
	return &s
}
