package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/storage"
)

const (
	concatDownloadTimeout = 120 * time.Second
	materializeParallel   = 4
)

// Concatenator joins already-generated scene clips into one output file.
type Concatenator struct {
	ffmpeg   *FFmpegService
	store    storage.FileStore
	tempRoot string

	download func(ctx context.Context, url string) ([]byte, error)
}

func NewConcatenator(ffmpeg *FFmpegService, store storage.FileStore, tempRoot string) *Concatenator {
	return &Concatenator{
		ffmpeg:   ffmpeg,
		store:    store,
		tempRoot: tempRoot,
		download: func(ctx context.Context, url string) ([]byte, error) {
			return downloadURL(ctx, url, concatDownloadTimeout)
		},
	}
}

// Concatenate produces one video from clips in the given order. Without
// transitions (or with a single clip) it never builds a filter graph.
func (c *Concatenator) Concatenate(ctx context.Context, clips []models.ConcatClip, includeTransitions bool, transitionDurationMs int) *models.ConcatenationResult {
	start := time.Now()
	result := &models.ConcatenationResult{SceneCount: len(clips)}

	fail := func(err error) *models.ConcatenationResult {
		log.Printf("[Concat] Failed: %v", err)
		result.Success = false
		result.Error = errString(err)
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		return result
	}

	if len(clips) == 0 {
		return fail(fmt.Errorf("no clips to concatenate"))
	}
	if len(clips) == 1 {
		return c.single(ctx, clips[0], result, start, fail)
	}

	if c.tempRoot != "" {
		if err := os.MkdirAll(c.tempRoot, 0755); err != nil {
			return fail(fmt.Errorf("failed to create temp root: %w", err))
		}
	}
	workDir, err := os.MkdirTemp(c.tempRoot, "concat-*")
	if err != nil {
		return fail(fmt.Errorf("failed to create working dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Printf("[Concat] Warning: failed to remove %s: %v", workDir, err)
		}
	}()

	log.Printf("[Concat] Joining %d clips (transitions=%v)", len(clips), includeTransitions)

	inputs, err := c.materialize(ctx, workDir, clips)
	if err != nil {
		return fail(err)
	}

	outPath := filepath.Join(workDir, "output.mp4")
	if !includeTransitions {
		if err := c.ffmpeg.ConcatenateClips(ctx, workDir, inputs, outPath); err != nil {
			return fail(err)
		}
	} else {
		specs, err := c.renderTransitions(ctx, clips, inputs, transitionDurationMs, outPath)
		if err != nil {
			return fail(err)
		}
		result.Transitions = specs
		result.TransitionsApplied = len(specs)
	}

	duration, err := c.ffmpeg.Duration(ctx, outPath)
	if err != nil {
		return fail(fmt.Errorf("failed to read output duration: %w", err))
	}
	result.DurationSeconds = duration

	stored, err := c.store.Import(ctx, storage.UniqueName("final", ".mp4"), outPath)
	if err != nil {
		return fail(fmt.Errorf("failed to persist output: %w", err))
	}

	result.Success = true
	result.OutputURL = strPtr(stored.URL)
	result.OutputPath = strPtr(stored.Path)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	log.Printf("[Concat] Output %s (%.2fs, %d transitions, %dms)", stored.Filename, duration, result.TransitionsApplied, result.ProcessingTimeMs)
	return result
}

// single returns the only clip unchanged. Its duration is probed when the clip
// is local; the caller's value is used otherwise.
func (c *Concatenator) single(ctx context.Context, clip models.ConcatClip, result *models.ConcatenationResult, start time.Time, fail func(error) *models.ConcatenationResult) *models.ConcatenationResult {
	source := clip.Source
	if clip.DurationSeconds != nil {
		result.DurationSeconds = *clip.DurationSeconds
	}

	if IsRemoteSource(source) {
		result.OutputURL = strPtr(source)
	} else {
		if _, err := os.Stat(source); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fail(fmt.Errorf("%w: %s", ErrClipNotFound, source))
			}
			return fail(fmt.Errorf("failed to stat %s: %w", source, err))
		}
		result.OutputPath = strPtr(source)
		if d, err := c.ffmpeg.Duration(ctx, source); err == nil && d > 0 {
			result.DurationSeconds = d
		} else if err != nil {
			log.Printf("[Concat] Warning: could not probe single clip: %v", err)
		}
	}

	result.Success = true
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	return result
}

// materialize copies or downloads every clip into workDir, preserving order.
// Any clip that cannot be fetched aborts the whole operation.
func (c *Concatenator) materialize(ctx context.Context, workDir string, clips []models.ConcatClip) ([]string, error) {
	paths := make([]string, len(clips))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeParallel)
	for i, clip := range clips {
		i, clip := i, clip
		dst := filepath.Join(workDir, fmt.Sprintf("input_%03d%s", i, sourceExt(clip.Source)))
		paths[i] = dst

		g.Go(func() error {
			if IsRemoteSource(clip.Source) {
				data, err := c.download(gctx, clip.Source)
				if err != nil {
					return fmt.Errorf("clip %d: failed to download %s: %w", i+1, clip.Source, err)
				}
				if err := os.WriteFile(dst, data, 0644); err != nil {
					return fmt.Errorf("clip %d: failed to write: %w", i+1, err)
				}
				return nil
			}
			if err := copyLocal(clip.Source, dst); err != nil {
				return fmt.Errorf("clip %d: %w", i+1, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// renderTransitions builds and runs the xfade chain. Returns the transition
// actually rendered after each clip but the last.
func (c *Concatenator) renderTransitions(ctx context.Context, clips []models.ConcatClip, inputs []string, transitionDurationMs int, outPath string) ([]models.TransitionSpec, error) {
	if transitionDurationMs <= 0 {
		transitionDurationMs = DefaultTransitionMs
	}
	t := float64(transitionDurationMs) / 1000

	durations := make([]float64, len(inputs))
	withAudio := true
	for i, in := range inputs {
		d, err := c.ffmpeg.Duration(ctx, in)
		if err != nil || d <= 0 {
			if clips[i].DurationSeconds == nil || *clips[i].DurationSeconds <= 0 {
				return nil, fmt.Errorf("clip %d: unknown duration: %v", i+1, err)
			}
			log.Printf("[Concat] Warning: clip %d probe failed, using declared %.2fs", i+1, *clips[i].DurationSeconds)
			d = *clips[i].DurationSeconds
		}
		durations[i] = d

		if withAudio {
			hasAudio, err := c.ffmpeg.HasAudio(ctx, in)
			if err != nil || !hasAudio {
				withAudio = false
			}
		}
	}

	// A transition cannot be longer than the shortest clip it touches.
	for _, d := range durations {
		if t >= d {
			t = d / 2
		}
	}

	specs := TransitionSpecs(clips, t)
	effects := make([]Transition, len(specs))
	for i, spec := range specs {
		effects[i] = Transition(spec.EffectName)
	}

	graph, labels := BuildTransitionGraph(effects, durations, t, withAudio)
	log.Printf("[Concat] Rendering %d transitions (%.3fs each, audio=%v)", len(effects), t, withAudio)

	if err := c.ffmpeg.RenderFilterGraph(ctx, inputs, graph, labels, outPath); err != nil {
		return nil, err
	}
	return specs, nil
}

// TransitionSpecs resolves the transition attached to every clip except the
// last. Unknown effect names resolve to their fallback, and every pair uses
// the same length t (seconds).
func TransitionSpecs(clips []models.ConcatClip, t float64) []models.TransitionSpec {
	if len(clips) < 2 {
		return nil
	}
	specs := make([]models.TransitionSpec, len(clips)-1)
	for i := range specs {
		name := ""
		if clips[i].TransitionEffect != nil {
			name = *clips[i].TransitionEffect
		}
		specs[i] = models.TransitionSpec{
			EffectName: string(ParseTransition(name)),
			DurationMs: int(math.Round(t * 1000)),
		}
	}
	return specs
}

// IsRemoteSource reports whether a clip source is an http(s) URL rather than a
// local path.
func IsRemoteSource(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func sourceExt(source string) string {
	if i := strings.IndexAny(source, "?#"); i >= 0 && IsRemoteSource(source) {
		source = source[:i]
	}
	ext := strings.ToLower(filepath.Ext(source))
	switch ext {
	case ".mp4", ".mov", ".webm", ".mkv":
		return ext
	default:
		return ".mp4"
	}
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrClipNotFound, src)
		}
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
