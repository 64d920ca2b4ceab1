// Command assemble runs one storyboard through the generation pipeline
// without the API, queue or database, and prints the result as JSON.
//
//	assemble -storyboard board.yaml -mode scenes -concat
//	assemble -storyboard board.yaml -mode extended -target 45
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobarin/adreel/internal/config"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/pipeline"
	"github.com/bobarin/adreel/internal/storyboard"
)

type sceneOutput struct {
	Scenes        *models.SceneBatchResult    `json:"scenes"`
	Concatenation *models.ConcatenationResult `json:"concatenation,omitempty"`
}

func main() {
	var (
		boardPath = flag.String("storyboard", "", "path to a storyboard YAML or JSON file")
		mode      = flag.String("mode", "scenes", "scenes or extended")
		aspect    = flag.String("aspect", "", "aspect ratio override (16:9 or 9:16)")
		target    = flag.Int("target", 0, "extended mode target duration in seconds (overrides the storyboard)")
		concat    = flag.Bool("concat", false, "scenes mode: join completed clips into one video")
		provider  = flag.String("provider", "", "video provider override (veo, xai, mock)")
	)
	flag.Parse()

	if *boardPath == "" {
		fmt.Fprintln(os.Stderr, "usage: assemble -storyboard <file> [-mode scenes|extended] [-concat] [-target N]")
		os.Exit(2)
	}
	if *provider != "" {
		os.Setenv("VIDEO_PROVIDER", *provider)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sb, err := storyboard.Load(*boardPath)
	if err != nil {
		log.Fatalf("Failed to load storyboard: %v", err)
	}
	if *aspect != "" {
		sb.AspectRatio = *aspect
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	var out interface{}
	exitCode := 0

	switch *mode {
	case "scenes":
		batch := p.Orchestrator.GenerateAll(ctx, sb.Scenes, sb.AspectRatio, cfg.ScenePacingDelay)
		res := sceneOutput{Scenes: batch}
		if batch.OverallStatus != models.StatusCompleted {
			exitCode = 1
		}
		if *concat && batch.OverallStatus == models.StatusCompleted {
			ms := sb.TransitionMs
			if ms == 0 {
				ms = cfg.TransitionDurationMs
			}
			res.Concatenation = p.Concat.Concatenate(ctx, concatInputs(sb.Scenes, batch), sb.IncludeTransitions, ms)
			if !res.Concatenation.Success {
				exitCode = 1
			}
		}
		out = res
	case "extended":
		t := sb.TargetDurationSeconds
		if *target > 0 {
			t = *target
		}
		result := p.Extension.GenerateExtended(ctx, sb.Scenes, t, sb.AspectRatio)
		if result.Status != models.StatusCompleted {
			exitCode = 1
		}
		out = result
	default:
		log.Fatalf("Unknown mode %q (want scenes or extended)", *mode)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
	os.Exit(exitCode)
}

// concatInputs pairs each completed clip with its scene's transition.
func concatInputs(scenes []models.Scene, batch *models.SceneBatchResult) []models.ConcatClip {
	transitions := make(map[int]*string, len(scenes))
	for _, s := range scenes {
		transitions[s.SceneNumber] = s.TransitionEffect
	}

	clips := make([]models.ConcatClip, 0, len(batch.Results))
	for _, r := range batch.Results {
		var source string
		switch {
		case r.VideoPath != nil:
			source = *r.VideoPath
		case r.VideoURL != nil:
			source = *r.VideoURL
		default:
			continue
		}
		clips = append(clips, models.ConcatClip{
			Source:           source,
			TransitionEffect: transitions[r.SceneNumber],
			DurationSeconds:  r.DurationSeconds,
		})
	}
	return clips
}
