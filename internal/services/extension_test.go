package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/models"
)

// fakeExtender writes real files so the engine can read the current clip back.
type fakeExtender struct {
	dir       string
	seedFails bool
	seedPend  bool
	failHop   int // 1-based hop that fails; 0 = none
	noPathHop int // 1-based hop that completes without a local file

	hops    int
	sources []string
}

func (f *fakeExtender) Generate(ctx context.Context, req ClipRequest) (*models.ClipResult, error) {
	if f.seedFails {
		err := errors.New("quota exceeded")
		return failedClip(req.SceneNumber, req.Prompt, time.Now(), time.Now(), err), err
	}
	if f.seedPend {
		op := "op-seed"
		return &models.ClipResult{SceneNumber: req.SceneNumber, Status: models.StatusProcessing, OperationID: &op}, nil
	}
	return f.write(req.SceneNumber, "seed")
}

func (f *fakeExtender) Extend(ctx context.Context, req ExtendRequest) (*models.ClipResult, error) {
	f.hops++
	f.sources = append(f.sources, string(req.SourceVideo))
	if f.hops == f.failHop {
		err := &ContentPolicyError{Provider: "fake", Reasons: []string{"unsafe continuation"}}
		return failedClip(req.SceneNumber, req.Prompt, time.Now(), time.Now(), err), err
	}
	if f.hops == f.noPathHop {
		url := "https://provider.example/hop.mp4"
		return &models.ClipResult{SceneNumber: req.SceneNumber, Status: models.StatusCompleted, VideoURL: &url}, nil
	}
	return f.write(req.SceneNumber, fmt.Sprintf("hop-%d", f.hops))
}

func (f *fakeExtender) write(scene int, content string) (*models.ClipResult, error) {
	path := filepath.Join(f.dir, content+".mp4")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, err
	}
	url := "/media/" + content + ".mp4"
	return &models.ClipResult{SceneNumber: scene, Status: models.StatusCompleted, VideoURL: &url, VideoPath: &path}, nil
}

func newTestEngine(gen clipExtending) *ExtensionEngine {
	e := NewExtensionEngine(gen, 10*time.Second)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func TestClampTarget(t *testing.T) {
	for _, target := range []int{-10, 0, 7, 8, 9, 60, 148, 149, 1000} {
		got := ClampTarget(target)
		if got < 8 || got > 148 {
			t.Errorf("ClampTarget(%d) = %d, outside [8, 148]", target, got)
		}
	}
	if ClampTarget(60) != 60 {
		t.Errorf("ClampTarget(60) = %d, want 60", ClampTarget(60))
	}
}

func TestHopBudget(t *testing.T) {
	tests := []struct {
		target, scenes, want int
	}{
		{30, 10, 4},   // ceil(22/7) = 4
		{8, 10, 0},    // seed alone reaches target
		{15, 10, 1},   // exactly one hop
		{16, 10, 2},   // 8 + 7 = 15 < 16
		{148, 30, 20}, // provider cap
		{500, 30, 20}, // target clamped first
		{148, 5, 4},   // bounded by scenes available
		{60, 1, 0},    // no scenes to drive hops
		{60, 0, 0},
	}
	for _, tt := range tests {
		got := HopBudget(tt.target, tt.scenes)
		if got != tt.want {
			t.Errorf("HopBudget(%d, %d) = %d, want %d", tt.target, tt.scenes, got, tt.want)
		}
		limit := tt.scenes - 1
		if limit > MaxHops {
			limit = MaxHops
		}
		if limit < 0 {
			limit = 0
		}
		if got > limit {
			t.Errorf("HopBudget(%d, %d) = %d exceeds min(20, scenes-1) = %d", tt.target, tt.scenes, got, limit)
		}
	}
}

func TestGenerateExtended_PartialWhenHopFails(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir(), failHop: 3}
	e := newTestEngine(gen)

	res := e.GenerateExtended(context.Background(), scenes(1, 2, 3, 4, 5), 148, "16:9")

	if res.Status != models.StatusPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if res.HopsCompleted != 2 {
		t.Errorf("hops_completed = %d, want 2", res.HopsCompleted)
	}
	if res.HopsRequested != 4 {
		t.Errorf("hops_requested = %d, want 4", res.HopsRequested)
	}
	if len(res.HopHistory) != 3 {
		t.Fatalf("hop_history = %d entries, want 3", len(res.HopHistory))
	}
	for i, want := range []models.GenerationStatus{models.StatusCompleted, models.StatusCompleted, models.StatusFailed} {
		if res.HopHistory[i].Status != want || res.HopHistory[i].HopNumber != i+1 {
			t.Errorf("hop %d = %+v, want status %s", i+1, res.HopHistory[i], want)
		}
	}
	if res.FinalDurationSeconds != 22 {
		t.Errorf("final duration = %d, want 22", res.FinalDurationSeconds)
	}
	if res.VideoPath == nil || filepath.Base(*res.VideoPath) != "hop-2.mp4" {
		t.Errorf("video path = %v, want last good clip hop-2.mp4", res.VideoPath)
	}
	if res.Error == nil {
		t.Error("expected an error message on partial result")
	}
	if res.HopHistory[2].Error == nil {
		t.Error("failed hop should carry its error")
	}
}

func TestGenerateExtended_EachHopReadsLatestClip(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir()}
	e := newTestEngine(gen)

	res := e.GenerateExtended(context.Background(), scenes(1, 2, 3, 4), 148, "9:16")

	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed (%v)", res.Status, res.Error)
	}
	want := []string{"seed", "hop-1", "hop-2"}
	if len(gen.sources) != len(want) {
		t.Fatalf("extend calls = %d, want %d", len(gen.sources), len(want))
	}
	for i := range want {
		if gen.sources[i] != want[i] {
			t.Errorf("hop %d read %q, want %q", i+1, gen.sources[i], want[i])
		}
	}
	// Scenes ran out before the target: not an error
	if res.FinalDurationSeconds != 8+3*7 {
		t.Errorf("final duration = %d, want 29", res.FinalDurationSeconds)
	}
	if res.ScenesProcessed != 4 {
		t.Errorf("scenes_processed = %d, want 4", res.ScenesProcessed)
	}
	for i, hop := range res.HopHistory {
		if hop.DurationAddedSeconds != 7 || hop.TotalDurationSeconds != 8+7*(i+1) {
			t.Errorf("hop %d durations = %+v", i+1, hop)
		}
	}
}

func TestGenerateExtended_StopsOnceTargetReached(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir()}
	e := newTestEngine(gen)

	res := e.GenerateExtended(context.Background(), scenes(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), 30, "16:9")

	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if gen.hops != 4 || res.HopsCompleted != 4 {
		t.Errorf("hops = %d/%d, want 4", gen.hops, res.HopsCompleted)
	}
	if res.FinalDurationSeconds < 30 {
		t.Errorf("final duration = %d, want >= 30", res.FinalDurationSeconds)
	}
}

func TestGenerateExtended_SeedFailureFailsImmediately(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir(), seedFails: true}
	res := newTestEngine(gen).GenerateExtended(context.Background(), scenes(1, 2, 3), 60, "16:9")

	if res.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if gen.hops != 0 || len(res.HopHistory) != 0 {
		t.Errorf("no hops should run after a failed seed")
	}
	if res.Error == nil {
		t.Error("expected error")
	}
}

func TestGenerateExtended_SeedStillProcessingFails(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir(), seedPend: true}
	res := newTestEngine(gen).GenerateExtended(context.Background(), scenes(1, 2), 20, "16:9")

	if res.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestGenerateExtended_MissingCurrentClipIsPartial(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir()}
	e := newTestEngine(gen)
	e.OnHop = func(hop models.ExtensionHop) {
		if hop.HopNumber == 1 && hop.VideoPath != nil {
			os.Remove(*hop.VideoPath)
		}
	}

	res := e.GenerateExtended(context.Background(), scenes(1, 2, 3), 60, "16:9")

	if res.Status != models.StatusPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if len(res.HopHistory) != 2 || res.HopsCompleted != 1 {
		t.Errorf("history = %d, completed = %d", len(res.HopHistory), res.HopsCompleted)
	}
	if gen.hops != 1 {
		t.Errorf("extend calls = %d, want 1", gen.hops)
	}
}

func TestGenerateExtended_HopWithoutLocalFileStopsChain(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir(), noPathHop: 1}
	res := newTestEngine(gen).GenerateExtended(context.Background(), scenes(1, 2, 3, 4), 60, "16:9")

	if res.Status != models.StatusPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if res.HopsCompleted != 1 || gen.hops != 1 {
		t.Errorf("hops completed = %d, extend calls = %d, want 1/1", res.HopsCompleted, gen.hops)
	}
	if res.VideoURL == nil || *res.VideoURL != "https://provider.example/hop.mp4" {
		t.Errorf("video url = %v", res.VideoURL)
	}
}

func TestGenerateExtended_TargetAtSeedLength(t *testing.T) {
	gen := &fakeExtender{dir: t.TempDir()}
	res := newTestEngine(gen).GenerateExtended(context.Background(), scenes(1, 2, 3), 3, "16:9")

	if res.Status != models.StatusCompleted || res.TargetDurationSeconds != 8 || gen.hops != 0 {
		t.Errorf("result = %+v, hops = %d", res, gen.hops)
	}
}
