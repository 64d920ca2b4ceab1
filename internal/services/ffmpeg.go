package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Output / rendering constants for the transition path
const (
	videoFPS       = 30
	maxStderrBytes = 4096
)

// ---------------------------------------------------------------------------
// Subprocess runner
// ---------------------------------------------------------------------------

// CommandRunner executes an external tool and returns its stdout. A non-zero
// exit is returned as *EncoderError carrying the tail of stderr.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)

	// Capture stderr with bounded buffer
	var stdout, stderrBuf bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		log.Printf("[FFmpeg] %s failed (exit=%d, elapsed=%v)", name, exitCode, time.Since(start).Round(time.Millisecond))
		return nil, &EncoderError{
			Tool:       name,
			ExitCode:   exitCode,
			StderrTail: stderrBuf.String(),
			Err:        err,
		}
	}

	return stdout.Bytes(), nil
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

// Prober reads facts back from an encoded file.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
	HasAudio(ctx context.Context, path string) (bool, error)
}

type FFmpegService struct {
	runner CommandRunner
}

func NewFFmpegService(runner CommandRunner) *FFmpegService {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &FFmpegService{runner: runner}
}

// ConcatenateClips joins clips by stream copy using a concat list written
// into workDir.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, workDir string, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	// Create a concat list file
	listPath := filepath.Join(workDir, "concat_list.txt")
	var list strings.Builder
	for _, path := range clipPaths {
		// Write in FFmpeg concat format
		fmt.Fprintf(&list, "file '%s'\n", escapeConcatPath(path))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy", // Copy without re-encoding
		"-y",
		outputPath,
	}

	if _, err := s.runner.Run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}
	return nil
}

// RenderFilterGraph re-encodes inputs through a filter_complex graph, mapping
// the given output labels.
func (s *FFmpegService) RenderFilterGraph(ctx context.Context, inputs []string, graph string, outLabels []string, outputPath string) error {
	args := make([]string, 0, len(inputs)*2+len(outLabels)*2+20)
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	args = append(args, "-filter_complex", graph)
	for _, l := range outLabels {
		args = append(args, "-map", "["+l+"]")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(videoFPS),
	)
	if len(outLabels) > 1 {
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}
	args = append(args, "-movflags", "+faststart", "-y", outputPath)

	if _, err := s.runner.Run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg transition render failed: %w", err)
	}
	return nil
}

// Duration returns the container duration of a media file in seconds.
func (s *FFmpegService) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := s.runner.Run(ctx, "ffprobe", args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe video duration failed: %w", err)
	}

	durationSec, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse video duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return durationSec, nil
}

// HasAudio reports whether the file carries at least one audio stream.
func (s *FFmpegService) HasAudio(ctx context.Context, path string) (bool, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		path,
	}

	output, err := s.runner.Run(ctx, "ffprobe", args...)
	if err != nil {
		return false, fmt.Errorf("ffprobe audio streams failed: %w", err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// escapeConcatPath escapes single quotes for the concat demuxer's quoting rules.
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

var _ Prober = (*FFmpegService)(nil)
