// Package storyboard loads scene lists from YAML (or JSON) files for the
// assemble command.
package storyboard

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/adreel/internal/models"
	"gopkg.in/yaml.v3"
)

type Storyboard struct {
	Title                 string         `yaml:"title"`
	AspectRatio           string         `yaml:"aspect_ratio"`
	TargetDurationSeconds int            `yaml:"target_duration_seconds"`
	IncludeTransitions    bool           `yaml:"include_transitions"`
	TransitionMs          int            `yaml:"transition_duration_ms"`
	Scenes                []models.Scene `yaml:"scenes"`
}

// Load parses a storyboard file, validates its scenes and reads any local seed
// images. Relative image paths resolve against the storyboard's directory.
func Load(path string) (*Storyboard, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storyboard: %w", err)
	}
	return Parse(raw, filepath.Dir(path))
}

// Parse decodes storyboard bytes; baseDir anchors relative seed image paths.
func Parse(raw []byte, baseDir string) (*Storyboard, error) {
	var sb Storyboard
	if err := yaml.Unmarshal(raw, &sb); err != nil {
		return nil, fmt.Errorf("failed to parse storyboard: %w", err)
	}

	if err := models.ValidateScenes(sb.Scenes); err != nil {
		return nil, fmt.Errorf("invalid storyboard: %w", err)
	}
	if sb.TransitionMs < 0 {
		return nil, fmt.Errorf("invalid storyboard: transition_duration_ms must not be negative")
	}

	for i := range sb.Scenes {
		img := sb.Scenes[i].SeedImage
		if img == nil || img.Path == "" {
			continue
		}
		p := img.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("scene %d seed image: %w", sb.Scenes[i].SceneNumber, err)
		}
		img.Data = data
		if img.MIMEType == "" {
			img.MIMEType = imageMIMEType(p, data)
		}
	}

	return &sb, nil
}

func imageMIMEType(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	}
	return http.DetectContentType(data)
}
