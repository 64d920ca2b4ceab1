package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type SceneType string

const (
	SceneTypeHook       SceneType = "hook"
	SceneTypeProblem    SceneType = "problem"
	SceneTypeSolution   SceneType = "solution"
	SceneTypeBenefit    SceneType = "benefit"
	SceneTypeCTA        SceneType = "cta"
	SceneTypeIntro      SceneType = "intro"
	SceneTypeOutro      SceneType = "outro"
	SceneTypeTransition SceneType = "transition"
	SceneTypeFeature    SceneType = "feature"
)

// Valid reports whether t is one of the known scene types.
func (t SceneType) Valid() bool {
	switch t {
	case SceneTypeHook, SceneTypeProblem, SceneTypeSolution, SceneTypeBenefit, SceneTypeCTA,
		SceneTypeIntro, SceneTypeOutro, SceneTypeTransition, SceneTypeFeature:
		return true
	}
	return false
}

// GenerationStatus is shared by clips, hops and extended videos.
// "partial" is only produced for aggregates (extended videos, scene batches).
type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusProcessing GenerationStatus = "processing"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
	StatusPartial    GenerationStatus = "partial"
)

// IsTerminal returns true once no further polling can change the status.
func (s GenerationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial:
		return true
	default:
		return false
	}
}

type RunMode string

const (
	RunModeScenes      RunMode = "scenes"
	RunModeExtended    RunMode = "extended"
	RunModeConcatenate RunMode = "concatenate"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// ToJSONB round-trips v through encoding/json into a JSONB map.
func ToJSONB(v interface{}) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb: %w", err)
	}
	var j JSONB
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal jsonb: %w", err)
	}
	return j, nil
}

// Decode unmarshals the JSONB contents into v.
func (j JSONB) Decode(v interface{}) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Models

// SeedImage is an optional reference frame for image-to-video generation.
// Either Data or URL is set; URL-only images are only usable by providers that
// accept remote references.
type SeedImage struct {
	Data     []byte `json:"-" yaml:"-"`
	MIMEType string `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Scene is one storyboard unit. Owned by the caller and never mutated here.
type Scene struct {
	SceneNumber      int        `json:"scene_number" yaml:"scene_number"`
	Description      string     `json:"description" yaml:"description"`
	DurationSeconds  float64    `json:"duration_seconds" yaml:"duration_seconds"`
	SceneType        SceneType  `json:"scene_type" yaml:"scene_type"`
	VisualDirection  *string    `json:"visual_direction,omitempty" yaml:"visual_direction,omitempty"`
	NarrationScript  *string    `json:"narration_script,omitempty" yaml:"narration_script,omitempty"`
	TransitionEffect *string    `json:"transition_effect,omitempty" yaml:"transition_effect,omitempty"`
	SeedImage        *SeedImage `json:"seed_image,omitempty" yaml:"seed_image,omitempty"`
}

// ValidateScenes checks the storyboard invariants the generators rely on:
// unique scene numbers >= 1, a description, a positive duration and a known type.
func ValidateScenes(scenes []Scene) error {
	if len(scenes) == 0 {
		return errors.New("At least one scene is required")
	}
	seen := make(map[int]bool, len(scenes))
	for i, s := range scenes {
		switch {
		case s.SceneNumber < 1:
			return fmt.Errorf("scenes[%d].scene_number must be >= 1", i)
		case seen[s.SceneNumber]:
			return fmt.Errorf("scenes[%d].scene_number %d is duplicated", i, s.SceneNumber)
		case strings.TrimSpace(s.Description) == "":
			return fmt.Errorf("scenes[%d].description is required", i)
		case s.DurationSeconds <= 0:
			return fmt.Errorf("scenes[%d].duration_seconds must be positive", i)
		case !s.SceneType.Valid():
			return fmt.Errorf("scenes[%d].scene_type %q is not supported", i, s.SceneType)
		}
		seen[s.SceneNumber] = true
	}
	return nil
}

// OperationHandle embeds everything needed to resume polling an in-flight
// provider job. Once a terminal result is reached it is cached in Result.
type OperationHandle struct {
	Provider        string      `json:"provider"`
	Name            string      `json:"name"`
	SceneNumber     int         `json:"scene_number"`
	Prompt          string      `json:"prompt"`
	DurationSeconds int         `json:"duration_seconds"`
	AspectRatio     string      `json:"aspect_ratio"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	Result          *ClipResult `json:"result,omitempty"`

	// Err is the cause behind a failed Result. Lost when the handle is stored.
	Err error `json:"-"`
}

// ClipResult is one generation attempt. Retries produce a new instance.
type ClipResult struct {
	SceneNumber      int              `json:"scene_number"`
	Status           GenerationStatus `json:"status"`
	VideoURL         *string          `json:"video_url,omitempty"`
	VideoPath        *string          `json:"video_path,omitempty"` // Local file, required for extension
	DurationSeconds  *float64         `json:"duration_seconds,omitempty"`
	OperationID      *string          `json:"operation_id,omitempty"`
	Handle           *OperationHandle `json:"handle,omitempty"` // Set while status is processing
	Error            *string          `json:"error,omitempty"`
	PromptUsed       string           `json:"prompt_used"`
	GenerationTimeMs int64            `json:"generation_time_ms"`
}

type ExtensionHop struct {
	HopNumber            int              `json:"hop_number"`
	Status               GenerationStatus `json:"status"`
	VideoURL             *string          `json:"video_url,omitempty"`
	VideoPath            *string          `json:"video_path,omitempty"`
	DurationAddedSeconds int              `json:"duration_added_seconds"`
	TotalDurationSeconds int              `json:"total_duration_seconds"`
	PromptUsed           string           `json:"prompt_used"`
	Error                *string          `json:"error,omitempty"`
}

type ExtendedVideoResult struct {
	Status                 GenerationStatus `json:"status"`
	VideoURL               *string          `json:"video_url,omitempty"`
	VideoPath              *string          `json:"video_path,omitempty"`
	InitialDurationSeconds int              `json:"initial_duration_seconds"`
	FinalDurationSeconds   int              `json:"final_duration_seconds"`
	TargetDurationSeconds  int              `json:"target_duration_seconds"`
	HopsCompleted          int              `json:"hops_completed"`
	HopsRequested          int              `json:"hops_requested"`
	HopHistory             []ExtensionHop   `json:"hop_history"`
	ScenesProcessed        int              `json:"scenes_processed"`
	Error                  *string          `json:"error,omitempty"`
	GenerationTimeMs       int64            `json:"generation_time_ms"`
}

// SceneBatchResult is the aggregate of a per-scene orchestration run.
type SceneBatchResult struct {
	OverallStatus GenerationStatus `json:"overall_status"`
	Results       []ClipResult     `json:"results"`
}

// CompletedCount returns how many scenes produced a completed clip.
func (b *SceneBatchResult) CompletedCount() int {
	n := 0
	for _, r := range b.Results {
		if r.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// ConcatClip is one input to the concatenator. Source is a local path or an
// http(s) URL.
type ConcatClip struct {
	Source           string   `json:"source"`
	TransitionEffect *string  `json:"transition_effect,omitempty"`
	DurationSeconds  *float64 `json:"duration_seconds,omitempty"`
}

// TransitionSpec is the transition rendered after every clip except the last,
// as reported back in ConcatenationResult.
type TransitionSpec struct {
	EffectName string `json:"effect_name"`
	DurationMs int    `json:"duration_ms"`
}

type ConcatenationResult struct {
	Success            bool             `json:"success"`
	OutputURL          *string          `json:"output_url,omitempty"`
	OutputPath         *string          `json:"output_path,omitempty"`
	DurationSeconds    float64          `json:"duration_seconds"`
	SceneCount         int              `json:"scene_count"`
	TransitionsApplied int              `json:"transitions_applied"`
	Transitions        []TransitionSpec `json:"transitions,omitempty"`
	ProcessingTimeMs   int64            `json:"processing_time_ms"`
	Error              *string          `json:"error,omitempty"`
}

// AssemblyRun is the persisted record of one video-assembly request.
type AssemblyRun struct {
	ID            uuid.UUID        `json:"id"`
	Mode          RunMode          `json:"mode"`
	Status        GenerationStatus `json:"status"`
	AspectRatio   string           `json:"aspect_ratio"`
	Request       JSONB            `json:"request"`
	Result        JSONB            `json:"result,omitempty"`
	FinalVideoURL *string          `json:"final_video_url,omitempty"`
	ErrorMessage  *string          `json:"error_message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SceneClip is the persisted latest ClipResult for one scene of a run.
type SceneClip struct {
	ID               uuid.UUID        `json:"id"`
	RunID            uuid.UUID        `json:"run_id"`
	SceneNumber      int              `json:"scene_number"`
	Status           GenerationStatus `json:"status"`
	VideoURL         *string          `json:"video_url,omitempty"`
	VideoPath        *string          `json:"video_path,omitempty"`
	DurationSeconds  *float64         `json:"duration_seconds,omitempty"`
	OperationID      *string          `json:"operation_id,omitempty"`
	Handle           JSONB            `json:"handle,omitempty"`
	PromptUsed       string           `json:"prompt_used"`
	GenerationTimeMs int64            `json:"generation_time_ms"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// DTOs for API requests/responses

type SceneRunRequest struct {
	Scenes             []Scene `json:"scenes"`
	AspectRatio        string  `json:"aspect_ratio"`
	PacingDelayMs      *int    `json:"pacing_delay_ms,omitempty"`
	Concatenate        bool    `json:"concatenate"`
	IncludeTransitions bool    `json:"include_transitions"`
	TransitionMs       *int    `json:"transition_duration_ms,omitempty"`
}

type ExtendedRunRequest struct {
	Scenes                []Scene `json:"scenes"`
	TargetDurationSeconds int     `json:"target_duration_seconds"`
	AspectRatio           string  `json:"aspect_ratio"`
}

type ConcatenateRequest struct {
	Clips              []ConcatClip `json:"clips"`
	IncludeTransitions bool         `json:"include_transitions"`
	TransitionMs       *int         `json:"transition_duration_ms,omitempty"`
}

type CreateRunResponse struct {
	RunID  uuid.UUID        `json:"run_id"`
	Status GenerationStatus `json:"status"`
}

type RunResponse struct {
	AssemblyRun
	Clips []SceneClip `json:"clips,omitempty"`
}

// ClipResult rebuilds the generation result a row was persisted from.
func (c *SceneClip) ClipResult() (ClipResult, error) {
	r := ClipResult{
		SceneNumber:      c.SceneNumber,
		Status:           c.Status,
		VideoURL:         c.VideoURL,
		VideoPath:        c.VideoPath,
		DurationSeconds:  c.DurationSeconds,
		OperationID:      c.OperationID,
		Error:            c.ErrorMessage,
		PromptUsed:       c.PromptUsed,
		GenerationTimeMs: c.GenerationTimeMs,
	}
	if len(c.Handle) > 0 {
		var h OperationHandle
		if err := c.Handle.Decode(&h); err != nil {
			return r, fmt.Errorf("failed to decode handle for scene %d: %w", c.SceneNumber, err)
		}
		r.Handle = &h
	}
	return r, nil
}
