package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const sceneClipColumns = `
	id, run_id, scene_number, status, video_url, video_path,
	duration_seconds, operation_id, handle, prompt_used,
	generation_time_ms, error_message, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSceneClip(row rowScanner) (*models.SceneClip, error) {
	clip := &models.SceneClip{}
	err := row.Scan(
		&clip.ID, &clip.RunID, &clip.SceneNumber, &clip.Status, &clip.VideoURL, &clip.VideoPath,
		&clip.DurationSeconds, &clip.OperationID, &clip.Handle, &clip.PromptUsed,
		&clip.GenerationTimeMs, &clip.ErrorMessage, &clip.CreatedAt, &clip.UpdatedAt,
	)
	return clip, err
}

// SceneClipFromResult maps a generation attempt onto its persisted row.
func SceneClipFromResult(runID uuid.UUID, r *models.ClipResult) (*models.SceneClip, error) {
	clip := &models.SceneClip{
		ID:               uuid.New(),
		RunID:            runID,
		SceneNumber:      r.SceneNumber,
		Status:           r.Status,
		VideoURL:         r.VideoURL,
		VideoPath:        r.VideoPath,
		DurationSeconds:  r.DurationSeconds,
		OperationID:      r.OperationID,
		PromptUsed:       r.PromptUsed,
		GenerationTimeMs: r.GenerationTimeMs,
		ErrorMessage:     r.Error,
	}
	if r.Handle != nil {
		h, err := models.ToJSONB(r.Handle)
		if err != nil {
			return nil, err
		}
		clip.Handle = h
	}
	return clip, nil
}

// UpsertSceneClip keeps one row per (run, scene); a retry or resume replaces
// the previous attempt.
func (db *DB) UpsertSceneClip(ctx context.Context, clip *models.SceneClip) error {
	query := `
		INSERT INTO scene_clips (
			id, run_id, scene_number, status, video_url, video_path,
			duration_seconds, operation_id, handle, prompt_used,
			generation_time_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id, scene_number) DO UPDATE SET
			status = EXCLUDED.status,
			video_url = EXCLUDED.video_url,
			video_path = EXCLUDED.video_path,
			duration_seconds = EXCLUDED.duration_seconds,
			operation_id = EXCLUDED.operation_id,
			handle = EXCLUDED.handle,
			prompt_used = EXCLUDED.prompt_used,
			generation_time_ms = EXCLUDED.generation_time_ms,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	var handle interface{}
	if clip.Handle != nil {
		handle = clip.Handle
	}

	return db.QueryRowContext(
		ctx, query,
		clip.ID, clip.RunID, clip.SceneNumber, clip.Status, clip.VideoURL, clip.VideoPath,
		clip.DurationSeconds, clip.OperationID, handle, clip.PromptUsed,
		clip.GenerationTimeMs, clip.ErrorMessage,
	).Scan(&clip.ID, &clip.CreatedAt, &clip.UpdatedAt)
}

func (db *DB) GetSceneClip(ctx context.Context, runID uuid.UUID, sceneNumber int) (*models.SceneClip, error) {
	query := `SELECT ` + sceneClipColumns + ` FROM scene_clips WHERE run_id = $1 AND scene_number = $2`

	clip, err := scanSceneClip(db.QueryRowContext(ctx, query, runID, sceneNumber))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene clip: %w", err)
	}
	return clip, nil
}

func (db *DB) GetRunClips(ctx context.Context, runID uuid.UUID) ([]models.SceneClip, error) {
	query := `SELECT ` + sceneClipColumns + ` FROM scene_clips WHERE run_id = $1 ORDER BY scene_number`

	rows, err := db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scene clips: %w", err)
	}
	defer rows.Close()

	var clips []models.SceneClip
	for rows.Next() {
		clip, err := scanSceneClip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scene clip: %w", err)
		}
		clips = append(clips, *clip)
	}

	return clips, rows.Err()
}
