package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateRun(ctx context.Context, run *models.AssemblyRun) error {
	query := `
		INSERT INTO assembly_runs (id, mode, status, aspect_ratio, request)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		run.ID, run.Mode, run.Status, run.AspectRatio, run.Request,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*models.AssemblyRun, error) {
	query := `
		SELECT
			id, mode, status, aspect_ratio, request, result,
			final_video_url, error_message, created_at, updated_at
		FROM assembly_runs
		WHERE id = $1
	`

	run := &models.AssemblyRun{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Mode, &run.Status, &run.AspectRatio, &run.Request, &run.Result,
		&run.FinalVideoURL, &run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

func (db *DB) UpdateRunStatus(ctx context.Context, id uuid.UUID, status models.GenerationStatus) error {
	query := `UPDATE assembly_runs SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// SetRunResult stores the aggregate result document alongside the run status.
func (db *DB) SetRunResult(ctx context.Context, id uuid.UUID, status models.GenerationStatus, result models.JSONB) error {
	query := `
		UPDATE assembly_runs
		SET status = $1, result = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, status, result, id)
	return err
}

func (db *DB) SetRunFinalVideo(ctx context.Context, id uuid.UUID, url string) error {
	query := `UPDATE assembly_runs SET final_video_url = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, url, id)
	return err
}

// SetRunError records why a run did not fully succeed. status is usually
// failed, or partial when some output survived.
func (db *DB) SetRunError(ctx context.Context, id uuid.UUID, status models.GenerationStatus, errorMessage string) error {
	query := `
		UPDATE assembly_runs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, status, errorMessage, id)
	return err
}

// ClaimConcatenation flips the run's concatenation flag and reports whether
// this caller won it. Concurrent resume jobs race here; only one joins the clips.
func (db *DB) ClaimConcatenation(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE assembly_runs
		SET concat_claimed = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT concat_claimed
		RETURNING id
	`
	var claimed uuid.UUID
	err := db.QueryRowContext(ctx, query, id).Scan(&claimed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim concatenation: %w", err)
	}
	return true, nil
}
