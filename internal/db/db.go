package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{conn}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS assembly_runs (
	id              UUID PRIMARY KEY,
	mode            TEXT NOT NULL,
	status          TEXT NOT NULL,
	aspect_ratio    TEXT NOT NULL DEFAULT '16:9',
	request         JSONB NOT NULL DEFAULT '{}'::jsonb,
	result          JSONB,
	final_video_url TEXT,
	error_message   TEXT,
	concat_claimed  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scene_clips (
	id                 UUID PRIMARY KEY,
	run_id             UUID NOT NULL REFERENCES assembly_runs(id) ON DELETE CASCADE,
	scene_number       INTEGER NOT NULL,
	status             TEXT NOT NULL,
	video_url          TEXT,
	video_path         TEXT,
	duration_seconds   DOUBLE PRECISION,
	operation_id       TEXT,
	handle             JSONB,
	prompt_used        TEXT NOT NULL DEFAULT '',
	generation_time_ms BIGINT NOT NULL DEFAULT 0,
	error_message      TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (run_id, scene_number)
);
`

// EnsureSchema creates the tables if they do not exist yet.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
