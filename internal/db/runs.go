package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voicereel/voicereel/internal/models"
)

// Run is one pipeline execution for a project.
type Run struct {
	ProjectID     string           `json:"project_id"`
	AudioPath     string           `json:"audio_path"`
	Status        models.RunStatus `json:"status"`
	FailedStage   *string          `json:"failed_stage,omitempty"`
	ErrorMessage  *string          `json:"error_message,omitempty"`
	FinalVideoKey *string          `json:"final_video_key,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StageLogEntry is one line of the append-only per-project debug log.
type StageLogEntry struct {
	ID         int64           `json:"id"`
	ProjectID  string          `json:"project_id"`
	Stage      models.Stage    `json:"stage"`
	DurationMs int64           `json:"duration_ms"`
	CacheHit   bool            `json:"cache_hit"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (db *DB) UpsertRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO pipeline_runs (project_id, audio_path, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE
		SET audio_path = EXCLUDED.audio_path,
		    status = EXCLUDED.status,
		    failed_stage = NULL,
		    error_message = NULL,
		    updated_at = now()
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(ctx, query, run.ProjectID, run.AudioPath, run.Status).
		Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (db *DB) GetRun(ctx context.Context, projectID string) (*Run, error) {
	query := `
		SELECT project_id, audio_path, status, failed_stage, error_message,
		       final_video_key, created_at, updated_at
		FROM pipeline_runs
		WHERE project_id = $1
	`

	run := &Run{}
	err := db.QueryRowContext(ctx, query, projectID).Scan(
		&run.ProjectID, &run.AudioPath, &run.Status, &run.FailedStage,
		&run.ErrorMessage, &run.FinalVideoKey, &run.CreatedAt, &run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (db *DB) UpdateRunStatus(ctx context.Context, projectID string, status models.RunStatus) error {
	query := `UPDATE pipeline_runs SET status = $1, updated_at = now() WHERE project_id = $2`
	_, err := db.ExecContext(ctx, query, status, projectID)
	return err
}

func (db *DB) UpdateRunError(ctx context.Context, projectID string, stage models.Stage, errorMessage string) error {
	query := `
		UPDATE pipeline_runs
		SET status = $1, failed_stage = $2, error_message = $3, updated_at = now()
		WHERE project_id = $4
	`
	_, err := db.ExecContext(ctx, query, models.RunStatusFailed, string(stage), errorMessage, projectID)
	return err
}

func (db *DB) SetRunFinalVideo(ctx context.Context, projectID, videoKey string) error {
	query := `
		UPDATE pipeline_runs
		SET status = $1, final_video_key = $2, updated_at = now()
		WHERE project_id = $3
	`
	_, err := db.ExecContext(ctx, query, models.RunStatusComplete, videoKey, projectID)
	return err
}

// AppendStageLog records one stage execution. Callers treat failures here as
// non-fatal: the debug log is observability, not correctness.
func (db *DB) AppendStageLog(ctx context.Context, entry *StageLogEntry) error {
	query := `
		INSERT INTO stage_logs (project_id, stage, duration_ms, cache_hit, summary)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	summary := entry.Summary
	if summary == nil {
		summary = json.RawMessage("{}")
	}

	return db.QueryRowContext(
		ctx, query,
		entry.ProjectID, entry.Stage, entry.DurationMs, entry.CacheHit, []byte(summary),
	).Scan(&entry.ID, &entry.CreatedAt)
}

func (db *DB) GetStageLogs(ctx context.Context, projectID string) ([]StageLogEntry, error) {
	query := `
		SELECT id, project_id, stage, duration_ms, cache_hit, summary, created_at
		FROM stage_logs
		WHERE project_id = $1
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage logs: %w", err)
	}
	defer rows.Close()

	var entries []StageLogEntry
	for rows.Next() {
		var e StageLogEntry
		var summary []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Stage, &e.DurationMs, &e.CacheHit, &summary, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage log: %w", err)
		}
		e.Summary = json.RawMessage(summary)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
