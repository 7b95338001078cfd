package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"spend-enrichment-pipeline/internal/models"
)

const jobColumns = `stage, scope, status, resume_cursor, total_processed, total_errors, error_log, last_run_at, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job     models.Job
		cursor  pgtype.Text
		lastRun pgtype.Timestamptz
	)
	if err := row.Scan(&job.Stage, &job.Scope, &job.Status, &cursor, &job.TotalProcessed, &job.TotalErrors,
		&job.ErrorLog, &lastRun, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job: %w", ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Cursor = textPtr(cursor)
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRunAt = &t
	}
	if job.ErrorLog == nil {
		job.ErrorLog = []string{}
	}
	return job, nil
}

// GetJob fetches the job document for a stage/scope pair.
func (s *Store) GetJob(ctx context.Context, stage, scope string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE stage = $1 AND scope = $2`, stage, scope)
	return scanJob(row)
}

// EnsureJob returns the job for stage/scope, creating an idle one with a null
// cursor when none exists.
func (s *Store) EnsureJob(ctx context.Context, stage, scope string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO pipeline_jobs (stage, scope, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (stage, scope) DO UPDATE SET stage = EXCLUDED.stage
		RETURNING `+jobColumns, stage, scope, models.StatusIdle)
	return scanJob(row)
}

// ListJobs returns every job document ordered by stage then scope.
func (s *Store) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs ORDER BY stage, scope`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SetJobStatus updates status and last_run_at in one statement.
func (s *Store) SetJobStatus(ctx context.Context, stage, scope, status string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_jobs SET status = $3, last_run_at = $4, updated_at = NOW()
		WHERE stage = $1 AND scope = $2
	`, stage, scope, status, at)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set job status: %w", ErrNotFound)
	}
	return nil
}

// Checkpoint persists cursor, status, counters and error log atomically.
func (s *Store) Checkpoint(ctx context.Context, job models.Job) error {
	errLog := job.ErrorLog
	if errLog == nil {
		errLog = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET status = $3, resume_cursor = $4, total_processed = $5, total_errors = $6, error_log = $7,
		    last_run_at = $8, updated_at = NOW()
		WHERE stage = $1 AND scope = $2
	`, job.Stage, job.Scope, job.Status, job.Cursor, job.TotalProcessed, job.TotalErrors, errLog, job.LastRunAt)
	if err != nil {
		return fmt.Errorf("checkpoint job %s/%s: %w", job.Stage, job.Scope, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint job %s/%s: %w", job.Stage, job.Scope, ErrNotFound)
	}
	return nil
}

// ResetJob clears cursor, counters and error log and marks the job idle.
// Buyer enrichment sources are untouched, so completed subjects stay excluded.
func (s *Store) ResetJob(ctx context.Context, stage, scope string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET status = $3, resume_cursor = NULL, total_processed = 0, total_errors = 0, error_log = '{}', updated_at = NOW()
		WHERE stage = $1 AND scope = $2
	`, stage, scope, models.StatusIdle)
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	return nil
}
