package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/scanvocab/backend/internal/models"
)

// JobStore provides database operations for the background job queue.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

const jobColumns = `id, job_type, payload, status, attempts, max_attempts,
	created_at, updated_at, last_error, retry_after, completed_at, worker_id`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	job := &models.Job{}
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.LastError,
		&job.RetryAfter,
		&job.CompletedAt,
		&job.WorkerID,
	); err != nil {
		return nil, err
	}
	return job, nil
}

// Enqueue creates a new pending job.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("store: invalid job: %w", err)
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (job_type, payload, status, max_attempts)
VALUES ($1, $2, 'pending', $3)
RETURNING id, created_at, updated_at`,
		job.JobType,
		job.Payload,
		job.MaxAttempts,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: enqueue job: %w", err)
	}
	job.Status = models.JobStatusPending
	return nil
}

// GetByID retrieves a job by its ID
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the oldest runnable job. Returns nil when the
// queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = 'processing',
    worker_id = $1,
    updated_at = NOW(),
    attempts = attempts + 1
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	  AND (retry_after IS NULL OR retry_after <= NOW())
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'completed', completed_at = NOW(), updated_at = NOW()
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as permanently failed.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'failed', last_error = $2, updated_at = NOW()
WHERE id = $1`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("store: mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back to pending, runnable after retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'pending', last_error = $2, retry_after = $3, worker_id = NULL, updated_at = NOW()
WHERE id = $1`, id, errorMsg, retryAfter)
	if err != nil {
		return fmt.Errorf("store: schedule job retry: %w", err)
	}
	return nil
}

// ReleaseJob returns a processing job to pending without consuming an attempt.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'pending', worker_id = NULL, attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("store: release job: %w", err)
	}
	return nil
}
