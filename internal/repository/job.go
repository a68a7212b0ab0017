package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses as stored in the jobs table.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is one row of the durable job queue.
type Job struct {
	ID           uuid.UUID
	JobType      string
	Payload      json.RawMessage
	Status       string
	Priority     int32
	Attempts     int32
	MaxAttempts  int32
	ScheduledAt  time.Time
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
	ErrorMessage sql.NullString
	CreatedAt    time.Time
}

// EnqueueJobParams describes a job to insert.
type EnqueueJobParams struct {
	JobType     string
	Payload     json.RawMessage
	Priority    int32
	MaxAttempts int32
	ScheduledAt time.Time
}

// EnqueueJob inserts a pending job and returns it.
func (s *Store) EnqueueJob(ctx context.Context, params EnqueueJobParams) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, priority, attempts, max_attempts, scheduled_at, created_at)
		VALUES ($1, $2, $3, 'pending', $4, 0, $5, $6, now())
		RETURNING id, job_type, payload, status, priority, attempts, max_attempts, scheduled_at, started_at, completed_at, error_message, created_at`,
		uuid.New(), params.JobType, params.Payload, params.Priority, params.MaxAttempts, params.ScheduledAt,
	)
	return scanJob(row)
}

// ClaimNextJob atomically claims the highest-priority due pending job and
// marks it running. SKIP LOCKED keeps concurrent workers from claiming the
// same row. Returns sql.ErrNoRows when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = 'pending' AND scheduled_at <= now()
		ORDER BY priority DESC, scheduled_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&id)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = now(), attempts = attempts + 1
		WHERE id = $1
		RETURNING id, job_type, payload, status, priority, attempts, max_attempts, scheduled_at, started_at, completed_at, error_message, created_at`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// UpdateJobCompleted marks a running job completed.
func (s *Store) UpdateJobCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = now(), error_message = NULL
		WHERE id = $1`,
		id,
	)
	return err
}

// UpdateJobFailed records a failed attempt. Permanent failures and exhausted
// retry budgets move the job to failed; otherwise it returns to pending with
// an exponentially backed-off scheduled_at (1m, 2m, 4m, ...).
func (s *Store) UpdateJobFailed(ctx context.Context, id uuid.UUID, errMsg string, permanent bool) error {
	if permanent {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed', completed_at = now(), error_message = $2
			WHERE id = $1`,
			id, errMsg,
		)
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
		    scheduled_at = CASE WHEN attempts >= max_attempts THEN scheduled_at
		                        ELSE now() + (interval '1 minute' * power(2, attempts - 1)) END,
		    error_message = $2
		WHERE id = $1`,
		id, errMsg,
	)
	return err
}

// RecoverStaleJobs returns jobs stuck in running longer than the threshold
// back to pending, so a crashed worker's claims are eventually retried.
func (s *Store) RecoverStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', started_at = NULL, scheduled_at = now()
		WHERE status = 'running' AND started_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(threshold.Seconds())),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanJob(row *sql.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ScheduledAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
