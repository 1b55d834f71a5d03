package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trailpulse/internal/types"
)

// JobRunRepository provides data access for the job_runs ledger table.
// One row is created per handler invocation (including retries) with status
// "active" and updated exactly once to a terminal status. Rows are never
// deleted by the job layer.
type JobRunRepository struct {
	db DBTX
}

// NewJobRunRepository creates a JobRunRepository backed by the given
// database connection (pool or transaction).
func NewJobRunRepository(db DBTX) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// Start inserts a new active JobRun row for the given queue/job and returns
// it with the generated id and timestamps populated.
func (r *JobRunRepository) Start(ctx context.Context, queue types.Queue, jobID, name string, attempts int) (*types.JobRun, error) {
	run := &types.JobRun{
		ID:       uuid.New().String(),
		Queue:    queue,
		JobID:    jobID,
		Name:     name,
		Status:   types.JobRunActive,
		Attempts: attempts,
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO job_runs (id, queue, job_id, name, status, attempts, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING started_at, created_at`,
		run.ID,
		string(run.Queue),
		run.JobID,
		run.Name,
		string(run.Status),
		run.Attempts,
	)
	if err := row.Scan(&run.StartedAt, &run.CreatedAt); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create job run", err)
	}
	return run, nil
}

// Finish transitions a JobRun to a terminal status. errText is stored only
// for failed runs; pass "" for completed runs. finished_at is stamped by the
// database so ledger rows are consistent across worker hosts.
func (r *JobRunRepository) Finish(ctx context.Context, runID string, status types.JobRunStatus, errText string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE job_runs SET status = $1, error = $2, finished_at = NOW()
		 WHERE id = $3 AND status = 'active'`,
		string(status),
		nilIfEmpty(errText),
		runID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job run not found or already terminal", nil)
	}
	return nil
}

// ListRecent returns the newest ledger rows for the admin surface, newest
// first. limit is clamped to 100, matching the admin page's page size.
func (r *JobRunRepository) ListRecent(ctx context.Context, limit int) ([]*types.JobRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, queue, job_id, name, status, attempts, error, started_at, finished_at, created_at
		 FROM job_runs
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list job runs", err)
	}
	defer rows.Close()

	var runs []*types.JobRun
	for rows.Next() {
		var (
			run        types.JobRun
			queue      string
			status     string
			errText    *string
			finishedAt *time.Time
		)
		if err := rows.Scan(&run.ID, &queue, &run.JobID, &run.Name, &status,
			&run.Attempts, &errText, &run.StartedAt, &finishedAt, &run.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job run row", err)
		}
		run.Queue = types.Queue(queue)
		run.Status = types.JobRunStatus(status)
		if errText != nil {
			run.Error = *errText
		}
		if finishedAt != nil {
			run.FinishedAt = *finishedAt
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job run rows", err)
	}

	return runs, nil
}
