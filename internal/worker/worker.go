// Package worker implements the long-lived consumer runtime: one claim loop
// per queue, dispatching each claimed job to its handler, recording every
// execution attempt in the JobRun ledger, and settling the job back into the
// Job Store so its retry policy can act on failures.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"trailpulse/internal/jobstore"
	"trailpulse/internal/types"
)

// Handler executes one kind of job. Handlers are not internally parallel;
// a single job occupies one worker slot for its full duration.
type Handler interface {
	// Name is the human label recorded in the JobRun ledger.
	Name() string
	// Run performs the work. A returned error fails the attempt and is
	// surfaced to the Job Store's retry policy.
	Run(ctx context.Context, job *jobstore.Job) error
}

// JobClaimer is the slice of the Job Store the runtime consumes.
type JobClaimer interface {
	Claim(ctx context.Context, queue string, block time.Duration) (*jobstore.Job, error)
	Complete(ctx context.Context, queue, jobID string) error
	Fail(ctx context.Context, queue, jobID string, jobErr error) error
}

// RunLedger records one JobRun row per execution attempt.
type RunLedger interface {
	Start(ctx context.Context, queue types.Queue, jobID, name string, attempts int) (*types.JobRun, error)
	Finish(ctx context.Context, runID string, status types.JobRunStatus, errText string) error
}

// AuditRecorder writes best-effort audit rows. Failures are swallowed by the
// runtime; an audit outage never fails a job.
type AuditRecorder interface {
	Record(ctx context.Context, entry types.AuditEntry) error
}

// Config wires the runtime's dependencies and tuning.
type Config struct {
	Store  JobClaimer
	Ledger RunLedger
	// Audit is optional; nil disables audit writes entirely.
	Audit AuditRecorder
	// ExecutionTimeout bounds a single handler invocation. Zero disables
	// the bound.
	ExecutionTimeout time.Duration
	// ClaimBlock is how long a claim call blocks waiting for work before
	// the loop re-checks for shutdown and due schedules.
	ClaimBlock time.Duration
	Logger     *slog.Logger
}

// Runtime consumes jobs from every registered queue until its context is
// canceled. In-flight jobs run to completion (or to the execution timeout)
// during shutdown; only the claiming stops immediately.
type Runtime struct {
	store    JobClaimer
	ledger   RunLedger
	audit    AuditRecorder
	timeout  time.Duration
	block    time.Duration
	logger   *slog.Logger
	handlers map[types.Queue]Handler
}

// New creates a Runtime. Handlers are attached with Register before Run.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClaimBlock <= 0 {
		cfg.ClaimBlock = 2 * time.Second
	}
	return &Runtime{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		audit:    cfg.Audit,
		timeout:  cfg.ExecutionTimeout,
		block:    cfg.ClaimBlock,
		logger:   cfg.Logger,
		handlers: make(map[types.Queue]Handler),
	}
}

// Register attaches the handler that consumes the given queue. Registering
// the same queue twice is a programming error.
func (r *Runtime) Register(queue types.Queue, h Handler) {
	if _, dup := r.handlers[queue]; dup {
		panic(fmt.Sprintf("worker: queue %s already registered", queue))
	}
	r.handlers[queue] = h
}

// Run starts one consumer loop per registered queue and blocks until the
// context is canceled and all loops have drained their in-flight job.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.handlers) == 0 {
		return fmt.Errorf("worker: no handlers registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for queue, handler := range r.handlers {
		g.Go(func() error {
			return r.consume(ctx, queue, handler)
		})
	}
	return g.Wait()
}

// consume is the claim loop for one queue.
func (r *Runtime) consume(ctx context.Context, queue types.Queue, handler Handler) error {
	logger := r.logger.With("queue", string(queue))
	logger.InfoContext(ctx, "consumer loop started")

	for {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "consumer loop stopped")
			return nil
		}

		job, err := r.store.Claim(ctx, string(queue), r.block)
		if err != nil {
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "consumer loop stopped")
				return nil
			}
			logger.ErrorContext(ctx, "claim failed, backing off",
				"error", err,
			)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			continue
		}

		r.process(ctx, queue, handler, job)
	}
}

// process runs one claimed job through the handler and settles the outcome
// in both the ledger and the Job Store. The handler runs detached from the
// shutdown context so an in-flight job can finish during graceful shutdown,
// bounded by the execution timeout.
func (r *Runtime) process(ctx context.Context, queue types.Queue, handler Handler, job *jobstore.Job) {
	logger := r.logger.With(
		"queue", string(queue),
		"job_id", job.ID,
		"job_name", handler.Name(),
		"attempt", job.AttemptsMade,
	)

	execCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, r.timeout)
		defer cancel()
	}

	run, err := r.ledger.Start(execCtx, queue, job.ID, handler.Name(), job.AttemptsMade)
	if err != nil {
		// Without a ledger row the attempt must not run: fail the job so the
		// retry policy reschedules it once the database recovers.
		logger.ErrorContext(ctx, "failed to open job run ledger entry",
			"error", err,
		)
		if failErr := r.store.Fail(execCtx, string(queue), job.ID, err); failErr != nil {
			logger.ErrorContext(ctx, "failed to settle job after ledger error",
				"error", failErr,
			)
		}
		return
	}

	runErr := runHandler(execCtx, handler, job)

	if runErr != nil {
		logger.ErrorContext(ctx, "job failed",
			"run_id", run.ID,
			"error", runErr,
		)
		if err := r.ledger.Finish(execCtx, run.ID, types.JobRunFailed, runErr.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to close job run as failed",
				"run_id", run.ID,
				"error", err,
			)
		}
		if err := r.store.Fail(execCtx, string(queue), job.ID, runErr); err != nil {
			logger.ErrorContext(ctx, "failed to settle failed job",
				"error", err,
			)
		}
		r.recordAudit(execCtx, queue, job, string(types.JobRunFailed))
		return
	}

	if err := r.ledger.Finish(execCtx, run.ID, types.JobRunCompleted, ""); err != nil {
		logger.ErrorContext(ctx, "failed to close job run as completed",
			"run_id", run.ID,
			"error", err,
		)
	}
	if err := r.store.Complete(execCtx, string(queue), job.ID); err != nil {
		logger.ErrorContext(ctx, "failed to settle completed job",
			"error", err,
		)
	}
	r.recordAudit(execCtx, queue, job, string(types.JobRunCompleted))

	logger.InfoContext(ctx, "job completed",
		"run_id", run.ID,
	)
}

// runHandler invokes the handler, converting a panic into an error so a
// panicking handler fails its attempt instead of killing the worker.
func runHandler(ctx context.Context, handler Handler, job *jobstore.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler.Run(ctx, job)
}

// recordAudit writes the per-run audit row. Best effort: errors are logged
// at warn and discarded.
func (r *Runtime) recordAudit(ctx context.Context, queue types.Queue, job *jobstore.Job, outcome string) {
	if r.audit == nil {
		return
	}
	entry := types.AuditEntry{
		Action: types.AuditJobRun,
		Target: job.ID,
		Meta: map[string]any{
			"queue":   string(queue),
			"outcome": outcome,
			"attempt": job.AttemptsMade,
		},
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "audit write failed",
			"queue", string(queue),
			"job_id", job.ID,
			"error", err,
		)
	}
}
