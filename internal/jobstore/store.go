package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trailpulse/internal/types"
)

// promoteBatch caps the delayed/repeat entries promoted per claim cycle so a
// large backlog cannot starve the claim itself.
const promoteBatch = 16

// defaultRetention bounds the completed/failed records kept per queue when
// the enqueue options do not say otherwise.
const defaultRetention = 200

// occurrenceGuardTTL is how long a promoted repeat occurrence's marker key
// lives. It only needs to outlast the window in which promoters can race on
// the same fire; a day covers every schedule the store supports.
const occurrenceGuardTTL = 24 * time.Hour

// Store is the Redis-backed Job Store. A single Store is shared by all
// queues and all consumers within a process; the underlying connection is
// long-lived and reused across job executions.
type Store struct {
	rdb    redis.Cmdable
	closer io.Closer
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store on the given Redis client. When the client also
// implements io.Closer (as *redis.Client does), Close releases it.
func NewStore(rdb redis.Cmdable, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		rdb:    rdb,
		logger: logger,
		now:    time.Now,
	}
	if c, ok := rdb.(io.Closer); ok {
		s.closer = c
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// --- Key helpers ---

func queueKey(queue, suffix string) string {
	return "tp:q:" + queue + ":" + suffix
}

func jobKey(queue, jobID string) string {
	return queueKey(queue, "job:"+jobID)
}

func repeatKey(queue, repeatID string) string {
	return queueKey(queue, "repeat:"+repeatID)
}

// --- Enqueue ---

// Enqueue adds a job to the named queue. The payload is marshaled to JSON.
// When opts.JobID is set and a job with that id already exists in a
// non-terminal state, the existing job is returned unchanged; this makes
// repeat-occurrence enqueues idempotent across concurrent promoters.
func (s *Store) Enqueue(ctx context.Context, queue, name string, payload any, opts Options) (*Job, error) {
	opts = withDefaults(opts)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal job payload", err)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	} else {
		existing, err := s.GetJob(ctx, queue, jobID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Status != StatusCompleted && existing.Status != StatusFailed {
			return existing, nil
		}
	}

	now := s.now().UTC()
	job := &Job{
		ID:          jobID,
		Queue:       queue,
		Name:        name,
		Data:        data,
		Status:      StatusWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		CreatedAt:   now,
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
	}

	if err := s.writeJob(ctx, job, opts); err != nil {
		return nil, err
	}

	if opts.Delay > 0 {
		readyAt := now.Add(opts.Delay)
		if err := s.rdb.ZAdd(ctx, queueKey(queue, "delayed"), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: jobID,
		}).Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to schedule delayed job", err)
		}
	} else {
		if err := s.rdb.LPush(ctx, queueKey(queue, "wait"), jobID).Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to enqueue job", err)
		}
	}

	return job, nil
}

// RegisterRepeatable idempotently registers a recurring job under a fixed
// repeat id. Re-registering the same id with the same schedule updates the
// name, payload and options but keeps the already-planned next fire time, so
// process restarts never create a second timer. A changed schedule replans
// the next fire from the current instant. Promoted occurrences inherit opts.
func (s *Store) RegisterRepeatable(ctx context.Context, queue, name string, payload any, opts Options, sched Schedule, repeatID string) error {
	if err := sched.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal repeat payload", err)
	}
	schedJSON, err := json.Marshal(sched)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal schedule", err)
	}
	opts.JobID = "" // occurrence ids are derived from the repeat id
	optsJSON, err := json.Marshal(withDefaults(opts))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal repeat options", err)
	}

	existing, err := s.rdb.HGetAll(ctx, repeatKey(queue, repeatID)).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to read repeat definition", err)
	}

	if err := s.rdb.HSet(ctx, repeatKey(queue, repeatID),
		"name", name,
		"data", string(data),
		"options", string(optsJSON),
		"schedule", string(schedJSON),
	).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to write repeat definition", err)
	}

	if len(existing) > 0 && existing["schedule"] == string(schedJSON) {
		// Same id, same schedule: the existing timer stands.
		return nil
	}

	next, err := sched.Next(s.now().UTC())
	if err != nil {
		return err
	}
	if err := s.rdb.ZAdd(ctx, queueKey(queue, "repeat"), redis.Z{
		Score:  float64(next.UnixMilli()),
		Member: repeatID,
	}).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to plan repeat schedule", err)
	}

	s.logger.InfoContext(ctx, "repeatable job registered",
		"queue", queue,
		"repeat_id", repeatID,
		"kind", string(sched.Kind),
		"next_fire", next,
	)
	return nil
}

// --- Claim / settle ---

// Claim promotes due delayed and repeat entries, then blocks up to the given
// duration for a ready job. It returns (nil, nil) when nothing became ready,
// so consumer loops can poll without treating the timeout as an error. The
// claimed job's attempt counter is incremented and its status set active;
// standard list semantics guarantee no two consumers claim the same job.
func (s *Store) Claim(ctx context.Context, queue string, block time.Duration) (*Job, error) {
	if err := s.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}
	if err := s.promoteRepeats(ctx, queue); err != nil {
		return nil, err
	}

	jobID, err := s.rdb.BLMove(ctx, queueKey(queue, "wait"), queueKey(queue, "active"), "right", "left", block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to claim job", err)
	}

	if err := s.rdb.HSet(ctx, jobKey(queue, jobID), "status", string(StatusActive)).Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to mark job active", err)
	}
	if err := s.rdb.HIncrBy(ctx, jobKey(queue, jobID), "attempts_made", 1).Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to count job attempt", err)
	}

	job, err := s.GetJob(ctx, queue, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// The hash vanished between the list move and the read. Drop the
		// orphaned id rather than handing the worker an empty job.
		s.rdb.LRem(ctx, queueKey(queue, "active"), 1, jobID)
		return nil, nil
	}
	return job, nil
}

// Complete settles a claimed job as successful and trims the completed
// records to the retention bound.
func (s *Store) Complete(ctx context.Context, queue, jobID string) error {
	if err := s.rdb.LRem(ctx, queueKey(queue, "active"), 1, jobID).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to release claimed job", err)
	}
	if err := s.rdb.HSet(ctx, jobKey(queue, jobID), "status", string(StatusCompleted), "error", "").Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to mark job completed", err)
	}
	return s.pushTerminal(ctx, queue, jobID, "completed", "remove_on_complete")
}

// Fail settles a claimed job as failed. When attempts remain, the job is
// parked in the delayed set with exponential backoff and will be promoted
// back to waiting; otherwise it lands in the failed records, trimmed to the
// retention bound, where admin tooling can find and retry it.
func (s *Store) Fail(ctx context.Context, queue, jobID string, jobErr error) error {
	job, err := s.GetJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}

	errText := ""
	if jobErr != nil {
		errText = jobErr.Error()
	}

	if err := s.rdb.LRem(ctx, queueKey(queue, "active"), 1, jobID).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to release claimed job", err)
	}

	if job.AttemptsMade < job.MaxAttempts {
		delay := backoffDelay(job.Backoff, job.AttemptsMade)
		readyAt := s.now().UTC().Add(delay)
		if err := s.rdb.HSet(ctx, jobKey(queue, jobID), "status", string(StatusDelayed), "error", errText).Err(); err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to mark job delayed", err)
		}
		if err := s.rdb.ZAdd(ctx, queueKey(queue, "delayed"), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: jobID,
		}).Err(); err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to schedule retry", err)
		}
		s.logger.InfoContext(ctx, "job scheduled for retry",
			"queue", queue,
			"job_id", jobID,
			"attempts_made", job.AttemptsMade,
			"max_attempts", job.MaxAttempts,
			"delay", delay,
		)
		return nil
	}

	if err := s.rdb.HSet(ctx, jobKey(queue, jobID), "status", string(StatusFailed), "error", errText).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to mark job failed", err)
	}
	return s.pushTerminal(ctx, queue, jobID, "failed", "remove_on_fail")
}

// --- Lookup / retry / counts ---

// GetJob loads a job by id. It returns (nil, nil) when the id is unknown.
func (s *Store) GetJob(ctx context.Context, queue, jobID string) (*Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(queue, jobID)).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to read job", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromFields(queue, jobID, fields), nil
}

// RetryJob re-enqueues a terminally failed job. Unknown ids report not-found
// and mutate nothing; only failed jobs are retryable.
func (s *Store) RetryJob(ctx context.Context, queue, jobID string) error {
	job, err := s.GetJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	if job.Status != StatusFailed {
		return types.NewAppError(types.ErrCodeValidationJobNotRetryable,
			fmt.Sprintf("job %s is %s, only failed jobs can be retried", jobID, job.Status), nil)
	}

	if err := s.rdb.LRem(ctx, queueKey(queue, "failed"), 1, jobID).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to remove job from failed records", err)
	}
	if err := s.rdb.HSet(ctx, jobKey(queue, jobID), "status", string(StatusWaiting), "error", "").Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to reset job", err)
	}
	if err := s.rdb.LPush(ctx, queueKey(queue, "wait"), jobID).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to requeue job", err)
	}
	return nil
}

// Counts returns the number of jobs per status for the named queue.
func (s *Store) Counts(ctx context.Context, queue string) (map[Status]int64, error) {
	counts := make(map[Status]int64, len(Statuses))

	for _, pair := range []struct {
		status Status
		key    string
	}{
		{StatusWaiting, "wait"},
		{StatusActive, "active"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
	} {
		n, err := s.rdb.LLen(ctx, queueKey(queue, pair.key)).Result()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to count "+string(pair.status)+" jobs", err)
		}
		counts[pair.status] = n
	}

	delayed, err := s.rdb.ZCard(ctx, queueKey(queue, "delayed")).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalJobStore, "failed to count delayed jobs", err)
	}
	counts[StatusDelayed] = delayed

	return counts, nil
}

// --- Promotion ---

// promoteDelayed moves due entries from the delayed set to the wait list.
// The ZREM return value guards the hand-off: whichever worker removes the
// member owns the promotion.
func (s *Store) promoteDelayed(ctx context.Context, queue string) error {
	now := s.now().UTC()
	due, err := s.rdb.ZRangeByScore(ctx, queueKey(queue, "delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to scan delayed jobs", err)
	}

	for _, jobID := range due {
		removed, err := s.rdb.ZRem(ctx, queueKey(queue, "delayed"), jobID).Result()
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to promote delayed job", err)
		}
		if removed == 0 {
			continue // another worker won the promotion
		}
		if err := s.rdb.HSet(ctx, jobKey(queue, jobID), "status", string(StatusWaiting)).Err(); err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to mark promoted job waiting", err)
		}
		if err := s.rdb.LPush(ctx, queueKey(queue, "wait"), jobID).Err(); err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to requeue promoted job", err)
		}
	}
	return nil
}

// promoteRepeats enqueues an occurrence for every due repeat definition and
// replans its next fire. Occurrence ids derive from the planned fire time,
// and a SETNX marker per occurrence makes the hand-off single-winner, so
// two promoters racing on the same fire collapse to one enqueued job.
func (s *Store) promoteRepeats(ctx context.Context, queue string) error {
	now := s.now().UTC()
	due, err := s.rdb.ZRangeByScoreWithScores(ctx, queueKey(queue, "repeat"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to scan repeat schedules", err)
	}

	for _, entry := range due {
		repeatID, ok := entry.Member.(string)
		if !ok {
			continue
		}

		fields, err := s.rdb.HGetAll(ctx, repeatKey(queue, repeatID)).Result()
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to read repeat definition", err)
		}
		if len(fields) == 0 {
			// Definition removed; drop the orphaned schedule entry.
			s.rdb.ZRem(ctx, queueKey(queue, "repeat"), repeatID)
			continue
		}

		var sched Schedule
		if err := json.Unmarshal([]byte(fields["schedule"]), &sched); err != nil {
			s.logger.ErrorContext(ctx, "corrupt repeat schedule, dropping",
				"queue", queue,
				"repeat_id", repeatID,
				"error", err,
			)
			s.rdb.ZRem(ctx, queueKey(queue, "repeat"), repeatID)
			continue
		}

		// Replan first: ZADD overwrites the score, so the repeat entry never
		// stays due even if the occurrence enqueue below fails.
		next, err := sched.Next(now)
		if err != nil {
			return err
		}
		if err := s.rdb.ZAdd(ctx, queueKey(queue, "repeat"), redis.Z{
			Score:  float64(next.UnixMilli()),
			Member: repeatID,
		}).Err(); err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to replan repeat schedule", err)
		}

		var opts Options
		if raw := fields["options"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &opts); err != nil {
				s.logger.WarnContext(ctx, "corrupt repeat options, using defaults",
					"queue", queue,
					"repeat_id", repeatID,
					"error", err,
				)
				opts = Options{}
			}
		}
		opts.Delay = 0
		opts.JobID = fmt.Sprintf("%s:%d", repeatID, int64(entry.Score))

		// SETNX on the occurrence id guards the hand-off the same way ZREM
		// guards promoteDelayed: whichever promoter sets the marker owns the
		// enqueue. Without it, two promoters reading the same due fire could
		// both pass Enqueue's exists check and push the occurrence twice.
		won, err := s.rdb.SetNX(ctx, queueKey(queue, "occ:"+opts.JobID), "1", occurrenceGuardTTL).Result()
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to mark repeat occurrence", err)
		}
		if !won {
			continue // another worker owns this occurrence
		}

		var payload json.RawMessage = []byte(fields["data"])
		if _, err := s.Enqueue(ctx, queue, fields["name"], payload, opts); err != nil {
			return err
		}
	}
	return nil
}

// --- Internals ---

// withDefaults fills the zero option values with the store defaults.
func withDefaults(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RemoveOnComplete <= 0 {
		opts.RemoveOnComplete = defaultRetention
	}
	if opts.RemoveOnFail <= 0 {
		opts.RemoveOnFail = defaultRetention
	}
	return opts
}

// writeJob persists the job hash.
func (s *Store) writeJob(ctx context.Context, job *Job, opts Options) error {
	err := s.rdb.HSet(ctx, jobKey(job.Queue, job.ID),
		"name", job.Name,
		"data", string(job.Data),
		"status", string(job.Status),
		"attempts_made", job.AttemptsMade,
		"max_attempts", job.MaxAttempts,
		"backoff_ms", job.Backoff.Milliseconds(),
		"remove_on_complete", opts.RemoveOnComplete,
		"remove_on_fail", opts.RemoveOnFail,
		"error", job.Error,
		"created_at", job.CreatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to write job", err)
	}
	return nil
}

// pushTerminal records a terminal job id and trims the record list to the
// job's retention bound, deleting the hashes of evicted ids.
func (s *Store) pushTerminal(ctx context.Context, queue, jobID, listSuffix, retentionField string) error {
	retention := int64(defaultRetention)
	if v, err := s.rdb.HGet(ctx, jobKey(queue, jobID), retentionField).Result(); err == nil {
		if n, convErr := strconv.ParseInt(v, 10, 64); convErr == nil && n > 0 {
			retention = n
		}
	}

	listKey := queueKey(queue, listSuffix)
	size, err := s.rdb.LPush(ctx, listKey, jobID).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalJobStore, "failed to record terminal job", err)
	}

	if over := size - retention; over > 0 {
		evicted, err := s.rdb.RPopCount(ctx, listKey, int(over)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return types.NewAppError(types.ErrCodeInternalJobStore, "failed to trim terminal records", err)
		}
		for _, id := range evicted {
			s.rdb.Del(ctx, jobKey(queue, id))
		}
	}
	return nil
}

// jobFromFields rebuilds a Job from its Redis hash representation.
func jobFromFields(queue, jobID string, fields map[string]string) *Job {
	job := &Job{
		ID:     jobID,
		Queue:  queue,
		Name:   fields["name"],
		Data:   json.RawMessage(fields["data"]),
		Status: Status(fields["status"]),
		Error:  fields["error"],
	}
	if n, err := strconv.Atoi(fields["attempts_made"]); err == nil {
		job.AttemptsMade = n
	}
	if n, err := strconv.Atoi(fields["max_attempts"]); err == nil {
		job.MaxAttempts = n
	}
	if ms, err := strconv.ParseInt(fields["backoff_ms"], 10, 64); err == nil {
		job.Backoff = time.Duration(ms) * time.Millisecond
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		job.CreatedAt = t
	}
	return job
}
