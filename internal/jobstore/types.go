// Package jobstore implements the Redis-backed durable queue abstraction the
// worker runtime consumes. Each named queue supports enqueue with retry
// options, delayed requeues with exponential backoff, repeatable jobs keyed
// by a stable id, lookup and manual retry by id, and count-by-status queries.
//
// Key layout per queue (prefix "tp:q:<queue>"):
//
//	:wait       LIST of job ids ready to be claimed
//	:active     LIST of job ids currently claimed by a worker
//	:delayed    ZSET job id -> ready-at (unix ms), for backoff requeues
//	:completed  LIST of terminal successes, trimmed to the retention bound
//	:failed     LIST of terminal failures, trimmed to the retention bound
//	:job:<id>   HASH holding the job record
//	:repeat     ZSET repeat id -> next-fire (unix ms)
//	:repeat:<id> HASH holding the repeat definition
//
// Correctness relies on Redis single-command atomicity: the wait->active
// hand-off uses BLMOVE, and delayed/repeat promotion guards on the ZREM
// return value so two workers never promote the same entry twice.
package jobstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the Job Store's own lifecycle state for a job, distinct from the
// JobRun ledger kept in the database.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in display order for count queries.
var Statuses = []Status{StatusWaiting, StatusDelayed, StatusActive, StatusCompleted, StatusFailed}

// Job is one unit of asynchronous work held by the store.
type Job struct {
	ID           string
	Queue        string
	Name         string
	Data         json.RawMessage
	Status       Status
	AttemptsMade int
	MaxAttempts  int
	Backoff      time.Duration
	Error        string
	CreatedAt    time.Time
}

// Options control the retry and retention behavior of an enqueued job.
// Zero values fall back to the queue defaults supplied at store creation.
type Options struct {
	// MaxAttempts is the total number of executions permitted, the first
	// attempt included. 1 means no retry.
	MaxAttempts int
	// Backoff is the base delay of the exponential backoff between
	// attempts: delay = Backoff * 2^(attempt-1).
	Backoff time.Duration
	// RemoveOnComplete / RemoveOnFail bound the terminal records kept per
	// queue for operator visibility.
	RemoveOnComplete int
	RemoveOnFail     int
	// JobID overrides the generated job id. Used by repeat promotion to
	// derive per-occurrence ids from the stable repeat id.
	JobID string
	// Delay postpones the first execution.
	Delay time.Duration
}

// ScheduleKind selects how a repeatable job computes its next fire time.
type ScheduleKind string

const (
	// ScheduleInterval fires every fixed duration.
	ScheduleInterval ScheduleKind = "interval"
	// ScheduleDailyAtHour fires once per day at a fixed local hour in a
	// named timezone.
	ScheduleDailyAtHour ScheduleKind = "daily_at_hour"
)

// Schedule is the structured repeat descriptor. It replaces cron pattern
// strings so callers never depend on a parser's syntax; the store renders it
// to concrete fire times.
type Schedule struct {
	Kind     ScheduleKind  `json:"kind"`
	Every    time.Duration `json:"every,omitempty"`
	Hour     int           `json:"hour,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
}

// Validate checks the descriptor is internally consistent.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleInterval:
		if s.Every <= 0 {
			return fmt.Errorf("jobstore: interval schedule requires a positive period, got %s", s.Every)
		}
	case ScheduleDailyAtHour:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("jobstore: daily schedule hour out of range: %d", s.Hour)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("jobstore: invalid schedule timezone %q: %w", s.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("jobstore: unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the first fire time strictly after the given instant.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleInterval:
		if s.Every <= 0 {
			return time.Time{}, fmt.Errorf("jobstore: interval schedule requires a positive period")
		}
		return after.Add(s.Every), nil
	case ScheduleDailyAtHour:
		loc := time.UTC
		if s.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("jobstore: invalid schedule timezone %q: %w", s.Timezone, err)
			}
		}
		local := after.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, 0, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("jobstore: unknown schedule kind %q", s.Kind)
	}
}

// backoffDelay computes the exponential delay before the next attempt.
// attemptsMade is the number of executions already finished, so the delay
// after the first failure is the base itself.
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
	}
	return delay
}
