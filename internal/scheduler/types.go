// Package scheduler implements the recurring job layer of TrailPulse: the
// weather-sync and daily-digest handlers, the retry policies owned by each
// queue, and the idempotent repeatable-job registration that runs at worker
// startup.
package scheduler

import (
	"time"

	"trailpulse/internal/jobstore"
)

// Human job names recorded in the JobRun ledger.
const (
	JobNameWeatherSync = "WeatherSync"
	JobNameDailyDigest = "DailyDigest"
)

// Fixed repeat ids. Registration under a fixed id is what makes restarts
// idempotent: the Job Store treats same-id re-registration as an update.
const (
	RepeatIDWeatherSync = "weatherSync-repeat"
	RepeatIDDigest      = "digest-daily"
)

// terminalRetention bounds the completed/failed records each queue keeps in
// the Job Store for operator visibility, independent of the JobRun ledger.
const terminalRetention = 200

// WeatherSyncOptions is the retry policy of the weatherSync queue:
// 3 attempts with exponential backoff starting at 3s.
func WeatherSyncOptions() jobstore.Options {
	return jobstore.Options{
		MaxAttempts:      3,
		Backoff:          3 * time.Second,
		RemoveOnComplete: terminalRetention,
		RemoveOnFail:     terminalRetention,
	}
}

// DigestOptions is the retry policy of the digest queue:
// 3 attempts with exponential backoff starting at 5s.
func DigestOptions() jobstore.Options {
	return jobstore.Options{
		MaxAttempts:      3,
		Backoff:          5 * time.Second,
		RemoveOnComplete: terminalRetention,
		RemoveOnFail:     terminalRetention,
	}
}

// repeatPayload is the fixed payload carried by repeatable registrations.
// The handlers derive their scope from database state, not the payload; the
// trigger field only aids debugging in the Job Store.
type repeatPayload struct {
	Trigger string `json:"trigger"`
}
