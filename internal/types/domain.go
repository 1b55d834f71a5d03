// Package types defines the shared domain types for the TrailPulse job
// platform: the trail catalog entities the handlers read, the rows the job
// layer produces (JobRun ledger entries, weather snapshots, notifications,
// audit records), and the application error type.
package types

import "time"

// Difficulty is the ordinal difficulty rating of a trail.
type Difficulty string

const (
	DifficultyEasy     Difficulty = "EASY"
	DifficultyModerate Difficulty = "MODERATE"
	DifficultyHard     Difficulty = "HARD"
)

// Score maps the difficulty to its ordinal value (EASY=1, MODERATE=2, HARD=3)
// used by the digest recommendation scoring. Unknown values score as MODERATE
// so a bad row cannot produce a zero divisor or an outlier score.
func (d Difficulty) Score() float64 {
	switch d {
	case DifficultyEasy:
		return 1
	case DifficultyModerate:
		return 2
	case DifficultyHard:
		return 3
	default:
		return 2
	}
}

// Trail is one entry in the seeded trail catalog. The catalog is owned by the
// web application; the job layer only reads it.
type Trail struct {
	ID             string
	Name           string
	Region         string
	Difficulty     Difficulty
	DistanceKm     float64
	ElevationGainM int
	Lat            float64
	Lng            float64
	CreatedAt      time.Time
}

// User is the minimal projection of a registered user that the digest
// handler needs.
type User struct {
	ID    string
	Email string
}

// HikePlan is a user's scheduled hike of a trail. Only the fields the
// weather-sync target query needs are carried.
type HikePlan struct {
	ID       string
	UserID   string
	TrailID  string
	StartsAt time.Time
}

// Queue identifies one of the two durable job queues.
type Queue string

const (
	QueueWeatherSync Queue = "weatherSync"
	QueueDigest      Queue = "digest"
)

// JobRunStatus is the lifecycle state of a JobRun ledger row.
// A run is created active and transitions exactly once to a terminal state.
type JobRunStatus string

const (
	JobRunActive    JobRunStatus = "active"
	JobRunCompleted JobRunStatus = "completed"
	JobRunFailed    JobRunStatus = "failed"
)

// JobRun is one row of the execution audit ledger: one row per handler
// invocation, including retries. It is redundant with the Job Store's own
// bookkeeping on purpose; the ledger survives Job Store retention trimming.
type JobRun struct {
	ID       string
	Queue    Queue
	JobID    string
	Name     string
	Status   JobRunStatus
	Attempts int
	// Error holds the failure detail; empty for active and completed runs.
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is active
	CreatedAt  time.Time
}

// WeatherPayload is the structured weather reading stored in a snapshot.
// The synthetic fallback produces the same shape with a distinct Provider so
// downstream consumers can tell real data from generated data.
type WeatherPayload struct {
	Provider            string  `json:"provider"`
	Summary             string  `json:"summary"`
	TemperatureC        float64 `json:"temperature_c"`
	WindKph             float64 `json:"wind_kph"`
	PrecipitationChance float64 `json:"precipitation_chance"`
	FetchedAtISO        string  `json:"fetched_at_iso"`
}

// WeatherSnapshot is one immutable point-in-time weather reading for a trail.
// Snapshots accumulate; nothing in the job layer updates or deletes them.
type WeatherSnapshot struct {
	ID        string
	TrailID   string
	Payload   WeatherPayload
	FetchedAt time.Time
}

// Notification is one digest delivery to one user. The job layer only
// creates these; the web UI reads and marks them.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	IsRead    bool
	CreatedAt time.Time
}

// AuditAction labels an audit log row.
type AuditAction string

// AuditJobRun is the action recorded for every job execution outcome.
const AuditJobRun AuditAction = "JOB_RUN"

// AuditEntry is a best-effort operational audit record. Writes are
// fire-and-forget: a failed audit insert never fails the job that issued it.
type AuditEntry struct {
	UserID string // empty for system-initiated actions
	Action AuditAction
	Target string
	Meta   map[string]any
}
