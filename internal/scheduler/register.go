package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trailpulse/internal/config"
	"trailpulse/internal/jobstore"
	"trailpulse/internal/types"
)

// RepeatRegistrar is the slice of the Job Store the registration step needs.
type RepeatRegistrar interface {
	RegisterRepeatable(ctx context.Context, queue, name string, payload any, opts jobstore.Options, sched jobstore.Schedule, repeatID string) error
}

// RegisterRepeatables ensures both recurring jobs exist in the Job Store:
// weather sync on an hourly interval and the digest daily at a fixed local
// hour. It runs once at worker startup, before consumers start, and is safe
// to run on every restart because both registrations use fixed repeat ids.
func RegisterRepeatables(ctx context.Context, store RepeatRegistrar, cfg config.JobsConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	everyHours := cfg.WeatherSyncEveryHours
	if everyHours < 1 {
		everyHours = 1
	} else if everyHours > 24 {
		everyHours = 24
	}

	err := store.RegisterRepeatable(ctx,
		string(types.QueueWeatherSync),
		JobNameWeatherSync,
		repeatPayload{Trigger: "repeat"},
		WeatherSyncOptions(),
		jobstore.Schedule{
			Kind:  jobstore.ScheduleInterval,
			Every: time.Duration(everyHours) * time.Hour,
		},
		RepeatIDWeatherSync,
	)
	if err != nil {
		return fmt.Errorf("registering weather sync schedule: %w", err)
	}

	hour := cfg.DigestHourLocal
	if hour < 0 {
		hour = 0
	} else if hour > 23 {
		hour = 23
	}

	err = store.RegisterRepeatable(ctx,
		string(types.QueueDigest),
		JobNameDailyDigest,
		repeatPayload{Trigger: "daily"},
		DigestOptions(),
		jobstore.Schedule{
			Kind:     jobstore.ScheduleDailyAtHour,
			Hour:     hour,
			Timezone: cfg.DigestTimezone,
		},
		RepeatIDDigest,
	)
	if err != nil {
		return fmt.Errorf("registering digest schedule: %w", err)
	}

	logger.InfoContext(ctx, "repeatable jobs registered",
		"weather_sync_every_hours", everyHours,
		"digest_hour_local", hour,
		"digest_timezone", cfg.DigestTimezone,
	)
	return nil
}
