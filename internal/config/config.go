// Package config defines the configuration for the TrailPulse job platform.
// Configuration is loaded once at process startup and is immutable
// thereafter. It follows 12-Factor principles: all values come from the
// environment (with a .env file for local development), and any missing
// required value or invalid format fails the process immediately.
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Weather  WeatherConfig
	Jobs     JobsConfig
}

// ServerConfig holds HTTP server settings for the admin jobs API.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// RedisConfig holds the Job Store connection settings.
type RedisConfig struct {
	URL string `envconfig:"REDIS_URL" validate:"required"`
}

// WeatherConfig holds the weather provider client settings.
type WeatherConfig struct {
	BaseURL   string        `envconfig:"WEATHER_BASE_URL" default:"https://api.open-meteo.com"`
	Timeout   time.Duration `envconfig:"WEATHER_TIMEOUT" default:"10s"`
	UserAgent string        `envconfig:"WEATHER_USER_AGENT" default:"TrailPulseWorker/1.0"`
}

// JobsConfig holds the schedule and handler tuning parameters for the two
// recurring jobs. The trailing-plan window and catalog limit are explicit
// configuration rather than inline constants so tests can control them.
type JobsConfig struct {
	// WeatherSyncEveryHours is the interval of the repeatable weather-sync
	// job, in hours.
	WeatherSyncEveryHours int `envconfig:"WEATHER_SYNC_EVERY_HOURS" default:"6" validate:"min=1,max=24"`
	// DigestHourLocal is the local hour at which the daily digest fires.
	DigestHourLocal int    `envconfig:"DIGEST_HOUR_LOCAL" default:"8" validate:"min=0,max=23"`
	DigestTimezone  string `envconfig:"DIGEST_TIMEZONE" default:"Asia/Manila"`

	// PlanWindow is the trailing window in which a hike plan's start time
	// makes its trail eligible for weather sync.
	PlanWindow time.Duration `envconfig:"WEATHER_PLAN_WINDOW" default:"168h"`
	// TrailLimit caps the trails processed per weather-sync run.
	TrailLimit int `envconfig:"WEATHER_TRAIL_LIMIT" default:"50" validate:"min=1"`

	// ExecutionTimeout bounds a single handler invocation so a hung provider
	// call cannot occupy a worker slot indefinitely.
	ExecutionTimeout time.Duration `envconfig:"JOB_EXECUTION_TIMEOUT" default:"5m"`
}
