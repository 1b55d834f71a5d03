package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trailpulse/internal/jobstore"
	"trailpulse/internal/types"
	"trailpulse/internal/weather"
)

// WeatherSyncDB defines the database reads the weather-sync handler needs.
// Using an interface allows clean testing without database dependencies.
type WeatherSyncDB interface {
	// ListWeatherSyncTargets returns the distinct trails that are saved by
	// any user or planned inside [windowStart, windowEnd], capped at limit.
	ListWeatherSyncTargets(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]types.Trail, error)
}

// SnapshotWriter persists one immutable weather snapshot row.
type SnapshotWriter interface {
	Create(ctx context.Context, snap *types.WeatherSnapshot) error
}

// ConditionsFetcher returns current conditions for a coordinate. The
// implementation absorbs provider failures via its synthetic fallback, so
// the call cannot fail.
type ConditionsFetcher interface {
	Conditions(ctx context.Context, lat, lng float64) types.WeatherPayload
}

// WeatherSyncConfig wires the weather-sync handler's dependencies and the
// target-window tuning. PlanWindow and TrailLimit arrive from configuration
// so tests can control the window instead of fighting inline constants.
type WeatherSyncConfig struct {
	DB         WeatherSyncDB
	Snapshots  SnapshotWriter
	Weather    ConditionsFetcher
	PlanWindow time.Duration
	TrailLimit int
	Logger     *slog.Logger
	// Now overrides the time source. Intended for tests; nil means time.Now.
	Now func() time.Time
}

// WeatherSyncHandler fetches and persists one weather snapshot for every
// trail that is saved or recently planned. Provider failures fall back to
// synthetic payloads per trail; a database error aborts the run and
// propagates so the Job Store's retry policy can act.
type WeatherSyncHandler struct {
	db         WeatherSyncDB
	snapshots  SnapshotWriter
	weather    ConditionsFetcher
	planWindow time.Duration
	trailLimit int
	logger     *slog.Logger
	now        func() time.Time
}

// NewWeatherSyncHandler creates the weather-sync handler.
func NewWeatherSyncHandler(cfg WeatherSyncConfig) *WeatherSyncHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PlanWindow <= 0 {
		cfg.PlanWindow = 7 * 24 * time.Hour
	}
	if cfg.TrailLimit <= 0 {
		cfg.TrailLimit = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WeatherSyncHandler{
		db:         cfg.DB,
		snapshots:  cfg.Snapshots,
		weather:    cfg.Weather,
		planWindow: cfg.PlanWindow,
		trailLimit: cfg.TrailLimit,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Name returns the ledger name of this handler.
func (h *WeatherSyncHandler) Name() string {
	return JobNameWeatherSync
}

// Run executes one weather-sync pass. An empty target set completes
// immediately; that is not an error. Snapshots are written one per trail,
// never updated. If a snapshot write fails mid-loop the run aborts with that
// error, leaving earlier writes in place: a later run reprocesses the full
// target set and snapshot rows are additive, so the partial state heals
// itself.
func (h *WeatherSyncHandler) Run(ctx context.Context, job *jobstore.Job) error {
	now := h.now().UTC()

	trails, err := h.db.ListWeatherSyncTargets(ctx, now.Add(-h.planWindow), now, h.trailLimit)
	if err != nil {
		return fmt.Errorf("listing weather sync targets: %w", err)
	}

	if len(trails) == 0 {
		h.logger.InfoContext(ctx, "weather sync found no saved or recently planned trails",
			"job_id", job.ID,
		)
		return nil
	}

	synthetic := 0
	for _, trail := range trails {
		payload := h.weather.Conditions(ctx, trail.Lat, trail.Lng)
		if payload.Provider == weather.ProviderSynthetic {
			synthetic++
		}

		snap := &types.WeatherSnapshot{
			TrailID: trail.ID,
			Payload: payload,
		}
		if err := h.snapshots.Create(ctx, snap); err != nil {
			return fmt.Errorf("writing snapshot for trail %s: %w", trail.ID, err)
		}
	}

	h.logger.InfoContext(ctx, "weather sync completed",
		"job_id", job.ID,
		"trails", len(trails),
		"synthetic_payloads", synthetic,
	)
	return nil
}
