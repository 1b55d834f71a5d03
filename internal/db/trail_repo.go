package db

import (
	"context"
	"time"

	"trailpulse/internal/types"
)

// TrailRepository provides read access to the trail catalog and the
// saved-trail and hike-plan relations. The catalog itself is owned and
// seeded by the web application; the job layer never writes to it.
type TrailRepository struct {
	db DBTX
}

// NewTrailRepository creates a TrailRepository backed by the given database
// connection (pool or transaction).
func NewTrailRepository(db DBTX) *TrailRepository {
	return &TrailRepository{db: db}
}

// trailColumns is the select list shared by the catalog queries.
const trailColumns = `id, name, region, difficulty, distance_km, elevation_gain_m, lat, lng, created_at`

// ListWeatherSyncTargets returns the distinct trails eligible for a weather
// sync run: trails saved by any user, plus trails referenced by a hike plan
// whose start time falls inside [windowStart, windowEnd]. Results are
// ordered by id so runs are deterministic, and capped at limit.
func (r *TrailRepository) ListWeatherSyncTargets(ctx context.Context, windowStart, windowEnd time.Time, limit int) ([]types.Trail, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+trailColumns+`
		 FROM trails
		 WHERE id IN (SELECT trail_id FROM saved_trails)
		    OR id IN (SELECT trail_id FROM hike_plans WHERE starts_at >= $1 AND starts_at <= $2)
		 ORDER BY id
		 LIMIT $3`,
		windowStart,
		windowEnd,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list weather sync targets", err)
	}
	defer rows.Close()

	return scanTrails(rows)
}

// ListCatalog returns the full trail catalog in enumeration order (creation
// order, id as the stable secondary key). The digest scorer relies on this
// ordering for its documented tie-break.
func (r *TrailRepository) ListCatalog(ctx context.Context) ([]types.Trail, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+trailColumns+`
		 FROM trails
		 ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list trail catalog", err)
	}
	defer rows.Close()

	return scanTrails(rows)
}

// ListSavedTrails returns the trails the given user has saved, in catalog
// enumeration order.
func (r *TrailRepository) ListSavedTrails(ctx context.Context, userID string) ([]types.Trail, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+trailColumns+`
		 FROM trails
		 WHERE id IN (SELECT trail_id FROM saved_trails WHERE user_id = $1)
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list saved trails", err)
	}
	defer rows.Close()

	return scanTrails(rows)
}

// ListPlannedTrails returns the trails referenced by the given user's hike
// plans, in catalog enumeration order.
func (r *TrailRepository) ListPlannedTrails(ctx context.Context, userID string) ([]types.Trail, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+trailColumns+`
		 FROM trails
		 WHERE id IN (SELECT trail_id FROM hike_plans WHERE user_id = $1)
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list planned trails", err)
	}
	defer rows.Close()

	return scanTrails(rows)
}

// scanTrails drains a trail result set using the trailColumns select list.
func scanTrails(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]types.Trail, error) {
	var trails []types.Trail
	for rows.Next() {
		var (
			t          types.Trail
			difficulty string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Region, &difficulty,
			&t.DistanceKm, &t.ElevationGainM, &t.Lat, &t.Lng, &t.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan trail row", err)
		}
		t.Difficulty = types.Difficulty(difficulty)
		trails = append(trails, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating trail rows", err)
	}
	return trails, nil
}
