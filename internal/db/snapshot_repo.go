package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"trailpulse/internal/types"
)

// SnapshotRepository provides data access for the weather_snapshots table.
// Snapshots are append-only: each weather-sync run inserts a new row per
// trail and nothing in the job layer updates or deletes them.
type SnapshotRepository struct {
	db DBTX
}

// NewSnapshotRepository creates a SnapshotRepository backed by the given
// database connection (pool or transaction).
func NewSnapshotRepository(db DBTX) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Create inserts a new weather snapshot row. The generated id and the
// database-stamped fetched_at are written back into snap.
func (r *SnapshotRepository) Create(ctx context.Context, snap *types.WeatherSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}

	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal weather payload", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO weather_snapshots (id, trail_id, payload, fetched_at)
		 VALUES ($1, $2, $3, COALESCE($4, NOW()))
		 RETURNING fetched_at`,
		snap.ID,
		snap.TrailID,
		payload,
		nilIfZeroTime(snap.FetchedAt),
	)
	if err := row.Scan(&snap.FetchedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create weather snapshot", err)
	}
	return nil
}
