package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"trailpulse/internal/types"
)

// AuditRepository provides append access to the audit_logs table. Callers in
// the job layer treat audit writes as fire-and-forget: failures are logged
// by the caller and never affect the outcome of the job that issued them.
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates an AuditRepository backed by the given database
// connection (pool or transaction).
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts one audit row. A nil Meta is stored as SQL NULL; an empty
// UserID is stored as NULL so system-initiated actions do not need a
// placeholder user.
func (r *AuditRepository) Record(ctx context.Context, entry types.AuditEntry) error {
	var meta any
	if entry.Meta != nil {
		encoded, err := json.Marshal(entry.Meta)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal audit meta", err)
		}
		meta = encoded
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_logs (id, user_id, action, target, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		uuid.New().String(),
		nilIfEmpty(entry.UserID),
		string(entry.Action),
		nilIfEmpty(entry.Target),
		meta,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record audit entry", err)
	}
	return nil
}
