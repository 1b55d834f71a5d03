package db

import (
	"context"

	"github.com/google/uuid"

	"trailpulse/internal/types"
)

// NotificationRepository provides data access for the notifications table.
// The job layer only creates notifications; the web UI lists them and marks
// them read.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a NotificationRepository backed by the
// given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a new unread notification row. The generated id and the
// database-stamped created_at are written back into n.
func (r *NotificationRepository) Create(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO notifications (id, user_id, title, body, is_read, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, NOW())
		 RETURNING created_at`,
		n.ID,
		n.UserID,
		n.Title,
		n.Body,
	)
	if err := row.Scan(&n.CreatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	n.IsRead = false
	return nil
}
