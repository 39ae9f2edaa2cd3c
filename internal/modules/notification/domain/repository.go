package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NotificationRepository is the query/mutation surface over the notifications
// table. Every method is scoped to exactly one user; reads and counts exclude
// soft-deleted rows. Conditional updates report affected rows instead of
// failing, so that a row already in the desired state is not an error.
type NotificationRepository interface {
	Create(ctx context.Context, notification *Notification) error
	GetByID(ctx context.Context, userID, notificationID uuid.UUID) (*Notification, error)
	SelectPage(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Notification, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID, readAt time.Time) (int64, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID, readAt time.Time) ([]Notification, error)
	SoftDelete(ctx context.Context, userID, notificationID uuid.UUID) (int64, error)
}
