package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
)

// Notification is the server-of-record row. ReadAt is nil while unread and is
// set exactly once; IsDeleted rows stay in storage as tombstones and are
// excluded from every read and count.
type Notification struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	UserID    uuid.UUID        `json:"user_id" db:"user_id"`
	Title     string           `json:"title" db:"title"`
	Message   string           `json:"message" db:"message"`
	Type      NotificationType `json:"notification_type" db:"notification_type"`
	TargetURL string           `json:"target_url,omitempty" db:"target_url"`
	ReadAt    *time.Time       `json:"read_at,omitempty" db:"read_at"`
	IsDeleted bool             `json:"is_deleted" db:"is_deleted"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

func (n *Notification) IsRead() bool {
	return n.ReadAt != nil
}

var (
	ErrNotificationNotFound = errors.New("notification not found")
)
