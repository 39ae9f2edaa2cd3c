package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/matthewsabia/autopen-notify/internal/modules/notification/domain"
)

type PgNotificationRepository struct {
	db *sqlx.DB
}

func NewPgNotificationRepository(db *sqlx.DB) *PgNotificationRepository {
	return &PgNotificationRepository{db: db}
}

func (r *PgNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO notifications (id, user_id, title, message, notification_type, target_url, read_at, is_deleted, created_at)
		VALUES (:id, :user_id, :title, :message, :notification_type, :target_url, :read_at, :is_deleted, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, n)
	return err
}

func (r *PgNotificationRepository) GetByID(ctx context.Context, userID, notificationID uuid.UUID) (*domain.Notification, error) {
	query := `
		SELECT * FROM notifications
		WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE
	`
	var n domain.Notification
	if err := r.db.GetContext(ctx, &n, query, notificationID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotificationNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (r *PgNotificationRepository) SelectPage(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Notification, error) {
	query := `
		SELECT * FROM notifications
		WHERE user_id = $1 AND is_deleted = FALSE
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	var notifications []domain.Notification
	err := r.db.SelectContext(ctx, &notifications, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *PgNotificationRepository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND read_at IS NULL AND is_deleted = FALSE
	`
	var count int
	err := r.db.GetContext(ctx, &count, query, userID)
	return count, err
}

// MarkRead is conditional on the row still being unread; zero affected rows
// means the row is missing, deleted, or was already read by another session.
func (r *PgNotificationRepository) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, readAt time.Time) (int64, error) {
	query := `
		UPDATE notifications
		SET read_at = $3
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL AND is_deleted = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, notificationID, userID, readAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PgNotificationRepository) MarkAllRead(ctx context.Context, userID uuid.UUID, readAt time.Time) ([]domain.Notification, error) {
	query := `
		UPDATE notifications
		SET read_at = $2
		WHERE user_id = $1 AND read_at IS NULL AND is_deleted = FALSE
		RETURNING *
	`
	var updated []domain.Notification
	if err := r.db.SelectContext(ctx, &updated, query, userID, readAt); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgNotificationRepository) SoftDelete(ctx context.Context, userID, notificationID uuid.UUID) (int64, error) {
	query := `
		UPDATE notifications
		SET is_deleted = TRUE
		WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, notificationID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
