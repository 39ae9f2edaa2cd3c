package application

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/matthewsabia/autopen-notify/internal/modules/notification/domain"
	"github.com/matthewsabia/autopen-notify/internal/modules/notification/infrastructure/websocket"
)

// Push event kinds delivered over the realtime channel.
const (
	PushEventInsert = "insert"
	PushEventUpdate = "update"
)

// PushEvent is the wire envelope for row-level change events. Update events
// carry the previous row so subscribers can reconcile read/deleted
// transitions without refetching.
type PushEvent struct {
	Event  string               `json:"event"`
	Row    *domain.Notification `json:"row"`
	OldRow *domain.Notification `json:"old_row,omitempty"`
}

type NotificationService struct {
	repo domain.NotificationRepository
	hub  *websocket.Hub
}

func NewNotificationService(repo domain.NotificationRepository, hub *websocket.Hub) *NotificationService {
	return &NotificationService{repo: repo, hub: hub}
}

func (s *NotificationService) Create(ctx context.Context, userID uuid.UUID, title, message string, notificationType domain.NotificationType, targetURL string) (*domain.Notification, error) {
	notification := &domain.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Type:      notificationType,
		TargetURL: targetURL,
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, notification); err != nil {
		return nil, err
	}

	s.publish(userID, PushEvent{Event: PushEventInsert, Row: notification})
	return notification, nil
}

func (s *NotificationService) GetUserNotifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Notification, error) {
	return s.repo.SelectPage(ctx, userID, limit, offset)
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.UnreadCount(ctx, userID)
}

// MarkAsRead sets read_at on an unread notification. A row already read by
// another session affects zero rows and is reported as success; the end state
// is the one the caller asked for either way.
func (s *NotificationService) MarkAsRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	readAt := time.Now()
	affected, err := s.repo.MarkRead(ctx, userID, notificationID, readAt)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil
	}

	oldRow, newRow, err := s.readStateRows(ctx, userID, notificationID)
	if err != nil {
		log.Printf("[Notification Service] Skipping push for %s: %v", notificationID, err)
		return nil
	}
	s.publish(userID, PushEvent{Event: PushEventUpdate, Row: newRow, OldRow: oldRow})
	return nil
}

func (s *NotificationService) MarkAllAsRead(ctx context.Context, userID uuid.UUID) error {
	updated, err := s.repo.MarkAllRead(ctx, userID, time.Now())
	if err != nil {
		return err
	}
	for i := range updated {
		newRow := updated[i]
		oldRow := newRow
		oldRow.ReadAt = nil
		s.publish(userID, PushEvent{Event: PushEventUpdate, Row: &newRow, OldRow: &oldRow})
	}
	return nil
}

// Delete tombstones the row. The update event carries the pre-delete row so
// subscribers can adjust their unread counts.
func (s *NotificationService) Delete(ctx context.Context, userID, notificationID uuid.UUID) error {
	oldRow, err := s.repo.GetByID(ctx, userID, notificationID)
	if err != nil {
		return err
	}

	affected, err := s.repo.SoftDelete(ctx, userID, notificationID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil
	}

	newRow := *oldRow
	newRow.IsDeleted = true
	s.publish(userID, PushEvent{Event: PushEventUpdate, Row: &newRow, OldRow: oldRow})
	return nil
}

func (s *NotificationService) GetHub() *websocket.Hub {
	return s.hub
}

// readStateRows rebuilds the old/new pair for a read-state push event. The
// previous row is the updated one with read_at cleared.
func (s *NotificationService) readStateRows(ctx context.Context, userID, notificationID uuid.UUID) (*domain.Notification, *domain.Notification, error) {
	newRow, err := s.repo.GetByID(ctx, userID, notificationID)
	if err != nil {
		return nil, nil, err
	}
	oldRow := *newRow
	oldRow.ReadAt = nil
	return &oldRow, newRow, nil
}

func (s *NotificationService) publish(userID uuid.UUID, event PushEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Notification Service] Failed to encode push event: %v", err)
		return
	}
	s.hub.SendToUser(userID, payload)
}
