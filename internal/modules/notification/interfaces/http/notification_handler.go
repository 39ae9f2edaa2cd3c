package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/matthewsabia/autopen-notify/internal/gateway/middleware"
	"github.com/matthewsabia/autopen-notify/internal/modules/notification/application"
	"github.com/matthewsabia/autopen-notify/internal/modules/notification/domain"
	"github.com/matthewsabia/autopen-notify/internal/modules/notification/infrastructure/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPageSize  = 10
	maxPageSize      = 100
	unreadCountTTL   = 30 * time.Second
	unreadCacheScope = "notifications:unread:"
)

type NotificationHandler struct {
	service     *application.NotificationService
	hub         *websocket.Hub
	redisClient *redis.Client
}

func NewNotificationHandler(service *application.NotificationService, hub *websocket.Hub, redisClient *redis.Client) *NotificationHandler {
	return &NotificationHandler{service: service, hub: hub, redisClient: redisClient}
}

func (h *NotificationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.ContextKeyUserId).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	websocket.ServeWs(h.hub, w, r, userID)
}

func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.ContextKeyUserId).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultPageSize
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= maxPageSize {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	notifications, err := h.service.GetUserNotifications(r.Context(), userID, limit, offset)
	if err != nil {
		log.Printf("[Notification API] List failed for %s: %v", userID, err)
		http.Error(w, "failed to fetch notifications", http.StatusInternalServerError)
		return
	}
	if notifications == nil {
		notifications = []domain.Notification{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": notifications}); err != nil {
		log.Printf("[Notification API] Encode failed: %v", err)
	}
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.ContextKeyUserId).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cacheKey := unreadCacheScope + userID.String()
	if h.redisClient != nil {
		if val, err := h.redisClient.Get(r.Context(), cacheKey).Result(); err == nil {
			if count, convErr := strconv.Atoi(val); convErr == nil {
				writeCount(w, count)
				return
			}
		}
	}

	count, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to get unread count", http.StatusInternalServerError)
		return
	}

	if h.redisClient != nil {
		h.redisClient.Set(context.Background(), cacheKey, strconv.Itoa(count), unreadCountTTL)
	}
	writeCount(w, count)
}

func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	notificationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid notification id", http.StatusBadRequest)
		return
	}

	userID, ok := r.Context().Value(middleware.ContextKeyUserId).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.service.MarkAsRead(r.Context(), userID, notificationID); err != nil {
		http.Error(w, "failed to mark notification as read", http.StatusInternalServerError)
		return
	}

	h.invalidateUnreadCount(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.ContextKeyUserId).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.service.MarkAllAsRead(r.Context(), userID); err != nil {
		http.Error(w, "failed to mark all notifications as read", http.StatusInternalServerError)
		return
	}

	h.invalidateUnreadCount(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	notificationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid notification id", http.StatusBadRequest)
		return
	}

	userID, ok := r.Context().Value(middleware.ContextKeyUserId).(uuid.UUID)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.service.Delete(r.Context(), userID, notificationID); err != nil {
		if errors.Is(err, domain.ErrNotificationNotFound) {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete notification", http.StatusInternalServerError)
		return
	}

	h.invalidateUnreadCount(userID)
	w.WriteHeader(http.StatusNoContent)
}

type createRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"notification_type"`
	TargetURL string    `json:"target_url"`
}

// Create is the ingest endpoint for upstream event producers. It sits behind
// the internal API key middleware, not user auth.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil || req.Title == "" {
		http.Error(w, "user_id and title are required", http.StatusBadRequest)
		return
	}
	notificationType := domain.NotificationType(req.Type)
	if notificationType == "" {
		notificationType = domain.NotificationTypeInfo
	}

	notification, err := h.service.Create(r.Context(), req.UserID, req.Title, req.Message, notificationType, req.TargetURL)
	if err != nil {
		log.Printf("[Notification API] Create failed: %v", err)
		http.Error(w, "failed to create notification", http.StatusInternalServerError)
		return
	}

	h.invalidateUnreadCount(req.UserID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(notification); err != nil {
		log.Printf("[Notification API] Encode failed: %v", err)
	}
}

func (h *NotificationHandler) invalidateUnreadCount(userID uuid.UUID) {
	if h.redisClient == nil {
		return
	}
	h.redisClient.Del(context.Background(), unreadCacheScope+userID.String())
}

func writeCount(w http.ResponseWriter, count int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"count": count})
}
