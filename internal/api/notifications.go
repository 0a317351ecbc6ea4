package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/store"
)

// NotificationHandler groups all notification-related HTTP handlers.
// Notifications are scoped to the authenticated user — each user can only
// see and manage their own notifications.
type NotificationHandler struct {
	notifications *store.NotificationStore
	logger        *zap.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(notifications *store.NotificationStore, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifications: notifications,
		logger:        logger.Named("notification_handler"),
	}
}

// notificationResponse is the JSON representation of a notification.
type notificationResponse struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Payload   string  `json:"payload"`
	ReadAt    *string `json:"read_at"`
	CreatedAt string  `json:"created_at"`
}

func notificationToResponse(n *db.Notification) notificationResponse {
	resp := notificationResponse{
		ID:        n.ID.String(),
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt.UTC().String(),
	}
	if n.ReadAt != nil {
		s := n.ReadAt.UTC().String()
		resp.ReadAt = &s
	}
	return resp
}

type listNotificationsResponse struct {
	Items []notificationResponse `json:"items"`
	Total int64                  `json:"total"`
}

// List handles GET /api/v1/notifications. Returns a paginated list of
// notifications for the authenticated user, most recent first.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerUserID(w, r)
	if !ok {
		return
	}

	opts := paginationOpts(r)
	notifications, total, err := h.notifications.ListForUser(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]notificationResponse, len(notifications))
	for i := range notifications {
		items[i] = notificationToResponse(&notifications[i])
	}

	Ok(w, listNotificationsResponse{Items: items, Total: total})
}

// MarkAsRead handles PATCH /api/v1/notifications/{id}/read.
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, _, ok := callerUserID(w, r)
	if !ok {
		return
	}

	notification, err := h.notifications.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get notification", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if notification.UserID != userID {
		// 404, not 403 — don't leak that the notification exists.
		ErrNotFound(w)
		return
	}

	if err := h.notifications.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already read — treat as success.
			NoContent(w)
			return
		}
		h.logger.Error("failed to mark notification as read", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// MarkAllAsRead handles PATCH /api/v1/notifications/read-all.
func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerUserID(w, r)
	if !ok {
		return
	}

	if err := h.notifications.MarkAllRead(r.Context(), userID); err != nil {
		h.logger.Error("failed to mark all notifications as read", zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
