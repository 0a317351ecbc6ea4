package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// NotificationStore persists per-user in-app notification rows.
type NotificationStore struct {
	db *gorm.DB
}

func NewNotificationStore(gdb *gorm.DB) *NotificationStore {
	return &NotificationStore{db: gdb}
}

func (s *NotificationStore) Create(ctx context.Context, n *db.Notification) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("store: create notification: %w", err)
	}
	return nil
}

func (s *NotificationStore) ListForUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Notification, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.Notification{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count notifications: %w", err)
	}

	var rows []db.Notification
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("store: list notifications: %w", err)
	}
	return rows, total, nil
}

func (s *NotificationStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	var n db.Notification
	if err := s.db.WithContext(ctx).First(&n, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get notification: %w", err)
	}
	return &n, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&db.Notification{}).Where("id = ? AND read_at IS NULL", id).Update("read_at", &now)
	if result.Error != nil {
		return fmt.Errorf("store: mark notification read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification for userID as read.
func (s *NotificationStore) MarkAllRead(ctx context.Context, userID uuid.UUID) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&db.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).Update("read_at", &now).Error
	if err != nil {
		return fmt.Errorf("store: mark all notifications read: %w", err)
	}
	return nil
}
