package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// AuditStore queries the append-only AuditLog table.
type AuditStore struct {
	db *gorm.DB
}

func NewAuditStore(gdb *gorm.DB) *AuditStore {
	return &AuditStore{db: gdb}
}

// WriteAudit inserts one AuditLog row using tx, the transaction of the
// mutating operation it documents, so both commit or roll back together. No
// write path in the API handlers or the job runner calls it.
func WriteAudit(tx *gorm.DB, entry *db.AuditLog) error {
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("store: write audit log: %w", err)
	}
	return nil
}

// LogDenied writes a standalone AuditLog row for an authorization decision
// made outside of any caller-owned transaction — currently only
// credential.access_denied (internal/authz.Engine.CanViewCredential and
// Engine.CheckInventoryPermission).
// Unlike WriteAudit this is not expected to share a transaction with a
// mutation: denying a read has no accompanying write to be atomic with.
func (s *AuditStore) LogDenied(ctx context.Context, userID uuid.UUID, username, action, resource string, details map[string]any) error {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("store: marshal audit details: %w", err)
	}
	entry := &db.AuditLog{
		UserID:   &userID,
		Username: username,
		Action:   action,
		Resource: resource,
		Details:  string(data),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("store: write audit log: %w", err)
	}
	return nil
}

// List returns audit log entries newest-first, optionally filtered by
// action prefix.
func (s *AuditStore) List(ctx context.Context, actionPrefix string, opts ListOptions) ([]db.AuditLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.AuditLog{})
	if actionPrefix != "" {
		q = q.Where("action LIKE ?", actionPrefix+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count audit logs: %w", err)
	}

	var logs []db.AuditLog
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list audit logs: %w", err)
	}
	return logs, total, nil
}

// ListForUser returns audit log entries for one user, newest-first.
func (s *AuditStore) ListForUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.AuditLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.AuditLog{}).Where("user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count audit logs for user: %w", err)
	}

	var logs []db.AuditLog
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list audit logs for user: %w", err)
	}
	return logs, total, nil
}
