package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// CredentialStore persists CredentialAccessRule.
type CredentialStore struct {
	db *gorm.DB
}

func NewCredentialStore(gdb *gorm.DB) *CredentialStore {
	return &CredentialStore{db: gdb}
}

func (s *CredentialStore) Create(ctx context.Context, r *db.CredentialAccessRule) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("store: create credential access rule: %w", err)
	}
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.CredentialAccessRule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete credential access rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *CredentialStore) List(ctx context.Context) ([]db.CredentialAccessRule, error) {
	var rows []db.CredentialAccessRule
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list credential access rules: %w", err)
	}
	return rows, nil
}

// RulesForRoles returns every CredentialAccessRule for the given roles —
// feeds user_can_view_credential (spec §4.2).
func (s *CredentialStore) RulesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]db.CredentialAccessRule, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var rows []db.CredentialAccessRule
	if err := s.db.WithContext(ctx).Where("role_id IN ?", roleIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list credential access rules for roles: %w", err)
	}
	return rows, nil
}
