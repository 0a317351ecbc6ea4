package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// UserStore persists User and the UserRole join table.
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(gdb *gorm.DB) *UserStore {
	return &UserStore{db: gdb}
}

func (s *UserStore) Create(ctx context.Context, u *db.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by id: %w", err)
	}
	return &u, nil
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by username: %w", err)
	}
	return &u, nil
}

func (s *UserStore) GetByInviteToken(ctx context.Context, token string) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "invite_token = ? AND invite_token != ''", token).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by invite token: %w", err)
	}
	return &u, nil
}

// GetByOIDC looks up a user previously JIT-provisioned or linked through a
// given OIDC provider's subject claim.
func (s *UserStore) GetByOIDC(ctx context.Context, providerID, sub string) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "oidc_provider_id = ? AND oidc_sub = ?", providerID, sub).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by oidc subject: %w", err)
	}
	return &u, nil
}

func (s *UserStore) Update(ctx context.Context, u *db.User) error {
	if err := s.db.WithContext(ctx).Save(u).Error; err != nil {
		return fmt.Errorf("store: update user: %w", err)
	}
	return nil
}

// Deactivate sets IsActive=false. Users are never hard-deleted through the
// API (spec §3).
func (s *UserStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&db.User{}).Where("id = ?", id).Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("store: deactivate user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *UserStore) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count users: %w", err)
	}

	var users []db.User
	if err := s.db.WithContext(ctx).Order("created_at ASC").Limit(opts.Limit).Offset(opts.Offset).Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list users: %w", err)
	}
	return users, total, nil
}

// Count returns the total number of user rows, used by the setup-status
// endpoint to detect whether initial setup has completed (end-to-end
// scenario 1).
func (s *UserStore) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return total, nil
}

// -----------------------------------------------------------------------------
// UserRole
// -----------------------------------------------------------------------------

// AssignRole adds a role to a user. tx is the caller's transaction so role
// assignment and permission-cache invalidation happen atomically with
// whatever triggered it (e.g. user creation, a role-management API call).
func (s *UserStore) AssignRole(ctx context.Context, tx *gorm.DB, userID, roleID uuid.UUID) error {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	if err := tx.Create(&db.UserRole{UserID: userID, RoleID: roleID}).Error; err != nil {
		return fmt.Errorf("store: assign role: %w", err)
	}
	return nil
}

func (s *UserStore) RemoveRole(ctx context.Context, tx *gorm.DB, userID, roleID uuid.UUID) error {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	if err := tx.Where("user_id = ? AND role_id = ?", userID, roleID).Delete(&db.UserRole{}).Error; err != nil {
		return fmt.Errorf("store: remove role: %w", err)
	}
	return nil
}

// RolesForUser returns every Role assigned to a user.
func (s *UserStore) RolesForUser(ctx context.Context, userID uuid.UUID) ([]db.Role, error) {
	var roleIDs []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&db.UserRole{}).Where("user_id = ?", userID).Pluck("role_id", &roleIDs).Error; err != nil {
		return nil, fmt.Errorf("store: list role ids for user: %w", err)
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}

	var roles []db.Role
	if err := s.db.WithContext(ctx).Where("id IN ?", roleIDs).Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("store: list roles for user: %w", err)
	}
	return roles, nil
}
