package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// RoleStore persists Role, Permission, and RolePermission.
type RoleStore struct {
	db *gorm.DB
}

func NewRoleStore(gdb *gorm.DB) *RoleStore {
	return &RoleStore{db: gdb}
}

func (s *RoleStore) Create(ctx context.Context, r *db.Role) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("store: create role: %w", err)
	}
	return nil
}

func (s *RoleStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Role, error) {
	var r db.Role
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get role: %w", err)
	}
	return &r, nil
}

func (s *RoleStore) GetByName(ctx context.Context, name string) (*db.Role, error) {
	var r db.Role
	if err := s.db.WithContext(ctx).First(&r, "name = ?", name).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get role by name: %w", err)
	}
	return &r, nil
}

func (s *RoleStore) List(ctx context.Context, opts ListOptions) ([]db.Role, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.Role{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count roles: %w", err)
	}
	var roles []db.Role
	if err := s.db.WithContext(ctx).Order("name ASC").Limit(opts.Limit).Offset(opts.Offset).Find(&roles).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list roles: %w", err)
	}
	return roles, total, nil
}

// Update persists name/description changes. IsSystem roles may not be
// renamed — callers must check IsSystem before calling Update with a
// changed Name (conflict, §7).
func (s *RoleStore) Update(ctx context.Context, r *db.Role) error {
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return fmt.Errorf("store: update role: %w", err)
	}
	return nil
}

// Delete removes a role. Callers must reject deletion of IsSystem roles and
// roles that still have members (§7 conflict kind) before calling this.
func (s *RoleStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.Role{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete role: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberCount returns how many users hold this role, used by handlers to
// enforce the "deleting a role with users" conflict (§7).
func (s *RoleStore) MemberCount(ctx context.Context, roleID uuid.UUID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&db.UserRole{}).Where("role_id = ?", roleID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count role members: %w", err)
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Permission
// -----------------------------------------------------------------------------

func (s *RoleStore) ListPermissions(ctx context.Context) ([]db.Permission, error) {
	var perms []db.Permission
	if err := s.db.WithContext(ctx).Order("codename ASC").Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("store: list permissions: %w", err)
	}
	return perms, nil
}

func (s *RoleStore) GetPermissionByCodename(ctx context.Context, codename string) (*db.Permission, error) {
	var p db.Permission
	if err := s.db.WithContext(ctx).First(&p, "codename = ?", codename).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get permission: %w", err)
	}
	return &p, nil
}

// -----------------------------------------------------------------------------
// RolePermission
// -----------------------------------------------------------------------------

func (s *RoleStore) GrantPermission(ctx context.Context, tx *gorm.DB, roleID, permissionID uuid.UUID) error {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	if err := tx.Create(&db.RolePermission{RoleID: roleID, PermissionID: permissionID}).Error; err != nil {
		return fmt.Errorf("store: grant permission: %w", err)
	}
	return nil
}

func (s *RoleStore) RevokePermission(ctx context.Context, tx *gorm.DB, roleID, permissionID uuid.UUID) error {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	if err := tx.Where("role_id = ? AND permission_id = ?", roleID, permissionID).Delete(&db.RolePermission{}).Error; err != nil {
		return fmt.Errorf("store: revoke permission: %w", err)
	}
	return nil
}

// PermissionCodenamesForRoles returns the union of permission codenames
// granted to the given roles — the core query behind
// Permission Cache.Get (§4.2).
func (s *RoleStore) PermissionCodenamesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	var codenames []string
	err := s.db.WithContext(ctx).
		Model(&db.RolePermission{}).
		Joins("JOIN permissions ON permissions.id = role_permissions.permission_id").
		Where("role_permissions.role_id IN ?", roleIDs).
		Distinct().
		Pluck("permissions.codename", &codenames).Error
	if err != nil {
		return nil, fmt.Errorf("store: permission codenames for roles: %w", err)
	}
	return codenames, nil
}
