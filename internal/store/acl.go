package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// ACLStore persists ObjectACL, TagPermission and ServiceACL — the per-object
// and per-service authorization overlays consulted by internal/authz.
type ACLStore struct {
	db *gorm.DB
}

func NewACLStore(gdb *gorm.DB) *ACLStore {
	return &ACLStore{db: gdb}
}

// -----------------------------------------------------------------------------
// ObjectACL
// -----------------------------------------------------------------------------

func (s *ACLStore) CreateObjectACL(ctx context.Context, a *db.ObjectACL) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("store: create object acl: %w", err)
	}
	return nil
}

func (s *ACLStore) DeleteObjectACL(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.ObjectACL{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete object acl: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ObjectACLsFor returns every ObjectACL row for an object matching any of
// the given roles — the data feeding authz's deny-first/allow cascade steps
// 3-4 (spec §4.2).
func (s *ACLStore) ObjectACLsFor(ctx context.Context, objectID uuid.UUID, roleIDs []uuid.UUID) ([]db.ObjectACL, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var rows []db.ObjectACL
	if err := s.db.WithContext(ctx).Where("object_id = ? AND role_id IN ?", objectID, roleIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list object acls: %w", err)
	}
	return rows, nil
}

func (s *ACLStore) ListObjectACLsForObject(ctx context.Context, objectID uuid.UUID) ([]db.ObjectACL, error) {
	var rows []db.ObjectACL
	if err := s.db.WithContext(ctx).Where("object_id = ?", objectID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list object acls for object: %w", err)
	}
	return rows, nil
}

// -----------------------------------------------------------------------------
// TagPermission
// -----------------------------------------------------------------------------

func (s *ACLStore) CreateTagPermission(ctx context.Context, tp *db.TagPermission) error {
	if err := s.db.WithContext(ctx).Create(tp).Error; err != nil {
		return fmt.Errorf("store: create tag permission: %w", err)
	}
	return nil
}

func (s *ACLStore) DeleteTagPermission(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.TagPermission{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete tag permission: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TagPermissionsFor returns TagPermission rows matching any of tagIDs and
// roleIDs — cascade step 5 (spec §4.2).
func (s *ACLStore) TagPermissionsFor(ctx context.Context, tagIDs, roleIDs []uuid.UUID) ([]db.TagPermission, error) {
	if len(tagIDs) == 0 || len(roleIDs) == 0 {
		return nil, nil
	}
	var rows []db.TagPermission
	if err := s.db.WithContext(ctx).Where("tag_id IN ? AND role_id IN ?", tagIDs, roleIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list tag permissions: %w", err)
	}
	return rows, nil
}

// -----------------------------------------------------------------------------
// ServiceACL
// -----------------------------------------------------------------------------

func (s *ACLStore) CreateServiceACL(ctx context.Context, a *db.ServiceACL) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("store: create service acl: %w", err)
	}
	return nil
}

func (s *ACLStore) DeleteServiceACL(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.ServiceACL{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete service acl: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ServiceACLsForService returns every ServiceACL row for a service name,
// regardless of role — used to detect "any ServiceACL row exists for the
// service" (spec §4.2 Service Permission Resolution).
func (s *ACLStore) ServiceACLsForService(ctx context.Context, serviceName string) ([]db.ServiceACL, error) {
	var rows []db.ServiceACL
	if err := s.db.WithContext(ctx).Where("service_name = ?", serviceName).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list service acls: %w", err)
	}
	return rows, nil
}
