package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// InventoryStore persists InventoryType, InventoryObject, InventoryTag and
// the object_tags join table.
type InventoryStore struct {
	db *gorm.DB
}

func NewInventoryStore(gdb *gorm.DB) *InventoryStore {
	return &InventoryStore{db: gdb}
}

// -----------------------------------------------------------------------------
// InventoryType
// -----------------------------------------------------------------------------

func (s *InventoryStore) CreateType(ctx context.Context, t *db.InventoryType) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("store: create inventory type: %w", err)
	}
	return nil
}

func (s *InventoryStore) GetTypeByID(ctx context.Context, id uuid.UUID) (*db.InventoryType, error) {
	var t db.InventoryType
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get inventory type: %w", err)
	}
	return &t, nil
}

func (s *InventoryStore) GetTypeBySlug(ctx context.Context, slug string) (*db.InventoryType, error) {
	var t db.InventoryType
	if err := s.db.WithContext(ctx).First(&t, "slug = ?", slug).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get inventory type by slug: %w", err)
	}
	return &t, nil
}

func (s *InventoryStore) ListTypes(ctx context.Context) ([]db.InventoryType, error) {
	var types []db.InventoryType
	if err := s.db.WithContext(ctx).Order("label ASC").Find(&types).Error; err != nil {
		return nil, fmt.Errorf("store: list inventory types: %w", err)
	}
	return types, nil
}

// -----------------------------------------------------------------------------
// InventoryObject
// -----------------------------------------------------------------------------

func (s *InventoryStore) CreateObject(ctx context.Context, o *db.InventoryObject) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("store: create inventory object: %w", err)
	}
	return nil
}

func (s *InventoryStore) GetObjectByID(ctx context.Context, id uuid.UUID) (*db.InventoryObject, error) {
	var o db.InventoryObject
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get inventory object: %w", err)
	}
	return &o, nil
}

func (s *InventoryStore) UpdateObject(ctx context.Context, o *db.InventoryObject) error {
	if err := s.db.WithContext(ctx).Save(o).Error; err != nil {
		return fmt.Errorf("store: update inventory object: %w", err)
	}
	return nil
}

func (s *InventoryStore) DeleteObject(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.InventoryObject{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete inventory object: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListObjectsByType returns every object of a given type — used by
// permission-filtered listings in internal/authz callers.
func (s *InventoryStore) ListObjectsByType(ctx context.Context, typeID uuid.UUID, opts ListOptions) ([]db.InventoryObject, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.InventoryObject{}).Where("type_id = ?", typeID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count inventory objects: %w", err)
	}

	var objs []db.InventoryObject
	if err := s.db.WithContext(ctx).Where("type_id = ?", typeID).
		Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&objs).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list inventory objects: %w", err)
	}
	return objs, total, nil
}

// ListAllObjects returns every inventory object regardless of type — used
// by the drift poller, which probes every tracked resource.
func (s *InventoryStore) ListAllObjects(ctx context.Context) ([]db.InventoryObject, error) {
	var objs []db.InventoryObject
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&objs).Error; err != nil {
		return nil, fmt.Errorf("store: list all inventory objects: %w", err)
	}
	return objs, nil
}

// Search returns objects whose search_text contains the (lowercased) query,
// optionally narrowed to one type.
func (s *InventoryStore) Search(ctx context.Context, typeID *uuid.UUID, query string, opts ListOptions) ([]db.InventoryObject, error) {
	q := s.db.WithContext(ctx).Where("search_text LIKE ?", "%"+strings.ToLower(query)+"%")
	if typeID != nil {
		q = q.Where("type_id = ?", *typeID)
	}
	var objs []db.InventoryObject
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&objs).Error; err != nil {
		return nil, fmt.Errorf("store: search inventory objects: %w", err)
	}
	return objs, nil
}

// -----------------------------------------------------------------------------
// InventoryTag / ObjectTag
// -----------------------------------------------------------------------------

// GetOrCreateTag looks up a tag by exact name, creating it if absent.
func (s *InventoryStore) GetOrCreateTag(ctx context.Context, name string) (*db.InventoryTag, error) {
	var tag db.InventoryTag
	err := s.db.WithContext(ctx).First(&tag, "name = ?", name).Error
	if err == nil {
		return &tag, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("store: get tag: %w", err)
	}

	tag = db.InventoryTag{Name: name}
	if err := s.db.WithContext(ctx).Create(&tag).Error; err != nil {
		return nil, fmt.Errorf("store: create tag: %w", err)
	}
	return &tag, nil
}

func (s *InventoryStore) TagObject(ctx context.Context, objectID, tagID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Create(&db.ObjectTag{ObjectID: objectID, TagID: tagID}).Error; err != nil {
		return fmt.Errorf("store: tag object: %w", err)
	}
	return nil
}

func (s *InventoryStore) UntagObject(ctx context.Context, objectID, tagID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("object_id = ? AND tag_id = ?", objectID, tagID).Delete(&db.ObjectTag{}).Error; err != nil {
		return fmt.Errorf("store: untag object: %w", err)
	}
	return nil
}

// TagsForObject returns every InventoryTag attached to an object.
func (s *InventoryStore) TagsForObject(ctx context.Context, objectID uuid.UUID) ([]db.InventoryTag, error) {
	var tagIDs []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&db.ObjectTag{}).Where("object_id = ?", objectID).Pluck("tag_id", &tagIDs).Error; err != nil {
		return nil, fmt.Errorf("store: list tag ids for object: %w", err)
	}
	if len(tagIDs) == 0 {
		return nil, nil
	}
	var tags []db.InventoryTag
	if err := s.db.WithContext(ctx).Where("id IN ?", tagIDs).Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("store: list tags for object: %w", err)
	}
	return tags, nil
}

// ObjectsByTagName returns every object carrying a given tag name — the
// query behind the personal-instance TTL cleanup poller's scan for objects
// tagged "personal-instance" (spec §4.5).
func (s *InventoryStore) ObjectsByTagName(ctx context.Context, tagName string) ([]db.InventoryObject, error) {
	var objectIDs []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&db.ObjectTag{}).
		Joins("JOIN inventory_tags ON inventory_tags.id = object_tags.tag_id").
		Where("inventory_tags.name = ?", tagName).
		Pluck("object_tags.object_id", &objectIDs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list object ids by tag: %w", err)
	}
	if len(objectIDs) == 0 {
		return nil, nil
	}

	var objs []db.InventoryObject
	if err := s.db.WithContext(ctx).Where("id IN ?", objectIDs).Find(&objs).Error; err != nil {
		return nil, fmt.Errorf("store: list objects by tag: %w", err)
	}
	return objs, nil
}
