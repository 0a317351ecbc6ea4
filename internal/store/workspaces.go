package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// WorkspaceStore persists Workspace rows — named groupings of services used
// by the dashboard to scope blueprint/job views.
type WorkspaceStore struct {
	db *gorm.DB
}

func NewWorkspaceStore(gdb *gorm.DB) *WorkspaceStore {
	return &WorkspaceStore{db: gdb}
}

func (s *WorkspaceStore) Create(ctx context.Context, w *db.Workspace) error {
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("store: create workspace: %w", err)
	}
	return nil
}

func (s *WorkspaceStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Workspace, error) {
	var w db.Workspace
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get workspace: %w", err)
	}
	return &w, nil
}

func (s *WorkspaceStore) GetByName(ctx context.Context, name string) (*db.Workspace, error) {
	var w db.Workspace
	if err := s.db.WithContext(ctx).First(&w, "name = ?", name).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get workspace by name: %w", err)
	}
	return &w, nil
}

func (s *WorkspaceStore) Update(ctx context.Context, w *db.Workspace) error {
	if err := s.db.WithContext(ctx).Save(w).Error; err != nil {
		return fmt.Errorf("store: update workspace: %w", err)
	}
	return nil
}

// Delete soft-deletes a workspace (gorm.DeletedAt via softDelete embed).
func (s *WorkspaceStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.Workspace{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete workspace: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *WorkspaceStore) List(ctx context.Context, opts ListOptions) ([]db.Workspace, error) {
	var rows []db.Workspace
	q := s.db.WithContext(ctx).Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w", err)
	}
	return rows, nil
}
