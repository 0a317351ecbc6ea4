package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// DriftStore persists DriftReport rows produced by the drift poller.
type DriftStore struct {
	db *gorm.DB
}

func NewDriftStore(gdb *gorm.DB) *DriftStore {
	return &DriftStore{db: gdb}
}

func (s *DriftStore) Create(ctx context.Context, r *db.DriftReport) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("store: create drift report: %w", err)
	}
	return nil
}

func (s *DriftStore) GetByID(ctx context.Context, id uuid.UUID) (*db.DriftReport, error) {
	var r db.DriftReport
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get drift report: %w", err)
	}
	return &r, nil
}

// ListForObject returns drift reports for one inventory object, most recent
// first.
func (s *DriftStore) ListForObject(ctx context.Context, objectID uuid.UUID, opts ListOptions) ([]db.DriftReport, error) {
	var rows []db.DriftReport
	q := s.db.WithContext(ctx).Where("object_id = ?", objectID).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list drift reports: %w", err)
	}
	return rows, nil
}

// ListRecent returns the most recently detected drift across all objects,
// used by the drift dashboard endpoint.
func (s *DriftStore) ListRecent(ctx context.Context, opts ListOptions) ([]db.DriftReport, error) {
	var rows []db.DriftReport
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list recent drift reports: %w", err)
	}
	return rows, nil
}
