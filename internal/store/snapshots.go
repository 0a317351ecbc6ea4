package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// SnapshotStore persists Snapshot rows — cached cost/plan/health payloads
// refreshed by the poller set (spec §4.5).
type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(gdb *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: gdb}
}

func (s *SnapshotStore) Upsert(ctx context.Context, snap *db.Snapshot) error {
	err := s.db.WithContext(ctx).Clauses(onConflictSnapshot()).Create(snap).Error
	if err != nil {
		return fmt.Errorf("store: upsert snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) GetLatest(ctx context.Context, service, kind string) (*db.Snapshot, error) {
	var snap db.Snapshot
	err := s.db.WithContext(ctx).Where("service = ? AND kind = ?", service, kind).
		Order("updated_at DESC").First(&snap).Error
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get latest snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SnapshotStore) ListByKind(ctx context.Context, kind string) ([]db.Snapshot, error) {
	var rows []db.Snapshot
	if err := s.db.WithContext(ctx).Where("kind = ?", kind).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	return rows, nil
}

// ListPending returns every snapshot still awaiting its first sync, across
// all kinds — consumed by the snapshot-sync poller once CountPending
// reports at least one (spec §4.5).
func (s *SnapshotStore) ListPending(ctx context.Context) ([]db.Snapshot, error) {
	var rows []db.Snapshot
	if err := s.db.WithContext(ctx).Where("status = ?", db.SnapshotStatusPending).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list pending snapshots: %w", err)
	}
	return rows, nil
}

// CountPending returns the number of snapshots still awaiting their first
// refresh — the snapshot poller short-circuits its tick when this is zero
// (spec §4.5).
func (s *SnapshotStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&db.Snapshot{}).
		Where("status = ?", db.SnapshotStatusPending).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count pending snapshots: %w", err)
	}
	return count, nil
}

func (s *SnapshotStore) MarkStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := s.db.WithContext(ctx).Model(&db.Snapshot{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("store: mark snapshot status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
