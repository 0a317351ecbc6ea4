package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// ScheduleStore persists ScheduledJob rows (C6).
type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(gdb *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: gdb}
}

func (s *ScheduleStore) Create(ctx context.Context, sj *db.ScheduledJob) error {
	if err := s.db.WithContext(ctx).Create(sj).Error; err != nil {
		return fmt.Errorf("store: create scheduled job: %w", err)
	}
	return nil
}

func (s *ScheduleStore) GetByID(ctx context.Context, id uuid.UUID) (*db.ScheduledJob, error) {
	var sj db.ScheduledJob
	if err := s.db.WithContext(ctx).First(&sj, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get scheduled job: %w", err)
	}
	return &sj, nil
}

func (s *ScheduleStore) GetByName(ctx context.Context, name string) (*db.ScheduledJob, error) {
	var sj db.ScheduledJob
	if err := s.db.WithContext(ctx).First(&sj, "name = ?", name).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get scheduled job by name: %w", err)
	}
	return &sj, nil
}

func (s *ScheduleStore) Update(ctx context.Context, sj *db.ScheduledJob) error {
	if err := s.db.WithContext(ctx).Save(sj).Error; err != nil {
		return fmt.Errorf("store: update scheduled job: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&db.ScheduledJob{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("store: delete scheduled job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ScheduleStore) List(ctx context.Context, opts ListOptions) ([]db.ScheduledJob, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.ScheduledJob{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count scheduled jobs: %w", err)
	}
	var rows []db.ScheduledJob
	if err := s.db.WithContext(ctx).Order("name ASC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list scheduled jobs: %w", err)
	}
	return rows, total, nil
}

// Due returns every enabled ScheduledJob with next_run_at <= asOf — the
// scheduler tick's core query (spec §4.5).
func (s *ScheduleStore) Due(ctx context.Context, asOf time.Time) ([]db.ScheduledJob, error) {
	var rows []db.ScheduledJob
	if err := s.db.WithContext(ctx).
		Where("is_enabled = ? AND next_run_at <= ?", true, asOf).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list due scheduled jobs: %w", err)
	}
	return rows, nil
}

// MarkFired atomically advances next_run_at and stamps last_run_at, and
// optionally last_job_id, in one UPDATE. This must run before dispatch so a
// crash between dispatch and persistence only risks a missed run, never a
// double run (spec §4.5).
func (s *ScheduleStore) MarkFired(ctx context.Context, id uuid.UUID, nextRunAt, lastRunAt time.Time, lastJobID *uuid.UUID) error {
	updates := map[string]any{
		"next_run_at": nextRunAt,
		"last_run_at": lastRunAt,
	}
	if lastJobID != nil {
		updates["last_job_id"] = *lastJobID
	}
	result := s.db.WithContext(ctx).Model(&db.ScheduledJob{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: mark scheduled job fired: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceOnly advances next_run_at without touching last_run_at/last_job_id
// — used when a tick is skipped due to skip_if_running (spec §4.5: "the
// tick is skipped silently... but next_run_at is still advanced").
func (s *ScheduleStore) AdvanceOnly(ctx context.Context, id uuid.UUID, nextRunAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&db.ScheduledJob{}).Where("id = ?", id).Update("next_run_at", nextRunAt)
	if result.Error != nil {
		return fmt.Errorf("store: advance scheduled job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
