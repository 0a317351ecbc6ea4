package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// JobStore persists Job — the database-backed mirror of the Job Runner's
// in-memory registry (spec §3 "Ownership").
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(gdb *gorm.DB) *JobStore {
	return &JobStore{db: gdb}
}

func (s *JobStore) Create(ctx context.Context, tx *gorm.DB, j *db.Job) error {
	h := s.handle(ctx, tx)
	if err := h.Create(j).Error; err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

func (s *JobStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var j db.Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return &j, nil
}

// AppendOutputLine appends one line to the job's persisted output buffer.
// Called by the Job Runner's output reader per the flush-cadence tuning
// knob (spec §9 Open Question (c); this implementation flushes per line).
func (s *JobStore) AppendOutputLine(ctx context.Context, id uuid.UUID, line string) error {
	result := s.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).
		Update("output", gorm.Expr("output || ? || ?", "\n", line))
	if result.Error != nil {
		return fmt.Errorf("store: append job output: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish transitions a job to a terminal status and stamps FinishedAt
// (property 3: FinishedAt != nil iff status in {completed, failed,
// cancelled}).
func (s *JobStore) Finish(ctx context.Context, id uuid.UUID, status string, finishedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":      status,
		"finished_at": finishedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("store: finish job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter narrows ListJobs. A non-nil ParentJobID returns only children
// of that parent (the parent row itself is excluded) per spec §4.3.
type ListFilter struct {
	ParentJobID *uuid.UUID
	UserID      *uuid.UUID
	Status      string
}

func (s *JobStore) List(ctx context.Context, filter ListFilter, opts ListOptions) ([]db.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.Job{})
	q = applyJobFilter(q, filter)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count jobs: %w", err)
	}

	q2 := s.db.WithContext(ctx)
	q2 = applyJobFilter(q2, filter)

	var jobs []db.Job
	if err := q2.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, total, nil
}

func applyJobFilter(q *gorm.DB, filter ListFilter) *gorm.DB {
	if filter.ParentJobID != nil {
		q = q.Where("parent_job_id = ?", *filter.ParentJobID)
	}
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	return q
}

// ListRunning returns every job whose status is still "running" — used at
// startup to find rows orphaned by a crash (spec §9 re-hydration note).
func (s *JobStore) ListRunning(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).Where("status = ?", db.JobStatusRunning).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list running jobs: %w", err)
	}
	return jobs, nil
}

// ClearParentOnChildren sets parent_job_id = NULL for every job whose parent
// is parentID (property 4: deleting a parent nulls children's link, no
// cascade delete).
func (s *JobStore) ClearParentOnChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) error {
	h := s.handle(ctx, tx)
	if err := h.Model(&db.Job{}).Where("parent_job_id = ?", parentID).Update("parent_job_id", nil).Error; err != nil {
		return fmt.Errorf("store: clear parent on children: %w", err)
	}
	return nil
}

// Delete removes a job row after nulling its children's parent_job_id
// (property 4).
func (s *JobStore) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	h := s.handle(ctx, tx)
	if err := s.ClearParentOnChildren(ctx, tx, id); err != nil {
		return err
	}
	if err := h.Delete(&db.Job{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	return nil
}

func (s *JobStore) handle(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
