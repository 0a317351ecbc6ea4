package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
)

// farFuture is a one-time job's start time so it never auto-fires; the
// gocron registration exists only to host a singleton-mode guard that
// TriggerNow's RunNow invokes on demand.
const farFuture = 100 * 365 * 24 * time.Hour

// AddSchedule registers a ScheduledJob row as a manually-triggerable
// gocron job, giving the API a named, singleton-guarded handle to invoke
// via TriggerNow without waiting for the next tick (spec §4.5's dispatch
// path, exposed as the teacher's AddPolicy was for policies).
func (s *Scheduler) AddSchedule(ctx context.Context, sj *db.ScheduledJob) error {
	id := sj.ID
	job, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(farFuture))),
		gocron.NewTask(func() {
			s.firingTask(context.Background(), id)
		}),
		gocron.WithTags(id.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: add schedule %s: %w", id, err)
	}
	s.mu.Lock()
	s.manual[id] = job
	s.mu.Unlock()
	return nil
}

// RemoveSchedule unregisters a ScheduledJob row's manual-trigger job.
func (s *Scheduler) RemoveSchedule(id uuid.UUID) error {
	s.mu.Lock()
	job, ok := s.manual[id]
	if ok {
		delete(s.manual, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.cron.RemoveJob(job.ID()); err != nil {
		return fmt.Errorf("scheduler: remove schedule %s: %w", id, err)
	}
	return nil
}

// UpdateSchedule re-registers a row's manual-trigger job; the fresh row is
// re-read from the store on each fire, so this only needs to ensure a
// handle still exists.
func (s *Scheduler) UpdateSchedule(ctx context.Context, sj *db.ScheduledJob) error {
	s.mu.RLock()
	_, ok := s.manual[sj.ID]
	s.mu.RUnlock()
	if ok {
		return nil
	}
	return s.AddSchedule(ctx, sj)
}

// TriggerNow fires a ScheduledJob row immediately, bypassing its
// next_run_at timing and skip_if_running guard (an explicit operator
// request overrides both).
func (s *Scheduler) TriggerNow(id uuid.UUID) error {
	s.mu.RLock()
	job, ok := s.manual[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: no registered schedule for %s", id)
	}
	if err := job.RunNow(); err != nil {
		return fmt.Errorf("scheduler: trigger now %s: %w", id, err)
	}
	return nil
}

// LoadAll registers every enabled ScheduledJob row at startup.
func (s *Scheduler) LoadAll(ctx context.Context, rows []db.ScheduledJob) error {
	for i := range rows {
		if !rows[i].IsEnabled {
			continue
		}
		if err := s.AddSchedule(ctx, &rows[i]); err != nil {
			return err
		}
	}
	s.mu.RLock()
	count := len(s.manual)
	s.mu.RUnlock()
	s.logger.Info("registered scheduled jobs", zap.Int("count", count))
	return nil
}
