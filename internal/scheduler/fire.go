package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
)

// fire attempts one row. skip_if_running advances next_run_at without
// recording last_job_id; otherwise next_run_at/last_run_at/last_job_id are
// all persisted before dispatch, so a crash between persistence and
// dispatch only risks a missed run, never a double run (spec §4.5). A
// manual trigger (manual=true, from TriggerNow) ignores skip_if_running —
// an operator asking for a run now means now.
func (s *Scheduler) fire(ctx context.Context, job *db.ScheduledJob, now time.Time, manual bool) {
	next, err := nextRunAfter(job.CronExpression, now)
	if err != nil {
		s.logger.Error("parse cron expression failed",
			zap.String("scheduled_job_id", job.ID.String()), zap.String("cron", job.CronExpression), zap.Error(err))
		return
	}

	if !manual && job.SkipIfRunning && s.isCollision(job) {
		if err := s.store.AdvanceOnly(ctx, job.ID, next); err != nil {
			s.logger.Error("advance skipped scheduled job failed",
				zap.String("scheduled_job_id", job.ID.String()), zap.Error(err))
		}
		s.logger.Info("scheduled job skipped (already running)", zap.String("scheduled_job_id", job.ID.String()))
		return
	}

	inputs, err := decodeInputs(job.Inputs)
	if err != nil {
		s.logger.Error("decode scheduled job inputs failed",
			zap.String("scheduled_job_id", job.ID.String()), zap.Error(err))
		return
	}

	var jobID *uuid.UUID
	switch job.JobType {
	case db.JobTypeServiceScript:
		jobID, err = s.dispatcher.DispatchServiceScript(ctx, job.ServiceName, job.ScriptName, inputs)
	case db.JobTypeInventoryAction:
		jobID, err = s.dispatcher.DispatchInventoryAction(ctx, job.TypeSlug, job.ActionName, job.ObjectID, inputs)
	case db.JobTypeSystemTask:
		err = s.dispatcher.DispatchSystemTask(ctx, job.SystemTask)
	default:
		err = fmt.Errorf("unknown job_type %q", job.JobType)
	}

	// Persist the advance before logging the dispatch error: a failed
	// dispatch still consumed this occurrence.
	if markErr := s.store.MarkFired(ctx, job.ID, next, now, jobID); markErr != nil {
		s.logger.Error("mark scheduled job fired failed",
			zap.String("scheduled_job_id", job.ID.String()), zap.Error(markErr))
	}
	if err != nil {
		s.logger.Error("dispatch scheduled job failed",
			zap.String("scheduled_job_id", job.ID.String()), zap.String("job_type", job.JobType), zap.Error(err))
	}
}

// isCollision resolves the skip_if_running match key for a row's job_type
// and asks the running-job checker (spec §4.5: "service+action",
// "system_task", or "type_slug+action_name").
func (s *Scheduler) isCollision(job *db.ScheduledJob) bool {
	switch job.JobType {
	case db.JobTypeServiceScript:
		return s.running.IsRunning(job.ServiceName, job.ScriptName)
	case db.JobTypeInventoryAction:
		return s.running.IsRunning(job.TypeSlug, job.ActionName)
	case db.JobTypeSystemTask:
		return s.running.IsRunning("system", job.SystemTask)
	default:
		return false
	}
}

// firingTask is the common shape a manually-triggered gocron job runs:
// reload the row fresh (so an UpdateSchedule that ran since registration
// is respected) and fire it as a manual trigger.
func (s *Scheduler) firingTask(ctx context.Context, id uuid.UUID) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("trigger now: load scheduled job failed", zap.String("scheduled_job_id", id.String()), zap.Error(err))
		return
	}
	s.fire(ctx, job, time.Now().UTC(), true)
}
