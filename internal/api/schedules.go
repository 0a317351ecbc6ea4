package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/scheduler"
	"github.com/cloudlab-io/manager/internal/store"
)

// parseCronNext validates a standard 5-field cron expression and returns
// its next fire time after now, the same way the scheduler's own tick
// loop does (internal/scheduler.nextRunAfter) — duplicated here rather
// than exported, since the two call sites want the error wrapped
// differently (HTTP 400 vs. a scheduler-internal error).
func parseCronNext(expr string, now time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now), nil
}

// ScheduleHandler groups the scheduled-job CRUD and trigger-now handlers.
type ScheduleHandler struct {
	schedules *store.ScheduleStore
	sched     *scheduler.Scheduler
	logger    *zap.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(schedules *store.ScheduleStore, sched *scheduler.Scheduler, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, sched: sched, logger: logger.Named("schedule_handler")}
}

type scheduleResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	JobType        string  `json:"job_type"`
	CronExpression string  `json:"cron_expression"`
	IsEnabled      bool    `json:"is_enabled"`
	SkipIfRunning  bool    `json:"skip_if_running"`
	CatchUpPolicy  string  `json:"catch_up_policy"`
	NextRunAt      string  `json:"next_run_at"`
	LastRunAt      *string `json:"last_run_at"`
	LastJobID      *string `json:"last_job_id"`
	ServiceName    string  `json:"service_name,omitempty"`
	ScriptName     string  `json:"script_name,omitempty"`
	SystemTask     string  `json:"system_task,omitempty"`
	TypeSlug       string  `json:"type_slug,omitempty"`
	ActionName     string  `json:"action_name,omitempty"`
	ObjectID       *string `json:"object_id,omitempty"`
	Inputs         string  `json:"inputs,omitempty"`
}

func scheduleToResponse(sj *db.ScheduledJob) scheduleResponse {
	resp := scheduleResponse{
		ID:             sj.ID.String(),
		Name:           sj.Name,
		Description:    sj.Description,
		JobType:        sj.JobType,
		CronExpression: sj.CronExpression,
		IsEnabled:      sj.IsEnabled,
		SkipIfRunning:  sj.SkipIfRunning,
		CatchUpPolicy:  sj.CatchUpPolicy,
		NextRunAt:      sj.NextRunAt.UTC().String(),
		ServiceName:    sj.ServiceName,
		ScriptName:     sj.ScriptName,
		SystemTask:     sj.SystemTask,
		TypeSlug:       sj.TypeSlug,
		ActionName:     sj.ActionName,
		Inputs:         sj.Inputs,
	}
	if sj.LastRunAt != nil {
		s := sj.LastRunAt.UTC().String()
		resp.LastRunAt = &s
	}
	if sj.LastJobID != nil {
		s := sj.LastJobID.String()
		resp.LastJobID = &s
	}
	if sj.ObjectID != nil {
		s := sj.ObjectID.String()
		resp.ObjectID = &s
	}
	return resp
}

type listSchedulesResponse struct {
	Items []scheduleResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	rows, total, err := h.schedules.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]scheduleResponse, len(rows))
	for i := range rows {
		items[i] = scheduleToResponse(&rows[i])
	}
	Ok(w, listSchedulesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/schedules/{id}.
func (h *ScheduleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	sj, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, scheduleToResponse(sj))
}

type createScheduleRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	JobType        string         `json:"job_type"`
	CronExpression string         `json:"cron_expression"`
	SkipIfRunning  *bool          `json:"skip_if_running"`
	CatchUpPolicy  string         `json:"catch_up_policy"`
	ServiceName    string         `json:"service_name"`
	ScriptName     string         `json:"script_name"`
	SystemTask     string         `json:"system_task"`
	TypeSlug       string         `json:"type_slug"`
	ActionName     string         `json:"action_name"`
	ObjectID       *string        `json:"object_id"`
	Inputs         map[string]any `json:"inputs"`
}

// Create handles POST /api/v1/schedules. The cron expression is validated
// and used to compute the initial next_run_at before the row is persisted
// and registered with the scheduler's manual-trigger handle.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.JobType == "" || req.CronExpression == "" {
		ErrBadRequest(w, "name, job_type, and cron_expression are required")
		return
	}
	nextRun, err := parseCronNext(req.CronExpression, time.Now().UTC())
	if err != nil {
		ErrBadRequest(w, "invalid cron_expression: "+err.Error())
		return
	}

	sj := &db.ScheduledJob{
		Name:           req.Name,
		Description:    req.Description,
		JobType:        req.JobType,
		CronExpression: req.CronExpression,
		IsEnabled:      true,
		CatchUpPolicy:  req.CatchUpPolicy,
		NextRunAt:      nextRun,
		ServiceName:    req.ServiceName,
		ScriptName:     req.ScriptName,
		SystemTask:     req.SystemTask,
		TypeSlug:       req.TypeSlug,
		ActionName:     req.ActionName,
	}
	if req.SkipIfRunning != nil {
		sj.SkipIfRunning = *req.SkipIfRunning
	} else {
		sj.SkipIfRunning = true
	}
	if req.CatchUpPolicy == "" {
		sj.CatchUpPolicy = "none"
	}
	if req.ObjectID != nil {
		oid, err := parseUUIDString(*req.ObjectID)
		if err != nil {
			ErrBadRequest(w, "invalid object_id: must be a valid UUID")
			return
		}
		sj.ObjectID = &oid
	}
	if req.Inputs != nil {
		raw, err := json.Marshal(req.Inputs)
		if err != nil {
			ErrBadRequest(w, "invalid inputs: must be a JSON object")
			return
		}
		sj.Inputs = string(raw)
	}

	if err := h.schedules.Create(r.Context(), sj); err != nil {
		h.logger.Error("failed to create schedule", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.sched.AddSchedule(r.Context(), sj); err != nil {
		h.logger.Error("failed to register schedule", zap.String("id", sj.ID.String()), zap.Error(err))
	}
	Created(w, scheduleToResponse(sj))
}

type updateScheduleRequest struct {
	Description    *string `json:"description"`
	CronExpression *string `json:"cron_expression"`
	IsEnabled      *bool   `json:"is_enabled"`
	SkipIfRunning  *bool   `json:"skip_if_running"`
	CatchUpPolicy  *string `json:"catch_up_policy"`
}

// Update handles PATCH /api/v1/schedules/{id}.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	sj, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	var req updateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Description != nil {
		sj.Description = *req.Description
	}
	if req.CronExpression != nil {
		nextRun, err := parseCronNext(*req.CronExpression, time.Now().UTC())
		if err != nil {
			ErrBadRequest(w, "invalid cron_expression: "+err.Error())
			return
		}
		sj.CronExpression = *req.CronExpression
		sj.NextRunAt = nextRun
	}
	if req.IsEnabled != nil {
		sj.IsEnabled = *req.IsEnabled
	}
	if req.SkipIfRunning != nil {
		sj.SkipIfRunning = *req.SkipIfRunning
	}
	if req.CatchUpPolicy != nil {
		sj.CatchUpPolicy = *req.CatchUpPolicy
	}

	if err := h.schedules.Update(r.Context(), sj); err != nil {
		h.logger.Error("failed to update schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.sched.UpdateSchedule(r.Context(), sj); err != nil {
		h.logger.Error("failed to re-register schedule", zap.String("id", id.String()), zap.Error(err))
	}
	Ok(w, scheduleToResponse(sj))
}

// Delete handles DELETE /api/v1/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.schedules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.sched.RemoveSchedule(id); err != nil {
		h.logger.Error("failed to unregister schedule", zap.String("id", id.String()), zap.Error(err))
	}
	NoContent(w)
}

// TriggerNow handles POST /api/v1/schedules/{id}/trigger. Fires the
// schedule immediately, bypassing its cron timing and skip_if_running
// guard.
func (h *ScheduleHandler) TriggerNow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.schedules.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.sched.TriggerNow(id); err != nil {
		h.logger.Error("failed to trigger schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
