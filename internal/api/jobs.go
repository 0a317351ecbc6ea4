package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/jobrunner"
	"github.com/cloudlab-io/manager/internal/store"
)

// JobHandler groups all job-related HTTP handlers. Jobs are created
// exclusively by service/instance dispatch, bulk actions, blueprint steps,
// or the scheduler — this handler is read plus the two narrow mutations
// the API exposes directly: Cancel and Rerun.
type JobHandler struct {
	jobs      *store.JobStore
	runner    *jobrunner.Runner
	resolver  jobrunner.ServiceResolver
	authorize jobrunner.Authorizer
	logger    *zap.Logger
}

// NewJobHandler creates a new JobHandler. authorize re-checks the caller's
// permission to dispatch a rerun's service/script against the current
// authorization state (spec §4.3).
func NewJobHandler(jobs *store.JobStore, runner *jobrunner.Runner, resolver jobrunner.ServiceResolver, authorize jobrunner.Authorizer, logger *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, runner: runner, resolver: resolver, authorize: authorize, logger: logger.Named("job_handler")}
}

type jobResponse struct {
	ID           string  `json:"id"`
	Service      string  `json:"service"`
	Action       string  `json:"action"`
	Script       string  `json:"script,omitempty"`
	Status       string  `json:"status"`
	StartedAt    string  `json:"started_at"`
	FinishedAt   *string `json:"finished_at"`
	Username     string  `json:"username"`
	ParentJobID  *string `json:"parent_job_id,omitempty"`
	DeploymentID *string `json:"deployment_id,omitempty"`
	Output       string  `json:"output,omitempty"`
}

// jobToResponse converts a db.Job to a jobResponse. includeOutput controls
// whether the (potentially large) captured output buffer is included —
// list responses omit it, the single-job GET includes it.
func jobToResponse(j *db.Job, includeOutput bool) jobResponse {
	resp := jobResponse{
		ID:        j.ID.String(),
		Service:   j.Service,
		Action:    j.Action,
		Script:    j.Script,
		Status:    j.Status,
		StartedAt: j.StartedAt.UTC().String(),
		Username:  j.Username,
	}
	if j.FinishedAt != nil {
		s := j.FinishedAt.UTC().String()
		resp.FinishedAt = &s
	}
	if j.ParentJobID != nil {
		s := j.ParentJobID.String()
		resp.ParentJobID = &s
	}
	if j.DeploymentID != nil {
		s := j.DeploymentID.String()
		resp.DeploymentID = &s
	}
	if includeOutput {
		resp.Output = j.Output
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/jobs. Supports filtering by parent_job_id
// (bulk-job children, spec §3) and by status.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	filter := store.ListFilter{}

	if raw := r.URL.Query().Get("parent_job_id"); raw != "" {
		id, err := parseUUIDString(raw)
		if err != nil {
			ErrBadRequest(w, "invalid parent_job_id: must be a valid UUID")
			return
		}
		filter.ParentJobID = &id
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = status
	}

	jobs, total, err := h.jobs.List(r.Context(), filter, opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], false)
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}. Returns the job with its full
// captured output.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, jobToResponse(job, true))
}

// Cancel handles POST /api/v1/jobs/{id}/cancel. Only affects jobs still
// tracked in-process by the Job Runner; a job whose process already exited
// is a no-op from the caller's perspective.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.runner.Cancel(id); err != nil {
		if errors.Is(err, jobrunner.ErrJobNotTracked) || errors.Is(err, jobrunner.ErrJobNotCancellable) {
			NoContent(w)
			return
		}
		h.logger.Error("failed to cancel job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Rerun handles POST /api/v1/jobs/{id}/rerun. The job runner re-resolves
// the original job's service+script against the current service directory
// and re-authorizes the caller before dispatching (spec §4.3).
func (h *JobHandler) Rerun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, username, ok := callerUserID(w, r)
	if !ok {
		return
	}

	job, err := h.runner.Rerun(r.Context(), h.jobs, h.resolver, id, jobrunner.Identity{UserID: &userID, Username: username}, h.authorize)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		if errors.Is(err, jobrunner.ErrRerunDenied) {
			ErrForbidden(w)
			return
		}
		h.logger.Error("failed to rerun job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, liveJobToResponse(job))
}

// liveJobToResponse converts the Job Runner's in-memory view of a freshly
// dispatched job. Its row already exists in the database (the runner creates
// it before tracking the job), but output lines and the terminal status may
// still be arriving when this response is written.
func liveJobToResponse(j *jobrunner.Job) jobResponse {
	resp := jobResponse{
		ID:           j.ID.String(),
		Service:      j.Service,
		Action:       j.Action,
		Script:       j.Script,
		Status:       j.Status(),
		StartedAt:    j.StartedAt.UTC().String(),
		Username:     j.Username,
		ParentJobID:  nil,
		DeploymentID: nil,
	}
	if j.FinishedAt() != nil {
		s := j.FinishedAt().UTC().String()
		resp.FinishedAt = &s
	}
	return resp
}
