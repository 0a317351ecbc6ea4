package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/authz"
	"github.com/cloudlab-io/manager/internal/jobrunner"
)

// ServiceHandler groups the service lifecycle HTTP handlers: deploy, run
// script, stop, and the bulk variants. Every action is re-authorized
// against the current ACL/role state through the authorization engine
// before being handed to the Job Runner — the HTTP layer never trusts a
// stale JWT role snapshot for a service-scoped decision.
type ServiceHandler struct {
	runner   *jobrunner.Runner
	resolver jobrunner.ServiceResolver
	authz    *authz.Engine
	logger   *zap.Logger
}

// NewServiceHandler creates a new ServiceHandler.
func NewServiceHandler(runner *jobrunner.Runner, resolver jobrunner.ServiceResolver, engine *authz.Engine, logger *zap.Logger) *ServiceHandler {
	return &ServiceHandler{runner: runner, resolver: resolver, authz: engine, logger: logger.Named("service_handler")}
}

type deployRequest struct {
	Inputs map[string]any `json:"inputs"`
}

type runScriptRequest struct {
	Script string         `json:"script"`
	Inputs map[string]any `json:"inputs"`
}

// callerIdentity resolves both the authz.Caller (for permission checks)
// and the jobrunner.Identity (for job attribution) from the authenticated
// request in one round trip through the permission cache.
func (h *ServiceHandler) callerIdentity(w http.ResponseWriter, r *http.Request) (*authz.Caller, jobrunner.Identity, bool) {
	userID, username, ok := callerUserID(w, r)
	if !ok {
		return nil, jobrunner.Identity{}, false
	}
	caller, err := h.authz.CallerFor(r.Context(), userID, username)
	if err != nil {
		h.logger.Error("failed to resolve caller", zap.Error(err))
		ErrInternal(w)
		return nil, jobrunner.Identity{}, false
	}
	return caller, jobrunner.Identity{UserID: &userID, Username: username}, true
}

// Deploy handles POST /api/v1/services/{name}/deploy.
func (h *ServiceHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	name := chiParam(r, "name")
	caller, identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	allowed, err := h.authz.CheckService(r.Context(), caller, name, "deploy")
	if err != nil {
		h.logger.Error("failed to check service permission", zap.String("service", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !allowed {
		ErrForbidden(w)
		return
	}

	var req deployRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	job, err := h.runner.DeployService(r.Context(), h.resolver, name, identity, req.Inputs)
	if err != nil {
		h.handleDispatchError(w, name, err)
		return
	}
	Created(w, liveJobToResponse(job))
}

// Run handles POST /api/v1/services/{name}/run. Dispatches an arbitrary
// named script under the service directory, not just deploy/stop.
func (h *ServiceHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := chiParam(r, "name")
	caller, identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}

	var req runScriptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Script == "" {
		ErrBadRequest(w, "script is required")
		return
	}

	allowed, err := h.authz.CheckServiceScript(r.Context(), caller, name, req.Script)
	if err != nil {
		h.logger.Error("failed to check script permission", zap.String("service", name), zap.String("script", req.Script), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !allowed {
		ErrForbidden(w)
		return
	}

	job, err := h.runner.RunScript(r.Context(), h.resolver, name, req.Script, req.Inputs, identity)
	if err != nil {
		h.handleDispatchError(w, name, err)
		return
	}
	Created(w, liveJobToResponse(job))
}

// Stop handles POST /api/v1/services/{name}/stop.
func (h *ServiceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	name := chiParam(r, "name")
	caller, identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	allowed, err := h.authz.CheckService(r.Context(), caller, name, "stop")
	if err != nil {
		h.logger.Error("failed to check service permission", zap.String("service", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !allowed {
		ErrForbidden(w)
		return
	}

	job, err := h.runner.StopService(r.Context(), h.resolver, name, identity)
	if err != nil {
		h.handleDispatchError(w, name, err)
		return
	}
	Created(w, liveJobToResponse(job))
}

type bulkActionRequest struct {
	Services []string `json:"services"`
}

type skippedEntry struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type bulkActionResponse struct {
	Parent    jobResponse    `json:"parent"`
	Succeeded []string       `json:"succeeded"`
	Skipped   []skippedEntry `json:"skipped"`
	Total     int            `json:"total"`
	JobID     *string        `json:"job_id"`
}

// BulkDeploy handles POST /api/v1/services/actions/bulk-deploy. Services
// the caller is not authorized to deploy are filtered out and reported as
// skipped rather than failing the whole batch (spec §4.3).
func (h *ServiceHandler) BulkDeploy(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, true)
}

// BulkStop handles POST /api/v1/services/actions/bulk-stop.
func (h *ServiceHandler) BulkStop(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, false)
}

func (h *ServiceHandler) bulk(w http.ResponseWriter, r *http.Request, deploy bool) {
	caller, identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	var req bulkActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Services) == 0 {
		ErrBadRequest(w, "services must not be empty")
		return
	}

	perm := "stop"
	if deploy {
		perm = "deploy"
	}
	allowed := make([]string, 0, len(req.Services))
	for _, name := range req.Services {
		ok, err := h.authz.CheckService(r.Context(), caller, name, perm)
		if err != nil {
			h.logger.Error("failed to check service permission for bulk action", zap.String("service", name), zap.Error(err))
			ErrInternal(w)
			return
		}
		if ok {
			allowed = append(allowed, name)
		}
	}

	var result *jobrunner.BulkResult
	var err error
	if deploy {
		result, err = h.runner.BulkDeploy(r.Context(), h.resolver, allowed, identity)
	} else {
		result, err = h.runner.BulkStop(r.Context(), h.resolver, allowed, identity)
	}
	if err != nil {
		h.logger.Error("bulk action failed", zap.Bool("deploy", deploy), zap.Error(err))
		ErrInternal(w)
		return
	}

	skipped := make([]skippedEntry, len(result.Skipped))
	for i, s := range result.Skipped {
		skipped[i] = skippedEntry{Name: s.Name, Reason: s.Reason}
	}
	for _, name := range req.Services {
		if !containsString(allowed, name) {
			skipped = append(skipped, skippedEntry{Name: name, Reason: "not authorized"})
		}
	}

	var jobID *string
	if len(result.Succeeded) > 0 {
		id := result.Parent.ID.String()
		jobID = &id
	}
	Created(w, bulkActionResponse{
		Parent:    liveJobToResponse(result.Parent),
		Succeeded: result.Succeeded,
		Skipped:   skipped,
		Total:     len(req.Services),
		JobID:     jobID,
	})
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func (h *ServiceHandler) handleDispatchError(w http.ResponseWriter, service string, err error) {
	if errors.Is(err, jobrunner.ErrUnknownService) {
		ErrNotFound(w)
		return
	}
	h.logger.Error("failed to dispatch service action", zap.String("service", service), zap.Error(err))
	ErrInternal(w)
}
