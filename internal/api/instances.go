package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/authz"
	"github.com/cloudlab-io/manager/internal/jobrunner"
)

// InstanceHandler groups the system-level (not service-scoped) instance
// actions: stopping one cloud instance by label/region, and refreshing the
// inventory's view of all running instances.
type InstanceHandler struct {
	runner    *jobrunner.Runner
	authz     *authz.Engine
	systemDir string
	logger    *zap.Logger
}

// NewInstanceHandler creates a new InstanceHandler. systemDir is the
// directory holding the system-level stop_instance.sh/refresh_instances.sh
// scripts, distinct from any single service's directory.
func NewInstanceHandler(runner *jobrunner.Runner, engine *authz.Engine, systemDir string, logger *zap.Logger) *InstanceHandler {
	return &InstanceHandler{runner: runner, authz: engine, systemDir: systemDir, logger: logger.Named("instance_handler")}
}

type stopInstanceRequest struct {
	Label  string `json:"label"`
	Region string `json:"region"`
}

// Stop handles POST /api/v1/instances/stop. Requires the instances.stop
// permission — instance actions are system-wide, not scoped to a single
// service's ACL.
func (h *InstanceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	caller, identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	if !caller.HasWildcard() && !caller.Has("instances.stop") {
		ErrForbidden(w)
		return
	}

	var req stopInstanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Label == "" {
		ErrBadRequest(w, "label is required")
		return
	}

	job, err := h.runner.StopInstance(r.Context(), h.systemDir, req.Label, req.Region, identity)
	if err != nil {
		h.logger.Error("failed to stop instance", zap.String("label", req.Label), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, liveJobToResponse(job))
}

// Refresh handles POST /api/v1/instances/refresh.
func (h *InstanceHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	caller, identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	if !caller.HasWildcard() && !caller.Has("instances.refresh") {
		ErrForbidden(w)
		return
	}

	job, err := h.runner.RefreshInstances(r.Context(), h.systemDir, identity)
	if err != nil {
		h.logger.Error("failed to refresh instances", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, liveJobToResponse(job))
}

func (h *InstanceHandler) callerIdentity(w http.ResponseWriter, r *http.Request) (*authz.Caller, jobrunner.Identity, bool) {
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
