package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/blueprint"
	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/jobrunner"
	"github.com/cloudlab-io/manager/internal/store"
)

// BlueprintHandler groups blueprint CRUD and deployment-trigger handlers.
// The actual sequential deploy runs in the background via
// internal/blueprint.Orchestrator; this handler only creates the
// deployment row and hands off.
type BlueprintHandler struct {
	blueprints *store.BlueprintStore
	orch       *blueprint.Orchestrator
	logger     *zap.Logger
}

// NewBlueprintHandler creates a new BlueprintHandler.
func NewBlueprintHandler(blueprints *store.BlueprintStore, orch *blueprint.Orchestrator, logger *zap.Logger) *BlueprintHandler {
	return &BlueprintHandler{blueprints: blueprints, orch: orch, logger: logger.Named("blueprint_handler")}
}

type blueprintResponse struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Services []string `json:"services"`
}

func blueprintToResponse(bp *db.Blueprint) blueprintResponse {
	resp := blueprintResponse{ID: bp.ID.String(), Name: bp.Name}
	var entries []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(bp.Services), &entries); err == nil {
		for _, e := range entries {
			resp.Services = append(resp.Services, e.Name)
		}
	}
	return resp
}

// List handles GET /api/v1/blueprints.
func (h *BlueprintHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	blueprints, err := h.blueprints.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list blueprints", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]blueprintResponse, len(blueprints))
	for i := range blueprints {
		items[i] = blueprintToResponse(&blueprints[i])
	}
	Ok(w, items)
}

// GetByID handles GET /api/v1/blueprints/{id}.
func (h *BlueprintHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	bp, err := h.blueprints.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get blueprint", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, blueprintToResponse(bp))
}

type createBlueprintRequest struct {
	Name     string   `json:"name"`
	Services []string `json:"services"`
}

// Create handles POST /api/v1/blueprints.
func (h *BlueprintHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBlueprintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Services) == 0 {
		ErrBadRequest(w, "name and at least one service are required")
		return
	}

	entries := make([]struct {
		Name string `json:"name"`
	}, len(req.Services))
	for i, s := range req.Services {
		entries[i].Name = s
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		ErrBadRequest(w, "invalid services")
		return
	}

	bp := &db.Blueprint{Name: req.Name, Services: string(raw)}
	if err := h.blueprints.Create(r.Context(), bp); err != nil {
		h.logger.Error("failed to create blueprint", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, blueprintToResponse(bp))
}

// Delete handles DELETE /api/v1/blueprints/{id}.
func (h *BlueprintHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.blueprints.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete blueprint", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type deploymentResponse struct {
	ID          string  `json:"id"`
	BlueprintID string  `json:"blueprint_id"`
	Status      string  `json:"status"`
	Progress    string  `json:"progress"`
	StartedAt   *string `json:"started_at"`
	FinishedAt  *string `json:"finished_at"`
	DeployedBy  string  `json:"deployed_by"`
}

func deploymentToResponse(d *db.BlueprintDeployment) deploymentResponse {
	resp := deploymentResponse{
		ID:          d.ID.String(),
		BlueprintID: d.BlueprintID.String(),
		Status:      d.Status,
		Progress:    d.Progress,
		DeployedBy:  d.DeployedBy,
	}
	if d.StartedAt != nil {
		s := d.StartedAt.UTC().String()
		resp.StartedAt = &s
	}
	if d.FinishedAt != nil {
		s := d.FinishedAt.UTC().String()
		resp.FinishedAt = &s
	}
	return resp
}

// Deploy handles POST /api/v1/blueprints/{id}/deploy. Creates a deployment
// row and hands it to the orchestrator, which runs the sequential deploy
// in the background — this returns immediately with the pending
// deployment.
func (h *BlueprintHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, username, ok := callerUserID(w, r)
	if !ok {
		return
	}
	if _, err := h.blueprints.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get blueprint", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	deployment := &db.BlueprintDeployment{
		BlueprintID: id,
		Status:      db.DeploymentStatusPending,
		DeployedBy:  username,
	}
	if err := h.blueprints.CreateDeployment(r.Context(), nil, deployment); err != nil {
		h.logger.Error("failed to create blueprint deployment", zap.String("blueprint_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	identity := jobrunner.Identity{UserID: &userID, Username: username}
	go h.orch.Deploy(context.Background(), deployment.ID, identity)

	Created(w, deploymentToResponse(deployment))
}

// GetDeployment handles GET /api/v1/blueprints/deployments/{id}.
func (h *BlueprintHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	deployment, err := h.blueprints.GetDeployment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get blueprint deployment", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, deploymentToResponse(deployment))
}

// ListDeployments handles GET /api/v1/blueprints/{id}/deployments.
func (h *BlueprintHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)
	deployments, err := h.blueprints.ListDeployments(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list blueprint deployments", zap.String("blueprint_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]deploymentResponse, len(deployments))
	for i := range deployments {
		items[i] = deploymentToResponse(&deployments[i])
	}
	Ok(w, items)
}
