package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/store"
)

// WorkspaceHandler groups the workspace CRUD handlers. A workspace is a
// named, saved grouping of service names — a convenience layer over the
// bulk service actions, not an authorization boundary.
type WorkspaceHandler struct {
	workspaces *store.WorkspaceStore
	logger     *zap.Logger
}

// NewWorkspaceHandler creates a new WorkspaceHandler.
func NewWorkspaceHandler(workspaces *store.WorkspaceStore, logger *zap.Logger) *WorkspaceHandler {
	return &WorkspaceHandler{workspaces: workspaces, logger: logger.Named("workspace_handler")}
}

type workspaceResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	ServiceNames []string `json:"service_names"`
}

func workspaceToResponse(wk *db.Workspace) workspaceResponse {
	resp := workspaceResponse{ID: wk.ID.String(), Name: wk.Name, Description: wk.Description}
	_ = json.Unmarshal([]byte(wk.ServiceNames), &resp.ServiceNames)
	return resp
}

// List handles GET /api/v1/workspaces.
func (h *WorkspaceHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	workspaces, err := h.workspaces.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list workspaces", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]workspaceResponse, len(workspaces))
	for i := range workspaces {
		items[i] = workspaceToResponse(&workspaces[i])
	}
	Ok(w, items)
}

// GetByID handles GET /api/v1/workspaces/{id}.
func (h *WorkspaceHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	wk, err := h.workspaces.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get workspace", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, workspaceToResponse(wk))
}

type createWorkspaceRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	ServiceNames []string `json:"service_names"`
}

// Create handles POST /api/v1/workspaces.
func (h *WorkspaceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	raw, err := json.Marshal(req.ServiceNames)
	if err != nil {
		ErrBadRequest(w, "invalid service_names")
		return
	}
	wk := &db.Workspace{Name: req.Name, Description: req.Description, ServiceNames: string(raw)}
	if err := h.workspaces.Create(r.Context(), wk); err != nil {
		h.logger.Error("failed to create workspace", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, workspaceToResponse(wk))
}

type updateWorkspaceRequest struct {
	Description  *string  `json:"description"`
	ServiceNames []string `json:"service_names"`
}

// Update handles PATCH /api/v1/workspaces/{id}.
func (h *WorkspaceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	wk, err := h.workspaces.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get workspace", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	var req updateWorkspaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Description != nil {
		wk.Description = *req.Description
	}
	if req.ServiceNames != nil {
		raw, err := json.Marshal(req.ServiceNames)
		if err != nil {
			ErrBadRequest(w, "invalid service_names")
			return
		}
		wk.ServiceNames = string(raw)
	}

	if err := h.workspaces.Update(r.Context(), wk); err != nil {
		h.logger.Error("failed to update workspace", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, workspaceToResponse(wk))
}

// Delete handles DELETE /api/v1/workspaces/{id}.
func (h *WorkspaceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.workspaces.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete workspace", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
