package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/store"
)

// RoleHandler groups role and permission-grant HTTP handlers. All routes
// are admin-only (roles.manage) — roles are the unit the whole
// authorization cascade (internal/authz) pivots on.
type RoleHandler struct {
	roles  *store.RoleStore
	perms  PermissionCache
	logger *zap.Logger
}

// NewRoleHandler creates a new RoleHandler.
func NewRoleHandler(roles *store.RoleStore, perms PermissionCache, logger *zap.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, perms: perms, logger: logger.Named("role_handler")}
}

type permissionResponse struct {
	ID          string `json:"id"`
	Codename    string `json:"codename"`
	Category    string `json:"category"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type roleResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsSystem    bool   `json:"is_system"`
	MemberCount int64  `json:"member_count"`
	CreatedAt   string `json:"created_at"`
}

func roleToResponse(r *db.Role, memberCount int64) roleResponse {
	return roleResponse{
		ID:          r.ID.String(),
		Name:        r.Name,
		Description: r.Description,
		IsSystem:    r.IsSystem,
		MemberCount: memberCount,
		CreatedAt:   r.CreatedAt.UTC().String(),
	}
}

type listRolesResponse struct {
	Items []roleResponse `json:"items"`
	Total int64          `json:"total"`
}

// List handles GET /api/v1/roles.
func (h *RoleHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	roles, total, err := h.roles.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list roles", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]roleResponse, len(roles))
	for i := range roles {
		count, err := h.roles.MemberCount(r.Context(), roles[i].ID)
		if err != nil {
			h.logger.Error("failed to count role members", zap.String("role_id", roles[i].ID.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
		items[i] = roleToResponse(&roles[i], count)
	}
	Ok(w, listRolesResponse{Items: items, Total: total})
}

// ListPermissions handles GET /api/v1/roles/permissions — the catalog of
// every permission codename that can be granted to a role.
func (h *RoleHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.roles.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("failed to list permissions", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]permissionResponse, len(perms))
	for i, p := range perms {
		items[i] = permissionResponse{ID: p.ID.String(), Codename: p.Codename, Category: p.Category, Label: p.Label, Description: p.Description}
	}
	Ok(w, items)
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Create handles POST /api/v1/roles.
func (h *RoleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	role := &db.Role{Name: req.Name, Description: req.Description}
	if err := h.roles.Create(r.Context(), role); err != nil {
		h.logger.Error("failed to create role", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, roleToResponse(role, 0))
}

// GetByID handles GET /api/v1/roles/{id}.
func (h *RoleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.roles.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get role", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	count, err := h.roles.MemberCount(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to count role members", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, roleToResponse(role, count))
}

type updateRoleRequest struct {
	Description *string `json:"description"`
}

// Update handles PATCH /api/v1/roles/{id}.
func (h *RoleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.roles.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get role", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	var req updateRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Description != nil {
		role.Description = *req.Description
	}

	if err := h.roles.Update(r.Context(), role); err != nil {
		h.logger.Error("failed to update role", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	count, _ := h.roles.MemberCount(r.Context(), id)
	Ok(w, roleToResponse(role, count))
}

// Delete handles DELETE /api/v1/roles/{id}. System roles and roles with
// members are rejected by the store with ErrConflict.
func (h *RoleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.roles.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		if errors.Is(err, store.ErrConflict) {
			ErrConflict(w, "role cannot be deleted: it is a system role or still has members")
			return
		}
		h.logger.Error("failed to delete role", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.perms.InvalidateAll()
	NoContent(w)
}

type grantPermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

// GrantPermission handles POST /api/v1/roles/{id}/permissions.
func (h *RoleHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req grantPermissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	permID, err := parseUUIDString(req.PermissionID)
	if err != nil {
		ErrBadRequest(w, "invalid permission_id: must be a valid UUID")
		return
	}
	if err := h.roles.GrantPermission(r.Context(), nil, roleID, permID); err != nil {
		h.logger.Error("failed to grant permission", zap.String("role_id", roleID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.perms.InvalidateAll()
	Created(w, nil)
}

// RevokePermission handles DELETE /api/v1/roles/{id}/permissions/{permission_id}.
func (h *RoleHandler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	permID, ok := parseUUID(w, r, "permission_id")
	if !ok {
		return
	}
	if err := h.roles.RevokePermission(r.Context(), nil, roleID, permID); err != nil {
		h.logger.Error("failed to revoke permission", zap.String("role_id", roleID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.perms.InvalidateAll()
	NoContent(w)
}
