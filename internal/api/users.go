package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/store"
)

// PermissionCache is the subset of internal/permcache.Cache the user
// handler needs: dropping a user's cached permission set the moment its
// role assignments change, so the new grant takes effect on its very next
// request instead of waiting out a stale cache entry.
type PermissionCache interface {
	InvalidateUser(userID uuid.UUID)
	InvalidateAll()
}

// UserHandler groups all user-account HTTP handlers: profile, directory
// listing, and role assignment. Password/credential mutation lives in
// AuthHandler; this handler only touches the account row and its roles.
type UserHandler struct {
	users  *store.UserStore
	perms  PermissionCache
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users *store.UserStore, perms PermissionCache, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, perms: perms, logger: logger.Named("user_handler")}
}

type roleSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type userResponse struct {
	ID          string        `json:"id"`
	Username    string        `json:"username"`
	Email       string        `json:"email"`
	DisplayName string        `json:"display_name"`
	IsActive    bool          `json:"is_active"`
	MFAEnabled  bool          `json:"mfa_enabled"`
	Roles       []roleSummary `json:"roles,omitempty"`
	LastLoginAt *string       `json:"last_login_at"`
	CreatedAt   string        `json:"created_at"`
}

func userToResponse(u *db.User, roles []db.Role) userResponse {
	resp := userResponse{
		ID:          u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		IsActive:    u.IsActive,
		MFAEnabled:  u.MFAEnabled,
		CreatedAt:   u.CreatedAt.UTC().String(),
	}
	if u.LastLoginAt != nil {
		s := u.LastLoginAt.UTC().String()
		resp.LastLoginAt = &s
	}
	for _, r := range roles {
		resp.Roles = append(resp.Roles, roleSummary{ID: r.ID.String(), Name: r.Name})
	}
	return resp
}

type listUsersResponse struct {
	Items []userResponse `json:"items"`
	Total int64          `json:"total"`
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerUserID(w, r)
	if !ok {
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get current user", zap.Error(err))
		ErrInternal(w)
		return
	}
	roles, err := h.users.RolesForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get current user roles", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user, roles))
}

// List handles GET /api/v1/users. Admin-only (users.manage).
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	users, total, err := h.users.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]userResponse, len(users))
	for i := range users {
		items[i] = userToResponse(&users[i], nil)
	}
	Ok(w, listUsersResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/users/{id}. Admin-only.
func (h *UserHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	roles, err := h.users.RolesForUser(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get user roles", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, userToResponse(user, roles))
}

// Deactivate handles DELETE /api/v1/users/{id}. Accounts are never
// hard-deleted through the API (spec §3).
func (h *UserHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.users.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to deactivate user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.perms.InvalidateUser(id)
	NoContent(w)
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

// AssignRole handles POST /api/v1/users/{id}/roles. Admin-only.
func (h *UserHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	roleID, err := parseUUIDString(req.RoleID)
	if err != nil {
		ErrBadRequest(w, "invalid role_id: must be a valid UUID")
		return
	}

	if err := h.users.AssignRole(r.Context(), nil, userID, roleID); err != nil {
		h.logger.Error("failed to assign role", zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.perms.InvalidateUser(userID)
	Created(w, nil)
}

// RemoveRole handles DELETE /api/v1/users/{id}/roles/{role_id}. Admin-only.
func (h *UserHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := parseUUID(w, r, "role_id")
	if !ok {
		return
	}
	if err := h.users.RemoveRole(r.Context(), nil, userID, roleID); err != nil {
		h.logger.Error("failed to remove role", zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.perms.InvalidateUser(userID)
	NoContent(w)
}

// SetupStatus handles GET /api/v1/auth/status — reports whether at least
// one account exists yet, so the frontend knows whether to show the first
// boot "create admin account" flow (end-to-end scenario 1).
func (h *UserHandler) SetupStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.users.Count(r.Context())
	if err != nil {
		h.logger.Error("failed to count users", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, struct {
		SetupComplete bool `json:"setup_complete"`
	}{SetupComplete: count > 0})
}
