package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/store"
)

// CredentialHandler groups credential-access-rule CRUD and the credential
// access audit trail. The rules themselves gate what internal/authz's
// CanViewCredential/FilterPortalCredentials allow — this handler only
// manages the rule rows, never credential material itself.
type CredentialHandler struct {
	credentials *store.CredentialStore
	audit       *store.AuditStore
	logger      *zap.Logger
}

// NewCredentialHandler creates a new CredentialHandler.
func NewCredentialHandler(credentials *store.CredentialStore, audit *store.AuditStore, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{credentials: credentials, audit: audit, logger: logger.Named("credential_handler")}
}

type credentialRuleResponse struct {
	ID                 string `json:"id"`
	RoleID             string `json:"role_id"`
	CredentialType     string `json:"credential_type"`
	ScopeType          string `json:"scope_type"`
	ScopeValue         string `json:"scope_value"`
	RequirePersonalKey bool   `json:"require_personal_key"`
}

func credentialRuleToResponse(r *db.CredentialAccessRule) credentialRuleResponse {
	return credentialRuleResponse{
		ID:                 r.ID.String(),
		RoleID:             r.RoleID.String(),
		CredentialType:     r.CredentialType,
		ScopeType:          r.ScopeType,
		ScopeValue:         r.ScopeValue,
		RequirePersonalKey: r.RequirePersonalKey,
	}
}

// List handles GET /api/v1/credentials/rules.
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.credentials.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list credential rules", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]credentialRuleResponse, len(rules))
	for i := range rules {
		items[i] = credentialRuleToResponse(&rules[i])
	}
	Ok(w, items)
}

type createCredentialRuleRequest struct {
	RoleID             string `json:"role_id"`
	CredentialType     string `json:"credential_type"`
	ScopeType          string `json:"scope_type"`
	ScopeValue         string `json:"scope_value"`
	RequirePersonalKey bool   `json:"require_personal_key"`
}

// Create handles POST /api/v1/credentials/rules.
func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	roleID, err := parseUUIDString(req.RoleID)
	if err != nil {
		ErrBadRequest(w, "invalid role_id: must be a valid UUID")
		return
	}
	if req.ScopeType == "" {
		ErrBadRequest(w, "scope_type is required")
		return
	}

	rule := &db.CredentialAccessRule{
		RoleID:             roleID,
		CredentialType:     req.CredentialType,
		ScopeType:          req.ScopeType,
		ScopeValue:         req.ScopeValue,
		RequirePersonalKey: req.RequirePersonalKey,
	}
	if rule.CredentialType == "" {
		rule.CredentialType = "*"
	}
	if err := h.credentials.Create(r.Context(), rule); err != nil {
		h.logger.Error("failed to create credential rule", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, credentialRuleToResponse(rule))
}

// Delete handles DELETE /api/v1/credentials/rules/{id}.
func (h *CredentialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.credentials.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete credential rule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type auditEntryResponse struct {
	ID        string  `json:"id"`
	UserID    *string `json:"user_id"`
	Username  string  `json:"username"`
	Action    string  `json:"action"`
	Resource  string  `json:"resource"`
	Details   string  `json:"details"`
	IPAddress string  `json:"ip_address"`
	CreatedAt string  `json:"created_at"`
}

func auditEntryToResponse(a *db.AuditLog) auditEntryResponse {
	resp := auditEntryResponse{
		Username:  a.Username,
		Action:    a.Action,
		Resource:  a.Resource,
		Details:   a.Details,
		IPAddress: a.IPAddress,
		ID:        a.ID.String(),
		CreatedAt: a.CreatedAt.UTC().String(),
	}
	if a.UserID != nil {
		s := a.UserID.String()
		resp.UserID = &s
	}
	return resp
}

type listAuditResponse struct {
	Items []auditEntryResponse `json:"items"`
	Total int64                `json:"total"`
}

// Audit handles GET /api/v1/credentials/audit — the subset of the audit
// log recording credential access decisions (action prefix
// "credential."), e.g. "credential.access_denied" rows logged by
// internal/authz.Engine.CanViewCredential.
func (h *CredentialHandler) Audit(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	entries, total, err := h.audit.List(r.Context(), "credential.", opts)
	if err != nil {
		h.logger.Error("failed to list credential audit entries", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]auditEntryResponse, len(entries))
	for i := range entries {
		items[i] = auditEntryToResponse(&entries[i])
	}
	Ok(w, listAuditResponse{Items: items, Total: total})
}
