package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/store"
)

// AuditHandler groups the general audit-log read handlers. Credential
// access entries have their own narrower endpoint in CredentialHandler.
type AuditHandler struct {
	audit  *store.AuditStore
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(audit *store.AuditStore, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger.Named("audit_handler")}
}

// List handles GET /api/v1/audit. Admin-only (audit.view). An optional
// "action_prefix" query parameter narrows the result, e.g.
// "service.deploy" or "role.".
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	prefix := r.URL.Query().Get("action_prefix")
	entries, total, err := h.audit.List(r.Context(), prefix, opts)
	if err != nil {
		h.logger.Error("failed to list audit entries", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]auditEntryResponse, len(entries))
	for i := range entries {
		items[i] = auditEntryToResponse(&entries[i])
	}
	Ok(w, listAuditResponse{Items: items, Total: total})
}

// ListMine handles GET /api/v1/audit/me — a user's own audit trail.
func (h *AuditHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := callerUserID(w, r)
	if !ok {
		return
	}
	opts := paginationOpts(r)
	entries, total, err := h.audit.ListForUser(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list audit entries for user", zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]auditEntryResponse, len(entries))
	for i := range entries {
		items[i] = auditEntryToResponse(&entries[i])
	}
	Ok(w, listAuditResponse{Items: items, Total: total})
}
