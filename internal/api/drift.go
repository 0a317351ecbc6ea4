package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/store"
)

// DriftHandler groups the drift-report read handlers. Reports are written
// exclusively by the drift poller (internal/pollers); this handler is
// read-only.
type DriftHandler struct {
	drift  *store.DriftStore
	logger *zap.Logger
}

// NewDriftHandler creates a new DriftHandler.
func NewDriftHandler(drift *store.DriftStore, logger *zap.Logger) *DriftHandler {
	return &DriftHandler{drift: drift, logger: logger.Named("drift_handler")}
}

type driftReportResponse struct {
	ID        string  `json:"id"`
	ObjectID  *string `json:"object_id"`
	Summary   string  `json:"summary"`
	Detail    string  `json:"detail"`
	CreatedAt string  `json:"created_at"`
}

func driftToResponse(r *db.DriftReport) driftReportResponse {
	resp := driftReportResponse{ID: r.ID.String(), Summary: r.Summary, Detail: r.Detail, CreatedAt: r.CreatedAt.UTC().String()}
	if r.ObjectID != nil {
		s := r.ObjectID.String()
		resp.ObjectID = &s
	}
	return resp
}

// ListRecent handles GET /api/v1/drift/recent.
func (h *DriftHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	reports, err := h.drift.ListRecent(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list recent drift reports", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]driftReportResponse, len(reports))
	for i := range reports {
		items[i] = driftToResponse(&reports[i])
	}
	Ok(w, items)
}

// ListForObject handles GET /api/v1/drift/objects/{object_id}.
func (h *DriftHandler) ListForObject(w http.ResponseWriter, r *http.Request) {
	objectID, ok := parseUUID(w, r, "object_id")
	if !ok {
		return
	}
	opts := paginationOpts(r)
	reports, err := h.drift.ListForObject(r.Context(), objectID, opts)
	if err != nil {
		h.logger.Error("failed to list drift reports for object", zap.String("object_id", objectID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]driftReportResponse, len(reports))
	for i := range reports {
		items[i] = driftToResponse(&reports[i])
	}
	Ok(w, items)
}
