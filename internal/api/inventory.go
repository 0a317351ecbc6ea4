package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/authz"
	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/store"
)

// InventoryHandler groups the inventory-type and inventory-object HTTP
// handlers. Object-level reads are filtered through the authorization
// engine's per-object ACL/tag-permission cascade; type-level reads use the
// coarser type permission.
type InventoryHandler struct {
	inventory *store.InventoryStore
	authz     *authz.Engine
	logger    *zap.Logger
}

// NewInventoryHandler creates a new InventoryHandler.
func NewInventoryHandler(inventory *store.InventoryStore, engine *authz.Engine, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{inventory: inventory, authz: engine, logger: logger.Named("inventory_handler")}
}

type inventoryTypeResponse struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Label  string `json:"label"`
	Icon   string `json:"icon"`
	Fields string `json:"fields"`
}

func typeToResponse(t *db.InventoryType) inventoryTypeResponse {
	return inventoryTypeResponse{ID: t.ID.String(), Slug: t.Slug, Label: t.Label, Icon: t.Icon, Fields: t.Fields}
}

// ListTypes handles GET /api/v1/inventory/types.
func (h *InventoryHandler) ListTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.inventory.ListTypes(r.Context())
	if err != nil {
		h.logger.Error("failed to list inventory types", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]inventoryTypeResponse, len(types))
	for i := range types {
		items[i] = typeToResponse(&types[i])
	}
	Ok(w, items)
}

type createTypeRequest struct {
	Slug   string `json:"slug"`
	Label  string `json:"label"`
	Icon   string `json:"icon"`
	Fields string `json:"fields"`
}

// CreateType handles POST /api/v1/inventory/types. Admin-only
// (inventory.manage_types).
func (h *InventoryHandler) CreateType(w http.ResponseWriter, r *http.Request) {
	var req createTypeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Slug == "" || req.Label == "" {
		ErrBadRequest(w, "slug and label are required")
		return
	}
	t := &db.InventoryType{Slug: req.Slug, Label: req.Label, Icon: req.Icon, Fields: req.Fields}
	if t.Fields == "" {
		t.Fields = "{}"
	}
	if err := h.inventory.CreateType(r.Context(), t); err != nil {
		h.logger.Error("failed to create inventory type", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, typeToResponse(t))
}

type inventoryObjectResponse struct {
	ID        string   `json:"id"`
	TypeID    string   `json:"type_id"`
	Data      string   `json:"data"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"created_at"`
}

func objectToResponse(o *db.InventoryObject, tags []db.InventoryTag) inventoryObjectResponse {
	resp := inventoryObjectResponse{ID: o.ID.String(), TypeID: o.TypeID.String(), Data: o.Data, CreatedAt: o.CreatedAt.UTC().String()}
	for _, t := range tags {
		resp.Tags = append(resp.Tags, t.Name)
	}
	return resp
}

type listObjectsResponse struct {
	Items []inventoryObjectResponse `json:"items"`
	Total int64                     `json:"total"`
}

// ListObjects handles GET /api/v1/inventory/types/{type_id}/objects.
// Supports an optional "q" query parameter for substring search, and
// always filters the result through FilterServicesForUser's object-level
// equivalent — here, a direct per-object view check, since results can
// include objects the caller has no ACL/tag grant for.
func (h *InventoryHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	typeID, ok := parseUUID(w, r, "type_id")
	if !ok {
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	opts := paginationOpts(r)
	var objects []db.InventoryObject
	var total int64
	var err error
	if q := r.URL.Query().Get("q"); q != "" {
		objects, err = h.inventory.Search(r.Context(), &typeID, q, opts)
	} else {
		objects, total, err = h.inventory.ListObjectsByType(r.Context(), typeID, opts)
	}
	if err != nil {
		h.logger.Error("failed to list inventory objects", zap.String("type_id", typeID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]inventoryObjectResponse, 0, len(objects))
	for i := range objects {
		allowed, err := h.authz.CheckInventoryPermission(r.Context(), caller, objects[i].ID, "view")
		if err != nil {
			h.logger.Error("failed to check inventory permission", zap.String("object_id", objects[i].ID.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
		if !allowed {
			continue
		}
		tags, err := h.inventory.TagsForObject(r.Context(), objects[i].ID)
		if err != nil {
			h.logger.Error("failed to load tags", zap.String("object_id", objects[i].ID.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
		items = append(items, objectToResponse(&objects[i], tags))
	}
	Ok(w, listObjectsResponse{Items: items, Total: total})
}

// GetObject handles GET /api/v1/inventory/objects/{id}.
func (h *InventoryHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	allowed, err := h.authz.CheckInventoryPermission(r.Context(), caller, id, "view")
	if err != nil {
		h.logger.Error("failed to check inventory permission", zap.String("object_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !allowed {
		ErrForbidden(w)
		return
	}

	obj, err := h.inventory.GetObjectByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get inventory object", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	tags, err := h.inventory.TagsForObject(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load tags", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, objectToResponse(obj, tags))
}

type createObjectRequest struct {
	TypeID string `json:"type_id"`
	Data   string `json:"data"`
}

// CreateObject handles POST /api/v1/inventory/objects.
func (h *InventoryHandler) CreateObject(w http.ResponseWriter, r *http.Request) {
	var req createObjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	typeID, err := parseUUIDString(req.TypeID)
	if err != nil {
		ErrBadRequest(w, "invalid type_id: must be a valid UUID")
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if !caller.HasWildcard() && !h.authz.CheckTypePermission(caller, req.TypeID, "create") {
		ErrForbidden(w)
		return
	}

	obj := &db.InventoryObject{TypeID: typeID, Data: req.Data}
	if obj.Data == "" {
		obj.Data = "{}"
	}
	if err := h.inventory.CreateObject(r.Context(), obj); err != nil {
		h.logger.Error("failed to create inventory object", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, objectToResponse(obj, nil))
}

type updateObjectRequest struct {
	Data string `json:"data"`
}

// UpdateObject handles PATCH /api/v1/inventory/objects/{id}.
func (h *InventoryHandler) UpdateObject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	allowed, err := h.authz.CheckInventoryPermission(r.Context(), caller, id, "edit")
	if err != nil {
		h.logger.Error("failed to check inventory permission", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !allowed {
		ErrForbidden(w)
		return
	}

	obj, err := h.inventory.GetObjectByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get inventory object", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	var req updateObjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	obj.Data = req.Data

	if err := h.inventory.UpdateObject(r.Context(), obj); err != nil {
		h.logger.Error("failed to update inventory object", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, objectToResponse(obj, nil))
}

// DeleteObject handles DELETE /api/v1/inventory/objects/{id}.
func (h *InventoryHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	allowed, err := h.authz.CheckInventoryPermission(r.Context(), caller, id, "delete")
	if err != nil {
		h.logger.Error("failed to check inventory permission", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !allowed {
		ErrForbidden(w)
		return
	}
	if err := h.inventory.DeleteObject(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete inventory object", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type tagObjectRequest struct {
	TagName string `json:"tag_name"`
}

// TagObject handles POST /api/v1/inventory/objects/{id}/tags.
func (h *InventoryHandler) TagObject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req tagObjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TagName == "" {
		ErrBadRequest(w, "tag_name is required")
		return
	}
	tag, err := h.inventory.GetOrCreateTag(r.Context(), req.TagName)
	if err != nil {
		h.logger.Error("failed to get or create tag", zap.String("tag_name", req.TagName), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.inventory.TagObject(r.Context(), id, tag.ID); err != nil {
		h.logger.Error("failed to tag object", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// UntagObject handles DELETE /api/v1/inventory/objects/{id}/tags/{tag_id}.
func (h *InventoryHandler) UntagObject(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	tagID, ok := parseUUID(w, r, "tag_id")
	if !ok {
		return
	}
	if err := h.inventory.UntagObject(r.Context(), id, tagID); err != nil {
		h.logger.Error("failed to untag object", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func (h *InventoryHandler) caller(w http.ResponseWriter, r *http.Request) (*authz.Caller, bool) {
	userID, username, ok := callerUserID(w, r)
	if !ok {
		return nil, false
	}
	caller, err := h.authz.CallerFor(r.Context(), userID, username)
	if err != nil {
		h.logger.Error("failed to resolve caller", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return caller, true
}
