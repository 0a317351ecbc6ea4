package authz

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// legacyServicePermMap backs check_type_permission's fallback for the
// "service" inventory type, letting the older services.* codenames keep
// granting type-level inventory permissions.
var legacyServicePermMap = map[string]string{
	"view":   "services.view",
	"deploy": "services.deploy",
	"stop":   "services.stop",
	"config": "services.config.view",
	"files":  "services.files.view",
	"edit":   "services.config.edit",
}

// CheckInventoryPermission resolves whether the caller may perform
// permSuffix ("view", "edit", "deploy", ...) on a specific inventory
// object, via the 6-step cascade (spec §4.2, grounded on
// inventory_auth.check_inventory_permission):
//
//  1. Wildcard.
//  2. Per-object ACL deny (any match forbids, regardless of later steps).
//  3. Per-object ACL allow.
//  4. Tag-based permission, via any tag attached to the object.
//  5. For objects of the "service" inventory type, delegate to
//     CheckService using the service name embedded in the object's data.
//  6. Role-based type permission: "inventory.<type-slug>.<suffix>" in the
//     caller's global permission set.
//
// A denial on an object of the "credential" type is recorded as a
// credential.access_denied audit row.
func (e *Engine) CheckInventoryPermission(ctx context.Context, caller *Caller, objectID uuid.UUID, permSuffix string) (allowed bool, err error) {
	if caller.HasWildcard() {
		return true, nil
	}

	obj, err := e.inv.GetObjectByID(ctx, objectID)
	if err != nil {
		return false, nil // absent object: no permission to check against
	}

	invType, err := e.inv.GetTypeByID(ctx, obj.TypeID)
	if err != nil {
		return false, nil
	}
	if invType.Slug == "credential" && e.audit != nil {
		defer func() {
			if err == nil && !allowed {
				_ = e.audit.LogDenied(ctx, caller.UserID, caller.Username, "credential.access_denied",
					"credential/"+obj.ID.String(), map[string]any{"permission": permSuffix})
			}
		}()
	}

	fullPerm := fmt.Sprintf("inventory.%s.%s", invType.Slug, permSuffix)

	if len(caller.RoleIDs) == 0 {
		return caller.Has(fullPerm), nil
	}

	acls, err := e.acl.ObjectACLsFor(ctx, objectID, caller.RoleIDs)
	if err != nil {
		return false, fmt.Errorf("authz: load object acls: %w", err)
	}
	for _, a := range acls {
		if a.Permission == permSuffix && a.Effect == "deny" {
			return false, nil
		}
	}
	for _, a := range acls {
		if a.Permission == permSuffix && a.Effect == "allow" {
			return true, nil
		}
	}

	tags, err := e.inv.TagsForObject(ctx, objectID)
	if err != nil {
		return false, fmt.Errorf("authz: load object tags: %w", err)
	}
	if len(tags) > 0 {
		tagIDs := make([]uuid.UUID, len(tags))
		for i, t := range tags {
			tagIDs[i] = t.ID
		}
		tagPerms, err := e.acl.TagPermissionsFor(ctx, tagIDs, caller.RoleIDs)
		if err != nil {
			return false, fmt.Errorf("authz: load tag permissions: %w", err)
		}
		for _, tp := range tagPerms {
			if tp.Permission == permSuffix {
				return true, nil
			}
		}
	}

	if invType.Slug == "service" {
		var data struct {
			Name string `json:"name"`
		}
		if json.Unmarshal([]byte(obj.Data), &data) == nil && data.Name != "" {
			return e.CheckService(ctx, caller, data.Name, permSuffix)
		}
	}

	return caller.Has(fullPerm), nil
}

// CheckTypePermission resolves a type-level (not object-specific)
// permission: "inventory.<type-slug>.<suffix>" in the caller's global
// permission set, with the same services.* legacy fallback as
// CheckInventoryPermission (inventory_auth.check_type_permission).
func (e *Engine) CheckTypePermission(caller *Caller, typeSlug, permSuffix string) bool {
	if caller.HasWildcard() {
		return true
	}
	if caller.Has(fmt.Sprintf("inventory.%s.%s", typeSlug, permSuffix)) {
		return true
	}
	if typeSlug == "service" {
		if legacy, ok := legacyServicePermMap[permSuffix]; ok {
			return caller.Has(legacy)
		}
	}
	return false
}
