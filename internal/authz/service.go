package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudlab-io/manager/internal/db"
)

// servicePermMap maps a ServiceACL permission suffix to the global RBAC
// codename consulted when no ServiceACL rows exist for the service at all
// (service_auth.py's _GLOBAL_PERM_MAP).
var servicePermMap = map[string]string{
	db.ServiceACLView:   "services.view",
	db.ServiceACLDeploy: "services.deploy",
	db.ServiceACLStop:   "services.stop",
	db.ServiceACLConfig: "services.config.view",
}

// CheckService resolves whether a caller may perform permSuffix ("view",
// "deploy", "stop", "config") on a named service.
//
// Resolution order (spec §4.2 Service Permission Resolution, grounded on
// service_auth.check_service_permission):
//  1. Wildcard ("*" in caller's permissions) always allows.
//  2. If no ServiceACL row exists at all for the service, fall back to the
//     caller's global RBAC permission (services.view/deploy/stop/config.view).
//  3. Otherwise the caller must hold a matching ServiceACL through one of
//     their roles — an exact permission match, or a "full" grant.
func (e *Engine) CheckService(ctx context.Context, caller *Caller, serviceName, permSuffix string) (bool, error) {
	if caller.HasWildcard() {
		return true, nil
	}

	acls, err := e.acl.ServiceACLsForService(ctx, serviceName)
	if err != nil {
		return false, fmt.Errorf("authz: load service acls: %w", err)
	}

	if len(acls) == 0 {
		global, ok := servicePermMap[permSuffix]
		if !ok {
			global = "services." + permSuffix
		}
		return caller.Has(global), nil
	}

	if len(caller.RoleIDs) == 0 {
		return false, nil
	}

	roleSet := make(map[string]struct{}, len(caller.RoleIDs))
	for _, id := range caller.RoleIDs {
		roleSet[id.String()] = struct{}{}
	}

	for _, acl := range acls {
		if _, ok := roleSet[acl.RoleID.String()]; !ok {
			continue
		}
		if acl.Permission == permSuffix || acl.Permission == db.ServiceACLFull {
			return true, nil
		}
	}
	return false, nil
}

// ServicePermissions returns the subset of {view, deploy, stop, config} the
// caller holds for a service (service_auth.get_user_service_permissions).
func (e *Engine) ServicePermissions(ctx context.Context, caller *Caller, serviceName string) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	for _, suffix := range []string{db.ServiceACLView, db.ServiceACLDeploy, db.ServiceACLStop, db.ServiceACLConfig} {
		ok, err := e.CheckService(ctx, caller, serviceName, suffix)
		if err != nil {
			return nil, err
		}
		if ok {
			result[suffix] = struct{}{}
		}
	}
	return result, nil
}

// FilterServicesForUser narrows serviceNames to those the caller may view
// (service_auth.filter_services_for_user).
func (e *Engine) FilterServicesForUser(ctx context.Context, caller *Caller, serviceNames []string) ([]string, error) {
	out := make([]string, 0, len(serviceNames))
	for _, name := range serviceNames {
		ok, err := e.CheckService(ctx, caller, name, db.ServiceACLView)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// stopScripts are script names that map to the "stop" service permission
// rather than "deploy" (service_auth.check_service_script_permission).
var stopScripts = map[string]struct{}{
	"stop":          {},
	"stopinstances": {},
	"kill":          {},
	"killall":       {},
}

// CheckServiceScript resolves the permission suffix a script name requires
// and checks it against the caller.
func (e *Engine) CheckServiceScript(ctx context.Context, caller *Caller, serviceName, scriptName string) (bool, error) {
	perm := db.ServiceACLDeploy
	if _, ok := stopScripts[strings.ToLower(scriptName)]; ok {
		perm = db.ServiceACLStop
	}
	return e.CheckService(ctx, caller, serviceName, perm)
}
