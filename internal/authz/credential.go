package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudlab-io/manager/internal/db"
)

// CanViewCredential resolves whether the caller may view a credential
// inventory object (spec §4.2 Credential Access, grounded on
// credential_access.user_can_view_credential).
//
// CredentialAccessRule is opt-in: if the caller's roles hold no rules at
// all, this falls through to true and leaves the decision to the ordinary
// inventory permission check the caller is expected to also run. Once any
// rule exists for the caller's roles, at least one must match both the
// credential's type and its scope, or the caller is denied and a
// credential.access_denied audit entry is recorded.
func (e *Engine) CanViewCredential(ctx context.Context, caller *Caller, credObj *db.InventoryObject) (bool, error) {
	if caller.HasWildcard() {
		return true, nil
	}
	if len(caller.RoleIDs) == 0 {
		return false, nil
	}

	rules, err := e.cred.RulesForRoles(ctx, caller.RoleIDs)
	if err != nil {
		return false, fmt.Errorf("authz: load credential access rules: %w", err)
	}
	if len(rules) == 0 {
		return true, nil
	}

	var data struct {
		Name           string `json:"name"`
		CredentialType string `json:"credential_type"`
	}
	if err := json.Unmarshal([]byte(credObj.Data), &data); err != nil {
		return false, fmt.Errorf("authz: unmarshal credential data: %w", err)
	}
	if data.CredentialType == "" {
		data.CredentialType = "password"
	}

	tags, err := e.inv.TagsForObject(ctx, credObj.ID)
	if err != nil {
		return false, fmt.Errorf("authz: load credential tags: %w", err)
	}

	instanceHostnames := make(map[string]struct{})
	serviceNames := make(map[string]struct{})
	tagNames := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagNames[t.Name] = struct{}{}
		if rest, ok := strings.CutPrefix(t.Name, "instance:"); ok {
			instanceHostnames[rest] = struct{}{}
		}
		if rest, ok := strings.CutPrefix(t.Name, "svc:"); ok {
			serviceNames[rest] = struct{}{}
		}
	}

	for _, rule := range rules {
		if rule.CredentialType != "*" && rule.CredentialType != data.CredentialType {
			continue
		}
		switch rule.ScopeType {
		case db.CredentialScopeAll:
			return true, nil
		case db.CredentialScopeInstance:
			if _, ok := instanceHostnames[rule.ScopeValue]; ok {
				return true, nil
			}
		case db.CredentialScopeService:
			if _, ok := serviceNames[rule.ScopeValue]; ok {
				return true, nil
			}
		case db.CredentialScopeTag:
			if _, ok := tagNames[rule.ScopeValue]; ok {
				return true, nil
			}
		}
	}

	if e.audit != nil {
		_ = e.audit.LogDenied(ctx, caller.UserID, caller.Username, "credential.access_denied",
			"credential/"+credObj.ID.String(), map[string]any{
				"credential_name": data.Name,
				"credential_type": data.CredentialType,
			})
	}
	return false, nil
}

// PortalOutput is one entry of a service's service_outputs.yaml, as
// surfaced to the portal/API layer.
type PortalOutput struct {
	Type               string         `json:"type"`
	CredentialType     string         `json:"credential_type,omitempty"`
	RequirePersonalKey bool           `json:"_require_personal_key,omitempty"`
	Extra              map[string]any `json:"-"`
}

// FilterPortalCredentials narrows a service's declared outputs to the
// credential entries the caller's CredentialAccessRules admit, leaving
// non-credential entries untouched (credential_access.filter_portal_credentials).
func (e *Engine) FilterPortalCredentials(ctx context.Context, caller *Caller, outputs []PortalOutput, serviceName, hostname string) ([]PortalOutput, error) {
	if caller.HasWildcard() {
		return outputs, nil
	}
	if len(caller.RoleIDs) == 0 {
		out := make([]PortalOutput, 0, len(outputs))
		for _, o := range outputs {
			if o.Type != "credential" {
				out = append(out, o)
			}
		}
		return out, nil
	}

	rules, err := e.cred.RulesForRoles(ctx, caller.RoleIDs)
	if err != nil {
		return nil, fmt.Errorf("authz: load credential access rules: %w", err)
	}
	if len(rules) == 0 {
		return outputs, nil
	}

	result := make([]PortalOutput, 0, len(outputs))
	for _, o := range outputs {
		if o.Type != "credential" {
			result = append(result, o)
			continue
		}
		credType := o.CredentialType
		if credType == "" {
			credType = "password"
		}

		allowed := false
		for _, rule := range rules {
			if rule.CredentialType != "*" && rule.CredentialType != credType {
				continue
			}
			switch rule.ScopeType {
			case db.CredentialScopeAll:
				allowed = true
			case db.CredentialScopeInstance:
				allowed = rule.ScopeValue == hostname
			case db.CredentialScopeService:
				allowed = rule.ScopeValue == serviceName
			case db.CredentialScopeTag:
				allowed = rule.ScopeValue == "instance:"+hostname || rule.ScopeValue == "svc:"+serviceName
			}
			if allowed {
				break
			}
		}
		if allowed {
			o.RequirePersonalKey = e.requiresPersonalKey(rules, caller, credType, serviceName, hostname)
			result = append(result, o)
		}
	}
	return result, nil
}

// requiresPersonalKey reports whether any rule matching the caller's roles
// and the credential's type/scope carries RequirePersonalKey
// (credential_access.check_personal_key_required).
func (e *Engine) requiresPersonalKey(rules []db.CredentialAccessRule, caller *Caller, credType, serviceName, hostname string) bool {
	if len(caller.RoleIDs) == 0 {
		return false
	}
	for _, rule := range rules {
		if !rule.RequirePersonalKey {
			continue
		}
		if rule.CredentialType != "*" && rule.CredentialType != credType {
			continue
		}
		switch rule.ScopeType {
		case db.CredentialScopeAll:
			return true
		case db.CredentialScopeInstance:
			if rule.ScopeValue == hostname {
				return true
			}
		case db.CredentialScopeService:
			if rule.ScopeValue == serviceName {
				return true
			}
		}
	}
	return false
}
