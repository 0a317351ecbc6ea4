package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/db"
)

var errTestNotFound = errors.New("fake store: record not found")

type fakeACLStore struct {
	objectACLs  []db.ObjectACL
	tagPerms    []db.TagPermission
	serviceACLs map[string][]db.ServiceACL
}

func (f *fakeACLStore) ObjectACLsFor(ctx context.Context, objectID uuid.UUID, roleIDs []uuid.UUID) ([]db.ObjectACL, error) {
	return f.objectACLs, nil
}

func (f *fakeACLStore) TagPermissionsFor(ctx context.Context, tagIDs, roleIDs []uuid.UUID) ([]db.TagPermission, error) {
	return f.tagPerms, nil
}

func (f *fakeACLStore) ServiceACLsForService(ctx context.Context, serviceName string) ([]db.ServiceACL, error) {
	return f.serviceACLs[serviceName], nil
}

type fakeInventoryStore struct {
	objects map[uuid.UUID]*db.InventoryObject
	types   map[uuid.UUID]*db.InventoryType
	tags    map[uuid.UUID][]db.InventoryTag
}

func (f *fakeInventoryStore) GetObjectByID(ctx context.Context, id uuid.UUID) (*db.InventoryObject, error) {
	obj, ok := f.objects[id]
	if !ok {
		return nil, errTestNotFound
	}
	return obj, nil
}

func (f *fakeInventoryStore) GetTypeByID(ctx context.Context, id uuid.UUID) (*db.InventoryType, error) {
	typ, ok := f.types[id]
	if !ok {
		return nil, errTestNotFound
	}
	return typ, nil
}

func (f *fakeInventoryStore) TagsForObject(ctx context.Context, objectID uuid.UUID) ([]db.InventoryTag, error) {
	return f.tags[objectID], nil
}

func withBase(id uuid.UUID) db.InventoryObject {
	o := db.InventoryObject{}
	o.ID = id
	return o
}

func newEngine(acl *fakeACLStore, inv *fakeInventoryStore) *Engine {
	return New(nil, acl, inv, nil, nil)
}

func TestCheckServiceWildcardAlwaysAllows(t *testing.T) {
	e := newEngine(&fakeACLStore{}, &fakeInventoryStore{})
	caller := &Caller{Perms: map[string]struct{}{"*": {}}}

	ok, err := e.CheckService(context.Background(), caller, "anything", "deploy")
	if err != nil {
		t.Fatalf("CheckService: %v", err)
	}
	if !ok {
		t.Fatal("wildcard caller should be allowed")
	}
}

func TestCheckServiceFallsBackToGlobalPermWhenNoACL(t *testing.T) {
	e := newEngine(&fakeACLStore{serviceACLs: map[string][]db.ServiceACL{}}, &fakeInventoryStore{})

	allowed := &Caller{Perms: map[string]struct{}{"services.deploy": {}}}
	ok, err := e.CheckService(context.Background(), allowed, "web", "deploy")
	if err != nil {
		t.Fatalf("CheckService: %v", err)
	}
	if !ok {
		t.Fatal("caller with global services.deploy should be allowed when no ServiceACL rows exist")
	}

	denied := &Caller{Perms: map[string]struct{}{}}
	ok, err = e.CheckService(context.Background(), denied, "web", "deploy")
	if err != nil {
		t.Fatalf("CheckService: %v", err)
	}
	if ok {
		t.Fatal("caller without the global permission should be denied")
	}
}

func TestCheckServiceRequiresMatchingServiceACLWhenRowsExist(t *testing.T) {
	roleID := uuid.New()
	acl := &fakeACLStore{
		serviceACLs: map[string][]db.ServiceACL{
			"web": {{RoleID: roleID, Permission: db.ServiceACLDeploy}},
		},
	}
	e := newEngine(acl, &fakeInventoryStore{})

	// Even a caller holding the global RBAC permission is denied once the
	// service has its own ACL rows — global fallback only applies when no
	// rows exist at all.
	noRoleCaller := &Caller{Perms: map[string]struct{}{"services.deploy": {}}}
	ok, err := e.CheckService(context.Background(), noRoleCaller, "web", "deploy")
	if err != nil {
		t.Fatalf("CheckService: %v", err)
	}
	if ok {
		t.Fatal("caller with no matching role should be denied once ServiceACL rows exist")
	}

	matchingCaller := &Caller{RoleIDs: []uuid.UUID{roleID}}
	ok, err = e.CheckService(context.Background(), matchingCaller, "web", "deploy")
	if err != nil {
		t.Fatalf("CheckService: %v", err)
	}
	if !ok {
		t.Fatal("caller holding the matching role's ServiceACL should be allowed")
	}

	wrongPerm := &Caller{RoleIDs: []uuid.UUID{roleID}}
	ok, err = e.CheckService(context.Background(), wrongPerm, "web", "stop")
	if err != nil {
		t.Fatalf("CheckService: %v", err)
	}
	if ok {
		t.Fatal("caller's role grants deploy, not stop — should be denied")
	}
}

func TestCheckServiceFullGrantCoversAnySuffix(t *testing.T) {
	roleID := uuid.New()
	acl := &fakeACLStore{
		serviceACLs: map[string][]db.ServiceACL{
			"web": {{RoleID: roleID, Permission: db.ServiceACLFull}},
		},
	}
	e := newEngine(acl, &fakeInventoryStore{})
	caller := &Caller{RoleIDs: []uuid.UUID{roleID}}

	for _, suffix := range []string{db.ServiceACLView, db.ServiceACLDeploy, db.ServiceACLStop, db.ServiceACLConfig} {
		ok, err := e.CheckService(context.Background(), caller, "web", suffix)
		if err != nil {
			t.Fatalf("CheckService(%s): %v", suffix, err)
		}
		if !ok {
			t.Fatalf("full grant should cover suffix %q", suffix)
		}
	}
}

func TestCheckServiceScriptMapsStopAliasesToStopPermission(t *testing.T) {
	roleID := uuid.New()
	acl := &fakeACLStore{
		serviceACLs: map[string][]db.ServiceACL{
			"web": {{RoleID: roleID, Permission: db.ServiceACLStop}},
		},
	}
	e := newEngine(acl, &fakeInventoryStore{})
	caller := &Caller{RoleIDs: []uuid.UUID{roleID}}

	for _, script := range []string{"stop", "StopInstances", "KILL", "killall"} {
		ok, err := e.CheckServiceScript(context.Background(), caller, "web", script)
		if err != nil {
			t.Fatalf("CheckServiceScript(%s): %v", script, err)
		}
		if !ok {
			t.Fatalf("script %q should resolve to the stop permission the caller holds", script)
		}
	}

	ok, err := e.CheckServiceScript(context.Background(), caller, "web", "deploy.sh")
	if err != nil {
		t.Fatalf("CheckServiceScript: %v", err)
	}
	if ok {
		t.Fatal("a non-stop script should require deploy, which this caller lacks")
	}
}

func TestCheckInventoryPermissionObjectDenyOverridesAllow(t *testing.T) {
	objID, roleID, typeID := uuid.New(), uuid.New(), uuid.New()
	obj := withBase(objID)
	obj.TypeID = typeID
	typ := db.InventoryType{Slug: "server"}
	typ.ID = typeID

	inv := &fakeInventoryStore{
		objects: map[uuid.UUID]*db.InventoryObject{objID: &obj},
		types:   map[uuid.UUID]*db.InventoryType{typeID: &typ},
	}
	acl := &fakeACLStore{
		objectACLs: []db.ObjectACL{
			{ObjectID: objID, RoleID: roleID, Permission: "view", Effect: "allow"},
			{ObjectID: objID, RoleID: roleID, Permission: "view", Effect: "deny"},
		},
	}
	e := newEngine(acl, inv)
	caller := &Caller{RoleIDs: []uuid.UUID{roleID}}

	ok, err := e.CheckInventoryPermission(context.Background(), caller, objID, "view")
	if err != nil {
		t.Fatalf("CheckInventoryPermission: %v", err)
	}
	if ok {
		t.Fatal("a deny ACL row must override an allow row for the same permission")
	}
}

func TestCheckInventoryPermissionTagGrant(t *testing.T) {
	objID, roleID, typeID, tagID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	obj := withBase(objID)
	obj.TypeID = typeID
	typ := db.InventoryType{Slug: "server"}
	typ.ID = typeID
	tag := db.InventoryTag{Name: "prod"}
	tag.ID = tagID

	inv := &fakeInventoryStore{
		objects: map[uuid.UUID]*db.InventoryObject{objID: &obj},
		types:   map[uuid.UUID]*db.InventoryType{typeID: &typ},
		tags:    map[uuid.UUID][]db.InventoryTag{objID: {tag}},
	}
	acl := &fakeACLStore{
		tagPerms: []db.TagPermission{{TagID: tagID, RoleID: roleID, Permission: "view"}},
	}
	e := newEngine(acl, inv)
	caller := &Caller{RoleIDs: []uuid.UUID{roleID}}

	ok, err := e.CheckInventoryPermission(context.Background(), caller, objID, "view")
	if err != nil {
		t.Fatalf("CheckInventoryPermission: %v", err)
	}
	if !ok {
		t.Fatal("a matching tag permission should grant access")
	}
}

func TestCheckInventoryPermissionFallsBackToRoleBasedTypePermission(t *testing.T) {
	objID, typeID := uuid.New(), uuid.New()
	obj := withBase(objID)
	obj.TypeID = typeID
	typ := db.InventoryType{Slug: "server"}
	typ.ID = typeID

	inv := &fakeInventoryStore{
		objects: map[uuid.UUID]*db.InventoryObject{objID: &obj},
		types:   map[uuid.UUID]*db.InventoryType{typeID: &typ},
	}
	e := newEngine(&fakeACLStore{}, inv)

	// No roles at all: short-circuits straight to the global permission
	// check rather than querying ACLs.
	caller := &Caller{Perms: map[string]struct{}{"inventory.server.view": {}}}
	ok, err := e.CheckInventoryPermission(context.Background(), caller, objID, "view")
	if err != nil {
		t.Fatalf("CheckInventoryPermission: %v", err)
	}
	if !ok {
		t.Fatal("caller holding inventory.server.view should be allowed with no role-based ACLs")
	}
}

func TestCheckTypePermissionLegacyServiceFallback(t *testing.T) {
	caller := &Caller{Perms: map[string]struct{}{"services.deploy": {}}}
	e := newEngine(&fakeACLStore{}, &fakeInventoryStore{})

	if !e.CheckTypePermission(caller, "service", "deploy") {
		t.Fatal("legacy services.deploy should satisfy the service type's deploy permission")
	}
	if e.CheckTypePermission(caller, "service", "stop") {
		t.Fatal("services.deploy should not satisfy the stop suffix")
	}
}

type fakeCredentialStore struct {
	rules []db.CredentialAccessRule
}

func (f *fakeCredentialStore) RulesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]db.CredentialAccessRule, error) {
	return f.rules, nil
}

type fakeAuditLogger struct {
	calls int
}

func (f *fakeAuditLogger) LogDenied(ctx context.Context, userID uuid.UUID, username, action, resource string, details map[string]any) error {
	f.calls++
	return nil
}

func TestCanViewCredentialNoRulesDefaultsToAllowed(t *testing.T) {
	e := New(nil, &fakeACLStore{}, &fakeInventoryStore{}, &fakeCredentialStore{}, &fakeAuditLogger{})
	caller := &Caller{RoleIDs: []uuid.UUID{uuid.New()}}
	obj := withBase(uuid.New())
	obj.Data = `{"name":"db-password","credential_type":"password"}`

	ok, err := e.CanViewCredential(context.Background(), caller, &obj)
	if err != nil {
		t.Fatalf("CanViewCredential: %v", err)
	}
	if !ok {
		t.Fatal("with no CredentialAccessRules at all, access should default to allowed")
	}
}

func TestCanViewCredentialScopedRuleMustMatch(t *testing.T) {
	roleID := uuid.New()
	cred := &fakeCredentialStore{
		rules: []db.CredentialAccessRule{
			{RoleID: roleID, CredentialType: "*", ScopeType: db.CredentialScopeService, ScopeValue: "web"},
		},
	}
	audit := &fakeAuditLogger{}
	inv := &fakeInventoryStore{tags: map[uuid.UUID][]db.InventoryTag{}}
	e := New(nil, &fakeACLStore{}, inv, cred, audit)
	caller := &Caller{RoleIDs: []uuid.UUID{roleID}}

	objID := uuid.New()
	obj := withBase(objID)
	obj.Data = `{"name":"api-key","credential_type":"password"}`
	inv.tags[objID] = []db.InventoryTag{{Name: "svc:web"}}

	ok, err := e.CanViewCredential(context.Background(), caller, &obj)
	if err != nil {
		t.Fatalf("CanViewCredential: %v", err)
	}
	if !ok {
		t.Fatal("a svc:web tag should satisfy a service-scoped rule for web")
	}

	inv.tags[objID] = []db.InventoryTag{{Name: "svc:other"}}
	ok, err = e.CanViewCredential(context.Background(), caller, &obj)
	if err != nil {
		t.Fatalf("CanViewCredential: %v", err)
	}
	if ok {
		t.Fatal("a non-matching service tag should be denied")
	}
	if audit.calls != 1 {
		t.Fatalf("expected exactly one audit.LogDenied call for the denied access, got %d", audit.calls)
	}
}

func TestCallerHasWildcardAndHas(t *testing.T) {
	c := &Caller{Perms: map[string]struct{}{"*": {}, "jobs.view": {}}}
	if !c.HasWildcard() {
		t.Fatal("expected wildcard")
	}
	if !c.Has("jobs.view") {
		t.Fatal("expected jobs.view")
	}
	if c.Has("jobs.cancel") {
		t.Fatal("did not expect jobs.cancel")
	}
}
