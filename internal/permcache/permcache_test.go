package permcache

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/db"
)

type fakeResolver struct {
	roles             map[uuid.UUID][]db.Role
	codenamesForRoles map[uuid.UUID]string
	resolveCalls      int
	err               error
}

func (f *fakeResolver) RolesForUser(ctx context.Context, userID uuid.UUID) ([]db.Role, error) {
	f.resolveCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[userID], nil
}

func (f *fakeResolver) PermissionCodenamesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]string, error) {
	var out []string
	for _, id := range roleIDs {
		if cn, ok := f.codenamesForRoles[id]; ok {
			out = append(out, cn)
		}
	}
	return out, nil
}

func newRole(id uuid.UUID) db.Role {
	r := db.Role{}
	r.ID = id
	return r
}

func TestCacheComputesOnceAndCaches(t *testing.T) {
	userID := uuid.New()
	roleID := uuid.New()
	resolver := &fakeResolver{
		roles:             map[uuid.UUID][]db.Role{userID: {newRole(roleID)}},
		codenamesForRoles: map[uuid.UUID]string{roleID: "jobs.view"},
	}
	c := New(resolver)

	has, err := c.Has(context.Background(), userID, "jobs.view")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatal("expected jobs.view to be granted")
	}

	if _, err := c.Has(context.Background(), userID, "jobs.view"); err != nil {
		t.Fatalf("second Has: %v", err)
	}
	if resolver.resolveCalls != 1 {
		t.Fatalf("expected resolver to be hit once (cached after), got %d calls", resolver.resolveCalls)
	}
}

func TestCacheHasFalseForUnknownCodename(t *testing.T) {
	userID := uuid.New()
	resolver := &fakeResolver{}
	c := New(resolver)

	has, err := c.Has(context.Background(), userID, "nonexistent.codename")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatal("expected unknown codename to be denied")
	}
}

func TestInvalidateUserForcesRecompute(t *testing.T) {
	userID := uuid.New()
	resolver := &fakeResolver{}
	c := New(resolver)

	if _, err := c.Permissions(context.Background(), userID); err != nil {
		t.Fatalf("Permissions: %v", err)
	}
	c.InvalidateUser(userID)
	if _, err := c.Permissions(context.Background(), userID); err != nil {
		t.Fatalf("Permissions after invalidate: %v", err)
	}
	if resolver.resolveCalls != 2 {
		t.Fatalf("expected 2 resolve calls after invalidation, got %d", resolver.resolveCalls)
	}
}

func TestInvalidateAllClearsEveryUser(t *testing.T) {
	userA, userB := uuid.New(), uuid.New()
	resolver := &fakeResolver{}
	c := New(resolver)

	if _, err := c.Permissions(context.Background(), userA); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Permissions(context.Background(), userB); err != nil {
		t.Fatal(err)
	}
	c.InvalidateAll()

	if _, err := c.Permissions(context.Background(), userA); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Permissions(context.Background(), userB); err != nil {
		t.Fatal(err)
	}
	if resolver.resolveCalls != 4 {
		t.Fatalf("expected 4 resolve calls total, got %d", resolver.resolveCalls)
	}
}

func TestCachePropagatesResolverError(t *testing.T) {
	userID := uuid.New()
	wantErr := errors.New("db unavailable")
	resolver := &fakeResolver{err: wantErr}
	c := New(resolver)

	if _, err := c.Permissions(context.Background(), userID); err == nil {
		t.Fatal("expected error from resolver to propagate")
	}
}

func TestRoleIDsReturnsAssignedRoles(t *testing.T) {
	userID := uuid.New()
	roleID := uuid.New()
	resolver := &fakeResolver{
		roles: map[uuid.UUID][]db.Role{userID: {newRole(roleID)}},
	}
	c := New(resolver)

	ids, err := c.RoleIDs(context.Background(), userID)
	if err != nil {
		t.Fatalf("RoleIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != roleID {
		t.Fatalf("expected [%s], got %v", roleID, ids)
	}
}
