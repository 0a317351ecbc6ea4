// Package permcache caches each user's resolved permission codenames and
// role IDs so the authorization cascade (internal/authz) does not hit the
// database on every request.
//
// The cache is a plain concurrent map guarded by a single mutex — the same
// shape as internal/agentmanager.Manager's in-memory connection registry,
// generalized here to a lazily-populated, invalidate-on-write cache instead
// of a connection table. There is no TTL: entries live until an explicit
// invalidation (role/permission mutation invalidates the whole cache;
// a user-role assignment change invalidates only that user) or process
// restart.
package permcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/db"
)

// Resolver is the subset of the store package the cache needs: resolving a
// user's roles and a set of roles' permission codenames. A *store.Store
// satisfies this by composing UserStore and RoleStore.
type Resolver interface {
	RolesForUser(ctx context.Context, userID uuid.UUID) ([]db.Role, error)
	PermissionCodenamesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]string, error)
}

// entry is one user's resolved permission set.
type entry struct {
	roleIDs     []uuid.UUID
	permissions map[string]struct{}
}

// Cache resolves and caches a user's permission codenames and role IDs.
//
// The zero value is not usable — create instances with New.
type Cache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	resolver Resolver
}

// New creates a Cache backed by the given resolver.
func New(resolver Resolver) *Cache {
	return &Cache{
		entries:  make(map[uuid.UUID]*entry),
		resolver: resolver,
	}
}

// Permissions returns the set of permission codenames held by userID,
// computing and caching it on first access.
func (c *Cache) Permissions(ctx context.Context, userID uuid.UUID) (map[string]struct{}, error) {
	e, err := c.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.permissions, nil
}

// RoleIDs returns the role IDs assigned to userID, computing and caching
// them on first access. Used by internal/authz to fan role IDs out into
// ObjectACL/TagPermission/ServiceACL lookups.
func (c *Cache) RoleIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	e, err := c.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.roleIDs, nil
}

// Has reports whether userID's resolved permission set contains codename
// or the "*" wildcard.
func (c *Cache) Has(ctx context.Context, userID uuid.UUID, codename string) (bool, error) {
	perms, err := c.Permissions(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := perms[codename]
	if !ok {
		_, ok = perms["*"]
	}
	return ok, nil
}

func (c *Cache) lookup(ctx context.Context, userID uuid.UUID) (*entry, error) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := c.compute(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[userID] = e
	c.mu.Unlock()

	return e, nil
}

func (c *Cache) compute(ctx context.Context, userID uuid.UUID) (*entry, error) {
	roles, err := c.resolver.RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("permcache: resolve roles for user: %w", err)
	}

	roleIDs := make([]uuid.UUID, len(roles))
	for i, r := range roles {
		roleIDs[i] = r.ID
	}

	codenames, err := c.resolver.PermissionCodenamesForRoles(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("permcache: resolve permissions for roles: %w", err)
	}

	perms := make(map[string]struct{}, len(codenames))
	for _, cn := range codenames {
		perms[cn] = struct{}{}
	}
	// Membership in the super-admin system role implies the "*" wildcard.
	for _, r := range roles {
		if r.IsSystem && r.Name == "super-admin" {
			perms["*"] = struct{}{}
		}
	}

	return &entry{roleIDs: roleIDs, permissions: perms}, nil
}

// InvalidateUser drops the cached entry for a single user. Call this after
// a user's role assignments change.
func (c *Cache) InvalidateUser(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry. Call this after a role or
// permission mutation, since it is impossible to know in-process which
// users hold the affected role without a database round trip.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[uuid.UUID]*entry)
	c.mu.Unlock()
}
