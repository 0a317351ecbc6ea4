package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/auth"
	"github.com/cloudlab-io/manager/internal/authz"
	"github.com/cloudlab-io/manager/internal/blueprint"
	"github.com/cloudlab-io/manager/internal/jobrunner"
	"github.com/cloudlab-io/manager/internal/permcache"
	"github.com/cloudlab-io/manager/internal/scheduler"
	"github.com/cloudlab-io/manager/internal/store"
	"github.com/cloudlab-io/manager/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in cmd/server/main.go after all components are
// initialized, and passed to NewRouter as a single struct to keep the
// constructor signature manageable as the dependency graph grows.
type RouterConfig struct {
	AuthService  *auth.AuthService
	Scheduler    *scheduler.Scheduler
	AuthzEngine  *authz.Engine
	PermCache    *permcache.Cache
	Runner       *jobrunner.Runner
	Resolver     jobrunner.ServiceResolver
	Orchestrator *blueprint.Orchestrator
	Hub          *websocket.Hub
	Logger       *zap.Logger

	Users         *store.UserStore
	Roles         *store.RoleStore
	Jobs          *store.JobStore
	Schedules     *store.ScheduleStore
	Inventory     *store.InventoryStore
	Drift         *store.DriftStore
	Workspaces    *store.WorkspaceStore
	Credentials   *store.CredentialStore
	Blueprints    *store.BlueprintStore
	Audit         *store.AuditStore
	Notifications *store.NotificationStore

	// SystemScriptsDir holds stop_instance.sh/refresh_instances.sh, the
	// system-level (not per-service) instance action scripts.
	SystemScriptsDir string

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1. No GUI or static-asset route is registered
// here or in cmd/server/main.go.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.PermCache, cfg.Logger)
	roleHandler := NewRoleHandler(cfg.Roles, cfg.PermCache, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Runner, cfg.Resolver, rerunAuthorizer(cfg.AuthzEngine), cfg.Logger)
	serviceHandler := NewServiceHandler(cfg.Runner, cfg.Resolver, cfg.AuthzEngine, cfg.Logger)
	instanceHandler := NewInstanceHandler(cfg.Runner, cfg.AuthzEngine, cfg.SystemScriptsDir, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Scheduler, cfg.Logger)
	inventoryHandler := NewInventoryHandler(cfg.Inventory, cfg.AuthzEngine, cfg.Logger)
	driftHandler := NewDriftHandler(cfg.Drift, cfg.Logger)
	workspaceHandler := NewWorkspaceHandler(cfg.Workspaces, cfg.Logger)
	credentialHandler := NewCredentialHandler(cfg.Credentials, cfg.Audit, cfg.Logger)
	blueprintHandler := NewBlueprintHandler(cfg.Blueprints, cfg.Orchestrator, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.Audit, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.AuthService.JWTManager(), cfg.Logger)

	jwtMgr := cfg.AuthService.JWTManager()
	requirePerm := func(codename string) func(http.Handler) http.Handler {
		return RequirePermission(cfg.PermCache, codename)
	}

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
			r.Get("/auth/status", userHandler.SetupStatus)
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/ws", wsHandler.ServeWS)

			r.Get("/users/me", userHandler.GetMe)

			// Jobs — read plus the two narrow mutations exposed directly.
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Post("/jobs/{id}/cancel", jobHandler.Cancel)
			r.Post("/jobs/{id}/rerun", jobHandler.Rerun)

			// Services — per-action authorization happens inside the handler
			// via internal/authz, since it is scoped per service name rather
			// than a single global permission.
			r.Post("/services/{name}/deploy", serviceHandler.Deploy)
			r.Post("/services/{name}/run", serviceHandler.Run)
			r.Post("/services/{name}/stop", serviceHandler.Stop)
			r.Post("/services/actions/bulk-deploy", serviceHandler.BulkDeploy)
			r.Post("/services/actions/bulk-stop", serviceHandler.BulkStop)

			// Instances
			r.Post("/instances/stop", instanceHandler.Stop)
			r.Post("/instances/refresh", instanceHandler.Refresh)

			// Inventory — per-object authorization happens inside the
			// handler.
			r.Get("/inventory/types", inventoryHandler.ListTypes)
			r.Get("/inventory/types/{type_id}/objects", inventoryHandler.ListObjects)
			r.Get("/inventory/objects/{id}", inventoryHandler.GetObject)
			r.Post("/inventory/objects", inventoryHandler.CreateObject)
			r.Patch("/inventory/objects/{id}", inventoryHandler.UpdateObject)
			r.Delete("/inventory/objects/{id}", inventoryHandler.DeleteObject)
			r.Post("/inventory/objects/{id}/tags", inventoryHandler.TagObject)
			r.Delete("/inventory/objects/{id}/tags/{tag_id}", inventoryHandler.UntagObject)

			// Drift reports
			r.Get("/drift/recent", driftHandler.ListRecent)
			r.Get("/drift/objects/{object_id}", driftHandler.ListForObject)

			// Notifications
			r.Get("/notifications", notificationHandler.List)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkAsRead)
			r.Patch("/notifications/read-all", notificationHandler.MarkAllAsRead)

			// Own audit trail
			r.Get("/audit/me", auditHandler.ListMine)

			// --- Admin-only routes, gated by permission codename ---
			r.Group(func(r chi.Router) {
				r.Use(requirePerm("users.manage"))
				r.Get("/users", userHandler.List)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Delete("/users/{id}", userHandler.Deactivate)
				r.Post("/users/{id}/roles", userHandler.AssignRole)
				r.Delete("/users/{id}/roles/{role_id}", userHandler.RemoveRole)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePerm("roles.manage"))
				r.Get("/roles", roleHandler.List)
				r.Get("/roles/permissions", roleHandler.ListPermissions)
				r.Post("/roles", roleHandler.Create)
				r.Get("/roles/{id}", roleHandler.GetByID)
				r.Patch("/roles/{id}", roleHandler.Update)
				r.Delete("/roles/{id}", roleHandler.Delete)
				r.Post("/roles/{id}/permissions", roleHandler.GrantPermission)
				r.Delete("/roles/{id}/permissions/{permission_id}", roleHandler.RevokePermission)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePerm("inventory.manage_types"))
				r.Post("/inventory/types", inventoryHandler.CreateType)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePerm("schedules.manage"))
				r.Get("/schedules", scheduleHandler.List)
				r.Post("/schedules", scheduleHandler.Create)
				r.Get("/schedules/{id}", scheduleHandler.GetByID)
				r.Patch("/schedules/{id}", scheduleHandler.Update)
				r.Delete("/schedules/{id}", scheduleHandler.Delete)
				r.Post("/schedules/{id}/trigger", scheduleHandler.TriggerNow)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePerm("blueprints.manage"))
				r.Get("/blueprints", blueprintHandler.List)
				r.Post("/blueprints", blueprintHandler.Create)
				r.Get("/blueprints/{id}", blueprintHandler.GetByID)
				r.Delete("/blueprints/{id}", blueprintHandler.Delete)
				r.Post("/blueprints/{id}/deploy", blueprintHandler.Deploy)
				r.Get("/blueprints/{id}/deployments", blueprintHandler.ListDeployments)
				r.Get("/blueprints/deployments/{id}", blueprintHandler.GetDeployment)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePerm("workspaces.manage"))
				r.Get("/workspaces", workspaceHandler.List)
				r.Post("/workspaces", workspaceHandler.Create)
				r.Get("/workspaces/{id}", workspaceHandler.GetByID)
				r.Patch("/workspaces/{id}", workspaceHandler.Update)
				r.Delete("/workspaces/{id}", workspaceHandler.Delete)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePerm("credentials.manage"))
				r.Get("/credentials/rules", credentialHandler.List)
				r.Post("/credentials/rules", credentialHandler.Create)
				r.Delete("/credentials/rules/{id}", credentialHandler.Delete)
				r.Get("/credentials/audit", credentialHandler.Audit)
			})

			r.Group(func(r chi.Router) {
				r.Use(requirePerm("audit.view"))
				r.Get("/audit", auditHandler.List)
			})
		})
	})

	return r
}

// rerunAuthorizer adapts the authorization engine into the narrow
// jobrunner.Authorizer function Rerun uses to re-check a caller's access to
// a job's service+script at rerun time, rather than trusting the
// originally-dispatched job's stale authorization.
func rerunAuthorizer(engine *authz.Engine) jobrunner.Authorizer {
	return func(ctx context.Context, identity jobrunner.Identity, service, script string) (bool, error) {
		username := identity.Username
		var userID uuid.UUID
		if identity.UserID != nil {
			userID = *identity.UserID
		}
		caller, err := engine.CallerFor(ctx, userID, username)
		if err != nil {
			return false, err
		}
		return engine.CheckServiceScript(ctx, caller, service, script)
	}
}
