package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cloudlab-io/manager/internal/api"
	"github.com/cloudlab-io/manager/internal/auth"
	"github.com/cloudlab-io/manager/internal/authz"
	"github.com/cloudlab-io/manager/internal/blueprint"
	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/jobrunner"
	"github.com/cloudlab-io/manager/internal/jobrunner/procexec"
	"github.com/cloudlab-io/manager/internal/notification"
	"github.com/cloudlab-io/manager/internal/permcache"
	"github.com/cloudlab-io/manager/internal/pollers"
	"github.com/cloudlab-io/manager/internal/scheduler"
	"github.com/cloudlab-io/manager/internal/servicedir"
	"github.com/cloudlab-io/manager/internal/store"
	"github.com/cloudlab-io/manager/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr         string
	dbDriver         string
	dbDSN            string
	secretKey        string
	logLevel         string
	dataDir          string
	servicesDir      string
	systemScriptsDir string
	secureCookies    bool

	// planProviderURL/planProviderKey configure the cost poller's upstream
	// plan-pricing lookup; an empty URL disables the poller.
	planProviderURL string
	planProviderKey string

	// healthTargets is a comma-separated list of service=url pairs the
	// health poller probes on a fixed interval.
	healthTargets string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "cloudlab-server",
		Short: "CloudLab Manager server — cloud-resource service control plane",
		Long: `CloudLab Manager is the control-plane service orchestrating cloud-resource
service lifecycles. It exposes a REST API and WebSocket feed for the GUI,
runs the Job Execution & Scheduling Subsystem, enforces the layered
authorization engine on every request, and drives the background pollers
that keep pricing, health, drift, and snapshot state current.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CLOUDLAB_HTTP_ADDR", ":8080"), "HTTP API and GUI listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CLOUDLAB_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CLOUDLAB_DB_DSN", "./cloudlab.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("CLOUDLAB_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CLOUDLAB_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CLOUDLAB_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.servicesDir, "services-dir", envOrDefault("CLOUDLAB_SERVICES_DIR", "./services"), "Root directory of per-service script trees")
	root.PersistentFlags().StringVar(&cfg.systemScriptsDir, "system-scripts-dir", envOrDefault("CLOUDLAB_SYSTEM_SCRIPTS_DIR", "./system-scripts"), "Directory holding stop_instance.sh/refresh_instances.sh")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("CLOUDLAB_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")
	root.PersistentFlags().StringVar(&cfg.planProviderURL, "plan-provider-url", envOrDefault("CLOUDLAB_PLAN_PROVIDER_URL", ""), "Upstream plan-pricing endpoint (empty disables the cost poller)")
	root.PersistentFlags().StringVar(&cfg.planProviderKey, "plan-provider-key", envOrDefault("CLOUDLAB_PLAN_PROVIDER_KEY", ""), "Bearer token for the plan-pricing endpoint")
	root.PersistentFlags().StringVar(&cfg.healthTargets, "health-targets", envOrDefault("CLOUDLAB_HEALTH_TARGETS", ""), "Comma-separated service=url pairs probed by the health poller")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cloudlab-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or CLOUDLAB_SECRET_KEY")
	}

	logger.Info("starting cloudlab server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	// The secret key is padded or truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Store (one sub-store per aggregate) ---
	users := store.NewUserStore(gormDB)
	roles := store.NewRoleStore(gormDB)
	refreshTokens := store.NewRefreshTokenStore(gormDB)
	oidcProviders := store.NewOIDCProviderStore(gormDB)
	jobs := store.NewJobStore(gormDB)
	schedules := store.NewScheduleStore(gormDB)
	inventory := store.NewInventoryStore(gormDB)
	driftStore := store.NewDriftStore(gormDB)
	workspaces := store.NewWorkspaceStore(gormDB)
	credentials := store.NewCredentialStore(gormDB)
	acl := store.NewACLStore(gormDB)
	blueprints := store.NewBlueprintStore(gormDB)
	audit := store.NewAuditStore(gormDB)
	notifications := store.NewNotificationStore(gormDB)
	appMetadata := store.NewAppMetadataStore(gormDB)
	snapshots := store.NewSnapshotStore(gormDB)

	// --- 4. Permission cache & authorization engine ---
	permResolver := struct {
		*store.UserStore
		*store.RoleStore
	}{users, roles}
	permCache := permcache.New(permResolver)
	authzEngine := authz.New(permCache, acl, inventory, credentials, audit)

	// --- 5. Job Runner ---
	resolver := servicedir.New(cfg.servicesDir)
	spawner := procexec.New(10 * time.Second)
	runner := jobrunner.New(jobs, spawner, logger)
	if err := runner.Rehydrate(ctx); err != nil {
		logger.Warn("job runner rehydrate failed", zap.Error(err))
	}

	// --- 6. Blueprint Orchestrator ---
	orch := blueprint.New(blueprints, runner, resolver, logger)

	// --- 7. Auth ---
	// In development (no key files present) ephemeral RSA keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	localProvider := auth.NewLocalAuthProvider(users, refreshTokens, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviders, users, refreshTokens, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokens, jwtManager)

	// --- 8. WebSocket hub ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 9. Notification service ---
	notifSvc := notification.NewService(notification.Config{
		Notifs:   notifications,
		Users:    userListAdapter{users},
		Perms:    permCache,
		Settings: appMetadata,
		Hub:      hub,
		Logger:   logger,
	})

	// --- 10. Background pollers (wall-clock tickers) ---
	startPollers(ctx, cfg, logger, inventory, driftStore, snapshots, appMetadata, notifSvc)

	// --- 11. Scheduler ---
	scriptRunner := pollers.NewScriptRunner(cfg.servicesDir)
	systemTasks := map[string]scheduler.SystemTaskHandler{
		"refresh_instances": func(ctx context.Context) error {
			_, err := runner.RefreshInstances(ctx, cfg.systemScriptsDir, jobrunner.Identity{Username: "scheduler"})
			return err
		},
		"refresh_costs":             costRefreshTask(cfg, appMetadata, logger),
		"personal_instance_cleanup": pollers.NewTTLCleanupPoller(inventory, runner, resolver, cfg.servicesDir, logger).Run,
		"snapshot_sync":             pollers.NewSnapshotPoller(snapshots, scriptRunner, logger).Run,
		"drift_check":               pollers.NewDriftPoller(inventory, scriptRunner, driftStore, driftNotifierAdapter{notifSvc}, logger).Run,
		"health_check":              pollers.NewHealthPoller(parseHealthTargets(cfg.healthTargets), snapshots, logger).Run,
	}
	dispatcher := scheduler.NewAdapter(runner, resolver, nil, systemTasks)
	sched, err := scheduler.New(schedules, dispatcher, dispatcher, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	enabledRows, _, err := schedules.List(ctx, store.ListOptions{Limit: 1000})
	if err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}
	if err := sched.LoadAll(ctx, enabledRows); err != nil {
		return fmt.Errorf("failed to register scheduled jobs: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 12. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:      authService,
		Scheduler:        sched,
		AuthzEngine:      authzEngine,
		PermCache:        permCache,
		Runner:           runner,
		Resolver:         resolver,
		Orchestrator:     orch,
		Hub:              hub,
		Logger:           logger,
		Users:            users,
		Roles:            roles,
		Jobs:             jobs,
		Schedules:        schedules,
		Inventory:        inventory,
		Drift:            driftStore,
		Workspaces:       workspaces,
		Credentials:      credentials,
		Blueprints:       blueprints,
		Audit:            audit,
		Notifications:    notifications,
		SystemScriptsDir: cfg.systemScriptsDir,
		Secure:           cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down cloudlab server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("cloudlab server stopped")
	return nil
}

// startPollers launches the wall-clock-ticker pollers (cost, health,
// drift, snapshot) as background goroutines tied to ctx. The TTL cleanup
// poller is not started here — it only runs as the scheduler's
// personal_instance_cleanup system_task, per its seeded ScheduledJob row.
func startPollers(
	ctx context.Context,
	cfg *config,
	logger *zap.Logger,
	inventory *store.InventoryStore,
	drift *store.DriftStore,
	snapshots *store.SnapshotStore,
	appMetadata *store.AppMetadataStore,
	notifSvc notification.Service,
) {
	scriptRunner := pollers.NewScriptRunner(cfg.servicesDir)

	if cfg.planProviderURL != "" {
		pricer := pollers.NewHTTPPlanPricer(cfg.planProviderURL, cfg.planProviderKey)
		cost := pollers.NewCostPoller(pricer, appMetadata, logger)
		go pollers.RunOnTicker(ctx, cost, pollers.CostInterval, logger)
	} else {
		logger.Info("cost poller disabled: no plan provider URL configured")
	}

	if targets := parseHealthTargets(cfg.healthTargets); len(targets) > 0 {
		health := pollers.NewHealthPoller(targets, snapshots, logger)
		go pollers.RunOnTicker(ctx, health, 30*time.Second, logger)
	}

	driftPoller := pollers.NewDriftPoller(inventory, scriptRunner, drift, driftNotifierAdapter{notifSvc}, logger)
	go pollers.RunOnTicker(ctx, driftPoller, 15*time.Minute, logger)

	snapshotPoller := pollers.NewSnapshotPoller(snapshots, scriptRunner, logger)
	go pollers.RunOnTicker(ctx, snapshotPoller, pollers.SnapshotInterval, logger)
}

// costRefreshTask adapts the cost poller into a scheduler system_task, for
// the refresh_costs row seeded alongside the ticker-driven instance. If no
// plan provider is configured, it is a documented no-op rather than an
// error — triggering it manually should not fail loudly for a feature the
// deployment has opted out of.
func costRefreshTask(cfg *config, appMetadata *store.AppMetadataStore, logger *zap.Logger) scheduler.SystemTaskHandler {
	if cfg.planProviderURL == "" {
		return func(ctx context.Context) error {
			logger.Info("refresh_costs skipped: no plan provider URL configured")
			return nil
		}
	}
	pricer := pollers.NewHTTPPlanPricer(cfg.planProviderURL, cfg.planProviderKey)
	return pollers.NewCostPoller(pricer, appMetadata, logger).Run
}

// parseHealthTargets parses "service=url,service2=url2" into HealthTargets.
func parseHealthTargets(csv string) []pollers.HealthTarget {
	if csv == "" {
		return nil
	}
	var targets []pollers.HealthTarget
	for _, pair := range strings.Split(csv, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		targets = append(targets, pollers.HealthTarget{Service: parts[0], URL: parts[1]})
	}
	return targets
}

// driftNotifierAdapter adapts notification.Service's typed
// NotifyDriftDetected(objectID, summary) method onto pollers.DriftNotifier's
// report-shaped interface.
type driftNotifierAdapter struct {
	svc notification.Service
}

func (d driftNotifierAdapter) NotifyDriftDetected(ctx context.Context, report *db.DriftReport) error {
	var objID uuid.UUID
	if report.ObjectID != nil {
		objID = *report.ObjectID
	}
	return d.svc.NotifyDriftDetected(ctx, objID, report.Summary)
}

// userListAdapter adapts *store.UserStore's List method onto
// notification.UserStore, which declares its own ListOptions type so the
// notification package does not need to import internal/store.
type userListAdapter struct {
	users *store.UserStore
}

func (u userListAdapter) List(ctx context.Context, opts notification.ListOptions) ([]db.User, int64, error) {
	return u.users.List(ctx, store.ListOptions{Limit: opts.Limit, Offset: opts.Offset})
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "cloudlab-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("cloudlab-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
