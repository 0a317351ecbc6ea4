package pollers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/jobrunner"
)

// TTLCleanupSchedule is the seeded ScheduledJob cron expression for the
// personal_instance_cleanup system task (spec §4.5: "*/15 * * * *").
const TTLCleanupSchedule = "*/15 * * * *"

// serviceNamePattern validates a service name sourced from a tag value
// before it is used to build a filesystem path, guarding against path
// traversal the same way the Python original's regex guard does.
var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}[a-z0-9]$`)

// TagLister is the subset of internal/store.InventoryStore needed to find
// personal-instance-tagged objects and their tags.
type TagLister interface {
	ObjectsByTagName(ctx context.Context, tagName string) ([]db.InventoryObject, error)
	TagsForObject(ctx context.Context, objectID uuid.UUID) ([]db.InventoryTag, error)
}

// DestroyDispatcher is the subset of internal/jobrunner.Runner the TTL
// cleanup poller dispatches destroys through.
type DestroyDispatcher interface {
	DispatchDestroy(ctx context.Context, resolver jobrunner.ServiceResolver, service, hostname string, identity jobrunner.Identity) (*jobrunner.Job, bool, error)
}

// ttlCleanupIdentity is the fixed actor recorded on destroy jobs the TTL
// cleanup poller dispatches (mirrors the Python original's
// username="system:ttl-cleanup").
var ttlCleanupIdentity = jobrunner.Identity{Username: "system:ttl-cleanup"}

// TTLCleanupPoller scans personal-instance-tagged inventory objects and
// destroys any whose pi-ttl has expired. Grounded line-for-line on
// personal_instance_cleanup.py's _find_expired_hosts /
// _has_running_destroy_job / _load_personal_config.
type TTLCleanupPoller struct {
	tags        TagLister
	runner      DestroyDispatcher
	resolver    jobrunner.ServiceResolver
	servicesDir string
	logger      *zap.Logger
}

// NewTTLCleanupPoller creates a TTLCleanupPoller. servicesDir is the root
// directory personal.yaml configs are read from (same root servicedir.Resolver
// resolves services under).
func NewTTLCleanupPoller(tags TagLister, runner DestroyDispatcher, resolver jobrunner.ServiceResolver, servicesDir string, logger *zap.Logger) *TTLCleanupPoller {
	return &TTLCleanupPoller{tags: tags, runner: runner, resolver: resolver, servicesDir: servicesDir, logger: logger}
}

func (p *TTLCleanupPoller) Name() string { return "ttlcleanup" }

// Run finds every expired personal instance and dispatches its destroy
// script. A host already mid-destroy is silently skipped (DispatchDestroy's
// own dedup scan), matching _has_running_destroy_job.
func (p *TTLCleanupPoller) Run(ctx context.Context) error {
	objects, err := p.tags.ObjectsByTagName(ctx, "personal-instance")
	if err != nil {
		return fmt.Errorf("pollers: list personal-instance objects: %w", err)
	}

	now := time.Now().UTC()
	destroyed := 0
	for i := range objects {
		obj := &objects[i]
		host, ok, err := p.expiredHost(ctx, obj, now)
		if err != nil {
			p.logger.Warn("ttl cleanup: inspect object failed", zap.String("object_id", obj.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		script := p.destroyScript(host.service)
		_, dispatched, err := p.runner.DispatchDestroy(ctx, p.resolver, host.service, host.hostname, ttlCleanupIdentity)
		if err != nil {
			p.logger.Error("ttl cleanup: dispatch destroy failed",
				zap.String("hostname", host.hostname), zap.String("service", host.service), zap.Error(err))
			continue
		}
		if !dispatched {
			continue
		}
		p.logger.Info("destroying expired personal instance",
			zap.String("hostname", host.hostname), zap.String("service", host.service),
			zap.String("owner", host.owner), zap.Int("ttl_hours", host.ttlHours), zap.String("script", script))
		destroyed++
	}
	if destroyed > 0 {
		p.logger.Info("ttl cleanup complete", zap.Int("destroyed", destroyed))
	}
	return nil
}

type expiringHost struct {
	hostname string
	service  string
	owner    string
	ttlHours int
}

// expiredHost parses an object's tags for pi-ttl/pi-service/pi-user and
// reports whether it has expired. A missing or zero TTL never expires; a
// missing pi-service tag causes the object to be skipped (spec §9 design
// note).
func (p *TTLCleanupPoller) expiredHost(ctx context.Context, obj *db.InventoryObject, now time.Time) (expiringHost, bool, error) {
	tags, err := p.tags.TagsForObject(ctx, obj.ID)
	if err != nil {
		return expiringHost{}, false, err
	}

	var host expiringHost
	for _, tag := range tags {
		switch {
		case strings.HasPrefix(tag.Name, "pi-ttl:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(tag.Name, "pi-ttl:")); err == nil {
				host.ttlHours = n
			}
		case strings.HasPrefix(tag.Name, "pi-user:"):
			host.owner = strings.TrimPrefix(tag.Name, "pi-user:")
		case strings.HasPrefix(tag.Name, "pi-service:"):
			host.service = strings.TrimPrefix(tag.Name, "pi-service:")
		}
	}

	if host.ttlHours <= 0 || host.service == "" {
		return expiringHost{}, false, nil
	}

	expiresAt := obj.CreatedAt.Add(time.Duration(host.ttlHours) * time.Hour)
	if now.Before(expiresAt) {
		return expiringHost{}, false, nil
	}

	hostname, _ := hostnameFromData(obj.Data)
	if hostname == "" {
		return expiringHost{}, false, nil
	}
	host.hostname = hostname
	return host, true, nil
}

// personalConfig is the optional personal.yaml a service directory may
// carry, naming a non-default destroy script. The name is resolved and
// logged only; DispatchDestroy always runs the service's "destroy" script.
type personalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DestroyScript string `yaml:"destroy_script"`
}

// destroyScript reads <servicesDir>/<service>/personal.yaml for an
// overridden destroy script name, falling back to "destroy". serviceName
// is tag-sourced, so it is validated and the resolved path is confined to
// servicesDir before opening (path-traversal guard, grounded on the
// Python original's explicit realpath check).
func (p *TTLCleanupPoller) destroyScript(serviceName string) string {
	const fallback = "destroy"
	if !serviceNamePattern.MatchString(serviceName) {
		p.logger.Warn("ttl cleanup: invalid service name in tag", zap.String("service", serviceName))
		return fallback
	}

	root, err := filepath.Abs(p.servicesDir)
	if err != nil {
		return fallback
	}
	path := filepath.Join(root, serviceName, "personal.yaml")
	if !strings.HasPrefix(filepath.Clean(path), root+string(filepath.Separator)) {
		p.logger.Warn("ttl cleanup: path traversal blocked", zap.String("service", serviceName))
		return fallback
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	var cfg personalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil || !cfg.Enabled {
		return fallback
	}
	script := strings.TrimSuffix(cfg.DestroyScript, ".sh")
	if script == "" {
		return fallback
	}
	return script
}

// hostnameFromData extracts the "hostname" field from an inventory
// object's JSON Data column.
func hostnameFromData(raw string) (string, error) {
	var data struct {
		Hostname string `json:"hostname"`
	}
	if raw == "" {
		return "", nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", err
	}
	return data.Hostname, nil
}
