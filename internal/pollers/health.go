package pollers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
)

// healthProbeTimeout bounds each endpoint probe (spec §5: "typically
// 15s").
const healthProbeTimeout = 15 * time.Second

// HealthTarget is one endpoint the health poller probes. Every Run probes
// all targets; Interval is carried from configuration but not read by the
// poller, so each target is probed at the poller's own ticker interval.
type HealthTarget struct {
	Service  string
	URL      string
	Interval time.Duration
}

// healthResult is the JSON payload persisted into Snapshot.Payload for
// kind "health".
type healthResult struct {
	Up         bool      `json:"up"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// SnapshotWriter is the subset of internal/store.SnapshotStore the health
// poller needs.
type SnapshotWriter interface {
	Upsert(ctx context.Context, snap *db.Snapshot) error
}

// HealthPoller probes a fixed set of service endpoints and persists a
// Snapshot per target recording up/down status (spec §4.5).
type HealthPoller struct {
	targets    []HealthTarget
	snapshots  SnapshotWriter
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHealthPoller creates a HealthPoller over the given targets.
func NewHealthPoller(targets []HealthTarget, snapshots SnapshotWriter, logger *zap.Logger) *HealthPoller {
	return &HealthPoller{
		targets:    targets,
		snapshots:  snapshots,
		httpClient: &http.Client{Timeout: healthProbeTimeout},
		logger:     logger,
	}
}

func (p *HealthPoller) Name() string { return "health" }

// Run probes every configured target and persists its result, continuing
// past individual probe failures so one unreachable service never blocks
// the rest (spec §4.5).
func (p *HealthPoller) Run(ctx context.Context) error {
	var firstErr error
	for _, target := range p.targets {
		if err := p.probeOne(ctx, target); err != nil {
			p.logger.Warn("health probe persist failed", zap.String("service", target.Service), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *HealthPoller) probeOne(ctx context.Context, target HealthTarget) error {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	result := healthResult{CheckedAt: time.Now().UTC()}
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target.URL, nil)
	if err != nil {
		result.Error = err.Error()
	} else {
		resp, err := p.httpClient.Do(req)
		if err != nil {
			result.Error = err.Error()
		} else {
			resp.Body.Close()
			result.StatusCode = resp.StatusCode
			result.Up = resp.StatusCode < 500
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("pollers: marshal health result: %w", err)
	}

	status := db.SnapshotStatusSynced
	if !result.Up {
		status = db.SnapshotStatusFailed
	}
	return p.snapshots.Upsert(ctx, &db.Snapshot{
		Service: target.Service,
		Kind:    "health",
		Status:  status,
		Payload: string(payload),
	})
}
