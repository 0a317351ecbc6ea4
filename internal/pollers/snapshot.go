package pollers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
)

// SnapshotInterval is the snapshot-sync poller's cadence (spec §4.5:
// "60s").
const SnapshotInterval = 60 * time.Second

// SnapshotReconciler is the subset of internal/store.SnapshotStore the
// snapshot-sync poller needs.
type SnapshotReconciler interface {
	CountPending(ctx context.Context) (int64, error)
	ListPending(ctx context.Context) ([]db.Snapshot, error)
	MarkStatus(ctx context.Context, id uuid.UUID, status string) error
}

// SnapshotSyncer resolves one pending snapshot to its synced payload.
type SnapshotSyncer interface {
	Sync(ctx context.Context, snap *db.Snapshot) error
}

// SnapshotPoller reconciles pending Snapshot rows. It short-circuits —
// does no work at all — unless at least one row is still pending (spec
// §4.5: "only runs... if at least one pending snapshot exists").
type SnapshotPoller struct {
	store  SnapshotReconciler
	syncer SnapshotSyncer
	logger *zap.Logger
}

// NewSnapshotPoller creates a SnapshotPoller.
func NewSnapshotPoller(store SnapshotReconciler, syncer SnapshotSyncer, logger *zap.Logger) *SnapshotPoller {
	return &SnapshotPoller{store: store, syncer: syncer, logger: logger}
}

func (p *SnapshotPoller) Name() string { return "snapshot" }

func (p *SnapshotPoller) Run(ctx context.Context) error {
	pending, err := p.store.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("pollers: count pending snapshots: %w", err)
	}
	if pending == 0 {
		return nil
	}

	rows, err := p.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("pollers: list pending snapshots: %w", err)
	}

	synced := 0
	for i := range rows {
		snap := &rows[i]
		if err := p.syncer.Sync(ctx, snap); err != nil {
			p.logger.Warn("snapshot sync failed", zap.String("snapshot_id", snap.ID.String()), zap.Error(err))
			_ = p.store.MarkStatus(ctx, snap.ID, db.SnapshotStatusFailed)
			continue
		}
		if err := p.store.MarkStatus(ctx, snap.ID, db.SnapshotStatusSynced); err != nil {
			p.logger.Error("mark snapshot synced failed", zap.String("snapshot_id", snap.ID.String()), zap.Error(err))
			continue
		}
		synced++
	}
	p.logger.Info("snapshot sync complete", zap.Int64("pending", pending), zap.Int("synced", synced))
	return nil
}
