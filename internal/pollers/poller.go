// Package pollers implements the Background Pollers (C7): independently
// cadenced routines that refresh cached/derived state (plan pricing,
// health snapshots, drift reports, snapshot sync) and the personal
// instance TTL cleanup sweep. Each is invoked either on its own
// time.Ticker (cost, health, drift, snapshot) or as a system_task
// dispatched by the Scheduler's tick loop (ttlcleanup).
//
// Grounded on original_source/app/personal_instance_cleanup.py's module
// shape (one file, one top-level entry function) and spec §4.5's cadence
// table.
package pollers

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poller is the common shape a cadenced background routine implements.
type Poller interface {
	Name() string
	Run(ctx context.Context) error
}

// RunOnTicker runs p once immediately then again every interval, until ctx
// is cancelled. Errors are logged, never fatal — a poller's job is best
// effort, not a request the caller is waiting on.
func RunOnTicker(ctx context.Context, p Poller, interval time.Duration, logger *zap.Logger) {
	log := logger.Named(p.Name())
	runOnce(ctx, p, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, p, log)
		}
	}
}

func runOnce(ctx context.Context, p Poller, log *zap.Logger) {
	if err := p.Run(ctx); err != nil {
		log.Error("poller run failed", zap.Error(err))
	}
}
