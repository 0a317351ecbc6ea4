package pollers

import "context"

// SystemTaskHandlers returns the fixed name -> handler registry the
// Scheduler dispatches system_task ScheduledJob rows through (spec §4.5's
// six named routines). A nil poller is simply omitted from the map, so
// callers can wire only the pollers they have configured.
func SystemTaskHandlers(cost *CostPoller, health *HealthPoller, ttl *TTLCleanupPoller, drift *DriftPoller, snapshot *SnapshotPoller) map[string]func(ctx context.Context) error {
	handlers := make(map[string]func(ctx context.Context) error)
	if cost != nil {
		handlers["refresh_costs"] = cost.Run
	}
	if health != nil {
		handlers["health_check"] = health.Run
	}
	if ttl != nil {
		handlers["personal_instance_cleanup"] = ttl.Run
	}
	if drift != nil {
		handlers["drift_check"] = drift.Run
	}
	if snapshot != nil {
		handlers["snapshot_sync"] = snapshot.Run
	}
	// refresh_instances is dispatched as a service-runner system action
	// (jobrunner.Runner.RefreshInstances produces a Job row), not a
	// poller — it is wired directly in cmd/server as a service_script-
	// shaped system_task, not through this registry.
	return handlers
}
