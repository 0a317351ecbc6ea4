package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/jobrunner"
)

// jobRunner is the subset of *jobrunner.Runner the adapter dispatches
// service_script rows through.
type jobRunner interface {
	RunScript(ctx context.Context, resolver jobrunner.ServiceResolver, service, script string, inputs map[string]any, identity jobrunner.Identity) (*jobrunner.Job, error)
	IsRunning(matchA, matchB string) bool
}

// InventoryActionHandler runs one inventory_action ScheduledJob row
// (spec §4.5's "registry map[string]InventoryActionHandler keyed by
// type_slug.action_name").
type InventoryActionHandler func(ctx context.Context, objectID *uuid.UUID, inputs map[string]any) error

// SystemTaskHandler runs one system_task ScheduledJob row synchronously
// within the tick (spec §4.5: system tasks produce no Job row).
type SystemTaskHandler func(ctx context.Context) error

// schedulerIdentity is the fixed actor recorded on jobs the scheduler
// itself dispatches (spec §4.5: "username=scheduler, user=nil").
var schedulerIdentity = jobrunner.Identity{Username: "scheduler"}

// Adapter implements Dispatcher and RunningChecker against the Job
// Runner, an inventory-action registry, and a system-task registry.
type Adapter struct {
	runner           jobRunner
	resolver         jobrunner.ServiceResolver
	inventoryActions map[string]InventoryActionHandler
	systemTasks      map[string]SystemTaskHandler
}

// NewAdapter wires a Job Runner, service resolver, and the two fixed
// registries into a Dispatcher/RunningChecker pair.
func NewAdapter(runner jobRunner, resolver jobrunner.ServiceResolver, inventoryActions map[string]InventoryActionHandler, systemTasks map[string]SystemTaskHandler) *Adapter {
	return &Adapter{
		runner:           runner,
		resolver:         resolver,
		inventoryActions: inventoryActions,
		systemTasks:      systemTasks,
	}
}

func (a *Adapter) DispatchServiceScript(ctx context.Context, serviceName, scriptName string, inputs map[string]any) (*uuid.UUID, error) {
	job, err := a.runner.RunScript(ctx, a.resolver, serviceName, scriptName, inputs, schedulerIdentity)
	if err != nil {
		return nil, err
	}
	return &job.ID, nil
}

func (a *Adapter) DispatchInventoryAction(ctx context.Context, typeSlug, actionName string, objectID *uuid.UUID, inputs map[string]any) (*uuid.UUID, error) {
	key := typeSlug + "." + actionName
	handler, ok := a.inventoryActions[key]
	if !ok {
		return nil, fmt.Errorf("scheduler: no inventory action registered for %q", key)
	}
	if err := handler(ctx, objectID, inputs); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Adapter) DispatchSystemTask(ctx context.Context, task string) error {
	handler, ok := a.systemTasks[task]
	if !ok {
		return fmt.Errorf("scheduler: no system task registered for %q", task)
	}
	return handler(ctx)
}

func (a *Adapter) IsRunning(matchA, matchB string) bool {
	return a.runner.IsRunning(matchA, matchB)
}
