// Package blueprint implements the Blueprint Orchestrator (C5): sequential,
// best-effort multi-service deployment driven by the Job Runner.
//
// Grounded on the dispatch/poll shape of internal/scheduler's original
// tick loop (fire-and-poll-until-terminal) and on the original
// blueprint_orchestrator.py algorithm: advance step-by-step, mark
// per-service progress, stop on the first failure, and never roll back
// completed steps.
package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/jobrunner"
)

// parseBlueprintServices decodes Blueprint.Services ("[{\"name\": \"...\"}]")
// into an ordered list of service names.
func parseBlueprintServices(raw string) ([]string, error) {
	var entries []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// pollInterval is how often the orchestrator checks a dispatched job's
// in-memory status while waiting for it to leave "running" (spec §4.4).
const pollInterval = 1 * time.Second

// Store is the subset of internal/store the orchestrator needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Blueprint, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (*db.BlueprintDeployment, error)
	StartDeployment(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	SetProgress(ctx context.Context, deploymentID uuid.UUID, serviceName, status string, jobID *uuid.UUID, stepErr string) error
	FinishDeployment(ctx context.Context, id uuid.UUID, status string, finishedAt time.Time) error
}

// Runner is the subset of internal/jobrunner.Runner the orchestrator
// depends on: dispatching a deploy and reading the live job's status.
type Runner interface {
	DeployService(ctx context.Context, resolver jobrunner.ServiceResolver, name string, identity jobrunner.Identity, inputs map[string]any) (*jobrunner.Job, error)
	GetJob(id uuid.UUID) (*jobrunner.Job, bool)
}

// Orchestrator deploys a Blueprint's ordered service list one step at a
// time (spec §4.4).
type Orchestrator struct {
	store    Store
	runner   Runner
	resolver jobrunner.ServiceResolver
	logger   *zap.Logger
}

// New creates an Orchestrator wired to the given store, job runner, and
// service resolver.
func New(store Store, runner Runner, resolver jobrunner.ServiceResolver, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: store, runner: runner, resolver: resolver, logger: logger.Named("blueprint")}
}

// Deploy runs a BlueprintDeployment to completion (or first failure),
// mutating its Status/Progress as it goes (spec §4.4):
//
//  1. Transition to running, stamp started_at.
//  2. For each service: mark running, resolve it (absent -> fail the step
//     and stop with "partial"), dispatch deploy_service, and poll the
//     in-memory job until terminal.
//  3. All steps completed -> "completed". Any step failure -> "partial".
//     Any uncaught error in the loop -> "failed".
func (o *Orchestrator) Deploy(ctx context.Context, deploymentID uuid.UUID, identity jobrunner.Identity) {
	deployment, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		o.logger.Error("deployment not found", zap.String("deployment_id", deploymentID.String()), zap.Error(err))
		return
	}

	bp, err := o.store.GetByID(ctx, deployment.BlueprintID)
	if err != nil {
		o.fail(ctx, deploymentID, fmt.Errorf("load blueprint: %w", err))
		return
	}

	services, err := parseBlueprintServices(bp.Services)
	if err != nil {
		o.fail(ctx, deploymentID, fmt.Errorf("unmarshal blueprint services: %w", err))
		return
	}

	if err := o.store.StartDeployment(ctx, deploymentID, time.Now().UTC()); err != nil {
		o.fail(ctx, deploymentID, fmt.Errorf("start deployment: %w", err))
		return
	}

	for _, service := range services {
		if err := o.store.SetProgress(ctx, deploymentID, service, "running", nil, ""); err != nil {
			o.fail(ctx, deploymentID, fmt.Errorf("set progress running: %w", err))
			return
		}

		if _, err := o.resolver.Resolve(service); err != nil {
			_ = o.store.SetProgress(ctx, deploymentID, service, "failed", nil, "service not found")
			o.partial(ctx, deploymentID)
			return
		}

		job, err := o.runner.DeployService(ctx, o.resolver, service, identity, nil)
		if err != nil {
			_ = o.store.SetProgress(ctx, deploymentID, service, "failed", nil, err.Error())
			o.partial(ctx, deploymentID)
			return
		}

		status := o.awaitTerminal(ctx, job.ID)
		if status != db.JobStatusCompleted {
			_ = o.store.SetProgress(ctx, deploymentID, service, "failed", &job.ID, fmt.Sprintf("job ended %s", status))
			o.partial(ctx, deploymentID)
			return
		}
		if err := o.store.SetProgress(ctx, deploymentID, service, "completed", &job.ID, ""); err != nil {
			o.fail(ctx, deploymentID, fmt.Errorf("set progress completed: %w", err))
			return
		}
	}

	if err := o.store.FinishDeployment(ctx, deploymentID, db.DeploymentStatusCompleted, time.Now().UTC()); err != nil {
		o.logger.Error("finish deployment failed", zap.String("deployment_id", deploymentID.String()), zap.Error(err))
	}
}

// awaitTerminal polls runner.GetJob(jobID)'s status every pollInterval
// until it leaves "running" (spec §4.4).
func (o *Orchestrator) awaitTerminal(ctx context.Context, jobID uuid.UUID) string {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, ok := o.runner.GetJob(jobID)
		if !ok {
			return db.JobStatusFailed
		}
		if status := job.Status(); status != db.JobStatusRunning {
			return status
		}
		select {
		case <-ctx.Done():
			return db.JobStatusFailed
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) partial(ctx context.Context, deploymentID uuid.UUID) {
	if err := o.store.FinishDeployment(ctx, deploymentID, db.DeploymentStatusPartial, time.Now().UTC()); err != nil {
		o.logger.Error("finish partial deployment failed", zap.String("deployment_id", deploymentID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) fail(ctx context.Context, deploymentID uuid.UUID, cause error) {
	o.logger.Error("blueprint deployment failed", zap.String("deployment_id", deploymentID.String()), zap.Error(cause))
	if err := o.store.FinishDeployment(ctx, deploymentID, db.DeploymentStatusFailed, time.Now().UTC()); err != nil {
		o.logger.Error("finish failed deployment failed", zap.String("deployment_id", deploymentID.String()), zap.Error(err))
	}
}
