package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
)

// dispatchSpec carries everything needed to spawn, track, and persist one
// job.
type dispatchSpec struct {
	service      string
	action       string
	script       string
	argv         []string
	dir          string
	env          map[string]string
	identity     Identity
	inputs       map[string]any
	parentJobID  *uuid.UUID
	deploymentID *uuid.UUID
}

// dispatch spawns spec's process, registers the Job in the in-memory
// registry, persists the initial running row, and starts the background
// goroutine that streams output and transitions the job to a terminal
// state (spec §4.3).
func (r *Runner) dispatch(ctx context.Context, spec dispatchSpec) (*Job, error) {
	inputsJSON, err := json.Marshal(spec.inputs)
	if err != nil {
		return nil, fmt.Errorf("jobrunner: marshal inputs: %w", err)
	}

	now := time.Now().UTC()
	row := &db.Job{
		Service:      spec.service,
		Action:       spec.action,
		Script:       spec.script,
		Status:       db.JobStatusRunning,
		StartedAt:    now,
		UserID:       spec.identity.UserID,
		Username:     spec.identity.Username,
		Inputs:       string(inputsJSON),
		ParentJobID:  spec.parentJobID,
		DeploymentID: spec.deploymentID,
	}
	if err := r.store.Create(ctx, nil, row); err != nil {
		return nil, fmt.Errorf("jobrunner: create job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           row.ID,
		Service:      spec.service,
		Action:       spec.action,
		Script:       spec.script,
		UserID:       spec.identity.UserID,
		Username:     spec.identity.Username,
		Inputs:       string(inputsJSON),
		ParentJobID:  spec.parentJobID,
		DeploymentID: spec.deploymentID,
		StartedAt:    now,
		status:       db.JobStatusRunning,
		cancel:       cancel,
	}
	r.track(job)

	proc, err := r.spawner.Start(runCtx, ProcessSpec{Argv: spec.argv, Dir: spec.dir, Env: spec.env})
	if err != nil {
		r.finishJob(context.Background(), job, db.JobStatusFailed, err.Error())
		return job, nil
	}

	go r.runToCompletion(job, proc, runCtx)

	return job, nil
}

// runToCompletion streams proc's merged output into the job's persisted
// buffer and transitions it to a terminal status once the process exits
// (spec §4.3: exit 0 -> completed, non-zero -> failed, spawn/stream
// exception -> failed with the exception text as the last output line). A
// process that exits after runCtx was cancelled (Runner.Cancel) ends as
// cancelled.
func (r *Runner) runToCompletion(job *Job, proc Process, runCtx context.Context) {
	ctx := context.Background()
	lines := proc.Output()
	lineCount := 0
	for {
		line, ok := lines.Next()
		if !ok {
			break
		}
		lineCount++
		if lineCount > maxOutputLines {
			continue
		}
		if err := r.store.AppendOutputLine(ctx, job.ID, line); err != nil {
			r.logger.Warn("append job output failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		if lineCount == maxOutputLines {
			_ = r.store.AppendOutputLine(ctx, job.ID, "... output truncated ...")
		}
	}

	waitErr := proc.Wait()
	if runCtx.Err() != nil {
		r.finishJob(ctx, job, db.JobStatusCancelled, "")
		return
	}
	if waitErr != nil {
		r.finishJob(ctx, job, db.JobStatusFailed, waitErr.Error())
		return
	}
	r.finishJob(ctx, job, db.JobStatusCompleted, "")
}

func (r *Runner) finishJob(ctx context.Context, job *Job, status, failureLine string) {
	if failureLine != "" {
		if err := r.store.AppendOutputLine(ctx, job.ID, failureLine); err != nil {
			r.logger.Warn("append failure line failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	now := time.Now().UTC()
	job.setTerminal(status, now)
	if err := r.store.Finish(ctx, job.ID, status, now); err != nil {
		r.logger.Error("finish job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// DeployService dispatches a service's deploy script.
func (r *Runner) DeployService(ctx context.Context, resolver ServiceResolver, name string, identity Identity, inputs map[string]any) (*Job, error) {
	return r.RunScript(ctx, resolver, name, "deploy", inputs, identity)
}

// StopService dispatches a service's stop script.
func (r *Runner) StopService(ctx context.Context, resolver ServiceResolver, name string, identity Identity) (*Job, error) {
	return r.RunScript(ctx, resolver, name, "stop", nil, identity)
}

// RunScript resolves service, assembles the explicit argv for the named
// script, and dispatches it.
func (r *Runner) RunScript(ctx context.Context, resolver ServiceResolver, service, script string, inputs map[string]any, identity Identity) (*Job, error) {
	def, err := resolver.Resolve(service)
	if err != nil {
		return nil, err
	}
	spec := dispatchSpec{
		service:  service,
		action:   actionForScript(script),
		script:   script,
		argv:     []string{def.ScriptPath(script)},
		dir:      def.Dir,
		env:      def.Env,
		identity: identity,
		inputs:   inputs,
	}
	return r.dispatch(ctx, spec)
}

// actionForScript maps a script name to the Job.Action label: "deploy" and
// "stop" map to themselves, anything else is a generic "run_script".
func actionForScript(script string) string {
	switch script {
	case "deploy", "stop":
		return script
	default:
		return "run_script"
	}
}

// StopInstance dispatches a system-level instance-stop action, addressed
// by label and region rather than by service.
func (r *Runner) StopInstance(ctx context.Context, systemDir string, label, region string, identity Identity) (*Job, error) {
	spec := dispatchSpec{
		service:  fmt.Sprintf("instance:%s", label),
		action:   "stop_instance",
		script:   "stop_instance",
		argv:     []string{systemDir + "/stop_instance.sh", label, region},
		dir:      systemDir,
		identity: identity,
		inputs:   map[string]any{"label": label, "region": region},
	}
	return r.dispatch(ctx, spec)
}

// RefreshInstances dispatches the system-level instance-refresh action.
func (r *Runner) RefreshInstances(ctx context.Context, systemDir string, identity Identity) (*Job, error) {
	spec := dispatchSpec{
		service:  "system",
		action:   "refresh_instances",
		script:   "refresh_instances",
		argv:     []string{systemDir + "/refresh_instances.sh"},
		dir:      systemDir,
		identity: identity,
	}
	return r.dispatch(ctx, spec)
}

// Rehydrate transitions every job still marked "running" in the store to
// "failed" at startup — rows left running by a prior crash have no
// surviving in-memory Job or subprocess, so they can never reach a natural
// terminal state on their own (spec §9 re-hydration note).
func (r *Runner) Rehydrate(ctx context.Context) error {
	running, err := r.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("jobrunner: list running jobs: %w", err)
	}
	now := time.Now().UTC()
	for _, row := range running {
		if err := r.store.AppendOutputLine(ctx, row.ID, "job orphaned by server restart"); err != nil {
			r.logger.Warn("rehydrate: append output failed", zap.String("job_id", row.ID.String()), zap.Error(err))
		}
		if err := r.store.Finish(ctx, row.ID, db.JobStatusFailed, now); err != nil {
			r.logger.Error("rehydrate: finish job failed", zap.String("job_id", row.ID.String()), zap.Error(err))
		}
	}
	if len(running) > 0 {
		r.logger.Info("rehydrated orphaned jobs", zap.Int("count", len(running)))
	}
	return nil
}

// isDestroyRunning implements the dedup scan (spec §4.3): a linear scan of
// the in-memory registry for an already-running destroy-type system action
// with a matching hostname input.
func (r *Runner) isDestroyRunning(service, hostname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if j.Status() != db.JobStatusRunning {
			continue
		}
		if j.Service != service || j.Script != "destroy" {
			continue
		}
		var inputs struct {
			Hostname string `json:"hostname"`
		}
		if json.Unmarshal([]byte(j.Inputs), &inputs) == nil && inputs.Hostname == hostname {
			return true
		}
	}
	return false
}

// IsRunning reports whether any currently-running job matches (service,
// script) — service_script rows match on (ServiceName, ScriptName),
// system_task rows match on ("system", SystemTask), and inventory_action
// handlers that dispatch through the runner are expected to use
// (TypeSlug, ActionName) as their Service/Script pair. Matching on Script
// rather than the generic Action label distinguishes individual scripts
// that all share the "run_script" action. Backs the scheduler's
// skip_if_running guard (spec §4.5).
func (r *Runner) IsRunning(service, script string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if j.Status() == db.JobStatusRunning && j.Service == service && j.Script == script {
			return true
		}
	}
	return false
}

// DispatchDestroy dispatches a destroy script for hostname, skipping
// silently if a matching destroy job is already in flight (spec §4.3
// deduplication; used by the personal-instance TTL cleanup poller).
func (r *Runner) DispatchDestroy(ctx context.Context, resolver ServiceResolver, service, hostname string, identity Identity) (*Job, bool, error) {
	if r.isDestroyRunning(service, hostname) {
		return nil, false, nil
	}
	job, err := r.RunScript(ctx, resolver, service, "destroy", map[string]any{"hostname": hostname}, identity)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}
