package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudlab-io/manager/internal/db"
)

// SkippedEntry names one service a bulk operation could not dispatch a
// child job for, and why (spec §9 Open Question (a)).
type SkippedEntry struct {
	Name   string
	Reason string
}

// BulkResult is the outcome of BulkStop/BulkDeploy returned to the caller:
// the parent job, which children actually ran, and which service names
// were skipped outright (spec §4.3: "unknown service names ... do not fail
// the parent").
type BulkResult struct {
	Parent    *Job
	Succeeded []string
	Skipped   []SkippedEntry
}

// BulkStop dispatches a stop script for every resolvable service under one
// parent job (action "bulk_stop").
func (r *Runner) BulkStop(ctx context.Context, resolver ServiceResolver, services []string, identity Identity) (*BulkResult, error) {
	return r.bulk(ctx, resolver, services, identity, "bulk_stop", "stop")
}

// BulkDeploy dispatches a deploy script for every resolvable service under
// one parent job (action "bulk_deploy").
func (r *Runner) BulkDeploy(ctx context.Context, resolver ServiceResolver, services []string, identity Identity) (*BulkResult, error) {
	return r.bulk(ctx, resolver, services, identity, "bulk_deploy", "deploy")
}

func (r *Runner) bulk(ctx context.Context, resolver ServiceResolver, services []string, identity Identity, action, script string) (*BulkResult, error) {
	parentSpec := dispatchSpec{
		service:  fmt.Sprintf("bulk (%d services)", len(services)),
		action:   action,
		identity: identity,
		inputs:   map[string]any{"services": services},
	}

	inputsJSON := mustMarshalInputs(parentSpec.inputs)
	now := time.Now().UTC()
	parentRow := &db.Job{
		Service:   parentSpec.service,
		Action:    parentSpec.action,
		Status:    db.JobStatusRunning,
		StartedAt: now,
		UserID:    identity.UserID,
		Username:  identity.Username,
		Inputs:    inputsJSON,
	}
	if err := r.store.Create(ctx, nil, parentRow); err != nil {
		return nil, fmt.Errorf("jobrunner: create parent job: %w", err)
	}
	parent := &Job{
		ID:        parentRow.ID,
		Service:   parentSpec.service,
		Action:    parentSpec.action,
		UserID:    identity.UserID,
		Username:  identity.Username,
		Inputs:    inputsJSON,
		StartedAt: now,
		status:    db.JobStatusRunning,
	}
	r.track(parent)

	result := &BulkResult{Parent: parent}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int32
	)

	for _, name := range services {
		def, err := resolver.Resolve(name)
		if errors.Is(err, ErrUnknownService) {
			mu.Lock()
			result.Skipped = append(result.Skipped, SkippedEntry{Name: name, Reason: "unknown service"})
			mu.Unlock()
			continue
		}
		if err != nil {
			mu.Lock()
			result.Skipped = append(result.Skipped, SkippedEntry{Name: name, Reason: err.Error()})
			mu.Unlock()
			continue
		}

		parentID := parent.ID
		childSpec := dispatchSpec{
			service:     name,
			action:      script,
			script:      script,
			argv:        []string{def.ScriptPath(script)},
			dir:         def.Dir,
			env:         def.Env,
			identity:    identity,
			parentJobID: &parentID,
		}

		wg.Add(1)
		go func(name string, spec dispatchSpec) {
			defer wg.Done()
			child, err := r.dispatch(ctx, spec)
			if err != nil {
				atomic.AddInt32(&failures, 1)
				mu.Lock()
				result.Skipped = append(result.Skipped, SkippedEntry{Name: name, Reason: err.Error()})
				mu.Unlock()
				return
			}
			r.awaitTerminal(child)
			if child.Status() != db.JobStatusCompleted {
				atomic.AddInt32(&failures, 1)
			}
			mu.Lock()
			result.Succeeded = append(result.Succeeded, name)
			mu.Unlock()
		}(name, childSpec)
	}

	wg.Wait()

	parentStatus := db.JobStatusCompleted
	if atomic.LoadInt32(&failures) > 0 {
		parentStatus = db.JobStatusFailed
	}
	r.finishJob(ctx, parent, parentStatus, "")

	return result, nil
}

// awaitTerminal polls a job's in-memory status until it leaves "running".
// Grounded on the same 1s-poll pattern the Blueprint Orchestrator uses
// (spec §4.4) to wait on a dispatched job without a completion callback.
func (r *Runner) awaitTerminal(j *Job) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if j.Status() != db.JobStatusRunning {
			return
		}
	}
}

func mustMarshalInputs(inputs map[string]any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "{}"
	}
	return string(data)
}
