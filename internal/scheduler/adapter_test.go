package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/jobrunner"
)

type fakeJobRunner struct {
	runScriptCalls []string
	running        bool
	runErr         error
}

func (f *fakeJobRunner) RunScript(ctx context.Context, resolver jobrunner.ServiceResolver, service, script string, inputs map[string]any, identity jobrunner.Identity) (*jobrunner.Job, error) {
	f.runScriptCalls = append(f.runScriptCalls, service+"/"+script)
	if f.runErr != nil {
		return nil, f.runErr
	}
	if identity.Username != "scheduler" {
		return nil, errors.New("expected scheduler identity")
	}
	return &jobrunner.Job{ID: uuid.New()}, nil
}

func (f *fakeJobRunner) IsRunning(matchA, matchB string) bool {
	return f.running
}

func TestAdapterDispatchServiceScriptUsesSchedulerIdentity(t *testing.T) {
	runner := &fakeJobRunner{}
	a := NewAdapter(runner, nil, nil, nil)

	jobID, err := a.DispatchServiceScript(context.Background(), "web", "deploy", nil)
	if err != nil {
		t.Fatalf("DispatchServiceScript: %v", err)
	}
	if jobID == nil {
		t.Fatal("expected a non-nil job ID")
	}
	if len(runner.runScriptCalls) != 1 || runner.runScriptCalls[0] != "web/deploy" {
		t.Fatalf("unexpected RunScript calls: %v", runner.runScriptCalls)
	}
}

func TestAdapterDispatchInventoryActionUsesTypeSlugActionKey(t *testing.T) {
	called := false
	handlers := map[string]InventoryActionHandler{
		"server.restart": func(ctx context.Context, objectID *uuid.UUID, inputs map[string]any) error {
			called = true
			return nil
		},
	}
	a := NewAdapter(&fakeJobRunner{}, nil, handlers, nil)

	if _, err := a.DispatchInventoryAction(context.Background(), "server", "restart", nil, nil); err != nil {
		t.Fatalf("DispatchInventoryAction: %v", err)
	}
	if !called {
		t.Fatal("expected the server.restart handler to be invoked")
	}
}

func TestAdapterDispatchInventoryActionUnknownKeyErrors(t *testing.T) {
	a := NewAdapter(&fakeJobRunner{}, nil, map[string]InventoryActionHandler{}, nil)

	if _, err := a.DispatchInventoryAction(context.Background(), "server", "restart", nil, nil); err == nil {
		t.Fatal("expected an error for an unregistered inventory action")
	}
}

func TestAdapterDispatchSystemTaskUnknownTaskErrors(t *testing.T) {
	a := NewAdapter(&fakeJobRunner{}, nil, nil, map[string]SystemTaskHandler{})

	if err := a.DispatchSystemTask(context.Background(), "refresh_costs"); err == nil {
		t.Fatal("expected an error for an unregistered system task")
	}
}

func TestAdapterDispatchSystemTaskInvokesRegisteredHandler(t *testing.T) {
	called := false
	tasks := map[string]SystemTaskHandler{
		"refresh_costs": func(ctx context.Context) error {
			called = true
			return nil
		},
	}
	a := NewAdapter(&fakeJobRunner{}, nil, nil, tasks)

	if err := a.DispatchSystemTask(context.Background(), "refresh_costs"); err != nil {
		t.Fatalf("DispatchSystemTask: %v", err)
	}
	if !called {
		t.Fatal("expected refresh_costs handler to run")
	}
}

func TestAdapterIsRunningDelegatesToRunner(t *testing.T) {
	runner := &fakeJobRunner{running: true}
	a := NewAdapter(runner, nil, nil, nil)

	if !a.IsRunning("web", "deploy") {
		t.Fatal("expected IsRunning to delegate to the underlying runner")
	}
}
