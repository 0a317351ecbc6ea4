// Package jobrunner implements the Job Execution & Scheduling Subsystem's
// Job Runner (C4): the in-memory registry of active/recent Jobs, subprocess
// spawning, output streaming, and query/cancellation surface.
//
// It is grounded on internal/agentmanager.Manager's mutex+map shape,
// generalized from a connection registry to a job registry, combined with
// the explicit-argv subprocess pattern the pack uses for external command
// execution (no shell interpolation, merged stdout/stderr, additive env
// overrides).
package jobrunner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudlab-io/manager/internal/db"
)

// maxOutputLines caps how many lines of a job's output are persisted to the
// store: the first maxOutputLines lines are kept, a truncation marker is
// appended after the last of them, and later lines are dropped (spec §9
// Open Question (c)).
const maxOutputLines = 2000

// JobStore is the narrow persistence interface the runner depends on,
// satisfied by *store.JobStore.
type JobStore interface {
	Create(ctx context.Context, tx *gorm.DB, j *db.Job) error
	AppendOutputLine(ctx context.Context, id uuid.UUID, line string) error
	Finish(ctx context.Context, id uuid.UUID, status string, finishedAt time.Time) error
	ListRunning(ctx context.Context) ([]db.Job, error)
}

// Spawner abstracts subprocess creation so tests can substitute a fake
// without invoking real binaries.
type Spawner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// Process is a started subprocess: a combined stdout+stderr reader and a
// Wait that blocks until exit, returning the process's error (non-nil for
// non-zero exit). Cancelling the context passed to Spawner.Start requests
// graceful termination (SIGTERM), escalating to SIGKILL after a grace
// period — see procexec.Spawner.
type Process interface {
	Output() Lines
	Wait() error
}

// Lines is a line-at-a-time reader over a subprocess's merged stdout and
// stderr (spec §4.3 "merged into a single line-oriented stream").
type Lines interface {
	Next() (string, bool)
}

// ProcessSpec is the subprocess contract from spec §4.3: an explicit argv,
// a working directory, and additive environment overrides layered on the
// runner process's own environment.
type ProcessSpec struct {
	Argv []string
	Dir  string
	Env  map[string]string
}

// Job is the in-memory, live view of a dispatched job. The authoritative
// terminal record lives in the database (db.Job); this struct tracks the
// fields the runner mutates while the job is in flight.
type Job struct {
	ID           uuid.UUID
	Service      string
	Action       string
	Script       string
	UserID       *uuid.UUID
	Username     string
	Inputs       string
	ParentJobID  *uuid.UUID
	DeploymentID *uuid.UUID
	StartedAt    time.Time

	mu         sync.Mutex
	status     string
	finishedAt *time.Time
	cancel     context.CancelFunc
}

// Status returns the job's current status under the job's own lock.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// FinishedAt returns the job's terminal timestamp, or nil while running.
func (j *Job) FinishedAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

func (j *Job) setTerminal(status string, at time.Time) {
	j.mu.Lock()
	j.status = status
	j.finishedAt = &at
	j.mu.Unlock()
}

// Runner is the in-memory job registry plus dispatch logic. The zero value
// is not usable — create instances with New.
type Runner struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job

	store   JobStore
	spawner Spawner
	logger  *zap.Logger

	// gracePeriod is recorded for reference only; the SIGTERM-to-SIGKILL
	// escalation on Cancel is timed by the Spawner (procexec.Spawner's
	// GracePeriod).
	gracePeriod time.Duration
}

// New creates a Runner backed by the given job store and process spawner.
func New(jobs JobStore, spawner Spawner, logger *zap.Logger) *Runner {
	return &Runner{
		jobs:        make(map[uuid.UUID]*Job),
		store:       jobs,
		spawner:     spawner,
		logger:      logger.Named("jobrunner"),
		gracePeriod: 10 * time.Second,
	}
}

// GetJob returns the live in-memory Job, if still tracked.
func (r *Runner) GetJob(id uuid.UUID) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

func (r *Runner) track(j *Job) {
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
}

// Cancel requests termination of a running job: SIGTERM immediately, then
// SIGKILL if the process has not exited after the spawner's grace period.
// Returns an error if the job is not currently tracked or already terminal.
func (r *Runner) Cancel(jobID uuid.UUID) error {
	j, ok := r.GetJob(jobID)
	if !ok {
		return ErrJobNotTracked
	}
	j.mu.Lock()
	cancel := j.cancel
	status := j.status
	j.mu.Unlock()
	if cancel == nil || status != db.JobStatusRunning {
		return ErrJobNotCancellable
	}
	cancel()
	return nil
}
