package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/db"
)

// JobRecordStore is the read path the Rerun operation needs: fetching the
// original job row to reconstruct its dispatch parameters.
type JobRecordStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
}

// Authorizer re-checks the current caller's permission to dispatch a given
// service/script before Rerun proceeds (spec §4.3: "Authorization must be
// re-checked against the current user").
type Authorizer func(ctx context.Context, identity Identity, service, script string) (bool, error)

// ErrRerunDenied is returned by Rerun when the re-checked authorization
// fails.
var ErrRerunDenied = fmt.Errorf("jobrunner: rerun denied")

// Rerun reconstructs a finished job's service/action/script/inputs from its
// persisted row and dispatches a fresh, unrelated job (no parent_job_id
// link) under the current caller (spec §4.3).
func (r *Runner) Rerun(ctx context.Context, records JobRecordStore, resolver ServiceResolver, jobID uuid.UUID, identity Identity, authorize Authorizer) (*Job, error) {
	original, err := records.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobrunner: load original job: %w", err)
	}

	if authorize != nil {
		allowed, err := authorize(ctx, identity, original.Service, original.Script)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrRerunDenied
		}
	}

	var inputs map[string]any
	if original.Inputs != "" {
		if err := json.Unmarshal([]byte(original.Inputs), &inputs); err != nil {
			return nil, fmt.Errorf("jobrunner: unmarshal original inputs: %w", err)
		}
	}

	script := original.Script
	if script == "" {
		script = actionScript(original.Action)
	}

	return r.RunScript(ctx, resolver, original.Service, script, inputs, identity)
}

// actionScript maps a bare action (no script recorded, e.g. legacy "deploy"
// job) back to the script name it corresponds to.
func actionScript(action string) string {
	switch action {
	case "deploy", "stop":
		return action
	default:
		return action
	}
}
