package pollers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cloudlab-io/manager/internal/db"
)

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// probeTimeout bounds a single live-state or sync script invocation.
const probeTimeout = 30 * time.Second

// ScriptRunner implements LiveStateProber and SnapshotSyncer by invoking a
// per-type probe script and a per-service sync script respectively — the
// same opaque, out-of-process contract the Job Runner uses for service
// scripts (spec §1: cloud SDK calls are out of scope; any live-state
// lookup goes through a script the service/type directory provides).
//
// probe.sh (under <servicesDir>/<type_id>/, the inventory type's UUID) receives the object's
// recorded data as JSON on stdin and must print the live state as a JSON
// object on stdout. sync.sh (under <servicesDir>/<service>/) receives the
// snapshot's current payload on stdin and must print the synced payload
// on stdout. A missing script is not an error — it means the type/service
// does not support that operation, so live state is reported unchanged
// (no drift) and sync is a no-op passthrough.
type ScriptRunner struct {
	ServicesDir string
}

// NewScriptRunner creates a ScriptRunner rooted at servicesDir.
func NewScriptRunner(servicesDir string) *ScriptRunner {
	return &ScriptRunner{ServicesDir: servicesDir}
}

// ProbeLiveState implements pollers.LiveStateProber.
func (s *ScriptRunner) ProbeLiveState(ctx context.Context, obj *db.InventoryObject) (map[string]any, error) {
	script := filepath.Join(s.ServicesDir, obj.TypeID.String(), "probe.sh")
	out, ran, err := s.run(ctx, script, []byte(obj.Data))
	if err != nil {
		return nil, fmt.Errorf("pollers: probe live state: %w", err)
	}
	if !ran {
		// No probe script for this type: report the recorded state back
		// unchanged so the drift poller sees no divergence.
		var recorded map[string]any
		if obj.Data != "" {
			_ = json.Unmarshal([]byte(obj.Data), &recorded)
		}
		return recorded, nil
	}

	var live map[string]any
	if err := json.Unmarshal(out, &live); err != nil {
		return nil, fmt.Errorf("pollers: parse probe output for type %s: %w", obj.TypeID, err)
	}
	return live, nil
}

// Sync implements pollers.SnapshotSyncer.
func (s *ScriptRunner) Sync(ctx context.Context, snap *db.Snapshot) error {
	script := filepath.Join(s.ServicesDir, snap.Service, "sync.sh")
	out, ran, err := s.run(ctx, script, []byte(snap.Payload))
	if err != nil {
		return fmt.Errorf("pollers: sync snapshot: %w", err)
	}
	if !ran {
		return nil
	}
	snap.Payload = string(bytes.TrimSpace(out))
	return nil
}

// run executes script with stdin piped from input, returning its stdout
// untrimmed. ran is false (with a nil error) when the script does not exist.
func (s *ScriptRunner) run(ctx context.Context, script string, input []byte) ([]byte, bool, error) {
	if !fileExists(script) {
		return nil, false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, script)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}
