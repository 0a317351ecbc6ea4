package jobrunner

import (
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the caller a dispatched job is attributed to. UserID is nil
// for system-originated jobs (scheduler, TTL cleanup), which instead carry
// a synthetic Username such as "system:ttl-cleanup" or "scheduler"
// (spec §4.3).
type Identity struct {
	UserID   *uuid.UUID
	Username string
}

// ServiceDef describes where a service's scripts live and the additive
// environment overrides to layer onto a spawned process (spec §4.3
// "env is inherited with additive overrides from the service's
// configuration").
type ServiceDef struct {
	Name string
	Dir  string
	Env  map[string]string
}

// ServiceResolver locates a service's on-disk definition by name. Returns
// ErrUnknownService if no such service exists.
type ServiceResolver interface {
	Resolve(name string) (ServiceDef, error)
}

// ScriptPath returns the path of a named script within the service's
// directory, e.g. "deploy" -> "<dir>/deploy.sh".
func (d ServiceDef) ScriptPath(script string) string {
	return filepath.Join(d.Dir, script+".sh")
}
