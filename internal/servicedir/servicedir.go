// Package servicedir resolves service names to their on-disk directory
// under the configured services root, and reads each service's declared
// outputs (service_outputs.yaml) — the filesystem half of the Job Runner's
// subprocess contract (spec §4.3) and the portal credential-filtering
// endpoints (spec §6).
//
// Grounded on service_outputs.py's directory-walk convention: one
// subdirectory per service under the services root, each optionally
// carrying an outputs/service_outputs.yaml file.
package servicedir

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cloudlab-io/manager/internal/jobrunner"
)

const outputsFilename = "service_outputs.yaml"

// Resolver implements jobrunner.ServiceResolver against a directory tree.
type Resolver struct {
	Root string
}

// New creates a Resolver rooted at dir.
func New(dir string) *Resolver {
	return &Resolver{Root: dir}
}

// Resolve returns a service's definition if its directory exists under the
// services root.
func (r *Resolver) Resolve(name string) (jobrunner.ServiceDef, error) {
	dir := filepath.Join(r.Root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return jobrunner.ServiceDef{}, jobrunner.ErrUnknownService
	}
	return jobrunner.ServiceDef{Name: name, Dir: dir}, nil
}

// Names lists every service directory under the services root, sorted.
func (r *Resolver) Names() ([]string, error) {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Output is one entry of a service's service_outputs.yaml.
type Output struct {
	Name           string `yaml:"name" json:"name"`
	Label          string `yaml:"label" json:"label"`
	Type           string `yaml:"type" json:"type"`
	Value          string `yaml:"value" json:"value,omitempty"`
	CredentialType string `yaml:"credential_type" json:"credential_type,omitempty"`
}

type outputsFile struct {
	Outputs []Output `yaml:"outputs"`
}

// Outputs reads a service's outputs/service_outputs.yaml, returning an
// empty slice if the file is absent or malformed (service_outputs.py's
// get_service_outputs never raises — it treats a bad file as "no outputs").
func (r *Resolver) Outputs(name string) []Output {
	path := filepath.Join(r.Root, name, "outputs", outputsFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var parsed outputsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	return parsed.Outputs
}

// AllOutputs reads service_outputs.yaml for every known service
// (service_outputs.py's get_all_service_outputs).
func (r *Resolver) AllOutputs() (map[string][]Output, error) {
	names, err := r.Names()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]Output, len(names))
	for _, name := range names {
		if outs := r.Outputs(name); len(outs) > 0 {
			result[name] = outs
		}
	}
	return result, nil
}
