// Package manifest provides loading and validation of simrunner batch manifests.
//
// A batch manifest is a YAML or JSON file describing a named set of
// simulation jobs: the simulator command of each job, its dependencies,
// resource limits, and the artifacts it is expected to produce.
//
// Manifests are validated against an embedded JSON Schema before they are
// converted to job specs. The schema enforces strict typing and disallows
// unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	batch: pll-corners
//	defaults:
//	  workdir: runs
//	  timeout: 10m
//	  env:
//	    LM_LICENSE_FILE: 27000@licsrv
//	jobs:
//	  - id: netlist
//	    command: /opt/sim/bin/netlister
//	    args: ["pll.sch"]
//	  - id: tran-ff
//	    command: /opt/sim/bin/spectre
//	    args: ["-f", "tran_ff.scs"]
//	    depends_on: [netlist]
//	    priority: 5
//	    memory_limit_mb: 4096
//	    artifacts: ["tran_ff.raw", "logs/*.log"]
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/simrunner/pkg/job"
)

// Manifest represents a validated batch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.3leaps.dev/simrunner/v1.0.0/batch-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Batch names the job group. Empty means the engine assigns a name.
	Batch string `json:"batch,omitempty" yaml:"batch,omitempty"`

	// Defaults apply to every job that does not override them.
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	Jobs []Job `json:"jobs" yaml:"jobs"`

	// Dir is the directory relative work directories resolve against. Load
	// sets it to the manifest's directory.
	Dir string `json:"-" yaml:"-"`
}

// Defaults holds batch-wide job settings.
type Defaults struct {
	WorkDir       string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Timeout       string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MemoryLimitMB uint64            `json:"memory_limit_mb,omitempty" yaml:"memory_limit_mb,omitempty"`
	Priority      int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Nice          int               `json:"nice,omitempty" yaml:"nice,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Job is one manifest entry.
type Job struct {
	ID      string            `json:"id" yaml:"id"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	// Priority overrides the default when set; an explicit 0 is kept.
	Priority *int `json:"priority,omitempty" yaml:"priority,omitempty"`

	DependsOn     []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout       string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MemoryLimitMB uint64   `json:"memory_limit_mb,omitempty" yaml:"memory_limit_mb,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	// Nice overrides the default when set, like Priority.
	Nice *int `json:"nice,omitempty" yaml:"nice,omitempty"`
}

// DefaultVersion is the current manifest schema version.
const DefaultVersion = "1.0"

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	m.Batch = strings.TrimSpace(m.Batch)
}

// Specs converts the manifest into job specs in manifest order.
//
// Dependencies must name jobs in the same manifest; a manifest is a closed
// set, so a dangling reference is reported as job.ErrUnknownDependency
// instead of waiting for a job that will never be submitted.
func (m *Manifest) Specs() ([]job.Spec, error) {
	defaultTimeout, err := parseDuration(m.Defaults.Timeout)
	if err != nil {
		return nil, fmt.Errorf("defaults.timeout: %w", err)
	}

	ids := make(map[string]struct{}, len(m.Jobs))
	for _, j := range m.Jobs {
		if _, dup := ids[j.ID]; dup {
			return nil, &job.SubmissionError{JobID: j.ID, Reason: "repeated in manifest", Err: job.ErrDuplicateID}
		}
		ids[j.ID] = struct{}{}
	}

	specs := make([]job.Spec, 0, len(m.Jobs))
	for _, j := range m.Jobs {
		for _, dep := range j.DependsOn {
			if _, ok := ids[dep]; !ok {
				return nil, &job.SubmissionError{JobID: j.ID, Reason: "depends on " + dep, Err: job.ErrUnknownDependency}
			}
		}

		timeout := defaultTimeout
		if j.Timeout != "" {
			if timeout, err = parseDuration(j.Timeout); err != nil {
				return nil, fmt.Errorf("job %s timeout: %w", j.ID, err)
			}
		}
		memMB := m.Defaults.MemoryLimitMB
		if j.MemoryLimitMB > 0 {
			memMB = j.MemoryLimitMB
		}
		priority := m.Defaults.Priority
		if j.Priority != nil {
			priority = *j.Priority
		}
		nice := m.Defaults.Nice
		if j.Nice != nil {
			nice = *j.Nice
		}

		spec := job.Spec{
			ID: j.ID,
			Command: job.Command{
				Path: j.Command,
				Args: append([]string(nil), j.Args...),
				Env:  mergeEnv(m.Defaults.Env, j.Env),
			},
			WorkDir:   m.resolveDir(firstNonEmpty(j.WorkDir, m.Defaults.WorkDir)),
			Priority:  priority,
			DependsOn: append([]string(nil), j.DependsOn...),
			Limits: job.Limits{
				Timeout:     timeout,
				MemoryLimit: memMB << 20,
				Nice:        nice,
			},
			Artifacts: append([]string(nil), j.Artifacts...),
			Batch:     m.Batch,
		}
		if err := spec.Validate(); err != nil {
			return nil, &job.SubmissionError{JobID: j.ID, Err: err}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (m *Manifest) resolveDir(dir string) string {
	if dir == "" || filepath.IsAbs(dir) || m.Dir == "" {
		return dir
	}
	return filepath.Join(m.Dir, dir)
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return d, nil
}

func mergeEnv(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
