// Package job defines the shared data model of the simulation engine: job
// specs, the job lifecycle state machine, captured results, and the error
// taxonomy reported by the scheduler, supervisor, and dispatcher.
//
// A Job is owned by the engine until it reaches a terminal state. Its Result
// is immutable once recorded and is handed to callers by value.
package job

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command describes one external executable invocation.
type Command struct {
	// Path is the executable path. Relative paths are resolved via PATH.
	Path string `json:"path" yaml:"path"`

	// Args is the ordered argument list (excluding argv[0]).
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env holds additions to the inherited process environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Limits bounds the resources a job may consume.
type Limits struct {
	// Timeout is the wall-clock limit. Zero means the engine default.
	Timeout time.Duration `json:"timeout_ns,omitempty" yaml:"timeout,omitempty"`

	// MemoryLimit is the RSS cap in bytes. Zero means unlimited.
	MemoryLimit uint64 `json:"memory_limit_bytes,omitempty" yaml:"memory_limit,omitempty"`

	// Nice is the OS scheduling priority, -20 (highest) to 19 (lowest).
	// Zero inherits the engine's priority.
	Nice int `json:"nice,omitempty" yaml:"nice,omitempty"`
}

// Nice bounds.
const (
	MinNice = -20
	MaxNice = 19
)

// Spec is the caller-supplied description of a job.
type Spec struct {
	// ID must be unique per engine. Empty IDs are assigned a UUID.
	ID string `json:"id"`

	Command Command `json:"command"`

	// WorkDir is the process working directory. Artifact paths are resolved
	// against it.
	WorkDir string `json:"work_dir,omitempty"`

	// Priority orders ready jobs: higher runs sooner.
	Priority int `json:"priority,omitempty"`

	// DependsOn lists job ids that must reach Completed first.
	DependsOn []string `json:"depends_on,omitempty"`

	Limits Limits `json:"limits,omitempty"`

	// Artifacts lists expected output files (doublestar patterns allowed).
	Artifacts []string `json:"artifacts,omitempty"`

	// Batch groups jobs for counting and cancellation.
	Batch string `json:"batch,omitempty"`
}

// EnsureID assigns a random id when the spec has none.
func (s *Spec) EnsureID() string {
	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.New().String()
	}
	return s.ID
}

// Validate checks the structural requirements of a spec.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Command.Path) == "" {
		return fmt.Errorf("%w: command path is required", ErrInvalidSpec)
	}
	if s.Limits.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidSpec)
	}
	if s.Limits.Nice < MinNice || s.Limits.Nice > MaxNice {
		return fmt.Errorf("%w: nice %d outside [%d, %d]", ErrInvalidSpec, s.Limits.Nice, MinNice, MaxNice)
	}
	seen := make(map[string]struct{}, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("%w: empty dependency id", ErrInvalidSpec)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("%w: dependency %q listed twice", ErrInvalidSpec, dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the spec.
func (s Spec) Clone() Spec {
	out := s
	out.Command.Args = slices.Clone(s.Command.Args)
	if s.Command.Env != nil {
		out.Command.Env = make(map[string]string, len(s.Command.Env))
		for k, v := range s.Command.Env {
			out.Command.Env[k] = v
		}
	}
	out.DependsOn = slices.Clone(s.DependsOn)
	out.Artifacts = slices.Clone(s.Artifacts)
	return out
}

// Job is a submitted spec plus its lifecycle bookkeeping.
type Job struct {
	Spec

	State State `json:"state"`

	// Seq is the submission sequence number used for FIFO tie-breaking.
	Seq uint64 `json:"seq"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Transition moves the job to next, stamping start/end times.
func (j *Job) Transition(next State, at time.Time) error {
	if err := ValidateTransition(j.State, next); err != nil {
		return err
	}
	j.State = next
	if next == StateRunning {
		t := at
		j.StartedAt = &t
	}
	if next.Terminal() {
		t := at
		j.EndedAt = &t
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	out := *j
	out.Spec = j.Spec.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	return &out
}
