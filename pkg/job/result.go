package job

import (
	"slices"
	"time"
)

// Artifact is an expected output file. Contents are never inspected.
type Artifact struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// DeclaredArtifacts lists patterns as missing artifacts, for jobs whose
// process never started. Glob patterns are kept as written.
func DeclaredArtifacts(patterns []string) []Artifact {
	if len(patterns) == 0 {
		return nil
	}
	out := make([]Artifact, len(patterns))
	for i, p := range patterns {
		out[i] = Artifact{Path: p}
	}
	return out
}

// Result is the captured outcome of a terminal job.
type Result struct {
	JobID  string `json:"job_id"`
	Batch  string `json:"batch,omitempty"`
	Status State  `json:"status"`

	// ExitCode is the process exit code, or -1 when the process never
	// exited normally (not spawned, killed by signal).
	ExitCode int `json:"exit_code"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at"`

	// Duration is the wall-clock run time of the process.
	Duration time.Duration `json:"duration_ns"`

	PeakRSS uint64  `json:"peak_rss_bytes"`
	PeakCPU float64 `json:"peak_cpu_percent"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`

	// StderrTail holds the last lines of stderr for diagnostics.
	StderrTail string `json:"stderr_tail,omitempty"`

	// WorkDir is the directory relative artifact paths resolve against.
	WorkDir string `json:"work_dir,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Error is the rendered cause for unsuccessful results.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the job completed successfully.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StateCompleted
}

// MissingArtifacts returns the expected artifacts that were not found.
func (r *Result) MissingArtifacts() []string {
	var out []string
	for _, a := range r.Artifacts {
		if !a.Exists {
			out = append(out, a.Path)
		}
	}
	return out
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	out.Artifacts = slices.Clone(r.Artifacts)
	return &out
}

// CancelledResult builds the result of a job that never ran.
func CancelledResult(j *Job, at time.Time, reason string) *Result {
	return &Result{
		JobID:       j.ID,
		Batch:       j.Batch,
		Status:      StateCancelled,
		ExitCode:    -1,
		SubmittedAt: j.SubmittedAt,
		EndedAt:     at,
		Artifacts:   DeclaredArtifacts(j.Artifacts),
		Error:       reason,
	}
}
