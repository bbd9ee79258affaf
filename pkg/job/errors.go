package job

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the engine components.
var (
	// ErrDuplicateID indicates a job with the same id was already submitted.
	ErrDuplicateID = errors.New("duplicate job id")

	// ErrCyclicDependency indicates the submitted dependencies would close a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownDependency indicates a dependency that cannot be resolved.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrInvalidSpec indicates a malformed job spec.
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrInvalidTransition indicates a state change outside the job FSM.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound indicates the job id is unknown.
	ErrNotFound = errors.New("job not found")

	// ErrMemoryLimit indicates a process exceeded its memory cap.
	ErrMemoryLimit = errors.New("memory limit exceeded")

	// ErrCancelled indicates the job was cancelled before or during execution.
	ErrCancelled = errors.New("job cancelled")
)

// SubmissionError is returned when a job is rejected at submission time.
// The scheduler state is unchanged when this error is returned.
type SubmissionError struct {
	JobID  string
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("submit %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("submit %s: %v: %s", e.JobID, e.Err, e.Reason)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ProcessSpawnError indicates the executable could not be started.
type ProcessSpawnError struct {
	Path string
	Err  error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// ProcessTimeoutError indicates the wall-clock limit was exceeded.
type ProcessTimeoutError struct {
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *ProcessTimeoutError) Error() string {
	return fmt.Sprintf("process exceeded timeout %s (elapsed %s)", e.Timeout, e.Elapsed.Round(time.Millisecond))
}

// ProcessCrashError indicates a nonzero exit or termination by signal.
type ProcessCrashError struct {
	ExitCode int
	Signal   string
}

func (e *ProcessCrashError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("process terminated by signal %s", e.Signal)
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

// CallbackError reports a failed or panicking event callback. It never
// changes the terminal status of the job that triggered the event.
type CallbackError struct {
	Handle string
	JobID  string
	Err    error
	Panic  any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback %s (job %s) panicked: %v", e.Handle, e.JobID, e.Panic)
	}
	return fmt.Sprintf("callback %s (job %s): %v", e.Handle, e.JobID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// IsSubmissionError reports whether err is a rejected submission.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}
