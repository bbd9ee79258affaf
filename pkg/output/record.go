// Package output provides JSONL records for simulation job results.
//
// Output is structured as typed record envelopes containing results,
// lifecycle events, errors, and run summaries. Each line is a
// self-contained JSON object that can be parsed independently, which makes
// the same format usable for streaming to stdout and for the append-only
// result ledger.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/simrunner/pkg/job"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: simrunner.<type>.v<version>
const (
	// TypeResult identifies captured job results.
	TypeResult = "simrunner.result.v1"

	// TypeEvent identifies job lifecycle events.
	TypeEvent = "simrunner.event.v1"

	// TypeError identifies error records.
	TypeError = "simrunner.error.v1"

	// TypeSummary identifies final run summaries.
	TypeSummary = "simrunner.summary.v1"

	// TypePurge identifies ledger tombstones for purged results.
	TypePurge = "simrunner.purge.v1"
)

// Record is the envelope for all JSONL output.
//
// The type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "simrunner.result.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates records written by one engine instance.
	RunID string `json:"run_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Result decodes a TypeResult payload.
func (r Record) Result() (*job.Result, error) {
	if r.Type != TypeResult {
		return nil, &WriteError{Op: "decode_result", Err: errors.New("record type is " + r.Type)}
	}
	var res job.Result
	if err := json.Unmarshal(r.Data, &res); err != nil {
		return nil, &WriteError{Op: "decode_result", Err: err}
	}
	return &res, nil
}

// Purge decodes a TypePurge payload.
func (r Record) Purge() (*PurgeRecord, error) {
	if r.Type != TypePurge {
		return nil, &WriteError{Op: "decode_purge", Err: errors.New("record type is " + r.Type)}
	}
	var p PurgeRecord
	if err := json.Unmarshal(r.Data, &p); err != nil {
		return nil, &WriteError{Op: "decode_purge", Err: err}
	}
	return &p, nil
}

// EventRecord is the data payload for job lifecycle changes.
type EventRecord struct {
	JobID string    `json:"job_id"`
	Batch string    `json:"batch,omitempty"`
	State job.State `json:"state"`

	// Reason explains cancellations and failures.
	Reason string `json:"reason,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than aborting the run, so a batch
// with some failing jobs still produces a complete stream.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeSubmission = "SUBMISSION_REJECTED"
	ErrCodeSpawn      = "SPAWN_FAILED"
	ErrCodeTimeout    = "TIMEOUT"
	ErrCodeCrash      = "CRASH"
	ErrCodeCancelled  = "CANCELLED"
	ErrCodeCallback   = "CALLBACK_FAILED"
	ErrCodeInternal   = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`

	// Pending counts jobs still outstanding when the summary was taken.
	Pending int `json:"pending"`

	// Duration is the wall-clock time of the run.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Batch names the batch the summary covers, if any.
	Batch string `json:"batch,omitempty"`
}

// PurgeRecord marks results removed from the in-memory index.
type PurgeRecord struct {
	JobIDs []string `json:"job_ids"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")

	// ErrTruncatedRecord is returned by ReadRecords when the final line is
	// incomplete, as happens after a crash mid-write.
	ErrTruncatedRecord = errors.New("truncated final record")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
