package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/output"
	"github.com/3leaps/simrunner/pkg/resultstore"
)

// Summary counts jobs by outcome.
type Summary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`

	// Pending counts jobs that are not terminal yet.
	Pending int `json:"pending"`

	Elapsed time.Duration `json:"elapsed_ns"`
}

// Total returns the number of jobs counted.
func (s Summary) Total() int {
	return s.Completed + s.Failed + s.TimedOut + s.Cancelled + s.Pending
}

// Succeeded reports whether every job completed successfully.
func (s Summary) Succeeded() bool {
	return s.Pending == 0 && s.Failed == 0 && s.TimedOut == 0 && s.Cancelled == 0
}

// Record converts the summary to an output record.
func (s Summary) Record(batch string) *output.SummaryRecord {
	return &output.SummaryRecord{
		Completed:     s.Completed,
		Failed:        s.Failed,
		TimedOut:      s.TimedOut,
		Cancelled:     s.Cancelled,
		Pending:       s.Pending,
		Duration:      s.Elapsed,
		DurationHuman: s.Elapsed.Round(time.Millisecond).String(),
		Batch:         batch,
	}
}

// Summary counts every job submitted to this engine.
func (e *Engine) Summary() Summary {
	st := e.sched.Stats()
	return Summary{
		Completed: st.Completed,
		Failed:    st.Failed,
		TimedOut:  st.TimedOut,
		Cancelled: st.Cancelled,
		Pending:   st.Pending + st.Ready + st.Running,
		Elapsed:   time.Since(e.createdAt),
	}
}

// BatchSummary counts the jobs of one batch from the result store.
func (e *Engine) BatchSummary(name string) (Summary, bool) {
	c, ok := e.store.Batch(name)
	if !ok {
		return Summary{}, false
	}
	return Summary{
		Completed: c.Completed,
		Failed:    c.Failed,
		TimedOut:  c.TimedOut,
		Cancelled: c.Cancelled,
		Pending:   c.Total - c.Recorded(),
		Elapsed:   time.Since(e.createdAt),
	}, true
}

// WaitOption configures WaitCompletion.
type WaitOption func(*waitOptions)

type waitOptions struct {
	abort bool
}

// AbortOnTimeout cancels every unfinished job when the wait times out and
// waits for those cancellations to settle.
func AbortOnTimeout() WaitOption {
	return func(o *waitOptions) { o.abort = true }
}

// WaitCompletion blocks until every submitted job is terminal and its
// result has been recorded and dispatched. A zero timeout waits without a
// limit. On timeout the current summary is returned with ErrWaitTimeout.
func (e *Engine) WaitCompletion(ctx context.Context, timeout time.Duration, opts ...WaitOption) (Summary, error) {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		progress := e.progressChan()
		if e.settled() {
			return e.Summary(), nil
		}

		select {
		case <-progress:
		case <-ctx.Done():
			return e.Summary(), ctx.Err()
		case <-deadline:
			if o.abort {
				n := e.abortOutstanding()
				e.logger.Warn("Wait timed out; cancelled outstanding jobs", zap.Int("cancelled", n))
				if _, err := e.WaitCompletion(ctx, 0); err != nil {
					return e.Summary(), err
				}
			}
			return e.Summary(), fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
		}
	}
}

// settled reports whether no job is outstanding and every terminal job has
// been finalized.
func (e *Engine) settled() bool {
	st := e.sched.Stats()
	if st.Pending+st.Ready+st.Running > 0 {
		return false
	}
	terminal := int64(st.Completed + st.Failed + st.TimedOut + st.Cancelled)
	return e.finalized.Load() >= terminal-e.restored.Load()
}

func (e *Engine) abortOutstanding() int {
	n := 0
	for _, entry := range e.sched.Snapshot().Jobs {
		if entry.State.Terminal() {
			continue
		}
		if err := e.Cancel(entry.ID); err == nil {
			n++
		}
	}
	return n
}

// BatchOption configures SubmitBatch.
type BatchOption func(*batchOptions)

type batchOptions struct {
	skipCompleted bool
}

// SkipCompleted resumes a batch: jobs that already have a Completed result
// in the store are not run again and count as Completed for dependents.
func SkipCompleted() BatchOption {
	return func(o *batchOptions) { o.skipCompleted = true }
}

// BatchReport describes a batch submission.
type BatchReport struct {
	Name      string   `json:"name"`
	Submitted []string `json:"submitted"`
	Skipped   []string `json:"skipped,omitempty"`
}

// SubmitBatch submits specs under one batch name. Specs are validated up
// front; if a submission is rejected midway, the jobs already submitted by
// this call are cancelled and the error is returned.
func (e *Engine) SubmitBatch(name string, specs []job.Spec, opts ...BatchOption) (*BatchReport, error) {
	if e.State() != StateAccepting {
		return nil, ErrNotAccepting
	}
	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "batch-" + uuid.New().String()[:8]
	}

	prepared := make([]job.Spec, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		s = s.Clone()
		s.EnsureID()
		s.Batch = name
		if err := s.Validate(); err != nil {
			return nil, &job.SubmissionError{JobID: s.ID, Err: err}
		}
		if err := resultstore.ValidateArtifactPatterns(s.Artifacts); err != nil {
			return nil, &job.SubmissionError{JobID: s.ID, Err: err}
		}
		if _, dup := seen[s.ID]; dup {
			return nil, &job.SubmissionError{JobID: s.ID, Reason: "repeated within batch " + name, Err: job.ErrDuplicateID}
		}
		seen[s.ID] = struct{}{}
		prepared = append(prepared, s)
	}

	report := &BatchReport{Name: name}
	ids := make([]string, 0, len(prepared))
	for _, s := range prepared {
		ids = append(ids, s.ID)

		if o.skipCompleted {
			if prev, err := e.store.Query(s.ID); err == nil && prev.Succeeded() {
				if err := e.sched.Restore(s.ID, name, job.StateCompleted); err == nil {
					e.restored.Add(1)
				}
				report.Skipped = append(report.Skipped, s.ID)
				continue
			}
		}

		if _, err := e.Submit(s); err != nil {
			for _, id := range report.Submitted {
				_ = e.Cancel(id)
			}
			return report, fmt.Errorf("batch %s: %w", name, err)
		}
		report.Submitted = append(report.Submitted, s.ID)
	}

	e.store.RegisterBatch(name, ids)
	e.logger.Info("Batch submitted",
		zap.String("batch", name),
		zap.Int("submitted", len(report.Submitted)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}
