package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/events"
	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/output"
	"github.com/3leaps/simrunner/pkg/resultstore"
	"github.com/3leaps/simrunner/pkg/scheduler"
	"github.com/3leaps/simrunner/pkg/supervisor"
)

func (e *Engine) worker(ctx context.Context, n int) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker", n))

	for {
		j, err := e.sched.Wait(ctx)
		if err != nil {
			if !errors.Is(err, scheduler.ErrClosed) && !errors.Is(err, context.Canceled) {
				logger.Warn("worker stopped", zap.Error(err))
			}
			return
		}
		e.runJob(ctx, logger, j)
	}
}

// runJob executes one job and finalizes it. The job is released in the
// scheduler last so dependents only start after the result is durable.
func (e *Engine) runJob(ctx context.Context, logger *zap.Logger, j *job.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[j.ID] = cancel
	if _, early := e.cancelled[j.ID]; early {
		delete(e.cancelled, j.ID)
		cancel()
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, j.ID)
		e.mu.Unlock()
		cancel()
	}()

	limits := j.Limits
	if limits.Timeout <= 0 {
		limits.Timeout = e.cfg.DefaultTimeout
	}
	if limits.MemoryLimit == 0 {
		limits.MemoryLimit = e.cfg.DefaultMemoryLimit
	}

	logger.Debug("Job starting", zap.String("job_id", j.ID), zap.Int("priority", j.Priority))
	pr, _ := e.sup.Execute(jobCtx, supervisor.Request{
		JobID:   j.ID,
		Command: j.Command,
		WorkDir: j.WorkDir,
		Limits:  limits,
	})

	res := resultFromProcess(j, pr)
	switch {
	case len(j.Artifacts) == 0:
	case pr.PID == 0:
		res.Artifacts = job.DeclaredArtifacts(j.Artifacts)
	default:
		arts, err := resultstore.CheckArtifacts(j.WorkDir, j.Artifacts)
		if err != nil {
			logger.Warn("artifact check failed", zap.String("job_id", j.ID), zap.Error(err))
		}
		res.Artifacts = arts
	}

	logger.Info("Job finished",
		zap.String("job_id", j.ID),
		zap.String("status", res.Status.String()),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Uint64("peak_rss_bytes", res.PeakRSS))
	if pr.Err != nil {
		e.writeError(errorCode(pr.Err), j.ID, pr.Err)
	}

	e.finalize(res)

	if _, err := e.sched.MarkTerminal(j.ID, res.Status); err != nil {
		logger.Error("mark terminal failed", zap.String("job_id", j.ID), zap.Error(err))
	}
	e.signalProgress()
}

// onCancel finalizes jobs the scheduler cancelled before they ran.
func (e *Engine) onCancel(j *job.Job, reason string) {
	at := time.Now()
	if j.EndedAt != nil {
		at = *j.EndedAt
	}
	e.logger.Info("Job cancelled before start",
		zap.String("job_id", j.ID),
		zap.String("reason", reason))
	if e.out != nil {
		_ = e.out.WriteEvent(context.Background(), &output.EventRecord{
			JobID:  j.ID,
			Batch:  j.Batch,
			State:  job.StateCancelled,
			Reason: reason,
		})
	}
	e.finalize(job.CancelledResult(j, at, reason))
}

// finalize records res, wakes Run callers, dispatches callbacks, and
// submits any follow-up jobs they return.
func (e *Engine) finalize(res *job.Result) {
	ctx := context.Background()
	defer func() {
		e.finalized.Add(1)
		e.signalProgress()
	}()

	if err := e.store.Record(ctx, res); err != nil {
		e.logger.Error("record result failed", zap.String("job_id", res.JobID), zap.Error(err))
		e.writeError(output.ErrCodeInternal, res.JobID, err)
	}
	if e.out != nil {
		_ = e.out.WriteResult(ctx, res)
	}
	e.notifyWaiters(res)

	followUps := e.disp.Dispatch(ctx, events.NewEvent(res))
	e.disp.Release(res.JobID)

	for _, spec := range followUps {
		id, err := e.Submit(*spec)
		if err != nil {
			e.logger.Warn("follow-up job rejected",
				zap.String("parent_job_id", res.JobID),
				zap.String("job_id", spec.ID),
				zap.Error(err))
			continue
		}
		e.logger.Debug("Follow-up job submitted",
			zap.String("parent_job_id", res.JobID),
			zap.String("job_id", id))
	}
}

func resultFromProcess(j *job.Job, pr *supervisor.ProcessResult) *job.Result {
	res := &job.Result{
		JobID:       j.ID,
		Batch:       j.Batch,
		Status:      pr.Status,
		ExitCode:    pr.ExitCode,
		SubmittedAt: j.SubmittedAt,
		EndedAt:     pr.EndedAt,
		Duration:    pr.Duration,
		PeakRSS:     pr.PeakRSS,
		PeakCPU:     pr.PeakCPU,
		StdoutPath:  pr.StdoutPath,
		StderrPath:  pr.StderrPath,
		StderrTail:  pr.StderrTail,
		WorkDir:     j.WorkDir,
	}
	if pr.PID != 0 {
		started := pr.StartedAt
		res.StartedAt = &started
	}
	if pr.Err != nil {
		res.Error = pr.Err.Error()
	}
	return res
}

func errorCode(err error) string {
	var spawnErr *job.ProcessSpawnError
	var timeoutErr *job.ProcessTimeoutError
	var crashErr *job.ProcessCrashError
	switch {
	case errors.As(err, &spawnErr):
		return output.ErrCodeSpawn
	case errors.As(err, &timeoutErr):
		return output.ErrCodeTimeout
	case errors.As(err, &crashErr):
		return output.ErrCodeCrash
	case errors.Is(err, job.ErrCancelled):
		return output.ErrCodeCancelled
	default:
		return output.ErrCodeInternal
	}
}
