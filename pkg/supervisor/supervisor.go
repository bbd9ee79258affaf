// Package supervisor runs external simulator processes under supervision.
//
// Every process is started in its own process group with stdout and stderr
// redirected to per-job log files:
//
//	<output_dir>/<job_id>/stdout.log
//	<output_dir>/<job_id>/stderr.log
//
// A sampler ticks every PollInterval while the process runs. Each tick
// records RSS/CPU peaks and checks the wall-clock timeout and memory cap.
// Termination is always graceful first: SIGTERM to the group, then SIGKILL
// once GracePeriod elapses. Processes left behind in the group after the
// leader exits are killed and, if they linger, retried by the reaper.
//
// At most MaxProcesses processes run at once; further Execute calls block
// in the admission gate until a slot frees up or their context is done.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/simrunner/pkg/job"
)

// ErrShutdown is returned by Execute after Shutdown.
var ErrShutdown = errors.New("supervisor is shut down")

// Config configures a Supervisor.
type Config struct {
	// MaxProcesses bounds concurrently running processes.
	// Default: 4
	MaxProcesses int

	// PollInterval is the sampling and timeout-check period.
	// Default: 500ms
	PollInterval time.Duration

	// GracePeriod is the wait between SIGTERM and SIGKILL.
	// Default: 5s
	GracePeriod time.Duration

	// ReapInterval is how often the reaper sweeps for leftover processes.
	// Default: 30s
	ReapInterval time.Duration

	// DefaultTimeout applies to requests without a timeout.
	// Default: 10m
	DefaultTimeout time.Duration

	// SpawnRate limits process starts per second. Zero means unlimited.
	SpawnRate float64

	// OutputDir is the root for per-job log directories.
	// Default: <os temp dir>/simrunner
	OutputDir string

	// StderrTailLines is the number of stderr lines kept in results.
	// Default: 20
	StderrTailLines int

	// Sampler overrides the gopsutil sampler.
	Sampler Sampler

	Logger *zap.Logger
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		MaxProcesses:    4,
		PollInterval:    500 * time.Millisecond,
		GracePeriod:     5 * time.Second,
		ReapInterval:    30 * time.Second,
		DefaultTimeout:  600 * time.Second,
		OutputDir:       filepath.Join(os.TempDir(), "simrunner"),
		StderrTailLines: 20,
	}
}

// Request describes one process to run.
type Request struct {
	JobID   string
	Command job.Command
	WorkDir string
	Limits  job.Limits
}

// ProcessResult is the outcome of one Execute call.
type ProcessResult struct {
	JobID    string
	PID      int
	Status   job.State
	ExitCode int

	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration

	PeakRSS uint64
	PeakCPU float64

	StdoutPath string
	StderrPath string
	StderrTail string

	// Err is the cause of an unsuccessful status.
	Err error
}

// Stats are cumulative supervisor counters.
type Stats struct {
	Active     int64 `json:"active"`
	PeakActive int64 `json:"peak_active"`
	Spawned    int64 `json:"spawned"`
	Reaped     int64 `json:"reaped"`
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	cfg     Config
	logger  *zap.Logger
	sampler Sampler
	limiter *rate.Limiter

	// slots is the admission gate.
	slots chan struct{}

	mu       sync.Mutex
	handles  map[string]*Handle
	orphans  map[int]time.Time
	shutdown bool

	active     atomic.Int64
	peakActive atomic.Int64
	spawned    atomic.Int64
	reaped     atomic.Int64

	sweepOnce   sync.Once
	stopSweep   context.CancelFunc
	sweepDone   chan struct{}
	sweepActive atomic.Bool
}

// New creates a supervisor. Zero config fields take their defaults.
func New(cfg Config) *Supervisor {
	def := DefaultConfig()
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = def.MaxProcesses
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = def.OutputDir
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = def.StderrTailLines
	}
	if cfg.Sampler == nil {
		cfg.Sampler = ProcessSampler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger,
		sampler: cfg.Sampler,
		slots:   make(chan struct{}, cfg.MaxProcesses),
		handles: make(map[string]*Handle),
		orphans: make(map[int]time.Time),
	}
	if cfg.SpawnRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), 1)
	}
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// JobDir returns the log directory for a job.
func (s *Supervisor) JobDir(jobID string) string {
	return filepath.Join(s.cfg.OutputDir, jobID)
}

// StdoutPath returns the stdout log path for a job.
func (s *Supervisor) StdoutPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stdout.log")
}

// StderrPath returns the stderr log path for a job.
func (s *Supervisor) StderrPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stderr.log")
}

// Execute runs req to completion. It blocks in the admission gate while
// MaxProcesses processes are running, then until the process exits, times
// out, exceeds its memory cap, or is cancelled via ctx or Cancel.
//
// The returned result is never nil. The error is nil only when the process
// completed successfully; otherwise it equals result.Err.
func (s *Supervisor) Execute(ctx context.Context, req Request) (*ProcessResult, error) {
	res := &ProcessResult{JobID: req.JobID, ExitCode: -1}

	if strings.TrimSpace(req.JobID) == "" || strings.TrimSpace(req.Command.Path) == "" {
		return s.fail(res, job.StateFailed, &job.ProcessSpawnError{
			Path: req.Command.Path,
			Err:  fmt.Errorf("%w: job id and command path are required", job.ErrInvalidSpec),
		})
	}

	s.mu.Lock()
	closed := s.shutdown
	s.mu.Unlock()
	if closed {
		return s.fail(res, job.StateCancelled, ErrShutdown)
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return s.fail(res, job.StateCancelled, fmt.Errorf("%w: %v", job.ErrCancelled, ctx.Err()))
	}
	defer func() { <-s.slots }()

	s.mu.Lock()
	closed = s.shutdown
	s.mu.Unlock()
	if closed {
		return s.fail(res, job.StateCancelled, ErrShutdown)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.fail(res, job.StateCancelled, fmt.Errorf("%w: %v", job.ErrCancelled, err))
		}
	}

	h, err := s.spawn(req)
	res.StdoutPath = s.StdoutPath(req.JobID)
	res.StderrPath = s.StderrPath(req.JobID)
	if err != nil {
		res.StderrTail, _ = TailFile(res.StderrPath, s.cfg.StderrTailLines)
		return s.fail(res, job.StateFailed, err)
	}

	reason := s.monitor(ctx, h, req.Limits)
	s.finish(h, reason, req.Limits, res)

	if res.Status == job.StateCompleted {
		return res, nil
	}
	return res, res.Err
}

func (s *Supervisor) fail(res *ProcessResult, status job.State, err error) (*ProcessResult, error) {
	now := time.Now()
	if res.StartedAt.IsZero() {
		res.StartedAt = now
	}
	res.EndedAt = now
	res.Status = status
	res.Err = err
	return res, err
}

func (s *Supervisor) spawn(req Request) (*Handle, error) {
	jobDir := s.JobDir(req.JobID)
	// #nosec G301 -- job directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, &job.ProcessSpawnError{Path: req.Command.Path, Err: fmt.Errorf("create job dir: %w", err)}
	}

	stdoutFile, err := os.Create(s.StdoutPath(req.JobID))
	if err != nil {
		return nil, &job.ProcessSpawnError{Path: req.Command.Path, Err: fmt.Errorf("create stdout log: %w", err)}
	}
	stderrFile, err := os.Create(s.StderrPath(req.JobID))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, &job.ProcessSpawnError{Path: req.Command.Path, Err: fmt.Errorf("create stderr log: %w", err)}
	}

	// #nosec G204 -- running caller-specified simulator executables is the purpose of this package
	cmd := exec.Command(req.Command.Path, req.Command.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = mergeEnv(os.Environ(), req.Command.Env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		_, _ = fmt.Fprintf(stderrFile, "simrunner: spawn %s: %v\n", req.Command.Path, err)
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		s.logger.Warn("process spawn failed",
			zap.String("job_id", req.JobID),
			zap.String("path", req.Command.Path),
			zap.Error(err))
		return nil, &job.ProcessSpawnError{Path: req.Command.Path, Err: err}
	}

	if req.Limits.Nice != 0 {
		// Raising priority needs privileges; the job still runs at the
		// inherited priority.
		if err := setNice(cmd.Process.Pid, req.Limits.Nice); err != nil {
			s.logger.Warn("set process priority failed",
				zap.String("job_id", req.JobID),
				zap.Int("nice", req.Limits.Nice),
				zap.Error(err))
		}
	}

	h := newHandle(req.JobID, cmd)
	go func() {
		h.waitErr = cmd.Wait()
		h.markEnded()
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		close(h.done)
	}()

	s.mu.Lock()
	s.handles[req.JobID] = h
	s.mu.Unlock()

	s.spawned.Add(1)
	n := s.active.Add(1)
	for {
		peak := s.peakActive.Load()
		if n <= peak || s.peakActive.CompareAndSwap(peak, n) {
			break
		}
	}

	s.logger.Info("process started",
		zap.String("job_id", req.JobID),
		zap.Int("pid", h.PID),
		zap.String("path", req.Command.Path))
	return h, nil
}

type endReason int

const (
	reasonExited endReason = iota
	reasonTimeout
	reasonMemory
	reasonCancelled
)

// monitor blocks until the process exits or must be stopped, then stops it.
func (s *Supervisor) monitor(ctx context.Context, h *Handle, limits job.Limits) endReason {
	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	reason := reasonExited
loop:
	for {
		select {
		case <-h.done:
			break loop
		case <-ticker.C:
			s.sample(ctx, h)
			if timeout > 0 && time.Since(h.StartedAt) >= timeout {
				reason = reasonTimeout
				break loop
			}
			if limits.MemoryLimit > 0 && h.Peak().RSSBytes > limits.MemoryLimit {
				reason = reasonMemory
				break loop
			}
		case <-ctx.Done():
			reason = reasonCancelled
			break loop
		case <-h.cancelCh:
			reason = reasonCancelled
			break loop
		}
	}

	if reason != reasonExited {
		s.logger.Info("terminating process",
			zap.String("job_id", h.JobID),
			zap.Int("pid", h.PID),
			zap.String("reason", reason.String()))
		s.terminate(h)
	}
	<-h.done
	return reason
}

func (r endReason) String() string {
	switch r {
	case reasonTimeout:
		return "timeout"
	case reasonMemory:
		return "memory_limit"
	case reasonCancelled:
		return "cancelled"
	default:
		return "exited"
	}
}

func (s *Supervisor) sample(ctx context.Context, h *Handle) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PollInterval)
	defer cancel()

	u, err := s.sampler.Sample(sctx, h.PID)
	if err != nil {
		return
	}
	h.record(u)
}

// terminate sends SIGTERM, waits GracePeriod, then SIGKILL.
func (s *Supervisor) terminate(h *Handle) {
	if h.Exited() {
		return
	}
	if err := signalTerminate(h.PID); err != nil {
		s.logger.Debug("SIGTERM failed", zap.Int("pid", h.PID), zap.Error(err))
	}

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.done:
		return
	case <-grace.C:
	}

	s.logger.Warn("process ignored SIGTERM, sending SIGKILL",
		zap.String("job_id", h.JobID),
		zap.Int("pid", h.PID),
		zap.Duration("grace", s.cfg.GracePeriod))
	if err := signalKill(h.PID); err != nil {
		s.logger.Debug("SIGKILL failed", zap.Int("pid", h.PID), zap.Error(err))
	}
}

func (s *Supervisor) finish(h *Handle, reason endReason, limits job.Limits, res *ProcessResult) {
	s.killStragglers(h.PID)

	s.mu.Lock()
	delete(s.handles, h.JobID)
	s.mu.Unlock()
	s.active.Add(-1)

	res.PID = h.PID
	res.StartedAt = h.StartedAt
	res.EndedAt = h.EndedAt()
	res.Duration = res.EndedAt.Sub(res.StartedAt)
	peak := h.Peak()
	res.PeakRSS = peak.RSSBytes
	res.PeakCPU = peak.CPUPercent
	res.StderrTail, _ = TailFile(res.StderrPath, s.cfg.StderrTailLines)

	state := h.cmd.ProcessState
	if state != nil {
		res.ExitCode = state.ExitCode()
	}

	switch reason {
	case reasonTimeout:
		timeout := limits.Timeout
		if timeout <= 0 {
			timeout = s.cfg.DefaultTimeout
		}
		res.Status = job.StateTimedOut
		res.Err = &job.ProcessTimeoutError{Timeout: timeout, Elapsed: res.Duration}
	case reasonMemory:
		res.Status = job.StateFailed
		res.Err = fmt.Errorf("%w: peak rss %d bytes > limit %d bytes", job.ErrMemoryLimit, peak.RSSBytes, limits.MemoryLimit)
	case reasonCancelled:
		res.Status = job.StateCancelled
		res.Err = job.ErrCancelled
	default:
		if h.waitErr == nil && res.ExitCode == 0 {
			res.Status = job.StateCompleted
		} else {
			res.Status = job.StateFailed
			res.Err = &job.ProcessCrashError{ExitCode: res.ExitCode, Signal: exitSignal(state)}
		}
	}

	s.logger.Info("process finished",
		zap.String("job_id", h.JobID),
		zap.Int("pid", h.PID),
		zap.String("status", res.Status.String()),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
}

// killStragglers kills processes the leader left behind in its group.
func (s *Supervisor) killStragglers(pid int) {
	if !groupAlive(pid) {
		return
	}
	_ = signalKill(pid)
	if groupAlive(pid) {
		s.mu.Lock()
		s.orphans[pid] = time.Now()
		s.mu.Unlock()
		return
	}
	s.reaped.Add(1)
}

// Cancel terminates the running process of jobID. It is idempotent and
// returns false when no such process is running.
func (s *Supervisor) Cancel(jobID string) bool {
	s.mu.Lock()
	h, ok := s.handles[jobID]
	s.mu.Unlock()
	if !ok || h.Exited() {
		return false
	}
	h.cancel()
	return true
}

// HandleInfo is a read-only view of a running process.
type HandleInfo struct {
	JobID     string    `json:"job_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Usage     Usage     `json:"usage"`
	Peak      Usage     `json:"peak"`
}

// Active lists running processes ordered by start time.
func (s *Supervisor) Active() []HandleInfo {
	s.mu.Lock()
	out := make([]HandleInfo, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, HandleInfo{
			JobID:     h.JobID,
			PID:       h.PID,
			StartedAt: h.StartedAt,
			Usage:     h.Usage(),
			Peak:      h.Peak(),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns cumulative counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Active:     s.active.Load(),
		PeakActive: s.peakActive.Load(),
		Spawned:    s.spawned.Load(),
		Reaped:     s.reaped.Load(),
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
