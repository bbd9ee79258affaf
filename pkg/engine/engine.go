// Package engine composes the scheduler, process supervisor, result store,
// and event dispatcher into a simulation job orchestrator.
//
// Lifecycle:
//
//	Accepting --Drain--> Draining --(in-flight work done)--> Closed
//	Accepting --Close--> Closed
//
// A fixed pool of workers loops over {wait for a ready job, execute it,
// record the result, dispatch callbacks, release dependents}. Results are
// recorded and callbacks dispatched before dependents are released, so a
// follow-up job returned by a callback is always counted by WaitCompletion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/events"
	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/output"
	"github.com/3leaps/simrunner/pkg/resultstore"
	"github.com/3leaps/simrunner/pkg/scheduler"
	"github.com/3leaps/simrunner/pkg/supervisor"
)

// State is the engine lifecycle state.
type State int32

const (
	StateAccepting State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotAccepting is returned by submissions once Drain or Close began.
	ErrNotAccepting = errors.New("engine is not accepting jobs")

	// ErrNotStarted is returned by blocking calls before Start.
	ErrNotStarted = errors.New("engine not started")

	// ErrWaitTimeout is returned by WaitCompletion when its timeout elapses.
	ErrWaitTimeout = errors.New("timed out waiting for jobs")
)

// Engine is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	sched *scheduler.Scheduler
	sup   *supervisor.Supervisor
	store *resultstore.Store
	disp  *events.Dispatcher
	out   output.Writer

	ownsStore bool
	state     atomic.Int32
	createdAt time.Time

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
	running map[string]context.CancelFunc
	waiters map[string][]chan *job.Result

	// cancelled holds running jobs cancelled before their worker
	// registered them.
	cancelled map[string]struct{}

	// progress is closed and replaced after every finalized job.
	progress chan struct{}

	// finalized counts jobs whose result was recorded and dispatched;
	// restored counts jobs resumed from the store without running.
	finalized atomic.Int64
	restored  atomic.Int64

	shutOnce sync.Once
	shutErr  error
}

// New builds an engine. Call Start to launch the workers.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	if err := ensureDir(cfg.OutputDir); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    o.logger,
		out:       o.writer,
		createdAt: time.Now(),
		running:   make(map[string]context.CancelFunc),
		waiters:   make(map[string][]chan *job.Result),
		cancelled: make(map[string]struct{}),
		progress:  make(chan struct{}),
	}

	if o.store != nil {
		e.store = o.store
	} else {
		s, err := resultstore.Open(context.Background(), resultstore.NewMemoryLedger(), resultstore.Options{Logger: o.logger.Named("results")})
		if err != nil {
			return nil, err
		}
		e.store = s
		e.ownsStore = true
	}

	e.disp = events.New(events.Config{
		MaxConsecutiveFailures: cfg.MaxCallbackFailures,
		OnError:                e.onCallbackError,
		Logger:                 o.logger.Named("events"),
	})
	e.sup = supervisor.New(cfg.supervisorConfig(o.logger, o.sampler))
	e.sched = scheduler.New(scheduler.Config{
		Policy:   cfg.CancelPolicy,
		OnCancel: e.onCancel,
		Logger:   o.logger.Named("scheduler"),
	})
	return e, nil
}

// Start launches the worker pool and the orphan reaper. Workers stop when
// the engine is closed or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == StateClosed {
		return ErrNotAccepting
	}
	if e.started {
		return nil
	}
	e.started = true

	workCtx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	e.sup.Start(workCtx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(workCtx, i)
	}

	e.logger.Info("Engine started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("max_processes", e.cfg.MaxProcesses),
		zap.String("cancel_policy", string(e.cfg.CancelPolicy)),
		zap.String("output_dir", e.cfg.OutputDir))
	return nil
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Store returns the result store.
func (e *Engine) Store() *resultstore.Store {
	return e.store
}

// Dispatcher returns the event dispatcher.
func (e *Engine) Dispatcher() *events.Dispatcher {
	return e.disp
}

// Submit enqueues spec and returns its id.
func (e *Engine) Submit(spec job.Spec) (string, error) {
	if e.State() != StateAccepting {
		return "", ErrNotAccepting
	}
	if err := resultstore.ValidateArtifactPatterns(spec.Artifacts); err != nil {
		return "", &job.SubmissionError{JobID: spec.ID, Err: err}
	}

	j, err := e.sched.Submit(spec)
	if err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			return "", ErrNotAccepting
		}
		e.writeError(output.ErrCodeSubmission, spec.ID, err)
		return "", err
	}

	e.logger.Debug("Job accepted",
		zap.String("job_id", j.ID),
		zap.String("batch", j.Batch),
		zap.Int("priority", j.Priority),
		zap.String("state", j.State.String()))
	if e.out != nil && j.State != job.StateCancelled {
		_ = e.out.WriteEvent(context.Background(), &output.EventRecord{JobID: j.ID, Batch: j.Batch, State: j.State})
	}
	return j.ID, nil
}

// Run submits spec and blocks until the job is terminal. Unsuccessful jobs
// are reported through the result status, not the error.
func (e *Engine) Run(ctx context.Context, spec job.Spec) (*job.Result, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	spec = spec.Clone()
	id := spec.EnsureID()

	ch := make(chan *job.Result, 1)
	e.addWaiter(id, ch)
	if _, err := e.Submit(spec); err != nil {
		e.removeWaiter(id, ch)
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		e.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

// RunAsync submits spec and returns immediately. cb, if set, runs once the
// job is terminal, on the dispatcher path; a spec it returns is submitted
// as a follow-up job.
func (e *Engine) RunAsync(spec job.Spec, cb events.Callback) (string, error) {
	spec = spec.Clone()
	id := spec.EnsureID()

	var h events.Handle
	if cb != nil {
		var err error
		if h, err = e.disp.Register(id, events.OnComplete, cb); err != nil {
			return "", err
		}
	}
	if _, err := e.Submit(spec); err != nil {
		if h != "" {
			e.disp.Unregister(h)
		}
		return "", err
	}
	return id, nil
}

// Cancel cancels a job. A job that has not started is never spawned; a
// running job is terminated with SIGTERM then SIGKILL and reported
// Cancelled once it exits.
func (e *Engine) Cancel(id string) error {
	_, err := e.sched.Cancel(id)
	if errors.Is(err, scheduler.ErrRunning) {
		e.cancelRunning(id)
		return nil
	}
	return err
}

// CancelBatch cancels every unfinished job of the batch and returns the
// ids it affected.
func (e *Engine) CancelBatch(name string) []string {
	cancelled, running := e.sched.CancelBatch(name)
	for _, id := range running {
		e.cancelRunning(id)
	}
	return append(cancelled, running...)
}

// Job returns a copy of the scheduled job.
func (e *Engine) Job(id string) (*job.Job, error) {
	return e.sched.Get(id)
}

// Snapshot returns a copy of the scheduler state.
func (e *Engine) Snapshot() scheduler.Snapshot {
	return e.sched.Snapshot()
}

// Active lists running processes.
func (e *Engine) Active() []supervisor.HandleInfo {
	return e.sup.Active()
}

// Stats aggregates component statistics.
type Stats struct {
	State      string           `json:"state"`
	Uptime     time.Duration    `json:"uptime_ns"`
	Scheduler  scheduler.Stats  `json:"scheduler"`
	Supervisor supervisor.Stats `json:"supervisor"`
	Events     events.Stats     `json:"events"`
	Results    int              `json:"results"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		State:      e.State().String(),
		Uptime:     time.Since(e.createdAt),
		Scheduler:  e.sched.Stats(),
		Supervisor: e.sup.Stats(),
		Events:     e.disp.Stats(),
		Results:    e.store.Len(),
	}
}

// Drain stops accepting jobs and waits for queued and running work to
// finish. Jobs waiting on dependencies that were never submitted are
// cancelled. If ctx ends first the engine is closed forcefully.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateAccepting), int32(StateDraining)) {
		if e.State() == StateClosed {
			return nil
		}
	}
	e.logger.Info("Draining engine", zap.Int("outstanding", e.sched.Outstanding()))
	e.sched.Close(true)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		// Nothing will ever run queued work.
		e.sched.Close(false)
	}

	select {
	case <-done:
	case <-ctx.Done():
		_ = e.Close()
		return ctx.Err()
	}
	return e.shutdown(ctx)
}

// Close cancels every unfinished job, terminates running processes, and
// waits for the workers to exit.
func (e *Engine) Close() error {
	prev := State(e.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	e.logger.Info("Closing engine", zap.Int("outstanding", e.sched.Outstanding()))

	e.sched.Close(false)

	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	return e.shutdown(context.Background())
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.shutOnce.Do(func() { e.shutErr = e.doShutdown(ctx) })
	return e.shutErr
}

func (e *Engine) doShutdown(ctx context.Context) error {
	e.state.Store(int32(StateClosed))

	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()

	err := e.sup.Shutdown(ctx)
	if stop != nil {
		stop()
	}
	if e.out != nil {
		_ = e.out.WriteSummary(context.Background(), e.Summary().Record(""))
	}
	if e.ownsStore {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.signalProgress()
	return err
}

func (e *Engine) addWaiter(id string, ch chan *job.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters[id] = append(e.waiters[id], ch)
}

func (e *Engine) removeWaiter(id string, ch chan *job.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[id]
	for i, c := range list {
		if c == ch {
			e.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

func (e *Engine) notifyWaiters(res *job.Result) {
	e.mu.Lock()
	list := e.waiters[res.JobID]
	delete(e.waiters, res.JobID)
	e.mu.Unlock()
	for _, ch := range list {
		ch <- res.Clone()
	}
}

func (e *Engine) cancelRunning(id string) {
	e.mu.Lock()
	cancel, ok := e.running[id]
	if !ok {
		e.cancelled[id] = struct{}{}
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) signalProgress() {
	e.mu.Lock()
	close(e.progress)
	e.progress = make(chan struct{})
	e.mu.Unlock()
}

func (e *Engine) progressChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

func (e *Engine) onCallbackError(cerr *job.CallbackError) {
	e.writeError(output.ErrCodeCallback, cerr.JobID, cerr)
}

func (e *Engine) writeError(code, jobID string, err error) {
	if e.out == nil || err == nil {
		return
	}
	_ = e.out.WriteError(context.Background(), &output.ErrorRecord{
		Code:    code,
		Message: err.Error(),
		JobID:   jobID,
	})
}
