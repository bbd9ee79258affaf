package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/simrunner/pkg/events"
	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/output"
	"github.com/3leaps/simrunner/pkg/resultstore"
	"github.com/3leaps/simrunner/pkg/scheduler"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func testConfig(t *testing.T, mutate func(*Config)) Config {
	t.Helper()
	cfg := Config{
		MaxProcesses: 2,
		PollInterval: 20 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
		ReapInterval: time.Second,
		OutputDir:    t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config), opts ...Option) *Engine {
	t.Helper()
	e, err := New(testConfig(t, mutate), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
}

func sh(id, script string) job.Spec {
	return job.Spec{ID: id, Command: job.Command{Path: "/bin/sh", Args: []string{"-c", script}}}
}

func singleWorker(c *Config) {
	c.MaxProcesses = 1
	c.Workers = 1
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{OutputDir: t.TempDir(), CancelPolicy: "sometimes"})
	assert.Error(t, err)

	_, err = New(Config{OutputDir: t.TempDir(), DefaultTimeout: -time.Second})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.MaxProcesses)
	assert.Equal(t, cfg.MaxProcesses, cfg.Workers)
	assert.Equal(t, 600*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, scheduler.PolicyContinue, cfg.CancelPolicy)
	assert.Equal(t, 3, cfg.MaxCallbackFailures)
	assert.NoError(t, cfg.Validate())
}

func TestNew_AppliesDefaultTimeout(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.Equal(t, 600*time.Second, e.Config().DefaultTimeout)
	assert.Equal(t, 600*time.Second, e.sup.Config().DefaultTimeout)
}

func TestNew_WorkersCappedAtMaxProcesses(t *testing.T) {
	e := newTestEngine(t, func(c *Config) {
		c.MaxProcesses = 1
		c.Workers = 3
	})
	assert.Equal(t, 1, e.Config().Workers)
}

func TestEngine_UnlimitedJobTimesOutUnderDefaults(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	// Shrink the built-in default after New so the test does not wait ten minutes.
	e.cfg.DefaultTimeout = 150 * time.Millisecond
	start(t, e)

	spec := sh("hang", "sleep 10")
	require.Zero(t, spec.Limits.Timeout)

	begin := time.Now()
	res, err := e.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, job.StateTimedOut, res.Status)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestEngine_RunningNeverExceedsProcessSlots(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, func(c *Config) {
		c.MaxProcesses = 1
		c.Workers = 3
	})
	start(t, e)

	for i := 0; i < 3; i++ {
		_, err := e.Submit(sh("", "sleep 0.2"))
		require.NoError(t, err)
	}

	done := make(chan struct{})
	var peak atomic.Int32
	go func() {
		defer close(done)
		for {
			st := e.Stats()
			if n := int32(st.Scheduler.Running); n > peak.Load() {
				peak.Store(n)
			}
			if st.Scheduler.Completed == 3 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	sum, err := e.WaitCompletion(context.Background(), 10*time.Second)
	require.NoError(t, err)
	<-done
	assert.Equal(t, 3, sum.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(1))
}

func TestEngine_PriorityOrderWithOneWorker(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, singleWorker)

	for _, p := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high", 5}, {"mid", 3}} {
		s := sh(p.id, "true")
		s.Priority = p.priority
		_, err := e.Submit(s)
		require.NoError(t, err)
	}
	start(t, e)

	sum, err := e.WaitCompletion(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)

	started := func(id string) time.Time {
		res, err := e.Store().Query(id)
		require.NoError(t, err)
		require.NotNil(t, res.StartedAt)
		return *res.StartedAt
	}
	assert.True(t, started("high").Before(started("mid")))
	assert.True(t, started("mid").Before(started("low")))
}

func TestEngine_FailedDependencyCancelsDependent(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	_, err := e.Submit(sh("a", "exit 3"))
	require.NoError(t, err)
	b := sh("b", "true")
	b.DependsOn = []string{"a"}
	_, err = e.Submit(b)
	require.NoError(t, err)

	sum, err := e.WaitCompletion(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Cancelled)

	resA, err := e.Store().Query("a")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, resA.Status)
	assert.Equal(t, 3, resA.ExitCode)

	resB, err := e.Store().Query("b")
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, resB.Status)
	assert.Nil(t, resB.StartedAt, "dependent must never run")
	assert.Equal(t, -1, resB.ExitCode)
}

func TestEngine_PoolBoundsParallelism(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, func(c *Config) {
		c.MaxProcesses = 2
		c.Workers = 2
	})
	start(t, e)

	for i := 0; i < 10; i++ {
		_, err := e.Submit(sh("", "sleep 0.05"))
		require.NoError(t, err)
	}

	sum, err := e.WaitCompletion(context.Background(), 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Completed)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 0, sum.TimedOut)
	assert.True(t, sum.Succeeded())

	st := e.Stats()
	assert.LessOrEqual(t, st.Supervisor.PeakActive, int64(2))
	assert.Equal(t, int64(10), st.Supervisor.Spawned)
	assert.Equal(t, 10, st.Results)
}

func TestEngine_FailingCallbackIsDisabled(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, singleWorker)

	var calls atomic.Int32
	_, err := e.Dispatcher().Register(events.Global, events.OnFailure, func(ctx context.Context, ev events.Event) (*job.Spec, error) {
		calls.Add(1)
		return nil, errors.New("downstream parser crashed")
	})
	require.NoError(t, err)
	start(t, e)

	for i := 0; i < 4; i++ {
		_, err := e.Submit(sh("", "exit 1"))
		require.NoError(t, err)
	}

	sum, err := e.WaitCompletion(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Failed)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, e.Dispatcher().Disabled(), 1)
	assert.Equal(t, 4, e.Store().Len())
}

func TestEngine_RunReportsArtifacts(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	spec := sh("tran", "echo data > wave.raw; echo converged >&2")
	spec.WorkDir = t.TempDir()
	spec.Artifacts = []string{"wave.raw", "tran.log"}

	res, err := e.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "converged", res.StderrTail)
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, job.Artifact{Path: "wave.raw", Exists: true}, res.Artifacts[0])
	assert.Equal(t, []string{"tran.log"}, res.MissingArtifacts())

	stored, err := e.Store().Query("tran")
	require.NoError(t, err)
	assert.Equal(t, res.Artifacts, stored.Artifacts)
}

func TestEngine_RunFailureIsNotAnError(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	res, err := e.Run(context.Background(), sh("", "echo diverged >&2; exit 2"))
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, res.Status)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "diverged", res.StderrTail)
	assert.NotEmpty(t, res.Error)
}

func TestEngine_RunTimeout(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	spec := sh("slow", "sleep 10")
	spec.Limits.Timeout = 100 * time.Millisecond

	begin := time.Now()
	res, err := e.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, job.StateTimedOut, res.Status)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestEngine_DefaultTimeoutApplies(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, func(c *Config) { c.DefaultTimeout = 100 * time.Millisecond })
	start(t, e)

	res, err := e.Run(context.Background(), sh("", "sleep 10"))
	require.NoError(t, err)
	assert.Equal(t, job.StateTimedOut, res.Status)
}

func TestEngine_RunRequiresStart(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Run(context.Background(), sh("", "true"))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngine_RunContextCancelled(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Run(ctx, sh("", "sleep 1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_SubmitRejections(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Submit(job.Spec{ID: "nocmd"})
	assert.ErrorIs(t, err, job.ErrInvalidSpec)

	bad := sh("glob", "true")
	bad.Artifacts = []string{"raw/[.raw"}
	_, err = e.Submit(bad)
	assert.ErrorIs(t, err, job.ErrInvalidSpec)

	_, err = e.Submit(sh("dup", "true"))
	require.NoError(t, err)
	_, err = e.Submit(sh("dup", "true"))
	assert.ErrorIs(t, err, job.ErrDuplicateID)

	cyc := sh("self", "true")
	cyc.DependsOn = []string{"self"}
	_, err = e.Submit(cyc)
	assert.ErrorIs(t, err, job.ErrCyclicDependency)
}

func TestEngine_RunAsyncCallback(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	got := make(chan events.Event, 1)
	id, err := e.RunAsync(sh("", "exit 4"), func(ctx context.Context, ev events.Event) (*job.Spec, error) {
		got <- ev
		return nil, nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case ev := <-got:
		assert.Equal(t, id, ev.JobID)
		assert.Equal(t, job.StateFailed, ev.Status)
		require.NotNil(t, ev.Result)
		assert.Equal(t, 4, ev.Result.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not fire")
	}

	// The job-scoped registration is released after dispatch.
	require.Eventually(t, func() bool { return e.Dispatcher().Stats().Registered == 0 }, time.Second, 10*time.Millisecond)
}

func TestEngine_RunAsyncRejectedUnregisters(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.RunAsync(job.Spec{ID: "bad"}, func(ctx context.Context, ev events.Event) (*job.Spec, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, e.Dispatcher().Stats().Registered)
}

func TestEngine_ChainedFollowUpIsCounted(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)

	_, err := e.Dispatcher().Register(events.Global, events.OnSuccess, func(ctx context.Context, ev events.Event) (*job.Spec, error) {
		if ev.JobID != "simulate" {
			return nil, nil
		}
		next := sh("postprocess", "sleep 0.1")
		next.DependsOn = []string{ev.JobID}
		return &next, nil
	})
	require.NoError(t, err)
	start(t, e)

	_, err = e.Submit(sh("simulate", "true"))
	require.NoError(t, err)

	sum, err := e.WaitCompletion(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Completed)

	res, err := e.Store().Query("postprocess")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, res.Status)
	assert.Equal(t, int64(1), e.Dispatcher().Stats().FollowUps)
}

func TestEngine_CancelPendingNeverSpawns(t *testing.T) {
	e := newTestEngine(t, nil)

	spec := sh("queued", "touch spawned")
	spec.Artifacts = []string{"spawned", "raw/*.tr0"}
	_, err := e.Submit(spec)
	require.NoError(t, err)
	require.NoError(t, e.Cancel("queued"))

	res, err := e.Store().Query("queued")
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, res.Status)
	assert.Nil(t, res.StartedAt)
	assert.Equal(t, []string{"spawned", "raw/*.tr0"}, res.MissingArtifacts())
	assert.Equal(t, int64(0), e.Stats().Supervisor.Spawned)

	assert.ErrorIs(t, e.Cancel("queued"), scheduler.ErrTerminal)
	assert.ErrorIs(t, e.Cancel("ghost"), job.ErrNotFound)
}

func TestEngine_SpawnFailureKeepsDeclaredArtifacts(t *testing.T) {
	e := newTestEngine(t, nil)
	start(t, e)

	spec := job.Spec{
		ID:        "nosim",
		Command:   job.Command{Path: filepath.Join(t.TempDir(), "missing-simulator")},
		Artifacts: []string{"tran.raw", "logs/*.log"},
	}
	res, err := e.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, res.Status)
	assert.Equal(t, []job.Artifact{
		{Path: "tran.raw", Exists: false},
		{Path: "logs/*.log", Exists: false},
	}, res.Artifacts)
}

func TestEngine_CancelRunning(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	_, err := e.Submit(sh("long", "sleep 10"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.Active()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Cancel("long"))

	sum, err := e.WaitCompletion(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)

	res, err := e.Store().Query("long")
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, res.Status)
	assert.NotNil(t, res.StartedAt)
}

func TestEngine_CancelBatch(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, singleWorker)
	start(t, e)

	report, err := e.SubmitBatch("sweep", []job.Spec{
		sh("corner-ff", "sleep 10"),
		sh("corner-ss", "sleep 10"),
		sh("corner-tt", "sleep 10"),
	})
	require.NoError(t, err)
	assert.Len(t, report.Submitted, 3)

	require.Eventually(t, func() bool { return len(e.Active()) == 1 }, 5*time.Second, 10*time.Millisecond)
	affected := e.CancelBatch("sweep")
	assert.ElementsMatch(t, []string{"corner-ff", "corner-ss", "corner-tt"}, affected)

	_, err = e.WaitCompletion(context.Background(), 5*time.Second)
	require.NoError(t, err)

	bs, ok := e.BatchSummary("sweep")
	require.True(t, ok)
	assert.Equal(t, 3, bs.Cancelled)
	assert.Equal(t, 0, bs.Pending)
}

func TestEngine_FailFastCancelsBatch(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, func(c *Config) {
		singleWorker(c)
		c.CancelPolicy = scheduler.PolicyFailFast
	})

	first := sh("netlist-check", "exit 1")
	first.Priority = 10
	_, err := e.SubmitBatch("regress", []job.Spec{first, sh("tran", "true"), sh("ac", "true")})
	require.NoError(t, err)
	_, err = e.Submit(sh("unrelated", "true"))
	require.NoError(t, err)
	start(t, e)

	sum, err := e.WaitCompletion(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Cancelled)
	assert.Equal(t, 1, sum.Completed)

	for _, id := range []string{"tran", "ac"} {
		res, err := e.Store().Query(id)
		require.NoError(t, err)
		assert.Equal(t, job.StateCancelled, res.Status, id)
		assert.Nil(t, res.StartedAt, id)
	}
}

func TestEngine_SubmitBatchValidatesUpFront(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.SubmitBatch("b", []job.Spec{sh("x", "true"), sh("x", "true")})
	assert.ErrorIs(t, err, job.ErrDuplicateID)

	_, err = e.SubmitBatch("b", []job.Spec{sh("y", "true"), {ID: "broken"}})
	assert.ErrorIs(t, err, job.ErrInvalidSpec)

	assert.Equal(t, 0, e.Stats().Scheduler.Submitted)

	report, err := e.SubmitBatch("", []job.Spec{sh("", "true")})
	require.NoError(t, err)
	assert.Contains(t, report.Name, "batch-")
	j, err := e.Job(report.Submitted[0])
	require.NoError(t, err)
	assert.Equal(t, report.Name, j.Batch)
}

func TestEngine_ResumeSkipsCompleted(t *testing.T) {
	skipOnWindows(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	specs := func(failing string) []job.Spec {
		c := sh("c", "true")
		c.DependsOn = []string{"a"}
		return []job.Spec{sh("a", "true"), sh("b", failing), c}
	}

	// First run: b fails.
	ledger, err := resultstore.OpenJSONL(path, "run-1", nil)
	require.NoError(t, err)
	store, err := resultstore.Open(ctx, ledger, resultstore.Options{})
	require.NoError(t, err)

	e1 := newTestEngine(t, nil, WithStore(store))
	start(t, e1)
	_, err = e1.SubmitBatch("nightly", specs("exit 1"))
	require.NoError(t, err)
	sum, err := e1.WaitCompletion(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	require.NoError(t, e1.Close())
	require.NoError(t, store.Close())

	// Second run resumes from the ledger.
	ledger, err = resultstore.OpenJSONL(path, "run-2", nil)
	require.NoError(t, err)
	store, err = resultstore.Open(ctx, ledger, resultstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.Equal(t, 3, store.Len())

	e2 := newTestEngine(t, nil, WithStore(store))
	start(t, e2)
	report, err := e2.SubmitBatch("nightly", specs("true"), SkipCompleted())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, report.Skipped)
	assert.Equal(t, []string{"b"}, report.Submitted)

	sum, err = e2.WaitCompletion(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, int64(1), e2.Stats().Supervisor.Spawned)

	res, err := store.Query("b")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, res.Status)
}

func TestEngine_WaitCompletionTimeout(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	_, err := e.Submit(sh("stuck", "sleep 10"))
	require.NoError(t, err)

	sum, err := e.WaitCompletion(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, 1, sum.Pending)

	sum, err = e.WaitCompletion(context.Background(), 100*time.Millisecond, AbortOnTimeout())
	require.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, 0, sum.Pending)
	assert.Equal(t, 1, sum.Cancelled)
}

func TestEngine_WaitCompletionEmpty(t *testing.T) {
	e := newTestEngine(t, nil)
	sum, err := e.WaitCompletion(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total())
}

func TestEngine_DrainFinishesWork(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	_, err := e.Submit(sh("last", "sleep 0.1"))
	require.NoError(t, err)

	require.NoError(t, e.Drain(context.Background()))
	assert.Equal(t, StateClosed, e.State())

	res, err := e.Store().Query("last")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, res.Status)

	_, err = e.Submit(sh("late", "true"))
	assert.ErrorIs(t, err, ErrNotAccepting)
	assert.NoError(t, e.Drain(context.Background()))
}

func TestEngine_DrainCancelsUnresolvedDependencies(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	orphan := sh("orphan", "true")
	orphan.DependsOn = []string{"never-submitted"}
	_, err := e.Submit(orphan)
	require.NoError(t, err)

	require.NoError(t, e.Drain(context.Background()))
	res, err := e.Store().Query("orphan")
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, res.Status)
}

func TestEngine_CloseCancelsPending(t *testing.T) {
	store, err := resultstore.Open(context.Background(), resultstore.NewMemoryLedger(), resultstore.Options{})
	require.NoError(t, err)
	e := newTestEngine(t, nil, WithStore(store))

	for _, id := range []string{"p1", "p2"} {
		_, err := e.Submit(sh(id, "true"))
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())
	assert.Equal(t, StateClosed, e.State())

	agg := store.Aggregate([]string{"p1", "p2"})
	assert.Equal(t, 2, agg.Cancelled)
	assert.Equal(t, 0, agg.Ran)

	assert.ErrorIs(t, e.Start(context.Background()), ErrNotAccepting)
	_, err = e.Submit(sh("after", "true"))
	assert.ErrorIs(t, err, ErrNotAccepting)
}

func TestEngine_OutputRecords(t *testing.T) {
	skipOnWindows(t)
	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, "run-test")

	var once sync.Once
	e := newTestEngine(t, nil, WithOutput(w))
	_, err := e.Dispatcher().Register(events.Global, events.OnComplete, func(ctx context.Context, ev events.Event) (*job.Spec, error) {
		var err error
		once.Do(func() { err = errors.New("sink offline") })
		return nil, err
	})
	require.NoError(t, err)
	start(t, e)

	_, err = e.Run(context.Background(), sh("one", "true"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	counts := map[string]int{}
	require.NoError(t, output.ReadRecords(&buf, func(r output.Record) error {
		assert.Equal(t, "run-test", r.RunID)
		counts[r.Type]++
		return nil
	}))
	assert.Equal(t, 1, counts[output.TypeResult])
	assert.Equal(t, 1, counts[output.TypeEvent])
	assert.Equal(t, 1, counts[output.TypeError])
	assert.Equal(t, 1, counts[output.TypeSummary])
}

func TestEngine_JobDirectories(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	start(t, e)

	res, err := e.Run(context.Background(), sh("logs", "echo out"))
	require.NoError(t, err)
	assert.Equal(t, e.Config().OutputDir, filepath.Dir(filepath.Dir(res.StdoutPath)))
	data, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(data))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "accepting", StateAccepting.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
