// Package scheduler holds submitted jobs until they are ready to run and
// hands them out in priority order.
//
// A job becomes Ready once every dependency has reached Completed. Ready jobs
// are dispatched highest priority first; equal priorities are dispatched in
// submission order. When a dependency ends in any other terminal state, the
// jobs that depend on it (directly or transitively) are Cancelled without
// ever running. The CancelPolicy decides whether the failure also cancels
// unrelated work in the same batch.
//
// Dependencies may name jobs that have not been submitted yet. Such jobs
// stay Pending until the dependency is submitted and completes, or until
// the scheduler is closed, at which point they are Cancelled.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/job"
)

// CancelPolicy controls how a failed job affects the rest of the queue.
type CancelPolicy string

const (
	// PolicyContinue cancels only the dependents of a failed job.
	PolicyContinue CancelPolicy = "continue"

	// PolicyFailFast cancels the dependents of a failed job and every
	// not-yet-running job in its batch (or in the whole scheduler when the
	// job has no batch).
	PolicyFailFast CancelPolicy = "fail_fast"
)

// ParseCancelPolicy parses a policy name such as "FAIL_FAST" or "continue".
func ParseCancelPolicy(raw string) (CancelPolicy, error) {
	switch CancelPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyContinue, "":
		return PolicyContinue, nil
	case PolicyFailFast:
		return PolicyFailFast, nil
	default:
		return "", fmt.Errorf("unknown cancel policy %q (want continue or fail_fast)", raw)
	}
}

var (
	// ErrClosed is returned once the scheduler stops accepting work, and by
	// Wait once no outstanding work remains.
	ErrClosed = errors.New("scheduler closed")

	// ErrRunning is returned by Cancel for a job that already started. The
	// caller must terminate the process and report the outcome via
	// MarkTerminal.
	ErrRunning = errors.New("job is running")

	// ErrTerminal is returned by Cancel for a job that already finished.
	ErrTerminal = errors.New("job already finished")
)

// CancelFunc is invoked, outside the scheduler lock, for every job the
// scheduler moves to Cancelled on its own (cascades, batch cancels, close).
type CancelFunc func(j *job.Job, reason string)

// Config configures a Scheduler.
type Config struct {
	// Policy is the failure cascade policy.
	// Default: PolicyContinue
	Policy CancelPolicy

	// OnCancel observes jobs cancelled without running.
	OnCancel CancelFunc

	Logger *zap.Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

type node struct {
	job *job.Job

	// waiting holds dependency ids that have not completed yet.
	waiting map[string]struct{}

	// index is the heap position, or -1 when not queued.
	index int
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	policy   CancelPolicy
	onCancel CancelFunc
	logger   *zap.Logger
	now      func() time.Time

	nodes map[string]*node

	// dependents maps a job id (submitted or not) to the jobs depending on it.
	dependents map[string][]string
	batches    map[string][]string

	ready  readyQueue
	counts map[job.State]int
	seq    uint64
	closed bool

	// changed is closed and replaced whenever readiness may have changed.
	changed chan struct{}
}

type cancellation struct {
	job    *job.Job
	reason string
}

// New creates an empty scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Policy == "" {
		cfg.Policy = PolicyContinue
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		policy:     cfg.Policy,
		onCancel:   cfg.OnCancel,
		logger:     cfg.Logger,
		now:        cfg.Clock,
		nodes:      make(map[string]*node),
		dependents: make(map[string][]string),
		batches:    make(map[string][]string),
		counts:     make(map[job.State]int),
		changed:    make(chan struct{}),
	}
}

// Policy returns the active cancel policy.
func (s *Scheduler) Policy() CancelPolicy {
	return s.policy
}

// Submit validates spec and enqueues it. On error the scheduler state is
// unchanged. The returned job is a copy; it may already be Cancelled when a
// dependency finished unsuccessfully before submission.
func (s *Scheduler) Submit(spec job.Spec) (*job.Job, error) {
	spec = spec.Clone()
	spec.EnsureID()
	if err := spec.Validate(); err != nil {
		return nil, &job.SubmissionError{JobID: spec.ID, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &job.SubmissionError{JobID: spec.ID, Err: ErrClosed}
	}
	if _, exists := s.nodes[spec.ID]; exists {
		s.mu.Unlock()
		return nil, &job.SubmissionError{JobID: spec.ID, Err: job.ErrDuplicateID}
	}
	for _, dep := range spec.DependsOn {
		if path := s.pathLocked(dep, spec.ID, map[string]struct{}{}); path != nil {
			s.mu.Unlock()
			cycle := append([]string{spec.ID}, path...)
			return nil, &job.SubmissionError{
				JobID:  spec.ID,
				Reason: strings.Join(cycle, " -> "),
				Err:    job.ErrCyclicDependency,
			}
		}
	}

	s.seq++
	j := &job.Job{
		Spec:        spec,
		State:       job.StatePending,
		Seq:         s.seq,
		SubmittedAt: s.now(),
	}
	n := &node{job: j, waiting: make(map[string]struct{}), index: -1}

	blockedBy := ""
	for _, dep := range spec.DependsOn {
		s.dependents[dep] = append(s.dependents[dep], spec.ID)
		dn, ok := s.nodes[dep]
		switch {
		case !ok:
			n.waiting[dep] = struct{}{}
		case dn.job.State == job.StateCompleted:
		case dn.job.State.Terminal():
			if blockedBy == "" {
				blockedBy = dep
			}
		default:
			n.waiting[dep] = struct{}{}
		}
	}

	s.nodes[spec.ID] = n
	s.counts[job.StatePending]++
	if spec.Batch != "" {
		s.batches[spec.Batch] = append(s.batches[spec.Batch], spec.ID)
	}

	var cancelled []cancellation
	switch {
	case blockedBy != "":
		reason := fmt.Sprintf("dependency %s ended %s", blockedBy, s.nodes[blockedBy].job.State)
		cancelled = s.cancelTreeLocked(n, reason)
	case len(n.waiting) == 0:
		s.promoteLocked(n)
	}
	out := n.job.Clone()
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Debug("job submitted",
		zap.String("job_id", spec.ID),
		zap.Int("priority", spec.Priority),
		zap.Strings("depends_on", spec.DependsOn),
		zap.String("state", out.State.String()))
	s.emit(cancelled)
	return out, nil
}

// Restore registers an already-terminal job, typically one replayed from
// the result ledger, so later submissions can depend on it.
func (s *Scheduler) Restore(id, batch string, state job.State) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: restore requires a terminal state, got %s", job.ErrInvalidTransition, state)
	}

	s.mu.Lock()
	if _, exists := s.nodes[id]; exists {
		s.mu.Unlock()
		return &job.SubmissionError{JobID: id, Err: job.ErrDuplicateID}
	}
	s.seq++
	now := s.now()
	n := &node{
		job: &job.Job{
			Spec:        job.Spec{ID: id, Batch: batch},
			State:       state,
			Seq:         s.seq,
			SubmittedAt: now,
			EndedAt:     &now,
		},
		waiting: map[string]struct{}{},
		index:   -1,
	}
	s.nodes[id] = n
	s.counts[state]++
	if batch != "" {
		s.batches[batch] = append(s.batches[batch], id)
	}
	cancelled := s.resolveLocked(n, false)
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(cancelled)
	return nil
}

// NextReady pops the highest-priority ready job and marks it Running.
// It never returns the same job twice.
func (s *Scheduler) NextReady() (*job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.popLocked()
	return j, j != nil
}

// Wait blocks until a job is ready, ctx is done, or the scheduler is closed
// with no outstanding work.
func (s *Scheduler) Wait(ctx context.Context) (*job.Job, error) {
	for {
		s.mu.Lock()
		if j := s.popLocked(); j != nil {
			s.mu.Unlock()
			return j, nil
		}
		if s.closed && s.outstandingLocked() == 0 {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// MarkTerminal records the outcome of a running job and re-evaluates its
// dependents. It returns the ids of jobs cancelled as a consequence.
func (s *Scheduler) MarkTerminal(id string, status job.State) ([]string, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", job.ErrInvalidTransition, status)
	}

	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err := s.transitionLocked(n, status); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	cancelled := s.resolveLocked(n, status == job.StateFailed || status == job.StateTimedOut)
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(cancelled)
	return ids(cancelled), nil
}

// Cancel cancels a job that has not started. For a running job it returns
// ErrRunning. Dependents of the cancelled job are cancelled too; the
// returned ids include the job itself.
func (s *Scheduler) Cancel(id string) ([]string, error) {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}

	var cancelled []cancellation
	switch n.job.State {
	case job.StatePending, job.StateReady:
		cancelled = s.cancelTreeLocked(n, "cancelled by request")
	case job.StateRunning:
		s.mu.Unlock()
		return nil, ErrRunning
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, n.job.State)
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(cancelled)
	return ids(cancelled), nil
}

// CancelBatch cancels every not-yet-running job in the named batch and
// returns the ids it cancelled and the ids still running, which the caller
// must terminate.
func (s *Scheduler) CancelBatch(name string) (cancelled []string, running []string) {
	s.mu.Lock()
	var out []cancellation
	for _, id := range s.batches[name] {
		n := s.nodes[id]
		switch n.job.State {
		case job.StatePending, job.StateReady:
			out = append(out, s.cancelTreeLocked(n, "batch "+name+" cancelled")...)
		case job.StateRunning:
			running = append(running, id)
		}
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(out)
	return ids(out), running
}

// Close stops accepting submissions. With drain, queued work still runs but
// jobs waiting on dependencies that were never submitted are cancelled.
// Without drain, every job that has not started is cancelled.
func (s *Scheduler) Close(drain bool) []string {
	s.mu.Lock()
	if s.closed && drain {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var out []cancellation
	for _, n := range s.sortedNodesLocked() {
		if n.job.State != job.StatePending && n.job.State != job.StateReady {
			continue
		}
		if !drain {
			out = append(out, s.cancelTreeLocked(n, "scheduler closed")...)
			continue
		}
		for dep := range n.waiting {
			if _, known := s.nodes[dep]; !known {
				out = append(out, s.cancelTreeLocked(n, "dependency "+dep+" never submitted")...)
				break
			}
		}
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(out)
	return ids(out)
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get returns a copy of the job with the given id.
func (s *Scheduler) Get(id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return n.job.Clone(), nil
}

// BatchJobs returns the ids submitted under the named batch, in order.
func (s *Scheduler) BatchJobs(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.batches[name])
}

// Outstanding returns the number of jobs that are not terminal.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingLocked()
}

func (s *Scheduler) outstandingLocked() int {
	return s.counts[job.StatePending] + s.counts[job.StateReady] + s.counts[job.StateRunning]
}

// pathLocked returns the dependency path from -> ... -> target, or nil.
func (s *Scheduler) pathLocked(from, target string, visited map[string]struct{}) []string {
	if from == target {
		return []string{from}
	}
	if _, seen := visited[from]; seen {
		return nil
	}
	visited[from] = struct{}{}

	n, ok := s.nodes[from]
	if !ok {
		return nil
	}
	for _, dep := range n.job.DependsOn {
		if p := s.pathLocked(dep, target, visited); p != nil {
			return append([]string{from}, p...)
		}
	}
	return nil
}

func (s *Scheduler) transitionLocked(n *node, to job.State) error {
	from := n.job.State
	if err := n.job.Transition(to, s.now()); err != nil {
		return fmt.Errorf("job %s: %w", n.job.ID, err)
	}
	s.counts[from]--
	s.counts[to]++
	return nil
}

func (s *Scheduler) promoteLocked(n *node) {
	if err := s.transitionLocked(n, job.StateReady); err != nil {
		s.logger.Warn("promote failed", zap.String("job_id", n.job.ID), zap.Error(err))
		return
	}
	heap.Push(&s.ready, n)
}

func (s *Scheduler) popLocked() *job.Job {
	if s.ready.Len() == 0 {
		return nil
	}
	n := heap.Pop(&s.ready).(*node)
	if err := s.transitionLocked(n, job.StateRunning); err != nil {
		s.logger.Warn("dispatch failed", zap.String("job_id", n.job.ID), zap.Error(err))
		return nil
	}
	return n.job.Clone()
}

// resolveLocked re-evaluates the dependents of a job that just became
// terminal.
func (s *Scheduler) resolveLocked(n *node, failed bool) []cancellation {
	id := n.job.ID
	if n.job.State == job.StateCompleted {
		for _, depID := range s.dependents[id] {
			dn, ok := s.nodes[depID]
			if !ok || dn.job.State != job.StatePending {
				continue
			}
			delete(dn.waiting, id)
			if len(dn.waiting) == 0 {
				s.promoteLocked(dn)
			}
		}
		return nil
	}

	reason := fmt.Sprintf("dependency %s ended %s", id, n.job.State)
	out := s.cancelDependentsLocked(id, reason)

	if failed && s.policy == PolicyFailFast {
		scope := fmt.Sprintf("fail-fast after %s ended %s", id, n.job.State)
		for _, other := range s.scopeLocked(n.job.Batch) {
			if other.job.State == job.StatePending || other.job.State == job.StateReady {
				out = append(out, s.cancelTreeLocked(other, scope)...)
			}
		}
	}
	return out
}

// scopeLocked returns the nodes of a batch, or every node when batch is
// empty, in submission order.
func (s *Scheduler) scopeLocked(batch string) []*node {
	if batch == "" {
		return s.sortedNodesLocked()
	}
	out := make([]*node, 0, len(s.batches[batch]))
	for _, id := range s.batches[batch] {
		out = append(out, s.nodes[id])
	}
	return out
}

// cancelTreeLocked cancels n and everything that transitively depends on it.
func (s *Scheduler) cancelTreeLocked(n *node, reason string) []cancellation {
	c, ok := s.cancelOneLocked(n, reason)
	if !ok {
		return nil
	}
	out := []cancellation{c}
	return append(out, s.cancelDependentsLocked(n.job.ID, fmt.Sprintf("dependency %s cancelled", n.job.ID))...)
}

func (s *Scheduler) cancelDependentsLocked(id, reason string) []cancellation {
	var out []cancellation
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, depID := range s.dependents[cur] {
			dn, ok := s.nodes[depID]
			if !ok {
				continue
			}
			c, ok := s.cancelOneLocked(dn, reason)
			if !ok {
				continue
			}
			out = append(out, c)
			queue = append(queue, depID)
		}
	}
	return out
}

func (s *Scheduler) cancelOneLocked(n *node, reason string) (cancellation, bool) {
	if n.job.State != job.StatePending && n.job.State != job.StateReady {
		return cancellation{}, false
	}
	if n.index >= 0 {
		heap.Remove(&s.ready, n.index)
	}
	if err := s.transitionLocked(n, job.StateCancelled); err != nil {
		return cancellation{}, false
	}
	return cancellation{job: n.job.Clone(), reason: reason}, true
}

func (s *Scheduler) sortedNodesLocked() []*node {
	out := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].job.Seq < out[j].job.Seq })
	return out
}

func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) emit(cancelled []cancellation) {
	for _, c := range cancelled {
		s.logger.Info("job cancelled",
			zap.String("job_id", c.job.ID),
			zap.String("reason", c.reason))
		if s.onCancel != nil {
			s.onCancel(c.job, c.reason)
		}
	}
}

func ids(cs []cancellation) []string {
	if len(cs) == 0 {
		return nil
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.job.ID
	}
	return out
}
