// Package resultstore indexes job results in memory and persists them to an
// append-only ledger.
//
// Every Record call is durable before it returns. Reopening a store replays
// its ledger so results survive restarts; the latest entry for a job id wins.
package resultstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/job"
)

// ErrAlreadyRecorded indicates a result for the job was already recorded in
// this session.
var ErrAlreadyRecorded = errors.New("result already recorded")

// ErrClosed indicates the store was closed.
var ErrClosed = errors.New("result store closed")

// Options configures a Store.
type Options struct {
	Logger *zap.Logger
}

// Store is a concurrent result index backed by a Ledger.
type Store struct {
	mu      sync.RWMutex
	ledger  Ledger
	logger  *zap.Logger
	results map[string]*job.Result
	order   []string

	// session holds ids recorded since Open; replayed results may be
	// superseded by a rerun, session results may not.
	session map[string]struct{}

	batches map[string]*batchIndex
	closed  bool
}

type batchIndex struct {
	members  map[string]struct{}
	counters BatchCounters
}

// BatchCounters summarize a batch. Counts are maintained incrementally.
type BatchCounters struct {
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	TimedOut  int    `json:"timed_out"`
	Cancelled int    `json:"cancelled"`
}

// Recorded returns the number of members with a result.
func (b BatchCounters) Recorded() int {
	return b.Completed + b.Failed + b.TimedOut + b.Cancelled
}

// Done reports whether every member has a result.
func (b BatchCounters) Done() bool {
	return b.Total > 0 && b.Recorded() >= b.Total
}

// Open builds a store over ledger and replays its contents.
func Open(ctx context.Context, ledger Ledger, opts Options) (*Store, error) {
	if ledger == nil {
		return nil, errors.New("resultstore: ledger is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		ledger:  ledger,
		logger:  logger,
		results: make(map[string]*job.Result),
		session: make(map[string]struct{}),
		batches: make(map[string]*batchIndex),
	}

	replayed, purged := 0, 0
	err := ledger.Replay(ctx, func(e Entry) error {
		switch e.Kind {
		case EntryResult:
			if e.Result == nil || e.Result.JobID == "" {
				return nil
			}
			s.putLocked(e.Result.Clone())
			replayed++
		case EntryPurge:
			for _, id := range e.Purged {
				if s.removeLocked(id) {
					purged++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay ledger: %w", err)
	}

	if replayed > 0 {
		logger.Info("Replayed result ledger",
			zap.Int("results", len(s.results)),
			zap.Int("entries", replayed),
			zap.Int("purged", purged))
	}
	return s, nil
}

// Record validates and durably stores a terminal result.
func (s *Store) Record(ctx context.Context, res *job.Result) error {
	if res == nil || res.JobID == "" {
		return fmt.Errorf("%w: result without job id", job.ErrInvalidSpec)
	}
	if !res.Status.Terminal() {
		return fmt.Errorf("%w: result status %q is not terminal", job.ErrInvalidSpec, res.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, dup := s.session[res.JobID]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, res.JobID)
	}

	stored := res.Clone()
	if err := s.ledger.Append(ctx, Entry{Kind: EntryResult, At: time.Now().UTC(), Result: stored}); err != nil {
		return fmt.Errorf("append result %s: %w", res.JobID, err)
	}

	s.putLocked(stored)
	s.session[res.JobID] = struct{}{}
	return nil
}

// Query returns a copy of the result for id.
func (s *Store) Query(id string) (*job.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return res.Clone(), nil
}

// Has reports whether a result exists for id.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.results[id]
	return ok
}

// Filter selects results for List. Empty fields match everything.
type Filter struct {
	Batch  string
	Status job.State
	IDs    []string
	Limit  int
}

func (f Filter) match(r *job.Result) bool {
	if f.Batch != "" && r.Batch != f.Batch {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// List returns matching results in first-recorded order.
func (s *Store) List(f Filter) []*job.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Result
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if r, ok := s.results[id]; ok && f.match(r) {
				out = append(out, r.Clone())
			}
		}
	} else {
		for _, id := range s.order {
			if r := s.results[id]; f.match(r) {
				out = append(out, r.Clone())
			}
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Len returns the number of indexed results.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Aggregate summarizes a set of results.
type Aggregate struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Failure   int `json:"failure"`
	Timeout   int `json:"timeout"`
	Cancelled int `json:"cancelled"`

	// Missing lists requested ids without a result.
	Missing []string `json:"missing,omitempty"`

	// Ran counts results whose process actually started.
	Ran int `json:"ran"`

	TotalDuration time.Duration `json:"total_duration_ns"`
	AvgDuration   time.Duration `json:"avg_duration_ns"`
	MaxDuration   time.Duration `json:"max_duration_ns"`
}

// Aggregate summarizes the results for ids, or every result when ids is empty.
// The average duration covers only jobs that ran.
func (s *Store) Aggregate(ids []string) Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg Aggregate
	add := func(r *job.Result) {
		agg.Total++
		switch r.Status {
		case job.StateCompleted:
			agg.Success++
		case job.StateFailed:
			agg.Failure++
		case job.StateTimedOut:
			agg.Timeout++
		case job.StateCancelled:
			agg.Cancelled++
		}
		if r.StartedAt != nil {
			agg.Ran++
			agg.TotalDuration += r.Duration
			if r.Duration > agg.MaxDuration {
				agg.MaxDuration = r.Duration
			}
		}
	}

	if len(ids) == 0 {
		for _, id := range s.order {
			add(s.results[id])
		}
	} else {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if r, ok := s.results[id]; ok {
				add(r)
			} else {
				agg.Missing = append(agg.Missing, id)
			}
		}
	}

	if agg.Ran > 0 {
		agg.AvgDuration = agg.TotalDuration / time.Duration(agg.Ran)
	}
	return agg
}

// RegisterBatch declares the members of a batch so Batch can report progress
// without scanning. Results already recorded are counted immediately.
func (s *Store) RegisterBatch(name string, ids []string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.batchLocked(name)
	for _, id := range ids {
		if _, ok := b.members[id]; ok {
			continue
		}
		b.members[id] = struct{}{}
		b.counters.Total++
		if r, ok := s.results[id]; ok {
			b.counters.apply(r.Status, 1)
		}
	}
}

// Batch returns the counters for a batch.
func (s *Store) Batch(name string) (BatchCounters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[name]
	if !ok {
		return BatchCounters{}, false
	}
	return b.counters, true
}

// Batches returns every known batch sorted by name.
func (s *Store) Batches() []BatchCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BatchCounters, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b.counters)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Purge removes results from the index and writes a tombstone to the ledger.
// Unknown ids are ignored. It returns the ids actually removed.
func (s *Store) Purge(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var removed []string
	for _, id := range ids {
		if _, ok := s.results[id]; ok && !slices.Contains(removed, id) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if err := s.ledger.Append(ctx, Entry{Kind: EntryPurge, At: time.Now().UTC(), Purged: removed}); err != nil {
		return nil, fmt.Errorf("append purge: %w", err)
	}
	for _, id := range removed {
		s.removeLocked(id)
		delete(s.session, id)
	}
	return removed, nil
}

// PurgeBefore removes results that ended before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	var ids []string
	for _, id := range s.order {
		if s.results[id].EndedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	return s.Purge(ctx, ids)
}

// Close closes the ledger. Reads remain available.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ledger.Close()
}

// snapshot copies the results selected by ids (or all, in order).
func (s *Store) snapshot(ids []string) []*job.Result {
	if len(ids) == 0 {
		return s.List(Filter{})
	}
	return s.List(Filter{IDs: ids})
}

func (s *Store) putLocked(r *job.Result) {
	prev, existed := s.results[r.JobID]
	if !existed {
		s.order = append(s.order, r.JobID)
	}
	s.results[r.JobID] = r

	if existed && prev.Batch != "" {
		if b, ok := s.batches[prev.Batch]; ok {
			if _, member := b.members[r.JobID]; member {
				b.counters.apply(prev.Status, -1)
			}
		}
	}
	if r.Batch != "" {
		b := s.batchLocked(r.Batch)
		if _, member := b.members[r.JobID]; !member {
			b.members[r.JobID] = struct{}{}
			b.counters.Total++
		}
		b.counters.apply(r.Status, 1)
	}
}

func (s *Store) removeLocked(id string) bool {
	r, ok := s.results[id]
	if !ok {
		return false
	}
	delete(s.results, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	if b, ok := s.batches[r.Batch]; ok {
		if _, member := b.members[id]; member {
			b.counters.apply(r.Status, -1)
		}
	}
	return true
}

func (s *Store) batchLocked(name string) *batchIndex {
	b, ok := s.batches[name]
	if !ok {
		b = &batchIndex{
			members:  make(map[string]struct{}),
			counters: BatchCounters{Name: name},
		}
		s.batches[name] = b
	}
	return b
}

func (c *BatchCounters) apply(st job.State, delta int) {
	switch st {
	case job.StateCompleted:
		c.Completed += delta
	case job.StateFailed:
		c.Failed += delta
	case job.StateTimedOut:
		c.TimedOut += delta
	case job.StateCancelled:
		c.Cancelled += delta
	}
}
