package scheduler

import (
	"slices"
	"sort"

	"github.com/3leaps/simrunner/pkg/job"
)

// Entry is a read-only view of one scheduled job.
type Entry struct {
	ID       string    `json:"id"`
	Batch    string    `json:"batch,omitempty"`
	State    job.State `json:"state"`
	Priority int       `json:"priority"`
	Seq      uint64    `json:"seq"`

	// Waiting lists dependencies that have not completed, sorted.
	Waiting []string `json:"waiting,omitempty"`
}

// Snapshot is a consistent copy of the scheduler state.
type Snapshot struct {
	Jobs []Entry `json:"jobs"`

	// Ready lists ready job ids in dispatch order.
	Ready []string `json:"ready"`
}

// Stats counts jobs per state.
type Stats struct {
	Submitted int `json:"submitted"`
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`
}

// Snapshot copies the scheduler state for queries and comparisons.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := s.sortedNodesLocked()
	snap := Snapshot{Jobs: make([]Entry, 0, len(nodes))}
	for _, n := range nodes {
		e := Entry{
			ID:       n.job.ID,
			Batch:    n.job.Batch,
			State:    n.job.State,
			Priority: n.job.Priority,
			Seq:      n.job.Seq,
		}
		for dep := range n.waiting {
			e.Waiting = append(e.Waiting, dep)
		}
		sort.Strings(e.Waiting)
		snap.Jobs = append(snap.Jobs, e)
	}

	ready := slices.Clone(s.ready)
	sort.Slice(ready, func(i, j int) bool { return before(ready[i], ready[j]) })
	snap.Ready = make([]string, len(ready))
	for i, n := range ready {
		snap.Ready[i] = n.job.ID
	}
	return snap
}

// Stats returns per-state counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Submitted: len(s.nodes),
		Pending:   s.counts[job.StatePending],
		Ready:     s.counts[job.StateReady],
		Running:   s.counts[job.StateRunning],
		Completed: s.counts[job.StateCompleted],
		Failed:    s.counts[job.StateFailed],
		TimedOut:  s.counts[job.StateTimedOut],
		Cancelled: s.counts[job.StateCancelled],
	}
}
