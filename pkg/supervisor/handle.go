package supervisor

import (
	"os/exec"
	"sync"
	"time"
)

// Handle tracks one spawned process from start until it is reaped.
type Handle struct {
	JobID     string
	PID       int
	StartedAt time.Time

	cmd     *exec.Cmd
	waitErr error

	// done is closed once cmd.Wait has returned.
	done chan struct{}

	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu      sync.Mutex
	usage   Usage
	peak    Usage
	endedAt time.Time
}

func newHandle(jobID string, cmd *exec.Cmd) *Handle {
	return &Handle{
		JobID:     jobID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		cancelCh:  make(chan struct{}),
	}
}

// Exited reports whether the process has been waited on.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Usage returns the most recent sample.
func (h *Handle) Usage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// Peak returns the per-field maxima across all samples.
func (h *Handle) Peak() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peak
}

// EndedAt returns the exit time, or the zero time while running.
func (h *Handle) EndedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endedAt
}

func (h *Handle) markEnded() {
	h.mu.Lock()
	h.endedAt = time.Now()
	h.mu.Unlock()
}

func (h *Handle) record(u Usage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage = u
	if u.RSSBytes > h.peak.RSSBytes {
		h.peak.RSSBytes = u.RSSBytes
	}
	if u.CPUPercent > h.peak.CPUPercent {
		h.peak.CPUPercent = u.CPUPercent
	}
	h.peak.SampledAt = u.SampledAt
}

func (h *Handle) cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}
