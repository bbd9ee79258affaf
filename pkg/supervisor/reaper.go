package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start launches the background reaper. It is safe to call more than once.
func (s *Supervisor) Start(ctx context.Context) {
	s.sweepOnce.Do(func() {
		sweepCtx, cancel := context.WithCancel(ctx)
		s.stopSweep = cancel
		s.sweepDone = make(chan struct{})
		s.sweepActive.Store(true)

		go func() {
			defer close(s.sweepDone)
			ticker := time.NewTicker(s.cfg.ReapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if n := s.Reap(); n > 0 {
						s.logger.Info("reaped leftover processes", zap.Int("count", n))
					}
				}
			}
		}()
	})
}

// Reap runs one sweep: it kills process groups that outlived their leader
// and drops handles whose process has already been waited on. It returns
// the number of groups and handles cleaned up.
func (s *Supervisor) Reap() int {
	s.mu.Lock()
	pids := make([]int, 0, len(s.orphans))
	for pid := range s.orphans {
		pids = append(pids, pid)
	}
	var stale []string
	for id, h := range s.handles {
		if h.Exited() && time.Since(h.EndedAt()) > s.cfg.ReapInterval {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.handles, id)
	}
	s.mu.Unlock()

	reaped := len(stale)
	for _, pid := range pids {
		if groupAlive(pid) {
			_ = signalKill(pid)
		}
		if groupAlive(pid) {
			continue
		}
		s.mu.Lock()
		delete(s.orphans, pid)
		s.mu.Unlock()
		reaped++
	}
	s.reaped.Add(int64(reaped))
	return reaped
}

// Shutdown terminates every running process and stops the reaper. It
// returns when all processes have exited or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if s.sweepActive.Load() {
		s.stopSweep()
		<-s.sweepDone
	}
	s.Reap()
	return nil
}
