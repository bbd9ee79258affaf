package supervisor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource reading for a process tree.
type Usage struct {
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Sampler reads resource usage for a pid.
type Sampler interface {
	Sample(ctx context.Context, pid int) (Usage, error)
}

// ProcessSampler samples through gopsutil. RSS includes direct children so
// simulators that fork a solver are accounted for.
type ProcessSampler struct{}

var _ Sampler = ProcessSampler{}

func (ProcessSampler) Sample(ctx context.Context, pid int) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, err
	}

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{RSSBytes: mem.RSS, SampledAt: time.Now()}

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}

	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return u, nil
	}
	for _, child := range children {
		if cm, err := child.MemoryInfoWithContext(ctx); err == nil {
			u.RSSBytes += cm.RSS
		}
	}
	return u, nil
}
