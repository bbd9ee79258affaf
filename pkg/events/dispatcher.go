// Package events delivers job completion events to registered callbacks.
//
// Callbacks are isolated from each other and from the engine: a returned
// error or a panic is logged and counted against the callback, and after
// MaxConsecutiveFailures in a row the callback is disabled. A callback may
// return a follow-up job spec, which the engine submits on its behalf.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/job"
)

// Global scopes a registration to every job.
const Global = "*"

// DefaultMaxConsecutiveFailures disables a callback after this many failures in a row.
const DefaultMaxConsecutiveFailures = 3

// Kind selects which terminal states trigger a callback.
type Kind string

const (
	// OnSuccess fires for Completed jobs.
	OnSuccess Kind = "on_success"

	// OnFailure fires for Failed and TimedOut jobs.
	OnFailure Kind = "on_failure"

	// OnComplete fires for every terminal state, Cancelled included.
	OnComplete Kind = "on_complete"
)

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown callback kind %q", s)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	switch k {
	case OnSuccess, OnFailure, OnComplete:
		return true
	}
	return false
}

// Matches reports whether a job ending in st triggers k.
func (k Kind) Matches(st job.State) bool {
	switch k {
	case OnSuccess:
		return st == job.StateCompleted
	case OnFailure:
		return st == job.StateFailed || st == job.StateTimedOut
	case OnComplete:
		return st.Terminal()
	}
	return false
}

// Event describes a job reaching a terminal state.
type Event struct {
	JobID  string
	Batch  string
	Status job.State
	Result *job.Result
	At     time.Time
}

// NewEvent builds an event from a recorded result.
func NewEvent(res *job.Result) Event {
	return Event{
		JobID:  res.JobID,
		Batch:  res.Batch,
		Status: res.Status,
		Result: res.Clone(),
		At:     res.EndedAt,
	}
}

// Callback handles an event. A non-nil spec is submitted as a follow-up job.
type Callback func(ctx context.Context, ev Event) (*job.Spec, error)

// Handle identifies a registration.
type Handle string

// Registration errors.
var (
	ErrNilCallback   = errors.New("callback is nil")
	ErrEmptyScope    = errors.New("callback scope is empty")
	ErrUnknownKind   = errors.New("unknown callback kind")
	ErrUnknownHandle = errors.New("unknown callback handle")
)

// Config configures a Dispatcher.
type Config struct {
	// MaxConsecutiveFailures disables a callback after this many failures
	// in a row. Zero means DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int

	// OnError observes every callback failure.
	OnError func(*job.CallbackError)

	Logger *zap.Logger
}

type registration struct {
	// run serializes invocations so the disable check sees every earlier
	// failure before the next call starts.
	run sync.Mutex

	handle   Handle
	scope    string
	kind     Kind
	cb       Callback
	seq      uint64
	failures int
	total    int
	disabled bool
	lastErr  string
}

// Info describes a registration for inspection.
type Info struct {
	Handle              Handle `json:"handle"`
	Scope               string `json:"scope"`
	Kind                Kind   `json:"kind"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalFailures       int    `json:"total_failures"`
	Disabled            bool   `json:"disabled"`
	LastError           string `json:"last_error,omitempty"`
}

// Stats summarizes dispatcher activity.
type Stats struct {
	Registered  int   `json:"registered"`
	Disabled    int   `json:"disabled"`
	Dispatched  int64 `json:"dispatched"`
	Invocations int64 `json:"invocations"`
	Failures    int64 `json:"failures"`
	FollowUps   int64 `json:"follow_ups"`
}

// Dispatcher routes events to callbacks.
type Dispatcher struct {
	mu      sync.Mutex
	regs    map[Handle]*registration
	seq     uint64
	max     int
	onError func(*job.CallbackError)
	logger  *zap.Logger

	dispatched  int64
	invocations int64
	failures    int64
	followUps   int64
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		regs:    make(map[Handle]*registration),
		max:     cfg.MaxConsecutiveFailures,
		onError: cfg.OnError,
		logger:  cfg.Logger,
	}
}

// Register adds a callback for scope (a job id or Global).
func (d *Dispatcher) Register(scope string, kind Kind, cb Callback) (Handle, error) {
	if cb == nil {
		return "", ErrNilCallback
	}
	if scope == "" {
		return "", ErrEmptyScope
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	h := Handle(uuid.New().String())
	d.regs[h] = &registration{
		handle: h,
		scope:  scope,
		kind:   kind,
		cb:     cb,
		seq:    d.seq,
	}
	return h, nil
}

// Unregister removes a registration. It reports whether h was known.
func (d *Dispatcher) Unregister(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regs[h]; !ok {
		return false
	}
	delete(d.regs, h)
	return true
}

// Release drops every registration scoped to jobID. Job ids are unique, so
// those callbacks can never fire again once the job's event was dispatched.
func (d *Dispatcher) Release(jobID string) int {
	if jobID == "" || jobID == Global {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for h, r := range d.regs {
		if r.scope == jobID {
			delete(d.regs, h)
			n++
		}
	}
	return n
}

// ResetErrors re-enables a callback and clears its failure counter.
func (d *Dispatcher) ResetErrors(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regs[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	r.failures = 0
	r.disabled = false
	r.lastErr = ""
	return nil
}

// Disabled lists disabled registrations in registration order.
func (d *Dispatcher) Disabled() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Info
	for _, r := range d.sortedLocked() {
		if r.disabled {
			out = append(out, r.info())
		}
	}
	return out
}

// Registrations lists every registration in registration order.
func (d *Dispatcher) Registrations() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.sortedLocked()
	out := make([]Info, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.info())
	}
	return out
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Stats{
		Registered:  len(d.regs),
		Dispatched:  d.dispatched,
		Invocations: d.invocations,
		Failures:    d.failures,
		FollowUps:   d.followUps,
	}
	for _, r := range d.regs {
		if r.disabled {
			st.Disabled++
		}
	}
	return st
}

// Dispatch invokes every enabled callback matching ev and blocks until they
// return. Callbacks scoped to ev.JobID run one after another in
// registration order; each global callback runs on its own goroutine.
// Concurrent dispatches call a given global callback one at a time.
// Follow-up specs are returned job-scoped first, then global, each in
// registration order.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) []*job.Spec {
	var lane, globals []*registration

	d.mu.Lock()
	d.dispatched++
	for _, r := range d.sortedLocked() {
		if r.disabled || !r.kind.Matches(ev.Status) {
			continue
		}
		switch r.scope {
		case ev.JobID:
			lane = append(lane, r)
		case Global:
			globals = append(globals, r)
		}
	}
	d.mu.Unlock()

	if len(lane)+len(globals) == 0 {
		return nil
	}

	specs := make([]*job.Spec, len(lane)+len(globals))
	var wg sync.WaitGroup

	if len(lane) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, r := range lane {
				specs[i] = d.invoke(ctx, r, ev)
			}
		}()
	}
	for i, r := range globals {
		wg.Add(1)
		go func(slot int, r *registration) {
			defer wg.Done()
			specs[slot] = d.invoke(ctx, r, ev)
		}(len(lane)+i, r)
	}
	wg.Wait()

	out := specs[:0]
	for _, s := range specs {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// invoke runs one callback with panic isolation and updates its counters.
// Calls to the same registration never overlap; a call queued behind the
// failure that disabled the callback is skipped.
func (d *Dispatcher) invoke(ctx context.Context, r *registration, ev Event) (spec *job.Spec) {
	r.run.Lock()
	defer r.run.Unlock()

	d.mu.Lock()
	skip := r.disabled
	d.mu.Unlock()
	if skip {
		return nil
	}

	var cbErr *job.CallbackError

	func() {
		defer func() {
			if p := recover(); p != nil {
				cbErr = &job.CallbackError{Handle: string(r.handle), JobID: ev.JobID, Panic: p}
				spec = nil
			}
		}()
		s, err := r.cb(ctx, ev)
		if err != nil {
			cbErr = &job.CallbackError{Handle: string(r.handle), JobID: ev.JobID, Err: err}
			return
		}
		spec = s
	}()

	d.mu.Lock()
	d.invocations++
	disabledNow := false
	if cbErr == nil {
		r.failures = 0
		if spec != nil {
			d.followUps++
		}
	} else {
		d.failures++
		r.failures++
		r.total++
		r.lastErr = cbErr.Error()
		if !r.disabled && r.failures >= d.max {
			r.disabled = true
			disabledNow = true
		}
	}
	failures := r.failures
	d.mu.Unlock()

	if cbErr != nil {
		d.logger.Warn("callback failed",
			zap.String("handle", string(r.handle)),
			zap.String("job_id", ev.JobID),
			zap.String("kind", string(r.kind)),
			zap.Int("consecutive_failures", failures),
			zap.Error(cbErr))
		if disabledNow {
			d.logger.Warn("callback disabled after consecutive failures",
				zap.String("handle", string(r.handle)),
				zap.Int("failures", failures))
		}
		if d.onError != nil {
			d.onError(cbErr)
		}
	}
	return spec
}

func (d *Dispatcher) sortedLocked() []*registration {
	out := make([]*registration, 0, len(d.regs))
	for _, r := range d.regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *registration) info() Info {
	return Info{
		Handle:              r.handle,
		Scope:               r.scope,
		Kind:                r.kind,
		ConsecutiveFailures: r.failures,
		TotalFailures:       r.total,
		Disabled:            r.disabled,
		LastError:           r.lastErr,
	}
}
