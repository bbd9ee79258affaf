package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/events"
	"github.com/3leaps/simrunner/pkg/output"
	"github.com/3leaps/simrunner/pkg/resultstore"
	"github.com/3leaps/simrunner/pkg/scheduler"
	"github.com/3leaps/simrunner/pkg/supervisor"
)

// Config is the explicit engine configuration. The engine never reads
// configuration from the environment.
type Config struct {
	// MaxProcesses bounds concurrently running processes.
	// Default: 4
	MaxProcesses int

	// Workers is the number of worker goroutines. It is capped at
	// MaxProcesses so every job the scheduler marks Running holds a slot.
	// Default: MaxProcesses
	Workers int

	// DefaultTimeout applies to jobs without a timeout. Every job runs
	// under a wall-clock limit.
	// Default: 10m
	DefaultTimeout time.Duration

	// DefaultMemoryLimit applies to jobs without a memory cap. Zero disables it.
	DefaultMemoryLimit uint64

	// PollInterval is the resource sampling and timeout-check period.
	// Default: 500ms
	PollInterval time.Duration

	// GracePeriod is the wait between SIGTERM and SIGKILL.
	// Default: 5s
	GracePeriod time.Duration

	// ReapInterval is the orphan sweep period.
	// Default: 30s
	ReapInterval time.Duration

	// SpawnRate limits process starts per second. Zero means unlimited.
	SpawnRate float64

	// OutputDir is the root for per-job log directories.
	OutputDir string

	// CancelPolicy controls failure cascades.
	// Default: continue
	CancelPolicy scheduler.CancelPolicy

	// MaxCallbackFailures disables a callback after this many failures in a row.
	// Default: 3
	MaxCallbackFailures int

	// StderrTailLines is the number of stderr lines kept per result.
	// Default: 20
	StderrTailLines int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	sup := supervisor.DefaultConfig()
	return Config{
		MaxProcesses:        sup.MaxProcesses,
		Workers:             sup.MaxProcesses,
		DefaultTimeout:      sup.DefaultTimeout,
		PollInterval:        sup.PollInterval,
		GracePeriod:         sup.GracePeriod,
		ReapInterval:        sup.ReapInterval,
		OutputDir:           sup.OutputDir,
		CancelPolicy:        scheduler.PolicyContinue,
		MaxCallbackFailures: events.DefaultMaxConsecutiveFailures,
		StderrTailLines:     sup.StderrTailLines,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = d.MaxProcesses
	}
	if c.Workers <= 0 || c.Workers > c.MaxProcesses {
		c.Workers = c.MaxProcesses
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.CancelPolicy == "" {
		c.CancelPolicy = d.CancelPolicy
	}
	if c.MaxCallbackFailures <= 0 {
		c.MaxCallbackFailures = d.MaxCallbackFailures
	}
	if c.StderrTailLines <= 0 {
		c.StderrTailLines = d.StderrTailLines
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout must not be negative")
	}
	if c.SpawnRate < 0 {
		return fmt.Errorf("spawn rate must not be negative")
	}
	if _, err := scheduler.ParseCancelPolicy(string(c.CancelPolicy)); err != nil {
		return err
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("output dir is required")
	}
	return nil
}

func (c Config) supervisorConfig(logger *zap.Logger, sampler supervisor.Sampler) supervisor.Config {
	return supervisor.Config{
		MaxProcesses:    c.MaxProcesses,
		PollInterval:    c.PollInterval,
		GracePeriod:     c.GracePeriod,
		ReapInterval:    c.ReapInterval,
		DefaultTimeout:  c.DefaultTimeout,
		SpawnRate:       c.SpawnRate,
		OutputDir:       c.OutputDir,
		StderrTailLines: c.StderrTailLines,
		Sampler:         sampler,
		Logger:          logger.Named("supervisor"),
	}
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	store   *resultstore.Store
	sampler supervisor.Sampler
	writer  output.Writer
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore uses an existing result store. The caller keeps ownership and
// must close it; without this option the engine keeps results in memory.
func WithStore(s *resultstore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSampler overrides the process resource sampler.
func WithSampler(s supervisor.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithOutput streams lifecycle events, results, and callback errors as
// JSONL records.
func WithOutput(w output.Writer) Option {
	return func(o *options) { o.writer = w }
}

func ensureDir(dir string) error {
	// #nosec G301 -- output directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}
