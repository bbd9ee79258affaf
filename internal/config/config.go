// Package config loads simrunner configuration.
//
// Precedence, highest first: runtime overrides, SIMRUNNER_* environment
// variables, the config file, defaults. The config file is simrunner.yaml,
// looked up in the project root and then the user config directory unless
// an explicit file is set.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/simrunner/internal/observability"
	"github.com/3leaps/simrunner/pkg/archive"
	"github.com/3leaps/simrunner/pkg/engine"
	"github.com/3leaps/simrunner/pkg/scheduler"
)

// Ledger kinds.
const (
	LedgerJSONL  = "jsonl"
	LedgerSQLite = "sqlite"
	LedgerMemory = "memory"
)

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server" json:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine" json:"engine"`
	Ledger  LedgerConfig  `mapstructure:"ledger" yaml:"ledger" json:"ledger"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive" json:"archive"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level" json:"level"`
	Profile string `mapstructure:"profile" yaml:"profile" json:"profile"`
	File    string `mapstructure:"file" yaml:"file,omitempty" json:"file,omitempty"`
}

// EngineConfig mirrors engine.Config in configuration-file form.
type EngineConfig struct {
	MaxProcesses         int                    `mapstructure:"max_processes" yaml:"max_processes" json:"max_processes"`
	Workers              int                    `mapstructure:"workers" yaml:"workers" json:"workers"`
	DefaultTimeout       time.Duration          `mapstructure:"default_timeout" yaml:"default_timeout" json:"default_timeout"`
	DefaultMemoryLimitMB int                    `mapstructure:"default_memory_limit_mb" yaml:"default_memory_limit_mb" json:"default_memory_limit_mb"`
	PollInterval         time.Duration          `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	GracePeriod          time.Duration          `mapstructure:"grace_period" yaml:"grace_period" json:"grace_period"`
	ReapInterval         time.Duration          `mapstructure:"reap_interval" yaml:"reap_interval" json:"reap_interval"`
	SpawnRate            float64                `mapstructure:"spawn_rate" yaml:"spawn_rate" json:"spawn_rate"`
	OutputDir            string                 `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`
	CancelPolicy         scheduler.CancelPolicy `mapstructure:"cancel_policy" yaml:"cancel_policy" json:"cancel_policy"`
	MaxCallbackFailures  int                    `mapstructure:"max_callback_failures" yaml:"max_callback_failures" json:"max_callback_failures"`
	StderrTailLines      int                    `mapstructure:"stderr_tail_lines" yaml:"stderr_tail_lines" json:"stderr_tail_lines"`
}

// LedgerConfig selects the durable result ledger.
type LedgerConfig struct {
	// Kind is jsonl, sqlite, or memory.
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind"`

	// Path is the ledger file for jsonl and local sqlite ledgers.
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	// URL and AuthToken select a remote libsql database.
	URL       string `mapstructure:"url" yaml:"url,omitempty" json:"url,omitempty"`
	AuthToken string `mapstructure:"auth_token" yaml:"-" json:"-"`
}

// ArchiveConfig holds defaults for `results archive`.
type ArchiveConfig struct {
	Dir             string        `mapstructure:"dir" yaml:"dir,omitempty" json:"dir,omitempty"`
	Bucket          string        `mapstructure:"bucket" yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix          string        `mapstructure:"prefix" yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region          string        `mapstructure:"region" yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Profile         string        `mapstructure:"profile" yaml:"profile,omitempty" json:"profile,omitempty"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"-" json:"-"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"-" json:"-"`
	ForcePathStyle  bool          `mapstructure:"force_path_style" yaml:"force_path_style,omitempty" json:"force_path_style,omitempty"`
	MaxRetries      uint64        `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryInterval   time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" json:"retry_interval"`
}

// Validate checks values that decoding alone cannot.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Profile {
	case "console", "structured":
	default:
		return fmt.Errorf("logging.profile must be console or structured, got %q", c.Logging.Profile)
	}
	switch c.Ledger.Kind {
	case LedgerJSONL, LedgerSQLite:
		if c.Ledger.Path == "" && c.Ledger.URL == "" {
			return fmt.Errorf("ledger.path is required for %s ledgers", c.Ledger.Kind)
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("ledger.kind must be jsonl, sqlite, or memory, got %q", c.Ledger.Kind)
	}
	if c.Engine.DefaultMemoryLimitMB < 0 {
		return fmt.Errorf("engine.default_memory_limit_mb must not be negative")
	}
	return c.ToEngineConfig().Validate()
}

// ToEngineConfig converts the engine section. Zero values are left for
// engine.New to default.
func (c *Config) ToEngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		MaxProcesses:        e.MaxProcesses,
		Workers:             e.Workers,
		DefaultTimeout:      e.DefaultTimeout,
		DefaultMemoryLimit:  uint64(e.DefaultMemoryLimitMB) << 20,
		PollInterval:        e.PollInterval,
		GracePeriod:         e.GracePeriod,
		ReapInterval:        e.ReapInterval,
		SpawnRate:           e.SpawnRate,
		OutputDir:           e.OutputDir,
		CancelPolicy:        e.CancelPolicy,
		MaxCallbackFailures: e.MaxCallbackFailures,
		StderrTailLines:     e.StderrTailLines,
	}
}

// S3Config converts the archive section for an S3 sink. prefix overrides
// the configured prefix when set.
func (c *Config) S3Config(bucket, prefix string) archive.S3Config {
	a := c.Archive
	if bucket == "" {
		bucket = a.Bucket
	}
	if prefix == "" {
		prefix = a.Prefix
	}
	return archive.S3Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          a.Region,
		Endpoint:        a.Endpoint,
		Profile:         a.Profile,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		ForcePathStyle:  a.ForcePathStyle || a.Endpoint != "",
	}
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	c.Ledger.Kind = strings.ToLower(strings.TrimSpace(c.Ledger.Kind))
	if c.Engine.OutputDir != "" {
		c.Engine.OutputDir = filepath.Clean(c.Engine.OutputDir)
	}
}
