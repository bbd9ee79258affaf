// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It discards everything until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

var (
	mu      sync.Mutex
	logFile *lumberjack.Logger
)

// LogOptions configures the CLI logger.
type LogOptions struct {
	// Level is debug, info, warn, or error.
	// Default: info
	Level string

	// Verbose forces debug level.
	Verbose bool

	// Profile is "console" for human-readable stderr output or
	// "structured" for JSON.
	// Default: console
	Profile string

	// File, when set, also writes JSON logs to a rotating file.
	File string

	// MaxSizeMB rotates the file at this size.
	// Default: 50
	MaxSizeMB int

	// MaxBackups bounds kept rotated files.
	// Default: 5
	MaxBackups int
}

// ParseLevel parses a level name.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// InitCLILogger replaces CLILogger. Logs go to stderr so stdout stays free
// for JSONL records.
func InitCLILogger(name string, opts LogOptions) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	if opts.Verbose {
		lvl = zapcore.DebugLevel
	}
	level := zap.NewAtomicLevelAt(lvl)

	var enc zapcore.Encoder
	if opts.Profile == "structured" {
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}

	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 50
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 5
		}
		logFile = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(logFile), level))
	}

	CLILogger = zap.New(zapcore.NewTee(cores...)).Named(name)
	return nil
}

// Sync flushes the logger and closes the log file.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
