// Package cmd holds the simrunner command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/simrunner/internal/config"
	"github.com/3leaps/simrunner/internal/observability"
)

// exitFailure is the generic non-zero exit status.
const exitFailure = 1

var (
	cfgFile  string
	verbose  bool
	logLevel string
	logFile  string

	appIdentity *config.Identity
	appConfig   *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "simrunner",
	Short: "Run and track batches of simulation jobs",
	Long: `simrunner executes external simulator processes as a dependency-ordered
job graph, bounds how many run at once, enforces wall-clock and memory
limits, and keeps a durable ledger of every result.

Run a batch manifest once with "simrunner run", or start the HTTP control
plane with "simrunner serve". Recorded results are inspected and exported
with "simrunner results".`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: simrunner.yaml in the project root or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this rotating file")
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity set up by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initRuntime(cmd *cobra.Command, args []string) error {
	if appIdentity == nil {
		id := config.DefaultIdentity
		appIdentity = &id
	}

	config.SetConfigFile(cfgFile)

	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logFile != "" {
		logging["file"] = logFile
	}
	var overrides []map[string]any
	if len(logging) > 0 {
		overrides = append(overrides, map[string]any{"logging": logging})
	}

	cfg, err := config.Load(commandContext(cmd), overrides...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if err := observability.InitCLILogger(appIdentity.BinaryName, observability.LogOptions{
		Level:   cfg.Logging.Level,
		Verbose: verbose,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize logging", err)
	}

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("config_file", cfgFile),
		zap.String("ledger", cfg.Ledger.Kind),
		zap.String("output_dir", cfg.Engine.OutputDir))
	return nil
}

// loadedConfig returns the config loaded by initRuntime, loading defaults
// when a command runs without it (tests calling RunE directly).
func loadedConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// cliError carries the process exit code for a failed command.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// exitCode maps a command error to a process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitFailure
}

// Execute runs the root command with SIGINT and SIGTERM cancelling its
// context, and returns the process exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return exitCode(err)
}
