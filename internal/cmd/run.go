package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/simrunner/internal/observability"
	"github.com/3leaps/simrunner/pkg/engine"
	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/manifest"
	"github.com/3leaps/simrunner/pkg/output"
	"github.com/3leaps/simrunner/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch manifest to completion",
	Long: `Run every job of a YAML or JSON batch manifest and wait until all of them
are finished.

Result, event, and summary records are written to stdout as JSONL (or to
--output). Every result is also appended to the configured ledger, so a
later run with --resume skips jobs that already completed.

The command exits non-zero when any job failed, timed out, or was cancelled.

Example:
  simrunner run --batch corners.yaml
  simrunner run --batch corners.yaml --output results.jsonl
  simrunner run --batch corners.yaml --resume --fail-fast
  simrunner run --batch corners.yaml --dry-run`,
	RunE: runRun,
}

var (
	runBatchPath    string
	runOutput       string
	runResume       bool
	runFailFast     bool
	runDryRun       bool
	runTimeout      time.Duration
	runMaxProcesses int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runBatchPath, "batch", "b", "", "Path to batch manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Write JSONL records to this file instead of stdout")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Skip jobs that already completed in the ledger")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Cancel the rest of the batch when a job fails")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate the manifest and show the plan without running")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort unfinished jobs after this long (0 waits forever)")
	runCmd.Flags().IntVar(&runMaxProcesses, "max-processes", 0, "Override engine.max_processes")

	_ = runCmd.MarkFlagRequired("batch")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	m, err := manifest.Load(runBatchPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runBatchPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	specs, err := m.Specs()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runBatchPath),
		zap.String("batch", m.Batch),
		zap.Int("jobs", len(specs)))

	if runDryRun {
		return showRunPlan(cmd.OutOrStdout(), m, specs)
	}
	return executeRun(ctx, cmd.OutOrStdout(), m.Batch, specs)
}

// showRunPlan prints the jobs in manifest order without running them.
func showRunPlan(w io.Writer, m *manifest.Manifest, specs []job.Spec) error {
	batch := m.Batch
	if batch == "" {
		batch = "(generated)"
	}
	_, _ = fmt.Fprintln(w, "=== Run Plan (dry-run) ===")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Batch:       %s\n", batch)
	_, _ = fmt.Fprintf(w, "Jobs:        %d\n", len(specs))
	_, _ = fmt.Fprintln(w)
	for _, s := range specs {
		_, _ = fmt.Fprintf(w, "  - %s: %s %s\n", s.ID, s.Command.Path, strings.Join(s.Command.Args, " "))
		if len(s.DependsOn) > 0 {
			_, _ = fmt.Fprintf(w, "      depends on: %s\n", strings.Join(s.DependsOn, ", "))
		}
		if s.Limits.Timeout > 0 {
			_, _ = fmt.Fprintf(w, "      timeout:    %s\n", s.Limits.Timeout)
		}
		if s.Limits.MemoryLimit > 0 {
			_, _ = fmt.Fprintf(w, "      memory:     %d MiB\n", s.Limits.MemoryLimit>>20)
		}
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Manifest validated successfully. Remove --dry-run to execute.")
	return nil
}

func executeRun(ctx context.Context, stdout io.Writer, batch string, specs []job.Spec) error {
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	ecfg := cfg.ToEngineConfig()
	if runFailFast {
		ecfg.CancelPolicy = scheduler.PolicyFailFast
	}
	if runMaxProcesses > 0 {
		ecfg.MaxProcesses = runMaxProcesses
		ecfg.Workers = runMaxProcesses
	}

	runID := uuid.New().String()
	writer, cleanup, err := createWriter(stdout, runOutput, runID)
	if err != nil {
		observability.CLILogger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	store, err := openStore(ctx, cfg, runID)
	if err != nil {
		observability.CLILogger.Error("Failed to open result ledger", zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Failed to open result ledger", err)
	}
	defer func() { _ = store.Close() }()

	e, err := engine.New(ecfg,
		engine.WithLogger(observability.CLILogger.Named("engine")),
		engine.WithStore(store),
		engine.WithOutput(writer))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid engine configuration", err)
	}
	if err := e.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start engine", err)
	}

	var opts []engine.BatchOption
	if runResume {
		opts = append(opts, engine.SkipCompleted())
	}
	report, err := e.SubmitBatch(batch, specs, opts...)
	if err != nil {
		_ = e.Close()
		observability.CLILogger.Error("Batch rejected", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Batch rejected", err)
	}

	observability.CLILogger.Info("Starting batch",
		zap.String("run_id", runID),
		zap.String("batch", report.Name),
		zap.Int("submitted", len(report.Submitted)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("max_processes", ecfg.MaxProcesses))

	sum, err := e.WaitCompletion(ctx, runTimeout, engine.AbortOnTimeout())
	if err != nil && ctx.Err() != nil {
		_ = e.Close()
		observability.CLILogger.Warn("Run cancelled",
			zap.String("batch", report.Name),
			zap.Int("completed", sum.Completed),
			zap.Int("pending", sum.Pending))
		return exitError(foundry.ExitSignalInt, "Run cancelled", ctx.Err())
	}
	timedOut := errors.Is(err, engine.ErrWaitTimeout)
	if err != nil && !timedOut {
		_ = e.Close()
		return exitError(exitFailure, "Run failed", err)
	}

	if derr := e.Drain(context.Background()); derr != nil {
		observability.CLILogger.Warn("Engine shutdown reported an error", zap.Error(derr))
	}

	sum = e.Summary()
	observability.CLILogger.Info("Batch finished",
		zap.String("batch", report.Name),
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Int("timed_out", sum.TimedOut),
		zap.Int("cancelled", sum.Cancelled),
		zap.Duration("elapsed", sum.Elapsed))

	if timedOut {
		return exitError(exitFailure, "Batch timed out", err)
	}
	if !sum.Succeeded() {
		return exitError(exitFailure, "Batch did not succeed",
			fmt.Errorf("%d failed, %d timed out, %d cancelled", sum.Failed, sum.TimedOut, sum.Cancelled))
	}
	return nil
}

// createWriter returns a JSONL writer on stdout, or on path when set, and
// a cleanup function.
func createWriter(stdout io.Writer, path, runID string) (output.Writer, func(), error) {
	if path == "" || path == "-" || path == "stdout" {
		w := output.NewJSONLWriter(stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}

	path = strings.TrimPrefix(path, "file:")
	// #nosec G304 -- output path is operator-supplied
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID, output.WithFsync())
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
