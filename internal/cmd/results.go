package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/3leaps/simrunner/internal/observability"
	"github.com/3leaps/simrunner/pkg/archive"
	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/resultstore"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect and export recorded job results",
	Long: `Inspect, export, archive, and purge results from the configured ledger.

Listing commands print a table on a terminal and JSON otherwise; --format
forces one or the other.

Examples:
  simrunner results list --batch corners --status failed
  simrunner results show tran-ff
  simrunner results aggregate
  simrunner results export --output corners.csv
  simrunner results archive --dest s3://sim-archive/pll
  simrunner results purge --older-than 720h`,
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded results",
	Args:  cobra.NoArgs,
	RunE:  runResultsList,
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one result",
	Args:  cobra.ExactArgs(1),
	RunE:  runResultsShow,
}

var resultsAggregateCmd = &cobra.Command{
	Use:   "aggregate [job_id...]",
	Short: "Summarize results (all when no ids are given)",
	RunE:  runResultsAggregate,
}

var resultsExportCmd = &cobra.Command{
	Use:   "export [job_id...]",
	Short: "Export results as CSV, JSON, JSONL, or YAML",
	Long: `Export results (all when no ids are given). The format is taken from
--format, or inferred from the --output extension; stdout defaults to JSONL.`,
	RunE: runResultsExport,
}

var resultsPurgeCmd = &cobra.Command{
	Use:   "purge [job_id...]",
	Short: "Remove results from the ledger index",
	Long: `Remove results by id, or every result that ended before --older-than.
A purge is recorded as a tombstone; the ledger itself stays append-only.`,
	RunE: runResultsPurge,
}

var resultsArchiveCmd = &cobra.Command{
	Use:   "archive [job_id...]",
	Short: "Copy results, logs, and artifacts to a directory or S3",
	Long: `Archive results (all when no ids are given) together with their stdout and
stderr logs and existing artifacts.

--dest is a local directory or s3://bucket/prefix. Without --dest the
archive section of the config is used.`,
	RunE: runResultsArchive,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsListCmd, resultsShowCmd, resultsAggregateCmd,
		resultsExportCmd, resultsPurgeCmd, resultsArchiveCmd)

	for _, c := range []*cobra.Command{resultsListCmd, resultsShowCmd, resultsAggregateCmd} {
		c.Flags().String("format", "auto", "Output format (auto, table, json)")
	}

	resultsListCmd.Flags().String("batch", "", "Only results of this batch")
	resultsListCmd.Flags().String("status", "", "Only results with this status")
	resultsListCmd.Flags().Int("limit", 0, "Maximum number of results (0 = all)")

	resultsExportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	resultsExportCmd.Flags().String("format", "", "csv, json, jsonl, or yaml")

	resultsPurgeCmd.Flags().Duration("older-than", 0, "Purge results that ended longer ago than this")

	resultsArchiveCmd.Flags().String("dest", "", "Directory or s3://bucket/prefix")
	resultsArchiveCmd.Flags().String("prefix", "", "Archive name (default archive-<timestamp>)")
	resultsArchiveCmd.Flags().Bool("skip-logs", false, "Do not copy stdout/stderr logs")
	resultsArchiveCmd.Flags().Bool("skip-artifacts", false, "Do not copy artifacts")
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *resultstore.Store) error) error {
	ctx := commandContext(cmd)
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := openStore(ctx, cfg, "")
	if err != nil {
		observability.CLILogger.Error("Failed to open result ledger", zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Failed to open result ledger", err)
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

// useJSON resolves --format; auto prints a table only on a terminal.
func useJSON(cmd *cobra.Command) (bool, error) {
	format, _ := cmd.Flags().GetString("format")
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return true, nil
	case "table":
		return false, nil
	case "", "auto":
		if f, ok := cmd.OutOrStdout().(*os.File); ok {
			return !term.IsTerminal(int(f.Fd())), nil
		}
		return true, nil
	default:
		return false, exitError(foundry.ExitInvalidArgument, "Invalid --format",
			fmt.Errorf("unsupported format %q (expected auto, table, or json)", format))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runResultsList(cmd *cobra.Command, _ []string) error {
	asJSON, err := useJSON(cmd)
	if err != nil {
		return err
	}

	f := resultstore.Filter{}
	f.Batch, _ = cmd.Flags().GetString("batch")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		st, err := job.ParseState(s)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
		}
		f.Status = st
	}

	return withStore(cmd, func(ctx context.Context, store *resultstore.Store) error {
		results := store.List(f)
		out := cmd.OutOrStdout()
		if asJSON {
			if results == nil {
				results = []*job.Result{}
			}
			return writeJSON(out, results)
		}
		if len(results) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No results found")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "JOB\tBATCH\tSTATUS\tEXIT\tDURATION\tPEAK_RSS\tENDED")
		for _, r := range results {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				r.JobID, dash(r.Batch), r.Status, r.ExitCode,
				r.Duration.Round(time.Millisecond), formatBytes(r.PeakRSS),
				r.EndedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	})
}

func runResultsShow(cmd *cobra.Command, args []string) error {
	asJSON, err := useJSON(cmd)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(args[0])

	return withStore(cmd, func(ctx context.Context, store *resultstore.Store) error {
		r, err := store.Query(id)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "No result recorded", err)
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, r)
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "Job:\t%s\n", r.JobID)
		_, _ = fmt.Fprintf(tw, "Batch:\t%s\n", dash(r.Batch))
		_, _ = fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
		_, _ = fmt.Fprintf(tw, "Exit code:\t%d\n", r.ExitCode)
		_, _ = fmt.Fprintf(tw, "Submitted:\t%s\n", r.SubmittedAt.Local().Format(time.DateTime))
		if r.StartedAt != nil {
			_, _ = fmt.Fprintf(tw, "Started:\t%s\n", r.StartedAt.Local().Format(time.DateTime))
		}
		_, _ = fmt.Fprintf(tw, "Ended:\t%s\n", r.EndedAt.Local().Format(time.DateTime))
		_, _ = fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
		_, _ = fmt.Fprintf(tw, "Peak RSS:\t%s\n", formatBytes(r.PeakRSS))
		_, _ = fmt.Fprintf(tw, "Peak CPU:\t%.1f%%\n", r.PeakCPU)
		if r.StdoutPath != "" {
			_, _ = fmt.Fprintf(tw, "Stdout:\t%s\n", r.StdoutPath)
			_, _ = fmt.Fprintf(tw, "Stderr:\t%s\n", r.StderrPath)
		}
		for _, a := range r.Artifacts {
			mark := "present"
			if !a.Exists {
				mark = "MISSING"
			}
			_, _ = fmt.Fprintf(tw, "Artifact:\t%s (%s)\n", a.Path, mark)
		}
		if r.Error != "" {
			_, _ = fmt.Fprintf(tw, "Error:\t%s\n", r.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if r.StderrTail != "" {
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(out, "--- stderr (tail) ---")
			_, _ = fmt.Fprintln(out, strings.TrimRight(r.StderrTail, "\n"))
		}
		return nil
	})
}

func runResultsAggregate(cmd *cobra.Command, args []string) error {
	asJSON, err := useJSON(cmd)
	if err != nil {
		return err
	}

	return withStore(cmd, func(ctx context.Context, store *resultstore.Store) error {
		agg := store.Aggregate(args)
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, agg)
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "Total:\t%d\n", agg.Total)
		_, _ = fmt.Fprintf(tw, "Success:\t%d\n", agg.Success)
		_, _ = fmt.Fprintf(tw, "Failure:\t%d\n", agg.Failure)
		_, _ = fmt.Fprintf(tw, "Timeout:\t%d\n", agg.Timeout)
		_, _ = fmt.Fprintf(tw, "Cancelled:\t%d\n", agg.Cancelled)
		_, _ = fmt.Fprintf(tw, "Avg duration:\t%s\n", agg.AvgDuration.Round(time.Millisecond))
		_, _ = fmt.Fprintf(tw, "Max duration:\t%s\n", agg.MaxDuration.Round(time.Millisecond))
		if len(agg.Missing) > 0 {
			_, _ = fmt.Fprintf(tw, "Missing:\t%s\n", strings.Join(agg.Missing, ", "))
		}
		return tw.Flush()
	})
}

func runResultsExport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("output")
	formatName, _ := cmd.Flags().GetString("format")

	var format resultstore.Format
	var err error
	switch {
	case formatName != "":
		format, err = resultstore.ParseFormat(formatName)
	case path != "":
		format, err = resultstore.FormatFromPath(path)
	default:
		format = resultstore.FormatJSONL
	}
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid export format", err)
	}

	return withStore(cmd, func(ctx context.Context, store *resultstore.Store) error {
		var n int
		var err error
		if path == "" {
			n, err = store.Export(ctx, cmd.OutOrStdout(), args, format)
		} else {
			n, err = store.ExportFile(ctx, path, args, format)
		}
		if err != nil {
			observability.CLILogger.Error("Export failed", zap.String("path", path), zap.Error(err))
			return exitError(foundry.ExitFileWriteError, "Export failed", err)
		}
		observability.CLILogger.Info("Exported results",
			zap.Int("results", n),
			zap.String("format", string(format)),
			zap.String("path", path))
		return nil
	})
}

func runResultsPurge(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if len(args) == 0 && olderThan <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Nothing to purge",
			fmt.Errorf("pass job ids or --older-than"))
	}

	return withStore(cmd, func(ctx context.Context, store *resultstore.Store) error {
		var removed []string
		var err error
		if olderThan > 0 {
			removed, err = store.PurgeBefore(ctx, time.Now().Add(-olderThan))
		} else {
			removed, err = store.Purge(ctx, args)
		}
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Purge failed", err)
		}
		observability.CLILogger.Info("Purged results", zap.Int("removed", len(removed)))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d result(s)\n", len(removed))
		return nil
	})
}

func runResultsArchive(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	dest, _ := cmd.Flags().GetString("dest")
	prefix, _ := cmd.Flags().GetString("prefix")
	skipLogs, _ := cmd.Flags().GetBool("skip-logs")
	skipArtifacts, _ := cmd.Flags().GetBool("skip-artifacts")

	sink, err := openSink(ctx, dest, func(bucket, keyPrefix string) archive.S3Config {
		return cfg.S3Config(bucket, keyPrefix)
	}, cfg.Archive.Dir, cfg.Archive.Bucket)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive destination", err)
	}
	defer func() { _ = sink.Close() }()

	return withStore(cmd, func(ctx context.Context, store *resultstore.Store) error {
		a := archive.New(sink, archive.Options{
			Prefix:          prefix,
			SkipLogs:        skipLogs,
			SkipArtifacts:   skipArtifacts,
			MaxRetries:      cfg.Archive.MaxRetries,
			InitialInterval: cfg.Archive.RetryInterval,
			Logger:          observability.CLILogger.Named("archive"),
		})
		report, err := a.Archive(ctx, store, args)
		if err != nil {
			observability.CLILogger.Error("Archive failed", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Archive failed", err)
		}
		observability.CLILogger.Info("Archive completed",
			zap.String("location", report.Location),
			zap.Int("results", report.Results),
			zap.Int("files", report.Files),
			zap.Int64("bytes", report.Bytes),
			zap.Int("retries", report.Retries),
			zap.Int("skipped", len(report.Skipped)))
		return writeJSON(cmd.OutOrStdout(), report)
	})
}

// openSink resolves an archive destination: s3://bucket/prefix, a local
// directory, or the configured defaults when dest is empty.
func openSink(ctx context.Context, dest string, s3cfg func(bucket, prefix string) archive.S3Config, defaultDir, defaultBucket string) (archive.Sink, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		switch {
		case defaultBucket != "":
			return archive.NewS3Sink(ctx, s3cfg(defaultBucket, ""))
		case defaultDir != "":
			return archive.NewDirSink(defaultDir)
		default:
			return nil, fmt.Errorf("no destination: pass --dest or set archive.dir or archive.bucket")
		}
	}

	if rest, ok := strings.CutPrefix(dest, "s3://"); ok {
		bucket, keyPrefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("invalid s3 destination %q: bucket is required", dest)
		}
		return archive.NewS3Sink(ctx, s3cfg(bucket, strings.Trim(keyPrefix, "/")))
	}
	return archive.NewDirSink(strings.TrimPrefix(dest, "file:"))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatBytes renders a byte count in binary units.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
