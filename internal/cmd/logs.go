package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/simrunner/internal/config"
)

// followPollInterval is how often --follow checks for new output.
const followPollInterval = 250 * time.Millisecond

var logsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Print a job's stdout or stderr log",
	Long: `Print the captured output of a job.

Log paths come from the recorded result; a job that is still running is
looked up under engine.output_dir.

Examples:
  simrunner logs tran-ff
  simrunner logs tran-ff --stream stderr --tail 50
  simrunner logs tran-ff --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().String("stream", "stdout", "stdout, stderr, or both")
	logsCmd.Flags().Int("tail", 0, "Print only the last N lines (0 = all)")
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing new output until interrupted")
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	jobID := strings.TrimSpace(args[0])
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("%q is not a job id", args[0]))
	}

	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}

	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}

	follow, _ := cmd.Flags().GetBool("follow")

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	stdoutPath, stderrPath := logPaths(ctx, cfg, jobID)

	out := cmd.OutOrStdout()
	var paths []string
	switch stream {
	case "stdout":
		paths = []string{stdoutPath}
	case "stderr":
		paths = []string{stderrPath}
	case "both":
		paths = []string{stdoutPath, stderrPath}
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream",
			fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream))
	}

	for _, p := range paths {
		var err error
		if follow {
			err = followLog(ctx, out, p)
		} else {
			err = printLogTail(out, p, tailN)
		}
		if err != nil {
			if os.IsNotExist(err) {
				return exitError(foundry.ExitFileNotFound, "No log for job "+jobID, err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to read log", err)
		}
	}
	return nil
}

// logPaths prefers the paths recorded with the job's result and falls back
// to the output directory layout.
func logPaths(ctx context.Context, cfg *config.Config, jobID string) (string, string) {
	dir := filepath.Join(cfg.Engine.OutputDir, jobID)
	stdoutPath := filepath.Join(dir, "stdout.log")
	stderrPath := filepath.Join(dir, "stderr.log")

	store, err := openStore(ctx, cfg, "")
	if err != nil {
		return stdoutPath, stderrPath
	}
	defer func() { _ = store.Close() }()

	if r, err := store.Query(jobID); err == nil {
		stdoutPath = firstNonEmpty(r.StdoutPath, stdoutPath)
		stderrPath = firstNonEmpty(r.StderrPath, stderrPath)
	}
	return stdoutPath, stderrPath
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog prints path and then new output as it is appended, until ctx
// is done.
func followLog(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
