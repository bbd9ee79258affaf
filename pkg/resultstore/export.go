package resultstore

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/output"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// Formats lists the supported export formats.
func Formats() []Format {
	return []Format{FormatCSV, FormatJSON, FormatJSONL, FormatYAML}
}

// ParseFormat parses a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatCSV, FormatJSON, FormatJSONL, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "ndjson":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("unsupported export format %q (want csv, json, jsonl, or yaml)", s)
}

// FormatFromPath infers a format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot infer export format from %q", path)
	}
	return ParseFormat(ext)
}

var csvHeader = []string{
	"job_id", "batch", "status", "exit_code",
	"submitted_at", "started_at", "ended_at", "duration_ms",
	"peak_rss_bytes", "peak_cpu_percent",
	"missing_artifacts", "error",
}

// Export writes the results for ids (all when empty) to w. The index is
// copied under the read lock and encoded without holding it, so concurrent
// Record calls are never blocked by a slow writer.
func (s *Store) Export(ctx context.Context, w io.Writer, ids []string, format Format) (int, error) {
	results := s.snapshot(ids)

	var err error
	switch format {
	case FormatCSV:
		err = exportCSV(ctx, w, results)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if results == nil {
			results = []*job.Result{}
		}
		err = enc.Encode(results)
	case FormatJSONL:
		jw := output.NewJSONLWriter(w, "")
		for _, r := range results {
			if err = jw.WriteResult(ctx, r); err != nil {
				break
			}
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err = enc.Encode(toYAML(results)); err == nil {
			err = enc.Close()
		}
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", format, err)
	}
	return len(results), nil
}

// ExportFile writes an export to path atomically. The format is inferred
// from the extension when format is empty.
func (s *Store) ExportFile(ctx context.Context, path string, ids []string, format Format) (int, error) {
	if format == "" {
		f, err := FormatFromPath(path)
		if err != nil {
			return 0, err
		}
		format = f
	}

	dir := filepath.Dir(path)
	// #nosec G301 -- export directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := s.Export(ctx, tmp, ids, format)
	if err != nil {
		_ = tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp export file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("rename export file: %w", err)
	}
	return n, nil
}

func exportCSV(ctx context.Context, w io.Writer, results []*job.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cw.Write(csvRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(r *job.Result) []string {
	started := ""
	if r.StartedAt != nil {
		started = r.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		r.JobID,
		r.Batch,
		string(r.Status),
		strconv.Itoa(r.ExitCode),
		formatTime(r.SubmittedAt),
		started,
		formatTime(r.EndedAt),
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
		strconv.FormatUint(r.PeakRSS, 10),
		strconv.FormatFloat(r.PeakCPU, 'f', 1, 64),
		strings.Join(r.MissingArtifacts(), ";"),
		r.Error,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// yamlResult keeps durations human-readable in YAML exports.
type yamlResult struct {
	JobID      string         `yaml:"job_id"`
	Batch      string         `yaml:"batch,omitempty"`
	Status     string         `yaml:"status"`
	ExitCode   int            `yaml:"exit_code"`
	EndedAt    string         `yaml:"ended_at,omitempty"`
	Duration   string         `yaml:"duration"`
	PeakRSS    uint64         `yaml:"peak_rss_bytes"`
	PeakCPU    float64        `yaml:"peak_cpu_percent"`
	Artifacts  []job.Artifact `yaml:"artifacts,omitempty"`
	StderrTail string         `yaml:"stderr_tail,omitempty"`
	Error      string         `yaml:"error,omitempty"`
}

func toYAML(results []*job.Result) []yamlResult {
	out := make([]yamlResult, 0, len(results))
	for _, r := range results {
		out = append(out, yamlResult{
			JobID:      r.JobID,
			Batch:      r.Batch,
			Status:     string(r.Status),
			ExitCode:   r.ExitCode,
			EndedAt:    formatTime(r.EndedAt),
			Duration:   r.Duration.String(),
			PeakRSS:    r.PeakRSS,
			PeakCPU:    r.PeakCPU,
			Artifacts:  r.Artifacts,
			StderrTail: r.StderrTail,
			Error:      r.Error,
		})
	}
	return out
}
