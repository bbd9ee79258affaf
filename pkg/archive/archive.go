package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/resultstore"
)

// Retry defaults for transient sink failures.
const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 500 * time.Millisecond
)

// Options configures an archive run.
type Options struct {
	// Prefix is the key prefix for this archive.
	// Default: archive-<UTC timestamp>
	Prefix string

	SkipLogs      bool
	SkipArtifacts bool

	// MaxRetries bounds retries per object for transient failures.
	// Default: 3
	MaxRetries uint64

	// InitialInterval is the first retry delay; later delays grow
	// exponentially.
	// Default: 500ms
	InitialInterval time.Duration

	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = "archive-" + time.Now().UTC().Format("20060102T150405Z")
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Report summarizes an archive run.
type Report struct {
	Location string   `json:"location"`
	Results  int      `json:"results"`
	Files    int      `json:"files"`
	Bytes    int64    `json:"bytes"`
	Retries  int      `json:"retries"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Archiver copies results and their files to a sink.
type Archiver struct {
	sink Sink
	opts Options
}

func New(sink Sink, opts Options) *Archiver {
	opts.applyDefaults()
	return &Archiver{sink: sink, opts: opts}
}

// Archive writes the results selected by ids (all results when empty) as
// JSONL and CSV indexes, then copies each job's logs and existing
// artifacts. Files that vanished since the job ran are reported as skipped;
// a sink failure that survives the retries aborts the run.
func (a *Archiver) Archive(ctx context.Context, store *resultstore.Store, ids []string) (*Report, error) {
	results := store.List(resultstore.Filter{IDs: ids})
	report := &Report{Location: a.sink.Location(a.opts.Prefix), Results: len(results)}
	logger := a.opts.Logger.With(zap.String("prefix", a.opts.Prefix))

	for _, f := range []resultstore.Format{resultstore.FormatJSONL, resultstore.FormatCSV} {
		var buf bytes.Buffer
		if _, err := store.Export(ctx, &buf, ids, f); err != nil {
			return report, fmt.Errorf("export %s index: %w", f, err)
		}
		key := path.Join(a.opts.Prefix, "results."+string(f))
		if err := a.put(ctx, report, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
			return report, err
		}
	}

	for _, r := range results {
		for _, src := range a.files(r) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			err := a.putFile(ctx, report, a.opts.Prefix+"/"+src.key, src.path)
			if errors.Is(err, os.ErrNotExist) {
				logger.Warn("archive source missing", zap.String("job_id", r.JobID), zap.String("path", src.path))
				report.Skipped = append(report.Skipped, src.path)
				continue
			}
			if errors.Is(err, ErrInvalidKey) {
				logger.Warn("artifact path escapes the job directory", zap.String("job_id", r.JobID), zap.String("path", src.path))
				report.Skipped = append(report.Skipped, src.path)
				continue
			}
			if err != nil {
				return report, err
			}
		}
	}

	logger.Info("Archive complete",
		zap.String("location", report.Location),
		zap.Int("results", report.Results),
		zap.Int("files", report.Files),
		zap.Int64("bytes", report.Bytes),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

type source struct {
	key  string
	path string
}

func (a *Archiver) files(r *job.Result) []source {
	var out []source
	if !a.opts.SkipLogs {
		if r.StdoutPath != "" {
			out = append(out, source{key: path.Join(r.JobID, "stdout.log"), path: r.StdoutPath})
		}
		if r.StderrPath != "" {
			out = append(out, source{key: path.Join(r.JobID, "stderr.log"), path: r.StderrPath})
		}
	}
	if !a.opts.SkipArtifacts {
		for _, art := range r.Artifacts {
			if !art.Exists {
				continue
			}
			p := art.Path
			rel := filepath.ToSlash(p)
			if filepath.IsAbs(p) {
				rel = filepath.Base(p)
			} else if r.WorkDir != "" {
				p = filepath.Join(r.WorkDir, p)
			}
			out = append(out, source{key: r.JobID + "/artifacts/" + rel, path: p})
		}
	}
	return out
}

func (a *Archiver) putFile(ctx context.Context, report *Report, key, src string) error {
	if _, err := cleanKey(key); err != nil {
		return err
	}
	// #nosec G304 -- archive sources come from recorded results
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return a.put(ctx, report, key, f, info.Size())
}

// put uploads one object, retrying transient failures with exponential
// backoff.
func (a *Archiver) put(ctx context.Context, report *Report, key string, body io.ReadSeeker, size int64) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.opts.InitialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, a.opts.MaxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		err := a.sink.Put(ctx, key, body, size)
		if err != nil && (Permanent(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	report.Retries += attempt - 1
	if err != nil {
		return fmt.Errorf("archive %s after %d attempt(s): %w", key, attempt, err)
	}
	report.Files++
	report.Bytes += size
	return nil
}
