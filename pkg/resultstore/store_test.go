package resultstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/output"
)

func result(id string, st job.State, d time.Duration) *job.Result {
	end := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	r := &job.Result{
		JobID:    id,
		Status:   st,
		EndedAt:  end,
		Duration: d,
	}
	if st != job.StateCancelled {
		start := end.Add(-d)
		r.StartedAt = &start
	} else {
		r.ExitCode = -1
	}
	if st == job.StateFailed {
		r.ExitCode = 1
	}
	return r
}

func openMemory(t *testing.T) (*Store, *MemoryLedger) {
	t.Helper()
	l := NewMemoryLedger()
	s, err := Open(context.Background(), l, Options{})
	require.NoError(t, err)
	return s, l
}

func TestStore_RecordAndQuery(t *testing.T) {
	s, l := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, result("a", job.StateCompleted, time.Second)))
	assert.Equal(t, 1, l.Len())

	got, err := s.Query("a")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.Status)

	// Returned copies are isolated from the index.
	got.Status = job.StateFailed
	again, err := s.Query("a")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, again.Status)

	_, err = s.Query("missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestStore_RecordRejectsDuplicatesAndNonTerminal(t *testing.T) {
	s, l := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, result("a", job.StateCompleted, time.Second)))
	err := s.Record(ctx, result("a", job.StateFailed, time.Second))
	assert.ErrorIs(t, err, ErrAlreadyRecorded)

	err = s.Record(ctx, &job.Result{JobID: "b", Status: job.StateRunning})
	assert.ErrorIs(t, err, job.ErrInvalidSpec)

	err = s.Record(ctx, &job.Result{Status: job.StateCompleted})
	assert.ErrorIs(t, err, job.ErrInvalidSpec)

	assert.Equal(t, 1, l.Len())
}

type failingLedger struct {
	MemoryLedger
	err error
}

func (f *failingLedger) Append(ctx context.Context, e Entry) error {
	return f.err
}

func TestStore_RecordLedgerFailureLeavesIndexUnchanged(t *testing.T) {
	l := &failingLedger{err: errors.New("disk full")}
	s, err := Open(context.Background(), l, Options{})
	require.NoError(t, err)

	err = s.Record(context.Background(), result("a", job.StateCompleted, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, s.Has("a"))
}

func TestStore_ConcurrentRecord(t *testing.T) {
	s, l := openMemory(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "job-" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			_ = s.Record(context.Background(), result(id, job.StateCompleted, time.Millisecond))
			_, _ = s.Query(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	assert.Equal(t, 50, l.Len())
}

func TestStore_Aggregate(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, result("a", job.StateCompleted, 2*time.Second)))
	require.NoError(t, s.Record(ctx, result("b", job.StateFailed, 4*time.Second)))
	require.NoError(t, s.Record(ctx, result("c", job.StateTimedOut, 6*time.Second)))
	require.NoError(t, s.Record(ctx, result("d", job.StateCancelled, 0)))

	agg := s.Aggregate([]string{"a", "b", "c", "d", "zz", "a"})
	assert.Equal(t, 4, agg.Total)
	assert.Equal(t, 1, agg.Success)
	assert.Equal(t, 1, agg.Failure)
	assert.Equal(t, 1, agg.Timeout)
	assert.Equal(t, 1, agg.Cancelled)
	assert.Equal(t, []string{"zz"}, agg.Missing)
	assert.Equal(t, 3, agg.Ran)
	assert.Equal(t, 12*time.Second, agg.TotalDuration)
	assert.Equal(t, 4*time.Second, agg.AvgDuration)
	assert.Equal(t, 6*time.Second, agg.MaxDuration)

	all := s.Aggregate(nil)
	assert.Equal(t, 4, all.Total)
	assert.Empty(t, all.Missing)

	empty := s.Aggregate([]string{"nope"})
	assert.Equal(t, 0, empty.Total)
	assert.Zero(t, empty.AvgDuration)
}

func TestStore_ListFilter(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()

	for _, r := range []*job.Result{
		result("a", job.StateCompleted, time.Second),
		result("b", job.StateFailed, time.Second),
		result("c", job.StateCompleted, time.Second),
	} {
		r.Batch = "corners"
		require.NoError(t, s.Record(ctx, r))
	}
	require.NoError(t, s.Record(ctx, result("d", job.StateCompleted, time.Second)))

	ids := func(rs []*job.Result) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.JobID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(s.List(Filter{})))
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.List(Filter{Batch: "corners"})))
	assert.Equal(t, []string{"a", "c", "d"}, ids(s.List(Filter{Status: job.StateCompleted})))
	assert.Equal(t, []string{"d", "a"}, ids(s.List(Filter{IDs: []string{"d", "x", "a"}})))
	assert.Equal(t, []string{"a", "b"}, ids(s.List(Filter{Limit: 2})))
}

func TestStore_BatchCounters(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()

	s.RegisterBatch("sweep", []string{"a", "b", "c"})
	b, ok := s.Batch("sweep")
	require.True(t, ok)
	assert.Equal(t, 3, b.Total)
	assert.False(t, b.Done())

	for id, st := range map[string]job.State{"a": job.StateCompleted, "b": job.StateFailed, "c": job.StateCancelled} {
		r := result(id, st, time.Second)
		r.Batch = "sweep"
		require.NoError(t, s.Record(ctx, r))
	}

	b, _ = s.Batch("sweep")
	assert.Equal(t, 1, b.Completed)
	assert.Equal(t, 1, b.Failed)
	assert.Equal(t, 1, b.Cancelled)
	assert.Equal(t, 3, b.Recorded())
	assert.True(t, b.Done())

	_, ok = s.Batch("other")
	assert.False(t, ok)

	removed, err := s.Purge(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, removed)
	b, _ = s.Batch("sweep")
	assert.Equal(t, 0, b.Failed)
	assert.False(t, b.Done())

	assert.Len(t, s.Batches(), 1)
}

func TestStore_PurgeWritesTombstone(t *testing.T) {
	s, l := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, result("a", job.StateCompleted, time.Second)))
	require.NoError(t, s.Record(ctx, result("b", job.StateCompleted, time.Second)))

	removed, err := s.Purge(ctx, []string{"a", "a", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, removed)
	assert.False(t, s.Has("a"))
	assert.Equal(t, 3, l.Len())

	// Nothing to purge writes nothing.
	removed, err = s.Purge(ctx, []string{"unknown"})
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, 3, l.Len())

	// A purged id can be recorded again.
	require.NoError(t, s.Record(ctx, result("a", job.StateFailed, time.Second)))

	reopened, err := Open(ctx, l, Options{})
	require.NoError(t, err)
	got, err := reopened.Query("a")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.Status)
	assert.Equal(t, 2, reopened.Len())
}

func TestStore_PurgeBefore(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()

	old := result("old", job.StateCompleted, time.Second)
	old.EndedAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(ctx, old))
	require.NoError(t, s.Record(ctx, result("new", job.StateCompleted, time.Second)))

	removed, err := s.PurgeBefore(ctx, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)
	assert.True(t, s.Has("new"))
}

func TestStore_Close(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, result("a", job.StateCompleted, time.Second)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Record(ctx, result("b", job.StateCompleted, time.Second))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Purge(ctx, []string{"a"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Query("a")
	assert.NoError(t, err)
}

func TestJSONLLedger_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger", "results.jsonl")

	l, err := OpenJSONL(path, "run-1", nil)
	require.NoError(t, err)
	s, err := Open(ctx, l, Options{})
	require.NoError(t, err)

	r := result("a", job.StateCompleted, 3*time.Second)
	r.Artifacts = []job.Artifact{{Path: "out.raw", Exists: true}}
	require.NoError(t, s.Record(ctx, r))
	require.NoError(t, s.Record(ctx, result("b", job.StateFailed, time.Second)))
	_, err = s.Purge(ctx, []string{"b"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	l2, err := OpenJSONL(path, "run-2", nil)
	require.NoError(t, err)
	s2, err := Open(ctx, l2, Options{})
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.Query("a")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, got.Duration)
	assert.Equal(t, []job.Artifact{{Path: "out.raw", Exists: true}}, got.Artifacts)
	assert.False(t, s2.Has("b"))

	// Replayed results may be superseded by a rerun.
	require.NoError(t, s2.Record(ctx, result("a", job.StateFailed, time.Second)))
	got, err = s2.Query("a")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, got.Status)
}

func TestJSONLLedger_TruncatedTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.jsonl")

	l, err := OpenJSONL(path, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, Entry{Kind: EntryResult, Result: result("a", job.StateCompleted, time.Second)}))
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"simrunner.result.v1","ts":"2024-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := OpenJSONL(path, "run-2", nil)
	require.NoError(t, err)
	s, err := Open(ctx, l2, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has("a"))
}

func TestJSONLLedger_RejectsUnknownEntry(t *testing.T) {
	l, err := OpenJSONL(filepath.Join(t.TempDir(), "r.jsonl"), "", nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.Error(t, l.Append(context.Background(), Entry{Kind: "bogus"}))
	assert.Error(t, l.Append(context.Background(), Entry{Kind: EntryResult}))
}

func TestExport_Formats(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()

	ok := result("a", job.StateCompleted, 1500*time.Millisecond)
	ok.Artifacts = []job.Artifact{{Path: "a.raw", Exists: true}, {Path: "a.log", Exists: false}}
	require.NoError(t, s.Record(ctx, ok))
	bad := result("b", job.StateFailed, time.Second)
	bad.Error = "process exited with code 1, see \"stderr\""
	require.NoError(t, s.Record(ctx, bad))

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := s.Export(ctx, &buf, nil, FormatCSV)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, csvHeader, rows[0])
		assert.Equal(t, "a", rows[1][0])
		assert.Equal(t, "1500", rows[1][7])
		assert.Equal(t, "a.log", rows[1][10])
		assert.Equal(t, bad.Error, rows[2][11])
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := s.Export(ctx, &buf, []string{"b"}, FormatJSON)
		require.NoError(t, err)

		var got []job.Result
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].JobID)
	})

	t.Run("json empty", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := s.Export(ctx, &buf, []string{"none"}, FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
	})

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := s.Export(ctx, &buf, nil, FormatJSONL)
		require.NoError(t, err)

		var ids []string
		require.NoError(t, output.ReadRecords(&buf, func(r output.Record) error {
			res, err := r.Result()
			if err != nil {
				return err
			}
			ids = append(ids, res.JobID)
			return nil
		}))
		assert.Equal(t, []string{"a", "b"}, ids)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := s.Export(ctx, &buf, []string{"a"}, FormatYAML)
		require.NoError(t, err)

		var got []map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0]["job_id"])
		assert.Equal(t, "1.5s", got[0]["duration"])
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := s.Export(ctx, &bytes.Buffer{}, nil, Format("xml"))
		assert.Error(t, err)
	})
}

func TestExportFile_Atomic(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, result("a", job.StateCompleted, time.Second)))

	dir := t.TempDir()
	path := filepath.Join(dir, "out", "results.csv")
	n, err := s.ExportFile(ctx, path, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "job_id,batch,status"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")

	_, err = s.ExportFile(ctx, filepath.Join(dir, "noext"), nil, "")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{"JSON", FormatJSON, false},
		{" jsonl ", FormatJSONL, false},
		{"ndjson", FormatJSONL, false},
		{"yml", FormatYAML, false},
		{"parquet", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Len(t, Formats(), 4)
}

func TestCheckArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raw", "corner"), 0755))
	for _, f := range []string{"tran.log", "raw/corner/ss.raw", "raw/corner/ff.raw"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), nil, 0644))
	}

	got, err := CheckArtifacts(dir, []string{"tran.log", "missing.out", "raw/**/*.raw", "*.csv"})
	require.NoError(t, err)

	assert.Equal(t, []job.Artifact{
		{Path: "tran.log", Exists: true},
		{Path: "missing.out", Exists: false},
		{Path: filepath.Join("raw", "corner", "ff.raw"), Exists: true},
		{Path: filepath.Join("raw", "corner", "ss.raw"), Exists: true},
		{Path: "*.csv", Exists: false},
	}, got)

	none, err := CheckArtifacts(dir, nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = CheckArtifacts(dir, []string{"raw/[.raw"})
	assert.Error(t, err)
}

func TestValidateArtifactPatterns(t *testing.T) {
	assert.NoError(t, ValidateArtifactPatterns([]string{"out.raw", "**/*.log", "{a,b}.csv"}))
	assert.ErrorIs(t, ValidateArtifactPatterns([]string{"bad[.raw"}), job.ErrInvalidSpec)
}
