package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/simrunner/pkg/job"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
	assert.False(t, w.fsync)

	durable := NewJSONLWriter(&buf, "run-123", WithFsync())
	assert.True(t, durable.fsync)
}

func TestJSONLWriter_WriteResult(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	res := &job.Result{
		JobID:    "tran-001",
		Batch:    "corners",
		Status:   job.StateCompleted,
		ExitCode: 0,
		EndedAt:  time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Duration: 1500 * time.Millisecond,
		Artifacts: []job.Artifact{
			{Path: "tran.raw", Exists: true},
			{Path: "tran.log", Exists: false},
		},
	}

	err := w.WriteResult(context.Background(), res)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeResult, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.False(t, record.TS.IsZero())

	got, err := record.Result()
	require.NoError(t, err)
	assert.Equal(t, "tran-001", got.JobID)
	assert.Equal(t, job.StateCompleted, got.Status)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Equal(t, []string{"tran.log"}, got.MissingArtifacts())

	_, err = record.Purge()
	assert.Error(t, err)
}

func TestJSONLWriter_WriteEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteEvent(context.Background(), &EventRecord{JobID: "b", State: job.StateCancelled, Reason: "dependency a ended failed"})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeEvent, record.Type)

	var ev EventRecord
	require.NoError(t, json.Unmarshal(record.Data, &ev))
	assert.Equal(t, job.StateCancelled, ev.State)
	assert.Equal(t, "dependency a ended failed", ev.Reason)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeSpawn,
		Message: "spawn /opt/sim/ngspice: no such file or directory",
		JobID:   "dc-7",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeError, record.Type)

	var errData ErrorRecord
	require.NoError(t, json.Unmarshal(record.Data, &errData))
	assert.Equal(t, ErrCodeSpawn, errData.Code)
	assert.Equal(t, "dc-7", errData.JobID)
}

func TestJSONLWriter_WriteSummaryAndPurge(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		Completed:     8,
		Failed:        1,
		TimedOut:      1,
		Duration:      90 * time.Second,
		DurationHuman: "1m30s",
	}))
	require.NoError(t, w.WritePurge(context.Background(), &PurgeRecord{JobIDs: []string{"a", "b"}}))

	var types []string
	var purged *PurgeRecord
	err := ReadRecords(&buf, func(r Record) error {
		types = append(types, r.Type)
		if r.Type == TypePurge {
			p, err := r.Purge()
			purged = p
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{TypeSummary, TypePurge}, types)
	require.NotNil(t, purged)
	assert.Equal(t, []string{"a", "b"}, purged.JobIDs)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WriteResult(context.Background(), &job.Result{JobID: "one"}))
	require.NoError(t, w.WriteResult(context.Background(), &job.Result{JobID: "two"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	for _, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.Close())

	err := w.WriteResult(context.Background(), &job.Result{JobID: "late"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteResult(context.Background(), &job.Result{
					JobID:    "job",
					ExitCode: writerID*writesPerWriter + j,
				})
			}
		}(i)
	}

	wg.Wait()

	// Every line must be a complete record (no interleaving).
	count := 0
	err := ReadRecords(&buf, func(r Record) error {
		count++
		_, err := r.Result()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, numWriters*writesPerWriter, count)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteResult(ctx, &job.Result{JobID: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "run-123")

	err := w.WriteResult(context.Background(), &job.Result{JobID: "x"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123")

	err := w.WriteResult(context.Background(), &job.Result{JobID: "ac-sweep", StderrTail: "warning: gmin stepping"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeResult, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123")

	err := w.WriteResult(context.Background(), &job.Result{JobID: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestJSONLWriter_FsyncFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	w := NewJSONLWriter(f, "run-123", WithFsync())
	require.NoError(t, w.WriteResult(context.Background(), &job.Result{JobID: "durable"}))

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_id":"durable"`)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestReadRecords_TruncatedFinalLine(t *testing.T) {
	input := `{"type":"simrunner.result.v1","ts":"2024-01-15T12:00:00Z","data":{"job_id":"a","status":"completed","exit_code":0,"submitted_at":"0001-01-01T00:00:00Z","ended_at":"0001-01-01T00:00:00Z","duration_ns":0,"peak_rss_bytes":0,"peak_cpu_percent":0}}
{"type":"simrunner.result.v1","ts":"2024-01-15T12:0`

	var ids []string
	err := ReadRecords(strings.NewReader(input), func(r Record) error {
		res, err := r.Result()
		if err != nil {
			return err
		}
		ids = append(ids, res.JobID)
		return nil
	})
	require.ErrorIs(t, err, ErrTruncatedRecord)
	assert.Equal(t, []string{"a"}, ids)
}

func TestReadRecords_CorruptMiddleLine(t *testing.T) {
	input := "{not json}\n\n" + `{"type":"simrunner.event.v1","ts":"2024-01-15T12:00:00Z","data":{}}` + "\n"

	err := ReadRecords(strings.NewReader(input), func(r Record) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTruncatedRecord)
	assert.Contains(t, err.Error(), "line 1")
}

func TestReadRecords_CallbackError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "")
	require.NoError(t, w.WriteResult(context.Background(), &job.Result{JobID: "a"}))

	stop := errors.New("stop")
	err := ReadRecords(&buf, func(r Record) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func BenchmarkJSONLWriter_WriteResult(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123")
	res := &job.Result{
		JobID:     "bench",
		Status:    job.StateCompleted,
		Duration:  time.Second,
		Artifacts: []job.Artifact{{Path: "out.raw", Exists: true}},
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteResult(ctx, res)
	}
}
