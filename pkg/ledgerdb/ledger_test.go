package ledgerdb

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/resultstore"
)

func sample(id string, st job.State) *job.Result {
	start := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	return &job.Result{
		JobID:     id,
		Batch:     "corners",
		Status:    st,
		StartedAt: &start,
		EndedAt:   start.Add(2 * time.Second),
		Duration:  2 * time.Second,
		Artifacts: []job.Artifact{{Path: id + ".raw", Exists: st == job.StateCompleted}},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	var version int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `UPDATE schema_meta SET schema_version=99 WHERE id=1`)
	require.NoError(t, err)

	err = Migrate(ctx, db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer")
}

func TestLedger_AppendReplayOrder(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.Append(ctx, resultstore.Entry{Kind: resultstore.EntryResult, Result: sample("a", job.StateCompleted)}))
	require.NoError(t, l.Append(ctx, resultstore.Entry{Kind: resultstore.EntryResult, Result: sample("b", job.StateFailed)}))
	require.NoError(t, l.Append(ctx, resultstore.Entry{Kind: resultstore.EntryPurge, Purged: []string{"a"}}))
	require.NoError(t, l.Append(ctx, resultstore.Entry{Kind: resultstore.EntryResult, Result: sample("a", job.StateFailed)}))

	var trace []string
	require.NoError(t, l.Replay(ctx, func(e resultstore.Entry) error {
		switch e.Kind {
		case resultstore.EntryResult:
			trace = append(trace, "result:"+e.Result.JobID+":"+string(e.Result.Status))
		case resultstore.EntryPurge:
			trace = append(trace, "purge:"+strings.Join(e.Purged, ","))
		}
		assert.False(t, e.At.IsZero())
		return nil
	}))

	assert.Equal(t, []string{
		"result:a:completed",
		"result:b:failed",
		"purge:a",
		"result:a:failed",
	}, trace)

	n, err := l.ResultCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestLedger_RejectsBadEntries(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.Error(t, l.Append(ctx, resultstore.Entry{Kind: resultstore.EntryResult}))
	assert.Error(t, l.Append(ctx, resultstore.Entry{Kind: "other"}))
}

func TestLedger_StoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	l, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	s, err := resultstore.Open(ctx, l, resultstore.Options{})
	require.NoError(t, err)

	require.NoError(t, s.Record(ctx, sample("a", job.StateCompleted)))
	require.NoError(t, s.Record(ctx, sample("b", job.StateTimedOut)))
	_, err = s.Purge(ctx, []string{"b"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	l2, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	s2, err := resultstore.Open(ctx, l2, resultstore.Options{})
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.Query("a")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.Status)
	assert.Equal(t, 2*time.Second, got.Duration)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, []job.Artifact{{Path: "a.raw", Exists: true}}, got.Artifacts)
	assert.False(t, s2.Has("b"))

	counters, ok := s2.Batch("corners")
	require.True(t, ok)
	assert.Equal(t, 1, counters.Completed)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"memory", Config{Path: ":memory:"}, ":memory:", false},
		{"plain path", Config{Path: filepath.Join(dir, "a", "l.db")}, "file:" + filepath.Join(dir, "a", "l.db"), false},
		{"file dsn", Config{Path: "file:" + filepath.Join(dir, "b.db")}, "file:" + filepath.Join(dir, "b.db"), false},
		{"url", Config{URL: "libsql://ledger.example.io"}, "libsql://ledger.example.io", false},
		{"url with token", Config{URL: "libsql://ledger.example.io", AuthToken: "tok"}, "libsql://ledger.example.io?authToken=tok", false},
		{"existing token kept", Config{URL: "libsql://ledger.example.io?authToken=old", AuthToken: "new"}, "libsql://ledger.example.io?authToken=old", false},
		{"empty", Config{}, "", true},
		{"blank", Config{Path: "  "}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.DirExists(t, filepath.Join(dir, "a"))
	_, err := buildDSN(Config{})
	assert.ErrorIs(t, err, ErrNoLocation)
}
