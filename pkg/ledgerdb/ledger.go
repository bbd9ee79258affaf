package ledgerdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/resultstore"
)

// Ledger is a resultstore.Ledger backed by SQLite.
type Ledger struct {
	db *sql.DB
}

var _ resultstore.Ledger = (*Ledger)(nil)

// Open opens the database, applies migrations, and returns a ledger.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// DB exposes the underlying handle for ad-hoc queries.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

func (l *Ledger) Append(ctx context.Context, e resultstore.Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	recordedAt := at.UTC().Format(time.RFC3339Nano)

	switch e.Kind {
	case resultstore.EntryResult:
		r := e.Result
		if r == nil {
			return errors.New("ledger: result entry without result")
		}
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO results
			 (job_id, batch, status, exit_code, ended_at, duration_ns, recorded_at, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.JobID, nullString(r.Batch), string(r.Status), r.ExitCode,
			r.EndedAt.UTC().Format(time.RFC3339Nano), int64(r.Duration), recordedAt, string(payload))
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		return nil

	case resultstore.EntryPurge:
		ids, err := json.Marshal(e.Purged)
		if err != nil {
			return fmt.Errorf("marshal purge: %w", err)
		}
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO purges (after_seq, recorded_at, job_ids)
			 VALUES ((SELECT COALESCE(MAX(seq), 0) FROM results), ?, ?)`,
			recordedAt, string(ids))
		if err != nil {
			return fmt.Errorf("insert purge: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("ledger: unknown entry kind %q", e.Kind)
	}
}

// Replay streams results and purges in append order.
func (l *Ledger) Replay(ctx context.Context, fn func(resultstore.Entry) error) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, pos, recorded_at, payload FROM (
			SELECT 0 AS kind, seq AS pos, 0 AS sub, recorded_at, payload FROM results
			UNION ALL
			SELECT 1 AS kind, after_seq AS pos, purge_id AS sub, recorded_at, job_ids AS payload FROM purges
		 ) ORDER BY pos, kind, sub`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Decode everything before invoking fn so callbacks never run while
	// the single connection is held by the cursor.
	var entries []resultstore.Entry
	for rows.Next() {
		var (
			kind       int
			pos        int64
			recordedAt string
			payload    string
		)
		if err := rows.Scan(&kind, &pos, &recordedAt, &payload); err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		at, _ := time.Parse(time.RFC3339Nano, recordedAt)

		if kind == 0 {
			var r job.Result
			if err := json.Unmarshal([]byte(payload), &r); err != nil {
				return fmt.Errorf("decode result at seq %d: %w", pos, err)
			}
			entries = append(entries, resultstore.Entry{Kind: resultstore.EntryResult, At: at, Result: &r})
			continue
		}
		var ids []string
		if err := json.Unmarshal([]byte(payload), &ids); err != nil {
			return fmt.Errorf("decode purge after seq %d: %w", pos, err)
		}
		entries = append(entries, resultstore.Entry{Kind: resultstore.EntryPurge, At: at, Purged: ids})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate ledger: %w", err)
	}
	_ = rows.Close()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// ResultCount returns the number of appended result rows, reruns included.
func (l *Ledger) ResultCount(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
