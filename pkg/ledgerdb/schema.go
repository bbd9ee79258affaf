package ledgerdb

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates the ledger schema in-place.
//
// results is append-only; a rerun of the same job adds a row and the
// newest row wins on replay. purges records tombstones positioned after
// the results row that was newest when the purge happened.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS results (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			batch TEXT,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			ended_at TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			-- payload is the full result as JSON.
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_job_id ON results(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_results_batch ON results(batch);`,

		`CREATE TABLE IF NOT EXISTS purges (
			purge_id INTEGER PRIMARY KEY AUTOINCREMENT,
			after_seq INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			-- job_ids is a JSON array.
			job_ids TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_purges_after_seq ON purges(after_seq);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
