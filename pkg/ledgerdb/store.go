// Package ledgerdb provides a SQLite-backed result ledger.
//
// The default build uses the pure-Go modernc driver; cgo builds use
// go-libsql, which also accepts remote libsql:// URLs.
package ledgerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoLocation is returned when neither Path nor URL is set.
var ErrNoLocation = errors.New("ledger path or url is required")

// Config locates the ledger database.
type Config struct {
	// Path is a local file, a file: DSN, or ":memory:".
	Path string

	// URL is a remote libsql URL. It takes precedence over Path.
	URL string

	// AuthToken is added to URL as authToken unless the URL carries one.
	AuthToken string
}

// buildDSN turns cfg into a driver DSN, creating the parent directory of
// local ledger files.
func buildDSN(cfg Config) (string, error) {
	if remote := strings.TrimSpace(cfg.URL); remote != "" {
		return withAuthToken(remote, cfg.AuthToken)
	}

	p := strings.TrimSpace(cfg.Path)
	switch {
	case p == "":
		return "", ErrNoLocation
	case p == ":memory:", strings.HasPrefix(p, "libsql:"):
		return p, nil
	case strings.HasPrefix(p, "file:"):
		local, err := pathFromFileDSN(p)
		if err != nil {
			return "", err
		}
		return p, mkParentDir(local)
	default:
		return "file:" + filepath.Clean(p), mkParentDir(p)
	}
}

func withAuthToken(remote, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return remote, nil
	}
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parse ledger url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return remote, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func pathFromFileDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse ledger dsn %q: %w", dsn, err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return strings.TrimPrefix(p, "//"), nil
}

func mkParentDir(p string) error {
	dir := filepath.Dir(filepath.Clean(p))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- ledger directories use 0755 like the run output tree
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create ledger dir %s: %w", dir, err)
	}
	return nil
}

// configureLocalSQLite pins the pool to one connection and, for file
// ledgers, makes every committed append durable.
func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("ledger db is nil")
	}

	// Appends are serialized anyway; one connection also keeps a
	// :memory: database alive across queries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pragmas := []struct {
		stmt  string
		query bool
	}{
		{"PRAGMA journal_mode=WAL", true},
		{"PRAGMA busy_timeout=5000", true},
		{"PRAGMA synchronous=FULL", false},
	}
	for _, p := range pragmas {
		var err error
		if p.query {
			var discard any
			err = db.QueryRowContext(ctx, p.stmt).Scan(&discard)
		} else {
			_, err = db.ExecContext(ctx, p.stmt)
		}
		if err != nil {
			return fmt.Errorf("ledger %s: %w", p.stmt, err)
		}
	}
	return nil
}
