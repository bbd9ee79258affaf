package resultstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/output"
)

// EntryKind distinguishes ledger entries.
type EntryKind string

const (
	// EntryResult appends a job result.
	EntryResult EntryKind = "result"

	// EntryPurge removes previously recorded results from the index.
	EntryPurge EntryKind = "purge"
)

// Entry is one append-only ledger line.
type Entry struct {
	Kind   EntryKind
	At     time.Time
	Result *job.Result
	Purged []string
}

// Ledger is the durable append-only backing of a Store.
type Ledger interface {
	// Append durably stores e before returning.
	Append(ctx context.Context, e Entry) error

	// Replay calls fn for every stored entry in append order.
	Replay(ctx context.Context, fn func(Entry) error) error

	Close() error
}

// MemoryLedger keeps entries in memory. It is intended for tests and
// callers that do not need durability.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (m *MemoryLedger) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Result = e.Result.Clone()
	e.Purged = slices.Clone(e.Purged)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryLedger) Replay(ctx context.Context, fn func(Entry) error) error {
	m.mu.Lock()
	entries := slices.Clone(m.entries)
	m.mu.Unlock()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Result = e.Result.Clone()
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLedger) Close() error {
	return nil
}

// Len returns the number of appended entries.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// JSONLLedger appends output records to a file, one per line, and syncs the
// file after every append.
//
// File layout: one simrunner.result.v1 or simrunner.purge.v1 record per line.
type JSONLLedger struct {
	path   string
	file   *os.File
	writer *output.JSONLWriter
	logger *zap.Logger
}

var _ Ledger = (*JSONLLedger)(nil)

// OpenJSONL opens (and creates if needed) a JSONL ledger at path.
func OpenJSONL(path string, runID string, logger *zap.Logger) (*JSONLLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	// #nosec G302 G304 -- ledger path is operator-supplied
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	return &JSONLLedger{
		path:   path,
		file:   f,
		writer: output.NewJSONLWriter(f, runID, output.WithFsync()),
		logger: logger,
	}, nil
}

// Path returns the ledger file path.
func (l *JSONLLedger) Path() string {
	return l.path
}

func (l *JSONLLedger) Append(ctx context.Context, e Entry) error {
	switch e.Kind {
	case EntryResult:
		if e.Result == nil {
			return errors.New("ledger: result entry without result")
		}
		return l.writer.WriteResult(ctx, e.Result)
	case EntryPurge:
		return l.writer.WritePurge(ctx, &output.PurgeRecord{JobIDs: e.Purged})
	default:
		return fmt.Errorf("ledger: unknown entry kind %q", e.Kind)
	}
}

// Replay reads the ledger from the start. A truncated final line, left by a
// crash mid-append, is logged and skipped.
func (l *JSONLLedger) Replay(ctx context.Context, fn func(Entry) error) error {
	// #nosec G304 -- ledger path is operator-supplied
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open ledger for replay: %w", err)
	}
	defer func() { _ = f.Close() }()

	err = output.ReadRecords(f, func(r output.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch r.Type {
		case output.TypeResult:
			res, err := r.Result()
			if err != nil {
				return err
			}
			return fn(Entry{Kind: EntryResult, At: r.TS, Result: res})
		case output.TypePurge:
			p, err := r.Purge()
			if err != nil {
				return err
			}
			return fn(Entry{Kind: EntryPurge, At: r.TS, Purged: p.JobIDs})
		default:
			return nil
		}
	})
	if errors.Is(err, output.ErrTruncatedRecord) {
		l.logger.Warn("ledger ends with a truncated record; ignoring it",
			zap.String("path", l.path), zap.Error(err))
		return nil
	}
	return err
}

func (l *JSONLLedger) Close() error {
	_ = l.writer.Close()
	return l.file.Close()
}
