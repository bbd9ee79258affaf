// Package archive copies recorded results and their files to long-term
// storage: a local directory or an S3 bucket.
//
// An archive is laid out under a prefix:
//
//	<prefix>/results.jsonl
//	<prefix>/results.csv
//	<prefix>/<job_id>/stdout.log
//	<prefix>/<job_id>/stderr.log
//	<prefix>/<job_id>/artifacts/<path>
//
// File contents are copied byte for byte and never interpreted.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Sink errors. Transient failures are retried by the Archiver; the rest
// are permanent.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
	ErrInvalidKey         = errors.New("invalid archive key")
)

// SinkError wraps a storage failure with the operation and key.
type SinkError struct {
	Op  string
	Key string
	Err error
}

func (e *SinkError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying err cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidKey)
}

// Sink stores archive objects. body is rewound before every attempt, so
// implementations may read it to the end.
type Sink interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error

	// Location describes where key is stored, for reports.
	Location(key string) string

	Close() error
}

// DirSink writes objects below a local directory.
type DirSink struct {
	root string
}

var _ Sink = (*DirSink)(nil)

// NewDirSink creates root if needed.
func NewDirSink(root string) (*DirSink, error) {
	if strings.TrimSpace(root) == "" {
		return nil, &SinkError{Op: "open", Err: errors.New("archive directory is required")}
	}
	// #nosec G301 -- archive directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &SinkError{Op: "open", Key: root, Err: err}
	}
	return &DirSink{root: root}, nil
}

// Put writes body to root/key through a temp file and rename, so a reader
// never sees a partial object.
func (d *DirSink) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	dst := filepath.Join(d.root, filepath.FromSlash(clean))

	// #nosec G301 -- archive directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return &SinkError{Op: "put", Key: key, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return &SinkError{Op: "put", Key: key, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, body)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("wrote %d bytes, expected %d", n, size)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, dst)
	}
	if err != nil {
		return &SinkError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (d *DirSink) Location(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *DirSink) Close() error { return nil }

// cleanKey normalizes a slash-separated key and rejects keys that would
// escape the archive root.
func cleanKey(key string) (string, error) {
	k := strings.ReplaceAll(key, "\\", "/")
	for _, seg := range strings.Split(k, "/") {
		if seg == ".." {
			return "", &SinkError{Op: "put", Key: key, Err: ErrInvalidKey}
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+k), "/")
	if clean == "" {
		return "", &SinkError{Op: "put", Key: key, Err: ErrInvalidKey}
	}
	return clean, nil
}
