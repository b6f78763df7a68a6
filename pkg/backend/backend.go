// Package backend defines the contract the gateway expects from the remote
// drive: a path-addressed tree of files and directories with stat, listing,
// ranged download, streaming upload, copy, and reversible delete primitives.
//
// The S3 layer never touches storage directly; it only speaks this interface.
// Keep method signatures stable.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// EntryType distinguishes files from directories in ObjectStats.
type EntryType string

const (
	File      EntryType = "file"
	Directory EntryType = "directory"
)

// ObjectStats is the per-entry metadata the drive reports. ContentID is a
// stable identifier for the current content of the entry and is what the S3
// layer surfaces as the ETag.
type ObjectStats struct {
	Path      string
	Name      string
	Size      int64
	Type      EntryType
	Created   time.Time
	Modified  time.Time
	ContentID string
}

// Timestamps carries optional client-supplied times for an upload.
// Zero values mean "let the drive decide".
type Timestamps struct {
	Created  time.Time
	Modified time.Time
}

// Errors returned by Store implementations.
var (
	ErrNotFound     = errors.New("backend: not found")
	ErrNotDirectory = errors.New("backend: not a directory")
	ErrIsDirectory  = errors.New("backend: is a directory")
)

// Store is the drive contract. All paths are normalized POSIX paths starting
// with "/". Implementations MUST be safe for concurrent use.
type Store interface {
	// Stat returns metadata for path, or ErrNotFound.
	Stat(ctx context.Context, path string) (ObjectStats, error)

	// ReadDir returns the child names of a directory, or ErrNotFound /
	// ErrNotDirectory.
	ReadDir(ctx context.Context, path string) ([]string, error)

	// MkdirAll creates the directory chain up to and including path.
	// Creating an existing directory is not an error.
	MkdirAll(ctx context.Context, path string) error

	// Unlink removes path. When permanent is false the entry is moved to a
	// recoverable trash area instead of being destroyed. Removing a missing
	// path returns ErrNotFound.
	Unlink(ctx context.Context, path string, permanent bool) error

	// Copy duplicates the entry at from into to. Parent directories of to
	// must already exist.
	Copy(ctx context.Context, from, to string) error

	// Upload streams r into a new file called name under the parent
	// directory, replacing nothing (callers remove existing entries first),
	// and returns the stats of the created file.
	Upload(ctx context.Context, r io.Reader, parent, name string, ts *Timestamps) (ObjectStats, error)

	// DownloadRange opens a reader over bytes [start, end] (inclusive) of
	// the file described by st. The reader honors ctx cancellation and must
	// be closed by the caller. Close is safe to call more than once.
	DownloadRange(ctx context.Context, st ObjectStats, start, end int64) (io.ReadCloser, error)
}
