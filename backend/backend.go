// Package backend provides the storage abstraction for artifact repositories.
//
// A Backend exposes a hierarchical namespace partitioned by repository name.
// Concrete implementations (Filesystem, Object) and decorators (Cached,
// Instrumented) all satisfy the same contract so they can be chained.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a repository or path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPath is returned for structural violations: a missing or
	// non-directory parent, a directory where a file was expected (or the
	// reverse), or a path that escapes its repository.
	ErrInvalidPath = errors.New("invalid path")

	// ErrReadOnly is returned when writing to a read-only repository.
	ErrReadOnly = errors.New("repository is read-only")

	// ErrBackendFailure wraps lower-level I/O and network failures.
	ErrBackendFailure = errors.New("backend failure")
)

// Entry describes a file or directory in a repository.
type Entry struct {
	IsDirectory bool      `json:"directory"`
	Repository  string    `json:"repository"`
	Path        string    `json:"path"`
	Size        uint64    `json:"size"`
	CreatedAt   time.Time `json:"created,omitzero"` // zero when unknown
}

// Name returns the final path element of the entry.
func (e Entry) Name() string {
	_, name := SplitPath(e.Path)
	return name
}

// WithRepository returns a copy of the entry relabeled to repository.
func (e Entry) WithRepository(repository string) Entry {
	e.Repository = repository
	return e
}

// Backend defines the interface for repository storage.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Repositories returns the configured repository names in a stable order.
	Repositories(ctx context.Context) ([]string, error)

	// ListDirectory returns the immediate children of path.
	// Returns ErrNotFound if path does not exist and ErrInvalidPath if it is
	// not a directory. The empty path denotes the repository root.
	ListDirectory(ctx context.Context, repository, path string) ([]Entry, error)

	// Exists reports whether path exists in repository.
	Exists(ctx context.Context, repository, path string) (bool, error)

	// GetEntry returns the entry at path. A missing path is reported by
	// returning false, never ErrNotFound.
	GetEntry(ctx context.Context, repository, path string) (Entry, bool, error)

	// OpenRead opens the file at path for reading.
	// Returns ErrInvalidPath if path is a directory.
	// The caller must close the returned ReadCloser.
	OpenRead(ctx context.Context, repository, path string) (io.ReadCloser, error)

	// WriteFile stores the contents of r at path, overwriting any existing
	// file. The parent of path must already exist and be a directory.
	WriteFile(ctx context.Context, repository, path string, r io.Reader) error

	// EnsureDirectory creates path and any missing parents.
	// It is idempotent and fails with ErrNotFound for unknown repositories.
	EnsureDirectory(ctx context.Context, repository, path string) error
}

// failure wraps err so that it matches both ErrBackendFailure and err.
func failure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendFailure, err)
}

func notFound(repository, path string) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, repository, path)
}

func invalidPath(repository, path, reason string) error {
	return fmt.Errorf("%w: %s/%s: %s", ErrInvalidPath, repository, path, reason)
}
