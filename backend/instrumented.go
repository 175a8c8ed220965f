package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-repo/telemetry"
)

// Instrumented wraps a Backend with metrics recording.
type Instrumented struct {
	backend Backend
	name    string
}

// NewInstrumented creates a new instrumented backend wrapper. name labels
// the recorded metrics, e.g. "filesystem" or "s3".
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

func (ib *Instrumented) Repositories(ctx context.Context) ([]string, error) {
	start := time.Now()
	repos, err := ib.backend.Repositories(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "repositories", outcomeFromError(err), time.Since(start), 0)
	return repos, err
}

func (ib *Instrumented) ListDirectory(ctx context.Context, repository, path string) ([]Entry, error) {
	start := time.Now()
	entries, err := ib.backend.ListDirectory(ctx, repository, path)
	telemetry.RecordBackendOp(ctx, ib.name, "list_directory", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

func (ib *Instrumented) Exists(ctx context.Context, repository, path string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, repository, path)
	outcome := outcomeFromError(err)
	if err == nil && !exists {
		outcome = "not_found"
	}
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcome, time.Since(start), 0)
	return exists, err
}

func (ib *Instrumented) GetEntry(ctx context.Context, repository, path string) (Entry, bool, error) {
	start := time.Now()
	entry, ok, err := ib.backend.GetEntry(ctx, repository, path)
	outcome := outcomeFromError(err)
	if err == nil && !ok {
		outcome = "not_found"
	}
	telemetry.RecordBackendOp(ctx, ib.name, "get_entry", outcome, time.Since(start), 0)
	return entry, ok, err
}

// OpenRead records the read when the returned stream is closed so that the
// duration and byte count cover the whole transfer.
func (ib *Instrumented) OpenRead(ctx context.Context, repository, path string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.OpenRead(ctx, repository, path)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "open_read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &instrumentedReader{ReadCloser: rc, ctx: ctx, name: ib.name, start: start}, nil
}

func (ib *Instrumented) WriteFile(ctx context.Context, repository, path string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.WriteFile(ctx, repository, path, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write_file", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *Instrumented) EnsureDirectory(ctx context.Context, repository, path string) error {
	start := time.Now()
	err := ib.backend.EnsureDirectory(ctx, repository, path)
	telemetry.RecordBackendOp(ctx, ib.name, "ensure_directory", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// instrumentedReader records an open_read operation once, on Close.
type instrumentedReader struct {
	io.ReadCloser
	ctx   context.Context
	name  string
	start time.Time
	n     int64
	err   error
	once  sync.Once
}

func (r *instrumentedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func (r *instrumentedReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(func() {
		outcome := "success"
		if r.err != nil {
			outcome = "error"
		}
		telemetry.RecordBackendOp(r.ctx, r.name, "open_read", outcome, time.Since(r.start), r.n)
	})
	return err
}

// Compile-time interface checks
var _ Backend = (*Instrumented)(nil)
