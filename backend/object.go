package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// delimiter separates key segments in the object store.
const delimiter = "/"

// ErrObjectNotFound is returned by ObjectClient implementations when a key
// does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a single object returned by a listing.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Listing is the result of a prefix+delimiter listing. CommonPrefixes end
// with the delimiter and represent subdirectories.
type Listing struct {
	CommonPrefixes []string
	Objects        []ObjectInfo
}

// ObjectClient is the narrow set of object store operations the Object
// backend needs. A client is used for a single backend operation and then
// closed.
type ObjectClient interface {
	// List returns the objects and common prefixes directly under prefix.
	List(ctx context.Context, prefix, delimiter string) (*Listing, error)

	// Get opens the object at key. Returns ErrObjectNotFound if missing.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put uploads size bytes from r to key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Close releases the client.
	Close() error
}

// ClientFactory opens a new ObjectClient.
type ClientFactory func(ctx context.Context) (ObjectClient, error)

// ObjectOption configures an Object backend.
type ObjectOption func(*Object)

// WithObjectLogger sets the logger for the object backend.
func WithObjectLogger(logger *slog.Logger) ObjectOption {
	return func(o *Object) {
		o.logger = logger
	}
}

// WithSpoolDir sets the directory used to stage uploads.
// Defaults to os.TempDir().
func WithSpoolDir(dir string) ObjectOption {
	return func(o *Object) {
		o.spoolDir = dir
	}
}

// Object implements Backend over a flat key/value object store. Directories
// are emulated with key prefixes and zero-length marker keys ending in "/".
type Object struct {
	connect      ClientFactory
	repositories []string
	known        map[string]struct{}
	spoolDir     string
	logger       *slog.Logger
}

// NewObject creates an object store backend. Marker keys are created once
// for every configured repository that does not already have a top-level
// prefix in the store.
func NewObject(ctx context.Context, connect ClientFactory, repositories []string, opts ...ObjectOption) (*Object, error) {
	repos, known, err := normalizeRepositories(repositories)
	if err != nil {
		return nil, err
	}

	o := &Object{
		connect:      connect,
		repositories: repos,
		known:        known,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.bootstrap(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Object) bootstrap(ctx context.Context) error {
	client, err := o.connect(ctx)
	if err != nil {
		return failure("connecting to object store", err)
	}
	defer func() { _ = client.Close() }()

	listing, err := client.List(ctx, "", delimiter)
	if err != nil {
		return failure("listing repositories", err)
	}

	existing := make(map[string]struct{}, len(listing.CommonPrefixes))
	for _, prefix := range listing.CommonPrefixes {
		existing[strings.TrimSuffix(prefix, delimiter)] = struct{}{}
	}

	for _, repo := range o.repositories {
		if _, ok := existing[repo]; ok {
			continue
		}
		o.logger.Debug("creating repository marker", "repository", repo)
		if err := client.Put(ctx, repo+delimiter, strings.NewReader(""), 0); err != nil {
			return failure("creating repository marker", err)
		}
	}
	return nil
}

func (o *Object) Repositories(ctx context.Context) ([]string, error) {
	return append([]string(nil), o.repositories...), nil
}

func (o *Object) ListDirectory(ctx context.Context, repository, path string) ([]Entry, error) {
	if err := o.check(repository, path); err != nil {
		return nil, err
	}

	client, err := o.connect(ctx)
	if err != nil {
		return nil, failure("connecting to object store", err)
	}
	defer func() { _ = client.Close() }()

	entries, found, err := o.list(ctx, client, repository, path)
	if err != nil {
		return nil, err
	}
	if !found {
		// A file has no children but must not read as a missing directory.
		entry, ok, err := o.lookup(ctx, client, repository, path)
		if err != nil {
			return nil, err
		}
		if ok && !entry.IsDirectory {
			return nil, invalidPath(repository, path, "not a directory")
		}
		return nil, notFound(repository, path)
	}
	return entries, nil
}

// list issues a single prefix+delimiter listing for path. found is false
// when neither a marker nor any child exists under the prefix.
func (o *Object) list(ctx context.Context, client ObjectClient, repository, path string) ([]Entry, bool, error) {
	prefix := o.key(repository, path) + delimiter
	listing, err := client.List(ctx, prefix, delimiter)
	if err != nil {
		return nil, false, failure("listing objects", err)
	}

	found := false
	entries := make([]Entry, 0, len(listing.CommonPrefixes)+len(listing.Objects))
	for _, p := range listing.CommonPrefixes {
		found = true
		entries = append(entries, Entry{
			IsDirectory: true,
			Repository:  repository,
			Path:        strings.TrimSuffix(strings.TrimPrefix(p, repository+delimiter), delimiter),
		})
	}
	for _, obj := range listing.Objects {
		found = true
		if obj.Key == prefix {
			continue
		}
		size := obj.Size
		if size < 0 {
			size = 0
		}
		entries = append(entries, Entry{
			Repository: repository,
			Path:       strings.TrimPrefix(obj.Key, repository+delimiter),
			Size:       uint64(size),
			CreatedAt:  obj.LastModified,
		})
	}
	return entries, found, nil
}

func (o *Object) Exists(ctx context.Context, repository, path string) (bool, error) {
	_, ok, err := o.GetEntry(ctx, repository, path)
	return ok, err
}

// GetEntry lists the parent directory and filters for path; the store has
// no stat primitive that understands directory markers.
func (o *Object) GetEntry(ctx context.Context, repository, path string) (Entry, bool, error) {
	if err := o.check(repository, path); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if path == "" {
		return Entry{IsDirectory: true, Repository: repository}, true, nil
	}

	client, err := o.connect(ctx)
	if err != nil {
		return Entry{}, false, failure("connecting to object store", err)
	}
	defer func() { _ = client.Close() }()

	return o.lookup(ctx, client, repository, path)
}

func (o *Object) lookup(ctx context.Context, client ObjectClient, repository, path string) (Entry, bool, error) {
	if path == "" {
		return Entry{IsDirectory: true, Repository: repository}, true, nil
	}
	entries, _, err := o.list(ctx, client, repository, ParentPath(path))
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Path == path {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (o *Object) OpenRead(ctx context.Context, repository, path string) (io.ReadCloser, error) {
	if err := o.check(repository, path); err != nil {
		return nil, err
	}

	client, err := o.connect(ctx)
	if err != nil {
		return nil, failure("connecting to object store", err)
	}

	entry, ok, err := o.lookup(ctx, client, repository, path)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if !ok {
		_ = client.Close()
		return nil, notFound(repository, path)
	}
	if entry.IsDirectory {
		_ = client.Close()
		return nil, invalidPath(repository, path, "is a directory")
	}

	rc, err := client.Get(ctx, o.key(repository, path))
	if err != nil {
		_ = client.Close()
		if errors.Is(err, ErrObjectNotFound) {
			return nil, notFound(repository, path)
		}
		return nil, failure("reading object", err)
	}
	return &objectReader{ReadCloser: rc, client: client}, nil
}

// WriteFile spools r to a local temp file to learn its length, uploads it,
// and always removes the spool afterwards.
func (o *Object) WriteFile(ctx context.Context, repository, path string, r io.Reader) error {
	if err := o.check(repository, path); err != nil {
		return err
	}
	if path == "" {
		return invalidPath(repository, path, "is a directory")
	}

	client, err := o.connect(ctx)
	if err != nil {
		return failure("connecting to object store", err)
	}
	defer func() { _ = client.Close() }()

	if err := o.checkWritable(ctx, client, repository, path); err != nil {
		return err
	}

	spool, err := os.CreateTemp(o.spoolDir, "artifact-spool-*")
	if err != nil {
		return failure("creating spool file", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, r)
	if err != nil {
		return failure("spooling upload", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return failure("rewinding spool file", err)
	}

	if err := client.Put(ctx, o.key(repository, path), spool, size); err != nil {
		return failure("uploading object", err)
	}
	return nil
}

func (o *Object) checkWritable(ctx context.Context, client ObjectClient, repository, path string) error {
	parent := ParentPath(path)
	if parent != "" {
		pe, ok, err := o.lookup(ctx, client, repository, parent)
		if err != nil {
			return err
		}
		if !ok {
			return invalidPath(repository, path, "parent does not exist")
		}
		if !pe.IsDirectory {
			return invalidPath(repository, path, "parent is not a directory")
		}
	}

	existing, ok, err := o.lookup(ctx, client, repository, path)
	if err != nil {
		return err
	}
	if ok && existing.IsDirectory {
		return invalidPath(repository, path, "is a directory")
	}
	return nil
}

// EnsureDirectory writes a marker for path and each missing ancestor.
func (o *Object) EnsureDirectory(ctx context.Context, repository, path string) error {
	if err := o.check(repository, path); err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	client, err := o.connect(ctx)
	if err != nil {
		return failure("connecting to object store", err)
	}
	defer func() { _ = client.Close() }()

	segments := strings.Split(path, delimiter)
	current := ""
	for _, seg := range segments {
		current = JoinPath(current, seg)
		entry, ok, err := o.lookup(ctx, client, repository, current)
		if err != nil {
			return err
		}
		if ok {
			if !entry.IsDirectory {
				return invalidPath(repository, current, "is a file")
			}
			if current != path {
				continue
			}
		}
		if err := client.Put(ctx, o.key(repository, current)+delimiter, strings.NewReader(""), 0); err != nil {
			return failure("creating directory marker", err)
		}
	}
	return nil
}

func (o *Object) check(repository, path string) error {
	if _, ok := o.known[repository]; !ok {
		return fmt.Errorf("%w: repository %q", ErrNotFound, repository)
	}
	return ValidatePath(path)
}

func (o *Object) key(repository, path string) string {
	if path == "" {
		return repository
	}
	return repository + delimiter + path
}

// objectReader closes the client together with the object stream.
type objectReader struct {
	io.ReadCloser
	client ObjectClient
}

func (r *objectReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Compile-time interface checks
var _ Backend = (*Object)(nil)
