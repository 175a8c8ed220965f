package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory object store shared by the clients it opens.
type memStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	now     time.Time

	opened atomic.Int64
	closed atomic.Int64
	puts   atomic.Int64

	listErr error
}

type memObject struct {
	data     []byte
	modified time.Time
}

func newMemStore() *memStore {
	return &memStore{
		objects: make(map[string]memObject),
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) factory(ctx context.Context) (ObjectClient, error) {
	s.opened.Add(1)
	return &memClient{store: s}, nil
}

func (s *memStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type memClient struct {
	store  *memStore
	closed bool
}

func (c *memClient) List(ctx context.Context, prefix, delimiter string) (*Listing, error) {
	if c.store.listErr != nil {
		return nil, c.store.listErr
	}

	listing := &Listing{}
	seen := make(map[string]bool)
	for _, key := range c.store.keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					listing.CommonPrefixes = append(listing.CommonPrefixes, cp)
				}
				continue
			}
		}
		c.store.mu.Lock()
		obj := c.store.objects[key]
		c.store.mu.Unlock()
		listing.Objects = append(listing.Objects, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
		})
	}
	return listing, nil
}

func (c *memClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	obj, ok := c.store.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (c *memClient) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("short upload")
	}
	c.store.puts.Add(1)
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.objects[key] = memObject{data: data, modified: c.store.now}
	return nil
}

func (c *memClient) Close() error {
	if !c.closed {
		c.closed = true
		c.store.closed.Add(1)
	}
	return nil
}

func newTestObject(t *testing.T, store *memStore) *Object {
	t.Helper()
	o, err := NewObject(context.Background(), store.factory, testRepositories, WithSpoolDir(t.TempDir()))
	require.NoError(t, err)
	return o
}

func TestObjectContract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		return newTestObject(t, newMemStore())
	})
}

func TestObjectBootstrapCreatesMissingMarkers(t *testing.T) {
	store := newMemStore()
	store.objects["releases/com/acme/lib.jar"] = memObject{data: []byte("jar")}

	newTestObject(t, store)

	// releases already had a top-level prefix; only snapshots needs a marker
	require.Equal(t, []string{"releases/com/acme/lib.jar", "snapshots/"}, store.keys())
	require.EqualValues(t, 1, store.puts.Load())

	// A second construction finds both prefixes and writes nothing
	newTestObject(t, store)
	require.EqualValues(t, 1, store.puts.Load())
}

func TestObjectBootstrapFailure(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("connection refused")

	_, err := NewObject(context.Background(), store.factory, testRepositories)
	require.ErrorIs(t, err, ErrBackendFailure)
}

func TestObjectEachOperationClosesItsClient(t *testing.T) {
	store := newMemStore()
	o := newTestObject(t, store)
	ctx := context.Background()

	require.NoError(t, o.EnsureDirectory(ctx, "releases", "a"))
	require.NoError(t, o.WriteFile(ctx, "releases", "a/b.jar", strings.NewReader("data")))
	_, _, err := o.GetEntry(ctx, "releases", "a/b.jar")
	require.NoError(t, err)
	_, err = o.ListDirectory(ctx, "releases", "a")
	require.NoError(t, err)
	_, err = o.OpenRead(ctx, "releases", "missing.jar")
	require.ErrorIs(t, err, ErrNotFound)

	rc, err := o.OpenRead(ctx, "releases", "a/b.jar")
	require.NoError(t, err)
	require.Equal(t, store.opened.Load()-1, store.closed.Load(), "open stream holds its client")
	require.NoError(t, rc.Close())

	require.Equal(t, store.opened.Load(), store.closed.Load())
}

func TestObjectWriteRemovesSpool(t *testing.T) {
	store := newMemStore()
	spool := t.TempDir()
	o, err := NewObject(context.Background(), store.factory, testRepositories, WithSpoolDir(spool))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, o.WriteFile(ctx, "releases", "a.jar", strings.NewReader("payload")))

	err = o.WriteFile(ctx, "releases", "b.jar", io.MultiReader(strings.NewReader("partial"), failingReader{err: io.ErrUnexpectedEOF}))
	require.ErrorIs(t, err, ErrBackendFailure)

	names, err := os.ReadDir(spool)
	require.NoError(t, err)
	require.Empty(t, names)

	_, ok, err := o.GetEntry(ctx, "releases", "b.jar")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestObjectListingExcludesMarkerAndMapsPrefixes(t *testing.T) {
	store := newMemStore()
	o := newTestObject(t, store)
	ctx := context.Background()

	require.NoError(t, o.EnsureDirectory(ctx, "releases", "com/acme/lib/1.0"))
	require.NoError(t, o.WriteFile(ctx, "releases", "com/acme/lib/maven-metadata.xml", strings.NewReader("<metadata/>")))

	entries, err := o.ListDirectory(ctx, "releases", "com/acme/lib")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.True(t, entries[0].IsDirectory)
	require.Equal(t, "com/acme/lib/1.0", entries[0].Path)
	require.Zero(t, entries[0].Size)

	require.False(t, entries[1].IsDirectory)
	require.Equal(t, "com/acme/lib/maven-metadata.xml", entries[1].Path)
	require.Equal(t, uint64(len("<metadata/>")), entries[1].Size)
	require.Equal(t, store.now, entries[1].CreatedAt)
}

func TestObjectImplicitDirectoryWithoutMarker(t *testing.T) {
	store := newMemStore()
	o := newTestObject(t, store)
	ctx := context.Background()

	// Objects uploaded by other tools often have no directory markers
	store.objects["releases/org/tool/tool.jar"] = memObject{data: []byte("x"), modified: store.now}

	entry, ok, err := o.GetEntry(ctx, "releases", "org/tool")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, entry.IsDirectory)

	entries, err := o.ListDirectory(ctx, "releases", "org/tool")
	require.NoError(t, err)
	require.Equal(t, []string{"org/tool/tool.jar"}, entryPaths(entries))
}
