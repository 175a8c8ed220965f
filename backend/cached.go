package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/wolfeidau/artifact-repo/cache"
)

const (
	defaultListingEntries = 100
	defaultEntryEntries   = 1000
)

// CachedConfig configures a Cached backend. Zero values select defaults.
type CachedConfig struct {
	// ListingEntries bounds the directory-listing cache. Default: 100.
	ListingEntries int

	// EntryEntries bounds the single-entry cache. Default: 1000.
	EntryEntries int

	// TTL is the expiry since last access for present values. Default: 1h.
	TTL time.Duration

	// NegativeTTL is the expiry since last access for Absent values.
	// Default: 5m.
	NegativeTTL time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// Cached memoizes directory listings and entry lookups of the wrapped
// backend. Writes made through Cached invalidate the keys they affect
// before returning.
type Cached struct {
	backend  Backend
	listings *cache.Map[[]Entry]
	entries  *cache.Map[Entry]
}

// NewCached wraps b with listing and entry caches.
func NewCached(b Backend, cfg CachedConfig) *Cached {
	if cfg.ListingEntries <= 0 {
		cfg.ListingEntries = defaultListingEntries
	}
	if cfg.EntryEntries <= 0 {
		cfg.EntryEntries = defaultEntryEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cached{backend: b}
	c.listings = cache.New(cache.Config{
		Name:        "listing",
		MaxEntries:  cfg.ListingEntries,
		TTL:         cfg.TTL,
		NegativeTTL: cfg.NegativeTTL,
		Logger:      cfg.Logger,
	}, c.loadListing)
	c.entries = cache.New(cache.Config{
		Name:        "entry",
		MaxEntries:  cfg.EntryEntries,
		TTL:         cfg.TTL,
		NegativeTTL: cfg.NegativeTTL,
		Logger:      cfg.Logger,
	}, c.loadEntry)
	return c
}

func (c *Cached) loadListing(ctx context.Context, key cache.Key) (cache.Result[[]Entry], error) {
	entries, err := c.backend.ListDirectory(ctx, key.Repository, key.Path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return cache.Absent[[]Entry](), nil
		}
		return cache.Result[[]Entry]{}, err
	}
	return cache.Present(entries), nil
}

func (c *Cached) loadEntry(ctx context.Context, key cache.Key) (cache.Result[Entry], error) {
	entry, ok, err := c.backend.GetEntry(ctx, key.Repository, key.Path)
	if err != nil {
		return cache.Result[Entry]{}, err
	}
	if !ok {
		return cache.Absent[Entry](), nil
	}
	return cache.Present(entry), nil
}

// Repositories is not cached.
func (c *Cached) Repositories(ctx context.Context) ([]string, error) {
	return c.backend.Repositories(ctx)
}

func (c *Cached) ListDirectory(ctx context.Context, repository, path string) ([]Entry, error) {
	r, err := c.listings.Get(ctx, cache.Key{Repository: repository, Path: path})
	if err != nil {
		return nil, err
	}
	entries, ok := r.Get()
	if !ok {
		return nil, notFound(repository, path)
	}
	// Callers may sort or filter the result in place.
	return slices.Clone(entries), nil
}

func (c *Cached) Exists(ctx context.Context, repository, path string) (bool, error) {
	_, ok, err := c.GetEntry(ctx, repository, path)
	return ok, err
}

func (c *Cached) GetEntry(ctx context.Context, repository, path string) (Entry, bool, error) {
	r, err := c.entries.Get(ctx, cache.Key{Repository: repository, Path: path})
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := r.Get()
	return entry, ok, nil
}

// OpenRead is not cached.
func (c *Cached) OpenRead(ctx context.Context, repository, path string) (io.ReadCloser, error) {
	return c.backend.OpenRead(ctx, repository, path)
}

// WriteFile invalidates the written entry and its parent listing. The keys
// are dropped even when the write fails, since a partial failure may still
// have changed the store.
func (c *Cached) WriteFile(ctx context.Context, repository, path string, r io.Reader) error {
	err := c.backend.WriteFile(ctx, repository, path, r)
	c.entries.Invalidate(ctx, cache.Key{Repository: repository, Path: path})
	c.listings.Invalidate(ctx, cache.Key{Repository: repository, Path: ParentPath(path)})
	return err
}

// EnsureDirectory invalidates the parent listing of path. Every ancestor it
// may have created is dropped from both caches as well, so a negative
// result cached before the call cannot outlive it.
func (c *Cached) EnsureDirectory(ctx context.Context, repository, path string) error {
	err := c.backend.EnsureDirectory(ctx, repository, path)
	for p := path; ; p = ParentPath(p) {
		c.entries.Invalidate(ctx, cache.Key{Repository: repository, Path: p})
		c.listings.Invalidate(ctx, cache.Key{Repository: repository, Path: p})
		if p == "" {
			break
		}
	}
	return err
}

// Unwrap returns the underlying backend.
func (c *Cached) Unwrap() Backend {
	return c.backend
}

// Compile-time interface checks
var _ Backend = (*Cached)(nil)
