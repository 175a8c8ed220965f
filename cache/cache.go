// Package cache provides a bounded, expiring, single-flight cache keyed by
// (repository, path).
//
// Values are stored as a tagged Result so that a confirmed-missing value
// (Absent) is distinct from a key that has not been loaded yet. Concurrent
// misses for the same key share one loader call. Loader failures are
// returned to every waiter of that call and are never stored.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/wolfeidau/artifact-repo/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxEntries  = 100
	defaultTTL         = time.Hour
	defaultNegativeTTL = 5 * time.Minute
)

// Key identifies a cached value.
type Key struct {
	Repository string
	Path       string
}

// String returns a form of the key that is unique per (repository, path).
func (k Key) String() string {
	return k.Repository + "\x00" + k.Path
}

// Result is either Present(value) or Absent.
type Result[V any] struct {
	value   V
	present bool
}

// Present wraps a loaded value.
func Present[V any](v V) Result[V] {
	return Result[V]{value: v, present: true}
}

// Absent records that the value was looked up and does not exist.
func Absent[V any]() Result[V] {
	return Result[V]{}
}

// Get returns the value and whether it is present.
func (r Result[V]) Get() (V, bool) {
	return r.value, r.present
}

// IsPresent reports whether the result holds a value.
func (r Result[V]) IsPresent() bool {
	return r.present
}

// Loader computes the value for a key on a cache miss.
type Loader[V any] func(ctx context.Context, key Key) (Result[V], error)

// Config configures a Map.
type Config struct {
	// Name labels log lines and metrics.
	Name string

	// MaxEntries bounds the number of stored keys. Least recently used keys
	// are evicted first. Default: 100.
	MaxEntries int

	// TTL is how long a present value lives after its last access.
	// Default: 1 hour.
	TTL time.Duration

	// NegativeTTL is how long an Absent value lives after its last access.
	// Default: 5 minutes.
	NegativeTTL time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// Map is a bounded single-flight cache. It is safe for concurrent use.
type Map[V any] struct {
	name        string
	loader      Loader[V]
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time

	group singleflight.Group

	// mu guards entries and flights. A flight is marked stale when its key
	// is invalidated, so a load that overlapped the invalidation never
	// stores its result. Loads of other keys are unaffected.
	mu      sync.Mutex
	entries *simplelru.LRU[Key, *item[V]]
	flights map[Key]*flight
}

type flight struct {
	stale bool
}

type item[V any] struct {
	result  Result[V]
	expires time.Time
}

// New creates a Map that fills misses with loader.
func New[V any](cfg Config, loader Loader[V]) *Map[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// NewLRU only fails for a non-positive size.
	entries, _ := simplelru.NewLRU[Key, *item[V]](cfg.MaxEntries, nil)

	return &Map[V]{
		name:        cfg.Name,
		loader:      loader,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		logger:      cfg.Logger,
		now:         time.Now,
		entries:     entries,
		flights:     make(map[Key]*flight),
	}
}

// Get returns the cached result for key, loading it on a miss.
// Only one load per key runs at a time; other callers wait for it. A caller
// whose context ends first returns the context error while the load
// continues for the others and is still stored.
func (m *Map[V]) Get(ctx context.Context, key Key) (Result[V], error) {
	if r, ok := m.lookup(key); ok {
		outcome := telemetry.CacheHit
		if !r.present {
			outcome = telemetry.CacheNegativeHit
		}
		telemetry.RecordCacheLookup(ctx, m.name, outcome)
		return r, nil
	}

	ch := m.group.DoChan(key.String(), func() (any, error) {
		// Another flight may have filled the key since our miss.
		if r, ok := m.lookup(key); ok {
			return r, nil
		}

		f := m.begin(key)
		telemetry.RecordCacheLookup(ctx, m.name, telemetry.CacheMiss)
		r, err := m.loader(context.WithoutCancel(ctx), key)
		if err != nil {
			m.end(key, f)
			return nil, err
		}

		m.store(key, r, f)
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			telemetry.RecordCacheLookup(ctx, m.name, telemetry.CacheError)
			m.logger.Debug("cache load failed", "cache", m.name, "repository", key.Repository, "path", key.Path, "shared", res.Shared, "error", res.Err)
			return Result[V]{}, res.Err
		}
		return res.Val.(Result[V]), nil
	case <-ctx.Done():
		return Result[V]{}, ctx.Err()
	}
}

// begin registers an in-flight load of key.
func (m *Map[V]) begin(key Key) *flight {
	f := &flight{}
	m.mu.Lock()
	m.flights[key] = f
	m.mu.Unlock()
	return f
}

// end unregisters f if it is still the current flight of key.
func (m *Map[V]) end(key Key, f *flight) {
	m.mu.Lock()
	m.endLocked(key, f)
	m.mu.Unlock()
}

func (m *Map[V]) endLocked(key Key, f *flight) {
	if m.flights[key] == f {
		delete(m.flights, key)
	}
}

// Invalidate removes key and returns the value it held, if any.
func (m *Map[V]) Invalidate(ctx context.Context, key Key) (Result[V], bool) {
	m.mu.Lock()
	if f, inflight := m.flights[key]; inflight {
		f.stale = true
		delete(m.flights, key)
	}
	it, ok := m.entries.Peek(key)
	if ok {
		m.entries.Remove(key)
	}
	m.mu.Unlock()

	// Callers arriving after this point start a fresh load.
	m.group.Forget(key.String())

	telemetry.RecordCacheInvalidation(ctx, m.name)
	if !ok {
		return Result[V]{}, false
	}
	return it.result, true
}

// Len returns the number of stored keys, including expired ones that have
// not been evicted yet.
func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// Purge removes every key.
func (m *Map[V]) Purge() {
	m.mu.Lock()
	for key, f := range m.flights {
		f.stale = true
		delete(m.flights, key)
	}
	m.entries.Purge()
	m.mu.Unlock()
}

// lookup returns a live entry and extends its expiry.
func (m *Map[V]) lookup(key Key) (Result[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.entries.Get(key)
	if !ok {
		return Result[V]{}, false
	}
	now := m.now()
	if now.After(it.expires) {
		m.entries.Remove(key)
		return Result[V]{}, false
	}
	it.expires = now.Add(m.expiry(it.result))
	return it.result, true
}

func (m *Map[V]) store(key Key, r Result[V], f *flight) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endLocked(key, f)
	if f.stale {
		m.logger.Debug("discarding load that raced an invalidation", "cache", m.name, "repository", key.Repository, "path", key.Path)
		return
	}
	if evicted := m.entries.Add(key, &item[V]{result: r, expires: m.now().Add(m.expiry(r))}); evicted {
		telemetry.RecordCacheEviction(context.Background(), m.name)
	}
}

func (m *Map[V]) expiry(r Result[V]) time.Duration {
	if r.present {
		return m.ttl
	}
	return m.negativeTTL
}
