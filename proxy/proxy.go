// Package proxy exposes virtual, read-only repositories that merge the
// content of one or more physical repositories.
//
// Directory listings are merged with the first member to provide a path
// winning. maven-metadata.xml documents and their checksum sidecars are not
// served from any single member: they are synthesized from every member's
// copy and cached.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/wolfeidau/artifact-repo/backend"
	"github.com/wolfeidau/artifact-repo/cache"
	"github.com/wolfeidau/artifact-repo/maven"
	"github.com/wolfeidau/artifact-repo/telemetry"
)

const (
	defaultMetadataEntries = 100
	defaultMetadataTTL     = time.Hour
)

// Repository configures one virtual repository.
type Repository struct {
	// Name of the virtual repository.
	Name string

	// Members are physical repositories, searched in order.
	Members []string
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger for the proxy.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Backend) {
		p.logger = logger
	}
}

// WithMetadataCache overrides the synthesized metadata cache settings.
// Zero values keep the defaults of 100 entries and a one hour TTL.
func WithMetadataCache(entries int, ttl, negativeTTL time.Duration) Option {
	return func(p *Backend) {
		if entries > 0 {
			p.metadataEntries = entries
		}
		if ttl > 0 {
			p.metadataTTL = ttl
		}
		p.metadataNegativeTTL = negativeTTL
	}
}

// Backend is a backend.Backend that adds virtual repositories on top of
// the wrapped backend. Operations on any other repository are forwarded
// unchanged.
type Backend struct {
	inner    backend.Backend
	virtual  map[string][]string
	order    []string
	memberOf map[string][]string
	logger   *slog.Logger

	metadataEntries     int
	metadataTTL         time.Duration
	metadataNegativeTTL time.Duration
	metadata            *cache.Map[*maven.Document]
}

// New wraps inner with the given virtual repositories.
func New(inner backend.Backend, repositories []Repository, opts ...Option) (*Backend, error) {
	p := &Backend{
		inner:           inner,
		virtual:         make(map[string][]string, len(repositories)),
		memberOf:        make(map[string][]string),
		logger:          slog.Default(),
		metadataEntries: defaultMetadataEntries,
		metadataTTL:     defaultMetadataTTL,
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, repo := range repositories {
		if repo.Name == "" {
			return nil, errors.New("proxy: virtual repository name is required")
		}
		if _, dup := p.virtual[repo.Name]; dup {
			return nil, fmt.Errorf("proxy: duplicate virtual repository %q", repo.Name)
		}
		members := dedupe(repo.Members)
		if len(members) == 0 {
			return nil, fmt.Errorf("proxy: virtual repository %q has no members", repo.Name)
		}
		p.virtual[repo.Name] = members
		p.order = append(p.order, repo.Name)
	}

	for _, name := range p.order {
		for _, member := range p.virtual[name] {
			if _, nested := p.virtual[member]; nested {
				return nil, fmt.Errorf("proxy: virtual repository %q cannot include virtual repository %q", name, member)
			}
			p.memberOf[member] = append(p.memberOf[member], name)
		}
	}

	p.metadata = cache.New(cache.Config{
		Name:        "metadata",
		MaxEntries:  p.metadataEntries,
		TTL:         p.metadataTTL,
		NegativeTTL: p.metadataNegativeTTL,
		Logger:      p.logger,
	}, p.synthesize)

	return p, nil
}

// IsVirtual reports whether name is a virtual repository.
func (p *Backend) IsVirtual(name string) bool {
	_, ok := p.virtual[name]
	return ok
}

// Members returns the members of a virtual repository.
func (p *Backend) Members(name string) []string {
	return append([]string(nil), p.virtual[name]...)
}

// Repositories returns the physical repositories followed by the virtual
// ones in configured order.
func (p *Backend) Repositories(ctx context.Context) ([]string, error) {
	repos, err := p.inner.Repositories(ctx)
	if err != nil {
		return nil, err
	}
	return append(repos, p.order...), nil
}

func (p *Backend) ListDirectory(ctx context.Context, repository, path string) ([]backend.Entry, error) {
	members, ok := p.virtual[repository]
	if !ok {
		return p.inner.ListDirectory(ctx, repository, path)
	}
	if err := backend.ValidatePath(path); err != nil {
		return nil, err
	}

	var (
		merged  []backend.Entry
		seen    = make(map[string]struct{})
		found   bool
		sawFile bool
	)
	for _, member := range members {
		dir, ok, err := p.inner.GetEntry(ctx, member, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !dir.IsDirectory {
			sawFile = true
			continue
		}

		entries, err := p.inner.ListDirectory(ctx, member, path)
		if err != nil {
			// Removed since GetEntry.
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			return nil, err
		}
		found = true
		for _, e := range entries {
			if _, dup := seen[e.Path]; dup {
				continue
			}
			seen[e.Path] = struct{}{}
			merged = append(merged, e.WithRepository(repository))
		}
	}

	if !found {
		if sawFile {
			return nil, fmt.Errorf("%w: %s/%s: not a directory", backend.ErrInvalidPath, repository, path)
		}
		return nil, notFound(repository, path)
	}

	for i, e := range merged {
		if e.IsDirectory || !maven.IsMetadataPath(e.Path) {
			continue
		}
		synthetic, ok, err := p.GetEntry(ctx, repository, e.Path)
		if err != nil {
			return nil, err
		}
		if ok {
			merged[i] = synthetic
		}
	}
	return merged, nil
}

// Exists reports whether any member has path. Metadata paths also exist
// when a document can be synthesized for them.
func (p *Backend) Exists(ctx context.Context, repository, path string) (bool, error) {
	members, ok := p.virtual[repository]
	if !ok {
		return p.inner.Exists(ctx, repository, path)
	}

	if base, _, ok := maven.ParseMetadataPath(path); ok {
		_, present, err := p.document(ctx, repository, base)
		if err != nil || present {
			return present, err
		}
	}

	for _, member := range members {
		exists, err := p.inner.Exists(ctx, member, path)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func (p *Backend) GetEntry(ctx context.Context, repository, path string) (backend.Entry, bool, error) {
	members, ok := p.virtual[repository]
	if !ok {
		return p.inner.GetEntry(ctx, repository, path)
	}

	if base, kind, ok := maven.ParseMetadataPath(path); ok {
		doc, present, err := p.document(ctx, repository, base)
		if err != nil || !present {
			return backend.Entry{}, false, err
		}
		content, err := doc.Content(kind)
		if err != nil {
			return backend.Entry{}, false, err
		}
		return backend.Entry{
			Repository: repository,
			Path:       path,
			Size:       uint64(len(content)),
			CreatedAt:  doc.CreatedAt,
		}, true, nil
	}

	_, entry, ok, err := p.first(ctx, members, path)
	if err != nil || !ok {
		return backend.Entry{}, false, err
	}
	return entry.WithRepository(repository), true, nil
}

func (p *Backend) OpenRead(ctx context.Context, repository, path string) (io.ReadCloser, error) {
	members, ok := p.virtual[repository]
	if !ok {
		return p.inner.OpenRead(ctx, repository, path)
	}
	if err := backend.ValidatePath(path); err != nil {
		return nil, err
	}

	if base, kind, ok := maven.ParseMetadataPath(path); ok {
		doc, present, err := p.document(ctx, repository, base)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, notFound(repository, path)
		}
		content, err := doc.Content(kind)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(content)), nil
	}

	member, entry, ok, err := p.first(ctx, members, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(repository, path)
	}
	if entry.IsDirectory {
		return nil, fmt.Errorf("%w: %s/%s: is a directory", backend.ErrInvalidPath, repository, path)
	}
	return p.inner.OpenRead(ctx, member, path)
}

// WriteFile fails for virtual repositories. Writes to a member repository
// that replace a metadata document drop the synthesized copies built from it.
func (p *Backend) WriteFile(ctx context.Context, repository, path string, r io.Reader) error {
	if p.IsVirtual(repository) {
		return readOnly(repository)
	}
	err := p.inner.WriteFile(ctx, repository, path, r)
	p.invalidateMetadata(ctx, repository, path)
	return err
}

// EnsureDirectory fails for virtual repositories.
func (p *Backend) EnsureDirectory(ctx context.Context, repository, path string) error {
	if p.IsVirtual(repository) {
		return readOnly(repository)
	}
	return p.inner.EnsureDirectory(ctx, repository, path)
}

// Unwrap returns the underlying backend.
func (p *Backend) Unwrap() backend.Backend {
	return p.inner
}

func (p *Backend) invalidateMetadata(ctx context.Context, member, path string) {
	base, _, ok := maven.ParseMetadataPath(path)
	if !ok {
		return
	}
	for _, virtual := range p.memberOf[member] {
		p.logger.Debug("invalidating synthesized metadata", "repository", virtual, "path", base, "member", member)
		p.metadata.Invalidate(ctx, cache.Key{Repository: virtual, Path: base})
	}
}

// first returns the entry for path from the first member that has it.
func (p *Backend) first(ctx context.Context, members []string, path string) (string, backend.Entry, bool, error) {
	for _, member := range members {
		entry, ok, err := p.inner.GetEntry(ctx, member, path)
		if err != nil {
			return "", backend.Entry{}, false, err
		}
		if ok {
			return member, entry, true, nil
		}
	}
	return "", backend.Entry{}, false, nil
}

func (p *Backend) document(ctx context.Context, repository, base string) (*maven.Document, bool, error) {
	r, err := p.metadata.Get(ctx, cache.Key{Repository: repository, Path: base})
	if err != nil {
		return nil, false, err
	}
	doc, ok := r.Get()
	return doc, ok, nil
}

// synthesize is the metadata cache loader. It reads the document at
// key.Path from every member and merges them.
func (p *Backend) synthesize(ctx context.Context, key cache.Key) (cache.Result[*maven.Document], error) {
	start := time.Now()
	members := p.virtual[key.Repository]

	var sources []maven.Source
	for _, member := range members {
		src, ok, err := p.readMetadata(ctx, member, key.Path)
		if err != nil {
			telemetry.RecordMetadataSynthesis(ctx, key.Repository, "error", len(sources), time.Since(start))
			return cache.Result[*maven.Document]{}, err
		}
		if ok {
			sources = append(sources, src)
		}
	}

	if len(sources) == 0 {
		telemetry.RecordMetadataSynthesis(ctx, key.Repository, "absent", 0, time.Since(start))
		return cache.Absent[*maven.Document](), nil
	}

	doc, err := maven.Synthesize(sources)
	if err != nil {
		telemetry.RecordMetadataSynthesis(ctx, key.Repository, "error", len(sources), time.Since(start))
		return cache.Result[*maven.Document]{}, err
	}

	telemetry.RecordMetadataSynthesis(ctx, key.Repository, "success", len(sources), time.Since(start))
	p.logger.Debug("synthesized metadata",
		"repository", key.Repository,
		"path", key.Path,
		"members", len(sources),
		"versions", len(doc.Metadata.Versioning.Versions.Version),
		"release", doc.Metadata.Versioning.Release,
		"sha1", doc.Checksums.SHA1,
	)
	return cache.Present(doc), nil
}

// readMetadata parses one member's copy of a metadata document. A member
// whose copy cannot be parsed is skipped rather than failing the merge.
func (p *Backend) readMetadata(ctx context.Context, member, path string) (maven.Source, bool, error) {
	entry, ok, err := p.inner.GetEntry(ctx, member, path)
	if err != nil {
		return maven.Source{}, false, err
	}
	if !ok || entry.IsDirectory {
		return maven.Source{}, false, nil
	}

	rc, err := p.inner.OpenRead(ctx, member, path)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return maven.Source{}, false, nil
		}
		return maven.Source{}, false, err
	}
	defer func() { _ = rc.Close() }()

	md, err := maven.Parse(rc)
	if err != nil {
		p.logger.Warn("skipping unreadable metadata", "repository", member, "path", path, "error", err)
		return maven.Source{}, false, nil
	}
	return maven.Source{Repository: member, Metadata: md, CreatedAt: entry.CreatedAt}, true, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func notFound(repository, path string) error {
	return fmt.Errorf("%w: %s/%s", backend.ErrNotFound, repository, path)
}

func readOnly(repository string) error {
	return fmt.Errorf("%w: %s", backend.ErrReadOnly, repository)
}

// Compile-time interface checks
var _ backend.Backend = (*Backend)(nil)
