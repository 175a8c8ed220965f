package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// tempPrefix marks in-progress writes; such files are never listed.
const tempPrefix = ".tmp-"

// Filesystem implements Backend over a local directory tree.
// Each repository is a subdirectory of the root.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root         string
	repositories []string
	known        map[string]struct{}
}

// NewFilesystem creates a filesystem backend rooted at root. The root and a
// subdirectory for every repository are created if they do not exist.
func NewFilesystem(root string, repositories []string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}

	repos, known, err := normalizeRepositories(repositories)
	if err != nil {
		return nil, err
	}

	for _, repo := range repos {
		dir := filepath.Join(absRoot, repo)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating repository directory %s: %w", dir, err)
		}
	}

	return &Filesystem{root: absRoot, repositories: repos, known: known}, nil
}

// Root returns the absolute root directory path.
func (fsb *Filesystem) Root() string {
	return fsb.root
}

func (fsb *Filesystem) Repositories(ctx context.Context) ([]string, error) {
	return append([]string(nil), fsb.repositories...), nil
}

func (fsb *Filesystem) ListDirectory(ctx context.Context, repository, path string) ([]Entry, error) {
	dir, err := fsb.resolve(repository, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(repository, path)
		}
		return nil, failure("stat directory", err)
	}
	if !info.IsDir() {
		return nil, invalidPath(repository, path, "not a directory")
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, failure("reading directory", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, failure("stat entry", err)
		}
		entries = append(entries, newFileEntry(repository, JoinPath(path, de.Name()), fi))
	}
	return entries, nil
}

func (fsb *Filesystem) Exists(ctx context.Context, repository, path string) (bool, error) {
	_, ok, err := fsb.GetEntry(ctx, repository, path)
	return ok, err
}

func (fsb *Filesystem) GetEntry(ctx context.Context, repository, path string) (Entry, bool, error) {
	full, err := fsb.resolve(repository, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return Entry{}, false, nil
		}
		return Entry{}, false, failure("stat path", err)
	}
	return newFileEntry(repository, path, info), true, nil
}

func (fsb *Filesystem) OpenRead(ctx context.Context, repository, path string) (io.ReadCloser, error) {
	full, err := fsb.resolve(repository, path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return nil, notFound(repository, path)
		}
		return nil, failure("opening file", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, failure("stat file", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, invalidPath(repository, path, "is a directory")
	}
	return f, nil
}

// WriteFile stores r at path using atomic write.
func (fsb *Filesystem) WriteFile(ctx context.Context, repository, path string, r io.Reader) error {
	full, err := fsb.resolve(repository, path)
	if err != nil {
		return err
	}
	if path == "" {
		return invalidPath(repository, path, "is a directory")
	}

	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return invalidPath(repository, path, "is a directory")
	}

	dir := filepath.Dir(full)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return invalidPath(repository, path, "parent does not exist")
		}
		return failure("stat parent", err)
	}
	if !info.IsDir() {
		return invalidPath(repository, path, "parent is not a directory")
	}

	// Write to temp file first
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return failure("creating temp file", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return failure("writing data", err)
	}
	if err := tmp.Sync(); err != nil {
		return failure("syncing file", err)
	}
	if err := tmp.Close(); err != nil {
		return failure("closing temp file", err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		return failure("renaming temp file", err)
	}

	success = true
	return nil
}

func (fsb *Filesystem) EnsureDirectory(ctx context.Context, repository, path string) error {
	full, err := fsb.resolve(repository, path)
	if err != nil {
		return err
	}

	if info, err := os.Stat(full); err == nil {
		if info.IsDir() {
			return nil
		}
		return invalidPath(repository, path, "is a file")
	}

	if err := os.MkdirAll(full, 0755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, fs.ErrExist) {
			return invalidPath(repository, path, "an ancestor is a file")
		}
		return failure("creating directory", err)
	}
	return nil
}

// resolve converts a repository path to an absolute filesystem path,
// refusing any path that would land outside the repository directory.
func (fsb *Filesystem) resolve(repository, path string) (string, error) {
	if _, ok := fsb.known[repository]; !ok {
		return "", fmt.Errorf("%w: repository %q", ErrNotFound, repository)
	}
	if err := ValidatePath(path); err != nil {
		return "", err
	}

	repoRoot := filepath.Join(fsb.root, repository)
	full := filepath.Join(repoRoot, filepath.FromSlash(path))

	if !within(repoRoot, full) {
		return "", invalidPath(repository, path, "escapes repository root")
	}

	// Symlinks inside the repository may point anywhere, so the check is
	// repeated on the real location of the longest existing prefix.
	realRoot, err := filepath.EvalSymlinks(repoRoot)
	if err != nil {
		return "", failure("resolving repository root", err)
	}
	realFull, err := evalExisting(repoRoot, full)
	if err != nil {
		return "", failure("resolving path", err)
	}
	if !within(realRoot, realFull) {
		return "", invalidPath(repository, path, "escapes repository root")
	}
	return full, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting resolves symlinks in the part of full that exists and appends
// the missing remainder unchanged. full must lie under root.
func evalExisting(root, full string) (string, error) {
	p, rest := full, ""
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		if p == root {
			return "", err
		}
		rest = filepath.Join(filepath.Base(p), rest)
		p = filepath.Dir(p)
	}
}

func newFileEntry(repository, path string, info fs.FileInfo) Entry {
	e := Entry{
		IsDirectory: info.IsDir(),
		Repository:  repository,
		Path:        path,
		CreatedAt:   info.ModTime(),
	}
	if !e.IsDirectory {
		e.Size = uint64(info.Size())
	}
	return e
}

// normalizeRepositories validates repository names and removes duplicates
// while preserving the configured order.
func normalizeRepositories(repositories []string) ([]string, map[string]struct{}, error) {
	known := make(map[string]struct{}, len(repositories))
	repos := make([]string, 0, len(repositories))
	for _, repo := range repositories {
		if !validRepository(repo) {
			return nil, nil, fmt.Errorf("invalid repository name %q", repo)
		}
		if _, dup := known[repo]; dup {
			continue
		}
		known[repo] = struct{}{}
		repos = append(repos, repo)
	}
	return repos, known, nil
}

// Compile-time interface checks
var _ Backend = (*Filesystem)(nil)
