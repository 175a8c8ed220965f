package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemContract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		return newTestFilesystem(t)
	})
}

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "repo")

	fs, err := NewFilesystem(root, []string{"releases", "snapshots", "releases"})
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Repository directories are created eagerly
	for _, repo := range []string{"releases", "snapshots"} {
		info, err := os.Stat(filepath.Join(root, repo))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	repos, err := fs.Repositories(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"releases", "snapshots"}, repos)
}

func TestNewFilesystem_RelativeRootIsAbsolute(t *testing.T) {
	t.Chdir(t.TempDir())

	fs, err := NewFilesystem("data", []string{"releases"})
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(fs.Root()))
}

func TestNewFilesystem_InvalidRepositoryName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", "a\\b"} {
		_, err := NewFilesystem(t.TempDir(), []string{name})
		require.Error(t, err, name)
	}
}

func TestFilesystemWriteLandsUnderRepository(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("hello, world!")

	require.NoError(t, fs.WriteFile(ctx, "releases", "data.txt", bytes.NewReader(data)))

	got, err := os.ReadFile(filepath.Join(fs.Root(), "releases", "data.txt"))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemListHidesTempFiles(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "releases", tempPrefix+"123"), []byte("partial"), 0644))
	require.NoError(t, fs.WriteFile(ctx, "releases", "done.jar", bytes.NewReader([]byte("jar"))))

	entries, err := fs.ListDirectory(ctx, "releases", "")
	require.NoError(t, err)
	require.Equal(t, []string{"done.jar"}, entryPaths(entries))
}

func TestFilesystemWriteLeavesNoTempFiles(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "releases", "a.jar", bytes.NewReader([]byte("one"))))
	require.NoError(t, fs.WriteFile(ctx, "releases", "a.jar", bytes.NewReader([]byte("two"))))

	names, err := os.ReadDir(filepath.Join(fs.Root(), "releases"))
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.Equal(t, "a.jar", names[0].Name())
}

func TestFilesystemFailedWriteKeepsOriginal(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	original := []byte("original content")

	require.NoError(t, fs.WriteFile(ctx, "releases", "a.jar", bytes.NewReader(original)))

	err := fs.WriteFile(ctx, "releases", "a.jar", io.MultiReader(
		bytes.NewReader([]byte("partial")),
		failingReader{err: io.ErrUnexpectedEOF},
	))
	require.ErrorIs(t, err, ErrBackendFailure)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	got, err := os.ReadFile(filepath.Join(fs.Root(), "releases", "a.jar"))
	require.NoError(t, err)
	require.Equal(t, original, got)

	names, err := os.ReadDir(filepath.Join(fs.Root(), "releases"))
	require.NoError(t, err)
	require.Len(t, names, 1)
}

func TestFilesystemRejectsTraversalOutsideRoot(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0644))

	// Traversal via path segments is rejected before touching the disk
	_, err := fs.OpenRead(ctx, "releases", "../../"+filepath.Base(outside)+"/secret")
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestFilesystemRejectsSymlinkOutsideRoot(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(fs.Root(), "releases", "link")))

	_, _, err := fs.GetEntry(ctx, "releases", "link/secret")
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = fs.OpenRead(ctx, "releases", "link/secret")
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = fs.ListDirectory(ctx, "releases", "link")
	require.ErrorIs(t, err, ErrInvalidPath)

	err = fs.WriteFile(ctx, "releases", "link/new.jar", bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, ErrInvalidPath)
	require.NoFileExists(t, filepath.Join(outside, "new.jar"))

	err = fs.EnsureDirectory(ctx, "releases", "link/sub/dir")
	require.ErrorIs(t, err, ErrInvalidPath)
	require.NoDirExists(t, filepath.Join(outside, "sub"))
}

func TestFilesystemFollowsSymlinkInsideRoot(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.EnsureDirectory(ctx, "releases", "real"))
	require.NoError(t, fs.WriteFile(ctx, "releases", "real/a.jar", bytes.NewReader([]byte("x"))))
	require.NoError(t, os.Symlink(filepath.Join(fs.Root(), "releases", "real"), filepath.Join(fs.Root(), "releases", "alias")))

	rc, err := fs.OpenRead(ctx, "releases", "alias/a.jar")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "x", string(data))
}

func TestFilesystemRootBehindSymlink(t *testing.T) {
	target := t.TempDir()
	root := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.Symlink(target, root))

	fs, err := NewFilesystem(root, testRepositories)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "releases", "a.jar", bytes.NewReader([]byte("x"))))
	_, ok, err := fs.GetEntry(ctx, "releases", "a.jar")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFilesystemEntryTimestamps(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.EnsureDirectory(ctx, "releases", "dir"))
	require.NoError(t, fs.WriteFile(ctx, "releases", "dir/a.jar", bytes.NewReader([]byte("x"))))

	entries, err := fs.ListDirectory(ctx, "releases", "dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].CreatedAt.IsZero())

	dir, ok, err := fs.GetEntry(ctx, "releases", "dir")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, dir.CreatedAt.IsZero())
	require.Zero(t, dir.Size)
}

// Helper functions

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir(), testRepositories)
	require.NoError(t, err)
	return fs
}

type failingReader struct {
	err error
}

func (r failingReader) Read([]byte) (int, error) {
	return 0, r.err
}
