package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/smartbackup/internal/testutil"
)

func TestScan(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"top.txt":         "1",
		"a/b/deep.txt":    "22",
		"a/skip.TMP":      "tmp",
		"archive/x.dat":   "payload",
		"media/movie.mp4": "333",
	}, testutil.Mtime(0))

	var counts []int
	s := New(
		WithIgnoredExtensions("tmp", ".MP4", " "),
		WithExcludedDirs(filepath.Join(root, "archive")),
		WithProgress(func(found int) { counts = append(counts, found) }),
	)
	files, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, files, 2)

	deep := files[0]
	assert.Equal(t, filepath.Join(root, "a", "b", "deep.txt"), deep.Path)
	assert.Equal(t, filepath.Join("a", "b"), deep.RelativePath)
	assert.Equal(t, "deep.txt", deep.Name)
	assert.Equal(t, int64(2), deep.Size)
	assert.True(t, deep.ModTime.Equal(testutil.Mtime(0)))

	top := files[1]
	assert.Equal(t, "", top.RelativePath)
	assert.Equal(t, "top.txt", top.Name)

	assert.Equal(t, []int{2}, counts)
}

func TestScanSkipsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.WriteFile(t, filepath.Join(root, "real"), []byte("x"), testutil.Mtime(0))
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	files, err := New().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "real", files[0].Name)
}

func TestScanMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := New().Scan(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestScanCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Scan(ctx, t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
}
