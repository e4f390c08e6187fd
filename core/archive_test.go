package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/smartbackup/core/internal/catalogue"
	"github.com/meigma/smartbackup/internal/testutil"
)

// fileInfo snapshots root/rel the way a scanner does.
func fileInfo(t *testing.T, root, rel string) FileInfo {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	st, err := os.Stat(path)
	require.NoError(t, err)
	dir := filepath.Dir(filepath.FromSlash(rel))
	if dir == "." {
		dir = ""
	}
	return FileInfo{
		Path:         path,
		RelativePath: dir,
		Name:         filepath.Base(path),
		Size:         st.Size(),
		ModTime:      st.ModTime(),
	}
}

func openArchive(t *testing.T, opts ...Option) *Archive {
	t.Helper()
	base := []Option{WithMaxSizeMB(1), WithCompression(CompressionNone), WithWorkers(2)}
	a, err := Open(filepath.Join(t.TempDir(), "archive"), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func insert(t *testing.T, a *Archive, root, rel string) *Entry {
	t.Helper()
	e, inserted, err := a.InsertVersion(context.Background(), fileInfo(t, root, rel))
	require.NoError(t, err)
	require.True(t, inserted, "expected %s to be inserted", rel)
	return e
}

func tail(t *testing.T, a *Archive, index int) int64 {
	t.Helper()
	target, ok := a.cat.Target(index)
	require.True(t, ok)
	return target.Tail()
}

func TestInsertVersionsAppendAtTail(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	a := openArchive(t)

	testutil.WriteFile(t, filepath.Join(src, "A"), testutil.RandomBytes(10, 1), testutil.Mtime(0))
	v1 := insert(t, a, src, "A")
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, int64(0), binaryOf(v1).Offset)
	assert.Equal(t, int64(10), binaryOf(v1).Length)
	assert.True(t, binaryOf(v1).Verified)
	require.Len(t, a.Containers(), 1)
	assert.Equal(t, int64(10), tail(t, a, 0))

	testutil.WriteFile(t, filepath.Join(src, "A"), testutil.RandomBytes(20, 2), testutil.Mtime(1))
	v2 := insert(t, a, src, "A")
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, int64(10), binaryOf(v2).Offset)
	assert.Equal(t, int64(20), binaryOf(v2).Length)
	assert.Equal(t, int64(30), tail(t, a, 0))

	newest, err := a.FindNewest(filepath.Join(src, "A"))
	require.NoError(t, err)
	assert.Same(t, v2, newest)
}

func TestInsertUnchangedFile(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	a := openArchive(t)
	testutil.WriteFile(t, filepath.Join(src, "A"), []byte("same content"), testutil.Mtime(0))
	first := insert(t, a, src, "A")

	again, inserted, err := a.InsertVersion(context.Background(), fileInfo(t, src, "A"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Same(t, first, again)
	assert.Len(t, a.Versions(first.Key), 1)
}

func TestInsertAfterTombstoneAddsVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	a := openArchive(t)
	path := filepath.Join(src, "A")
	testutil.WriteFile(t, path, []byte("restored later"), testutil.Mtime(0))
	insert(t, a, src, "A")

	require.NoError(t, os.Remove(path))
	marked, failures, err := a.MarkDeletedIfMissing(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, 1, marked)

	testutil.WriteFile(t, path, []byte("restored later"), testutil.Mtime(0))
	v2 := insert(t, a, src, "A")
	assert.Equal(t, 2, v2.Version)
	assert.False(t, v2.Deleted)

	v1, err := a.FindVersion(path, 1)
	require.NoError(t, err)
	assert.True(t, v1.Deleted, "tombstone stays on the old version")
}

func TestContainersRespectCapacity(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	a := openArchive(t)
	for i, name := range []string{"one", "two", "three", "four"} {
		testutil.WriteFile(t, filepath.Join(src, name), testutil.RandomBytes(400*1024, uint64(i)), testutil.Mtime(0))
		insert(t, a, src, name)
	}

	capacity := int64(1 << 20)
	containers := a.Containers()
	require.Len(t, containers, 2)
	for _, c := range containers {
		assert.LessOrEqual(t, c.Tail, capacity)
	}
	assertNoOverlap(t, a)
}

func TestInsertTooLarge(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	a := openArchive(t)
	testutil.WriteFile(t, filepath.Join(src, "huge"), testutil.RandomBytes(1<<20+1, 9), testutil.Mtime(0))

	_, _, err := a.InsertVersion(context.Background(), fileInfo(t, src, "huge"))
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 0, a.Len())
}

func TestInsertRejectsSymlink(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	a := openArchive(t)
	testutil.WriteFile(t, filepath.Join(src, "real"), []byte("x"), testutil.Mtime(0))
	if err := os.Symlink(filepath.Join(src, "real"), filepath.Join(src, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	info := FileInfo{Path: filepath.Join(src, "link"), Name: "link", Size: 1, ModTime: testutil.Mtime(0)}

	_, _, err := a.InsertVersion(context.Background(), info)
	require.ErrorIs(t, err, ErrSymlink)
}

func TestExtractRoundTrip(t *testing.T) {
	t.Parallel()

	for _, algo := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(algo.String(), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			src := t.TempDir()
			dest := t.TempDir()
			a := openArchive(t, WithCompression(algo), WithValidateOnExtract(true))

			files := map[string]string{
				"notes.txt":        strings.Repeat("compressible line of text\n", 200),
				"nested/dir/b.txt": "short",
				"photo.jpg":        string(testutil.RandomBytes(4096, 3)),
			}
			testutil.WriteTree(t, src, files, testutil.Mtime(0))
			for rel := range files {
				insert(t, a, src, rel)
			}

			notes, err := a.FindNewest(filepath.Join(src, "notes.txt"))
			require.NoError(t, err)
			if algo != CompressionNone {
				assert.Equal(t, algo, binaryOf(notes).Compression)
				assert.Less(t, binaryOf(notes).Length, int64(len(files["notes.txt"])))
			}
			photo, err := a.FindNewest(filepath.Join(src, "photo.jpg"))
			require.NoError(t, err)
			assert.Equal(t, CompressionNone, binaryOf(photo).Compression)

			report, err := a.ExtractAll(ctx, dest)
			require.NoError(t, err)
			assert.Empty(t, report.Failures)
			assert.Equal(t, 3, report.Written)
			assert.Equal(t, files, testutil.ReadTree(t, dest))

			st, err := os.Stat(filepath.Join(dest, "nested", "dir", "b.txt"))
			require.NoError(t, err)
			assert.True(t, st.ModTime().Equal(testutil.Mtime(0)))
		})
	}
}

func TestExtractSkipsNewerDestination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	dest := t.TempDir()
	a := openArchive(t)
	testutil.WriteFile(t, filepath.Join(src, "A"), []byte("archived"), testutil.Mtime(0))
	e := insert(t, a, src, "A")

	testutil.WriteFile(t, filepath.Join(dest, "A"), []byte("local edit"), testutil.Mtime(60))
	written, err := a.Extract(ctx, e, dest)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, map[string]string{"A": "local edit"}, testutil.ReadTree(t, dest))

	testutil.WriteFile(t, filepath.Join(dest, "A"), []byte("stale copy"), testutil.Mtime(-60))
	written, err = a.Extract(ctx, e, dest)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, map[string]string{"A": "archived"}, testutil.ReadTree(t, dest))
}

func TestTombstonesAndExplicitExtraction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	dest := t.TempDir()
	a := openArchive(t)
	testutil.WriteTree(t, src, map[string]string{"keep": "kept", "gone": "removed"}, testutil.Mtime(0))
	insert(t, a, src, "keep")
	insert(t, a, src, "gone")

	require.NoError(t, os.Remove(filepath.Join(src, "gone")))
	marked, _, err := a.MarkDeletedIfMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Len(t, a.Keys(), 2, "tombstoned keys stay enumerable")

	report, err := a.ExtractAll(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, map[string]string{"keep": "kept"}, testutil.ReadTree(t, dest))

	written, err := a.ExtractOne(ctx, filepath.Join(src, "gone"), 1, dest)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, map[string]string{"keep": "kept", "gone": "removed"}, testutil.ReadTree(t, dest))

	_, err = a.ExtractOne(ctx, filepath.Join(src, "gone"), 7, dest)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMaintenanceLinksDuplicatesAndReclaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	dest := t.TempDir()
	a := openArchive(t)

	testutil.WriteFile(t, filepath.Join(src, "A"), testutil.RandomBytes(10, 1), testutil.Mtime(0))
	insert(t, a, src, "A")
	contentV2 := testutil.RandomBytes(20, 2)
	testutil.WriteFile(t, filepath.Join(src, "A"), contentV2, testutil.Mtime(1))
	insert(t, a, src, "A")
	testutil.WriteFile(t, filepath.Join(src, "B"), contentV2, testutil.Mtime(2))
	insert(t, a, src, "B")
	require.Equal(t, int64(50), tail(t, a, 0))

	report, err := a.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures())
	assert.Equal(t, 1, report.Dedup.Groups)
	assert.Equal(t, 1, report.Dedup.Linked)
	assert.Equal(t, 1, report.Defrag.Containers)
	assert.Equal(t, int64(20), report.Defrag.Reclaimed)
	assert.Equal(t, 1, report.Defrag.Promoted)

	b, err := a.FindNewest(filepath.Join(src, "B"))
	require.NoError(t, err)
	assert.Equal(t, &Link{Key: filepath.Join(src, "A"), Version: 2}, b.Content)
	assert.Equal(t, int64(30), tail(t, a, 0))
	size, err := a.reg.Get(0).Size()
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)

	resolved, err := a.ResolveEntry(b)
	require.NoError(t, err)
	assert.Equal(t, 2, resolved.Version)

	_, err = a.ExtractAll(ctx, dest)
	require.NoError(t, err)
	tree := testutil.ReadTree(t, dest)
	assert.Equal(t, string(contentV2), tree["A"])
	assert.Equal(t, string(contentV2), tree["B"])

	v1, err := a.ExtractOne(ctx, filepath.Join(src, "A"), 1, t.TempDir())
	require.NoError(t, err)
	assert.True(t, v1)
	assertNoOverlap(t, a)
}

func TestDefragmentIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	a := openArchive(t)
	content := testutil.RandomBytes(64, 5)
	testutil.WriteFile(t, filepath.Join(src, "x"), content, testutil.Mtime(0))
	testutil.WriteFile(t, filepath.Join(src, "y"), testutil.RandomBytes(32, 6), testutil.Mtime(0))
	testutil.WriteFile(t, filepath.Join(src, "z"), content, testutil.Mtime(0))
	for _, name := range []string{"x", "y", "z"} {
		insert(t, a, src, name)
	}

	_, err := a.Deduplicate(ctx)
	require.NoError(t, err)
	before := tail(t, a, 0)

	first, err := a.Defragment(ctx, 0)
	require.NoError(t, err)
	assert.True(t, first.Swapped)
	assert.LessOrEqual(t, tail(t, a, 0), before)

	y, err := a.FindNewest(filepath.Join(src, "y"))
	require.NoError(t, err)
	assert.Equal(t, int64(64), binaryOf(y).Offset, "retained payloads keep physical order")

	second, err := a.Defragment(ctx, 0)
	require.NoError(t, err)
	assert.False(t, second.Swapped)

	_, err = a.Defragment(ctx, 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDefragmentKeepsTombstonedContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	a := openArchive(t)
	testutil.WriteTree(t, src, map[string]string{"a": "aaaa", "b": "bbbbbb", "c": "bbbbbb"}, testutil.Mtime(0))
	insert(t, a, src, "a")
	insert(t, a, src, "b")
	insert(t, a, src, "c")
	require.NoError(t, os.Remove(filepath.Join(src, "a")))
	_, _, err := a.MarkDeletedIfMissing(ctx)
	require.NoError(t, err)

	dedup, err := a.Deduplicate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dedup.Linked)

	res, err := a.Defragment(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.Swapped)
	assert.Equal(t, int64(6), res.Reclaimed)
	assert.Equal(t, int64(10), tail(t, a, 0))

	dest := t.TempDir()
	written, err := a.ExtractOne(ctx, filepath.Join(src, "a"), 1, dest)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, "aaaa", testutil.ReadTree(t, dest)["a"])
}

func TestDefragmentTruncatesStrayTail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	a := openArchive(t)
	testutil.WriteTree(t, src, map[string]string{"a": "aaaa"}, testutil.Mtime(0))
	insert(t, a, src, "a")

	// Stray bytes past the tail, as left by an interrupted insert.
	require.NoError(t, a.reg.Get(0).Insert(ctx, strings.NewReader("junk"), 4, 4))

	res, err := a.Defragment(ctx, 0)
	require.NoError(t, err)
	assert.False(t, res.Swapped)
	assert.Equal(t, int64(4), res.Reclaimed)
	size, err := a.reg.Get(0).Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
	assert.Equal(t, int64(4), tail(t, a, 0))

	report, err := a.DefragmentAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reclaimed)

	dest := t.TempDir()
	_, err = a.ExtractAll(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "aaaa"}, testutil.ReadTree(t, dest))
}

func TestResolveDetectsBrokenChains(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	a := openArchive(t)
	testutil.WriteTree(t, src, map[string]string{"a": "1", "b": "2"}, testutil.Mtime(0))
	ea := insert(t, a, src, "a")
	eb := insert(t, a, src, "b")

	la := &Entry{Key: ea.Key, Version: 1, Source: ea.Source, Content: &Link{Key: eb.Key, Version: 1}}
	lb := &Entry{Key: eb.Key, Version: 1, Source: eb.Source, Content: &Link{Key: ea.Key, Version: 1}}
	require.NoError(t, a.cat.Replace(ea, la))
	require.NoError(t, a.cat.Replace(eb, lb))

	_, err := a.Resolve(ea.Key, 0)
	require.ErrorIs(t, err, ErrCorrupt)

	dangling := &Entry{Key: eb.Key, Version: 1, Source: eb.Source, Content: &Link{Key: "/missing", Version: 3}}
	require.NoError(t, a.cat.Replace(lb, dangling))
	_, err = a.Resolve(eb.Key, 1)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestVerifyDetectsCorruptPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	a := openArchive(t, WithValidateOnExtract(true))
	testutil.WriteFile(t, filepath.Join(src, "A"), []byte("original bytes"), testutil.Mtime(0))
	e := insert(t, a, src, "A")
	require.NoError(t, a.Close())

	containerPath := a.reg.Path(0)
	data, err := os.ReadFile(containerPath)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(containerPath, data, 0o600))

	b, err := Open(a.Dir(), WithMaxSizeMB(1), WithValidateOnExtract(true))
	require.NoError(t, err)
	defer b.Close()
	// The catalogue was never saved, so rebuild the entry on the reopened archive.
	target := b.cat.AddTarget()
	copied := catalogue.NewBinaryEntry(e.Source, 1, *binaryOf(e))
	require.NoError(t, b.cat.Record(target.Index(), copied))
	target.SetTail(binaryOf(e).End())

	_, err = b.Verify(ctx, copied)
	require.ErrorIs(t, err, ErrVerification)

	dest := t.TempDir()
	_, err = b.Extract(ctx, copied, dest)
	require.ErrorIs(t, err, ErrVerification)
	assert.NoFileExists(t, filepath.Join(dest, "A"))
}

func TestSaveAndReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := t.TempDir()
	dir := filepath.Join(t.TempDir(), "archive")
	a, err := Open(dir, WithMaxSizeMB(2), WithFilenamePattern("Nightly"), WithExtension("bin"))
	require.NoError(t, err)
	testutil.WriteTree(t, src, map[string]string{"a.txt": strings.Repeat("a", 500), "b.txt": "b"}, testutil.Mtime(0))
	insert(t, a, src, "a.txt")
	insert(t, a, src, "b.txt")
	require.NoError(t, a.Save())
	require.NoError(t, a.Close())
	assert.FileExists(t, filepath.Join(dir, "Nightly.catalogue"))
	assert.FileExists(t, filepath.Join(dir, "Nightly.0.bin"))

	reopened, err := Open(dir, WithMaxSizeMB(8), WithFilenamePattern("Nightly"), WithExtension("bin"))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, a.ID(), reopened.ID())
	assert.Equal(t, 2, reopened.MaxSizeMB(), "recorded capacity wins")
	assert.ElementsMatch(t, a.Keys(), reopened.Keys())

	dest := t.TempDir()
	report, err := reopened.ExtractAll(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, "b", testutil.ReadTree(t, dest)["b.txt"])

	var buf bytes.Buffer
	require.NoError(t, reopened.WriteCatalogue(&buf))
	assert.NotZero(t, buf.Len())
}

func TestClosedArchive(t *testing.T) {
	t.Parallel()

	a := openArchive(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, _, err := a.InsertVersion(context.Background(), FileInfo{Path: "/x"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.Save(), ErrClosed)
}

func TestCheckpointInterval(t *testing.T) {
	t.Parallel()

	a := openArchive(t, WithCheckpointInterval(time.Hour))
	require.NoError(t, a.Checkpoint())
	assert.NoFileExists(t, a.CataloguePath())

	b := openArchive(t, WithCheckpointInterval(0))
	require.NoError(t, b.Checkpoint())
	assert.FileExists(t, b.CataloguePath())
}

func TestProgressReportsFaults(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []ProgressEvent
	)
	ctx := context.Background()
	src := t.TempDir()
	a := openArchive(t, WithProgress(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))
	testutil.WriteFile(t, filepath.Join(src, "A"), []byte("content"), testutil.Mtime(0))
	e := insert(t, a, src, "A")
	e.Source.RelativePath = "../escape"

	report, err := a.ExtractAll(ctx, t.TempDir())
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "extract", report.Failures[0].Op)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, StageExtracting, events[0].Stage)
	assert.Error(t, events[0].Err)
	assert.Contains(t, events[0].Message, e.Key)
}

func TestFailuresError(t *testing.T) {
	t.Parallel()

	fs := Failures{
		{Key: "/a", Op: "insert", Err: ErrTooLarge},
		{Key: "/b", Op: "verify", Err: ErrVerification},
	}
	err := fs.Err()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTooLarge)
	require.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "2 failures")
	assert.NoError(t, Failures(nil).Err())
}

// assertNoOverlap checks that binary payloads within each container occupy
// disjoint ranges below the tail.
func assertNoOverlap(t *testing.T, a *Archive) {
	t.Helper()
	for _, target := range a.cat.Targets() {
		bins := target.Binaries()
		for i, x := range bins {
			bx := binaryOf(x)
			assert.LessOrEqual(t, bx.End(), target.Tail())
			for _, y := range bins[i+1:] {
				by := binaryOf(y)
				disjoint := bx.End() <= by.Offset || by.End() <= bx.Offset
				assert.True(t, disjoint, "%s@%d overlaps %s@%d", x.Key, x.Version, y.Key, y.Version)
			}
		}
	}
}
