package catalogue

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/smartbackup/core/internal/backuptype"
	"github.com/meigma/smartbackup/core/internal/codec"
)

func source(path string, size int64) FileInfo {
	return FileInfo{
		Path:    path,
		Name:    filepath.Base(path),
		Size:    size,
		ModTime: time.Unix(1700000000, 0),
	}
}

// appendBinary records a binary at the target tail, the way an insert does.
func appendBinary(t *testing.T, c *Catalogue, path string, version int, length int64, primary string) *Entry {
	t.Helper()
	target, _, err := c.SelectTarget(length)
	require.NoError(t, err)
	e := NewBinaryEntry(source(path, length), version, Binary{
		Offset:        target.Tail(),
		Length:        length,
		PrimaryHash:   primary,
		SecondaryHash: "sha256:" + primary,
	})
	require.NoError(t, c.Record(target.Index(), e))
	target.SetTail(target.Tail() + length)
	return e
}

func TestSelectTargetFirstFit(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	capacity := c.Capacity()
	require.Equal(t, int64(1<<20), capacity)

	first, created, err := c.SelectTarget(capacity - 10)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, first.Index())
	first.SetTail(capacity - 10)

	second, created, err := c.SelectTarget(20)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, second.Index())

	again, created, err := c.SelectTarget(10)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, again.Index(), "earlier containers with room are preferred")

	_, _, err = c.SelectTarget(capacity + 1)
	require.ErrorIs(t, err, backuptype.ErrTooLarge)
}

func TestRecordVersions(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	v1 := appendBinary(t, c, "/src/a.txt", 1, 10, "xxh64:a1")
	v2 := appendBinary(t, c, "/src/a.txt", 2, 20, "xxh64:a2")

	assert.Equal(t, int64(0), v1.Content.(*Binary).Offset)
	assert.Equal(t, int64(10), v2.Content.(*Binary).Offset)
	target, ok := c.Target(0)
	require.True(t, ok)
	assert.Equal(t, int64(30), target.Tail())

	newest, ok := c.FindNewest("/src/a.txt")
	require.True(t, ok)
	assert.Same(t, v2, newest)

	found, ok := c.FindVersion("/src/a.txt", 1)
	require.True(t, ok)
	assert.Same(t, v1, found)

	_, ok = c.FindVersion("/src/a.txt", 3)
	assert.False(t, ok)

	assert.Equal(t, []*Entry{v1, v2}, c.Versions("/src/a.txt"))
	assert.Equal(t, []string{"/src/a.txt"}, c.Keys())
	assert.Equal(t, 2, c.Len())
}

func TestRecordRejectsRangeOutsideContainer(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	target := c.AddTarget()
	for _, b := range []Binary{
		{Offset: c.Capacity() - 4, Length: 5},
		{Offset: math.MaxInt64, Length: 10},
		{Offset: -1, Length: 1},
	} {
		e := NewBinaryEntry(source("/src/big", b.Length), 1, b)
		err := c.Record(target.Index(), e)
		require.ErrorIs(t, err, backuptype.ErrCorrupt, "offset %d length %d", b.Offset, b.Length)
	}
	assert.Zero(t, c.Len())
}

func TestRecordRejectsStaleVersion(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	appendBinary(t, c, "/src/a.txt", 2, 10, "xxh64:a")

	for _, version := range []int{0, 1, 2} {
		e := NewBinaryEntry(source("/src/a.txt", 1), version, Binary{Offset: 10, Length: 1})
		err := c.Record(0, e)
		require.ErrorIs(t, err, backuptype.ErrVersionConflict, "version %d", version)
	}

	err := c.Record(7, NewBinaryEntry(source("/src/b.txt", 1), 1, Binary{}))
	require.ErrorIs(t, err, backuptype.ErrNotFound)
}

func TestReplaceAndPromote(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	a := appendBinary(t, c, "/src/a.txt", 1, 20, "xxh64:same")
	b := appendBinary(t, c, "/src/b.txt", 1, 20, "xxh64:same")
	require.Len(t, c.ByHash("xxh64:same"), 2)

	link := NewUnclaimedLink(b, a)
	require.NoError(t, c.Replace(b, link))

	assert.Equal(t, []*Entry{a}, c.ByHash("xxh64:same"))
	ul, ok := link.Content.(*UnclaimedLink)
	require.True(t, ok)
	assert.Equal(t, int64(20), ul.Offset)
	assert.Equal(t, int64(20), ul.Length)
	assert.Equal(t, "/src/a.txt", ul.Key)
	assert.Equal(t, 1, ul.Version)

	mismatched := NewUnclaimedLink(a, b)
	mismatched.Version = 9
	require.Error(t, c.Replace(a, mismatched))

	assert.Equal(t, 1, c.PromoteUnclaimed(0))
	promoted, ok := c.FindNewest("/src/b.txt")
	require.True(t, ok)
	assert.Equal(t, &Link{Key: "/src/a.txt", Version: 1}, promoted.Content)
	assert.Equal(t, 0, c.PromoteUnclaimed(0))
}

func TestRemove(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	e := appendBinary(t, c, "/src/a.txt", 1, 5, "xxh64:a")

	assert.True(t, c.Remove(e))
	assert.False(t, c.Remove(e))
	_, ok := c.FindNewest("/src/a.txt")
	assert.False(t, ok)
	assert.Empty(t, c.ByHash("xxh64:a"))
	assert.Equal(t, 0, c.Len())
}

func TestRelocate(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	appendBinary(t, c, "/src/a.txt", 1, 10, "xxh64:a")
	b := appendBinary(t, c, "/src/b.txt", 1, 10, "xxh64:b")

	require.NoError(t, c.Relocate(0, map[*Entry]int64{b: 0}, 10))
	assert.Equal(t, int64(0), b.Content.(*Binary).Offset)
	target, _ := c.Target(0)
	assert.Equal(t, int64(10), target.Tail())

	err := c.Relocate(0, map[*Entry]int64{b: 5}, 10)
	require.ErrorIs(t, err, backuptype.ErrCorrupt)
	assert.Equal(t, int64(0), b.Content.(*Binary).Offset, "rejected relocation applies nothing")
}

func TestSetHashesUpdatesIndex(t *testing.T) {
	t.Parallel()

	c := New(1, "Backup")
	e := appendBinary(t, c, "/src/a.txt", 1, 5, "")
	assert.Empty(t, c.ByHash("xxh64:new"))

	c.SetHashes(e, "xxh64:new", "sha256:new")
	assert.Equal(t, []*Entry{e}, c.ByHash("xxh64:new"))
	assert.Equal(t, "sha256:new", e.Content.(*Binary).SecondaryHash)
}

func TestSaveLoadPreservesCatalogue(t *testing.T) {
	t.Parallel()

	c := New(2, "Nightly")
	a := appendBinary(t, c, "/src/a.txt", 1, 10, "xxh64:a")
	a.Content.(*Binary).Compression = codec.CompressionZstd
	a.Content.(*Binary).Verified = true
	b := appendBinary(t, c, "/src/b.txt", 1, 10, "xxh64:a")
	require.NoError(t, c.Replace(b, NewUnclaimedLink(b, a)))
	gone := appendBinary(t, c, "/src/gone.txt", 1, 4, "xxh64:g")
	gone.Deleted = true

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), loaded.ID())
	assert.Equal(t, 2, loaded.MaxSizeMB())
	assert.Equal(t, "Nightly", loaded.FilenamePattern())
	assert.Equal(t, 3, loaded.Len())

	la, ok := loaded.FindNewest("/src/a.txt")
	require.True(t, ok)
	assert.Equal(t, a.Content, la.Content)
	assert.True(t, a.Source.ModTime.Equal(la.Source.ModTime))

	lb, ok := loaded.FindNewest("/src/b.txt")
	require.True(t, ok)
	assert.Equal(t, "unclaimed-link", lb.Kind())

	lg, ok := loaded.FindNewest("/src/gone.txt")
	require.True(t, ok)
	assert.True(t, lg.Deleted)

	target, ok := loaded.Target(0)
	require.True(t, ok)
	assert.Equal(t, int64(24), target.Tail())
	assert.Len(t, loaded.ByHash("xxh64:a"), 1)
}

func TestWriteFileReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "Backup.catalogue")
	_, err := ReadFile(path)
	require.ErrorIs(t, err, backuptype.ErrNotFound)

	c := New(1, "Backup")
	appendBinary(t, c, "/src/a.txt", 1, 10, "xxh64:a")
	require.NoError(t, c.WriteFile(path))

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/a.txt"}, loaded.Keys())
}

func TestLoadRejectsCorruptDocuments(t *testing.T) {
	t.Parallel()

	_, err := Load(bytes.NewReader([]byte("not cbor")))
	require.ErrorIs(t, err, backuptype.ErrCorrupt)

	dup := document{
		Version:   FormatVersion,
		ID:        "6f1c2b9e-8d0a-4c53-9a53-2f6e1d4b7c10",
		MaxSizeMB: 1,
		Pattern:   "Backup",
		Targets: []targetDocument{{
			Index: 0,
			Entries: []record{
				{Key: "/a", Version: 1, Kind: kindBinary, Length: 1},
				{Key: "/a", Version: 1, Kind: kindBinary, Offset: 1, Length: 1},
			},
		}},
	}
	data, err := encMode.Marshal(&dup)
	require.NoError(t, err)
	_, err = Load(bytes.NewReader(data))
	require.ErrorIs(t, err, backuptype.ErrCorrupt)
}

func TestLoadRaisesTailToHighWater(t *testing.T) {
	t.Parallel()

	doc := document{
		Version:   FormatVersion,
		ID:        "6f1c2b9e-8d0a-4c53-9a53-2f6e1d4b7c10",
		MaxSizeMB: 1,
		Pattern:   "Backup",
		Targets: []targetDocument{{
			Index:   0,
			Tail:    3,
			Entries: []record{{Key: "/a", Version: 1, Kind: kindBinary, Offset: 0, Length: 8}},
		}},
	}
	data, err := encMode.Marshal(&doc)
	require.NoError(t, err)

	c, err := Load(bytes.NewReader(data))
	require.NoError(t, err)
	target, _ := c.Target(0)
	assert.Equal(t, int64(8), target.Tail())
}
