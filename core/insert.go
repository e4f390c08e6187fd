package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/meigma/smartbackup/core/internal/catalogue"
	"github.com/meigma/smartbackup/core/internal/fileio"
	"github.com/meigma/smartbackup/core/internal/platform"
)

var errSourceChanged = errors.New("source changed while reading")

// InsertVersion stores info as a new version of its key when the key is
// new, when the source size or modification time differs from the newest
// version, or when the newest version is a tombstone. An unchanged file
// returns the newest version and false.
//
// The payload is compressed into a staging file first, when the compressor
// accepts the file and compression actually shrinks it, so that the stored
// length is known before a container is chosen. The new entry is verified
// against the source right away; a mismatch removes it again and returns
// ErrVerification. A failed insert records nothing.
func (a *Archive) InsertVersion(ctx context.Context, info FileInfo) (*Entry, bool, error) {
	if err := a.checkOpen(); err != nil {
		return nil, false, err
	}
	newest, exists := a.cat.FindNewest(info.Path)
	if exists && !newest.Deleted &&
		newest.Source.Size == info.Size && newest.Source.ModTime.Equal(info.ModTime) {
		a.log().Debug("unchanged", "key", info.Path, "version", newest.Version)
		return newest, false, nil
	}
	version := 1
	if exists {
		version = newest.Version + 1
	}

	src, err := platform.OpenNoFollow(info.Path)
	if err != nil {
		if errors.Is(err, platform.ErrSymlink) {
			return nil, false, &fs.PathError{Op: "open", Path: info.Path, Err: err}
		}
		return nil, false, err
	}
	defer src.Close()
	stat, err := src.Stat()
	if err != nil {
		return nil, false, err
	}
	if !stat.Mode().IsRegular() {
		return nil, false, &fs.PathError{Op: "open", Path: info.Path, Err: ErrNotRegular}
	}
	// The stored content is whatever the open handle reads, so the snapshot
	// follows the handle rather than the scan.
	info.Size = stat.Size()
	info.ModTime = stat.ModTime()

	payload, length, algo, cleanup, err := a.stage(ctx, src, info)
	if err != nil {
		return nil, false, err
	}
	defer cleanup()

	target, created, err := a.cat.SelectTarget(length)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", info.Path, err)
	}
	if created {
		a.log().Info("container allocated", "container", target.Index(), "path", a.reg.Path(target.Index()))
	}
	offset := target.Tail()
	c := a.reg.Get(target.Index())
	if err := c.Insert(ctx, payload, offset, length); err != nil {
		if size, serr := c.Size(); serr == nil && size > offset {
			if terr := c.Truncate(ctx, offset); terr != nil {
				a.log().Warn("discard partial insert failed", "container", target.Index(), "error", terr)
			}
		}
		return nil, false, fmt.Errorf("%s: %w", info.Path, err)
	}

	e := catalogue.NewBinaryEntry(info, version, Binary{
		Offset:      offset,
		Length:      length,
		Compression: algo,
	})
	if err := a.cat.Record(target.Index(), e); err != nil {
		return nil, false, err
	}
	target.SetTail(offset + length)
	a.log().Debug("inserted", "key", e.Key, "version", version, "container", target.Index(),
		"offset", offset, "length", length, "compression", algo.String())

	if _, err := a.verifyOrRemove(ctx, e); err != nil {
		if errors.Is(err, ErrVerification) {
			return nil, false, err
		}
		a.log().Warn("post-insert verification skipped", "key", e.Key, "version", version, "error", err)
	}
	return e, true, nil
}

// stage returns the bytes to store for src: a compressed staging file when
// that is smaller, the source itself otherwise.
func (a *Archive) stage(ctx context.Context, src *os.File, info FileInfo) (io.Reader, int64, Compression, func(), error) {
	noop := func() {}
	if !a.comp.ShouldCompress(info.Path, info.Size) {
		return src, info.Size, CompressionNone, noop, nil
	}

	staging, err := os.CreateTemp(a.dir, ".stage-*")
	if err != nil {
		return nil, 0, CompressionNone, noop, err
	}
	cleanup := func() {
		staging.Close()
		os.Remove(staging.Name())
	}
	read := &fileio.CountingReader{R: src}
	n, err := a.comp.Compress(ctx, staging, read)
	if err != nil {
		cleanup()
		return nil, 0, CompressionNone, noop, fmt.Errorf("%s: %w", info.Path, err)
	}
	if read.N != info.Size {
		cleanup()
		return nil, 0, CompressionNone, noop, fmt.Errorf("%s: read %d of %d bytes: %w", info.Path, read.N, info.Size, errSourceChanged)
	}
	if n >= info.Size {
		cleanup()
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return nil, 0, CompressionNone, noop, err
		}
		return src, info.Size, CompressionNone, noop, nil
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, CompressionNone, noop, err
	}
	return staging, n, a.comp.Algorithm(), cleanup, nil
}
