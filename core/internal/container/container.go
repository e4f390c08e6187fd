// Package container manages the bounded append-only files that hold
// payload bytes. A container knows nothing about entries: callers address
// it by byte range and keep the catalogue in step.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meigma/smartbackup/core/internal/backuptype"
	"github.com/meigma/smartbackup/core/internal/fileio"
	"github.com/meigma/smartbackup/core/internal/platform"
)

// DefaultLockTimeout bounds how long an operation waits for another
// process to release a container lock.
const DefaultLockTimeout = 10 * time.Second

type mode uint8

const (
	modeClosed mode = iota
	modeRead
	modeWrite
)

// Container is one data file. It holds at most one open handle; switching
// between reading and writing closes the handle and reopens it with the
// required access and lock.
//
// A Container is not safe for concurrent use.
type Container struct {
	index       int
	path        string
	lockTimeout time.Duration
	logger      *slog.Logger

	f    *os.File
	mode mode
	buf  []byte
}

func newContainer(index int, path string, lockTimeout time.Duration, logger *slog.Logger) *Container {
	return &Container{
		index:       index,
		path:        path,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Index returns the container index.
func (c *Container) Index() int {
	return c.index
}

// Path returns the container file path.
func (c *Container) Path() string {
	return c.path
}

// Size returns the physical file size. A missing file has size zero.
func (c *Container) Size() (int64, error) {
	if c.f != nil {
		info, err := c.f.Stat()
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	info, err := os.Stat(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Insert stores exactly length bytes from r at offset. The bytes are synced
// before Insert returns so that a catalogue recording them never points at
// data that is not durable.
func (c *Container) Insert(ctx context.Context, r io.Reader, offset, length int64) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("container %d: invalid range [%d, %d)", c.index, offset, offset+length)
	}
	if err := c.ensure(ctx, modeWrite); err != nil {
		return err
	}
	w := io.NewOffsetWriter(c.f, offset)
	if _, err := fileio.CopyN(ctx, w, r, length, c.buffer()); err != nil {
		return fmt.Errorf("container %d: write at %d: %w", c.index, offset, err)
	}
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("container %d: sync: %w", c.index, err)
	}
	return nil
}

// CopyRange copies the bytes [offset, offset+length) to dst. A range past
// the end of the file reports ErrNotFound.
func (c *Container) CopyRange(ctx context.Context, dst io.Writer, offset, length int64) error {
	if err := c.ensure(ctx, modeRead); err != nil {
		return err
	}
	if err := c.checkRange(offset, length); err != nil {
		return err
	}
	src := io.NewSectionReader(c.f, offset, length)
	if _, err := fileio.CopyN(ctx, dst, src, length, c.buffer()); err != nil {
		return fmt.Errorf("container %d: read at %d: %w", c.index, offset, err)
	}
	return nil
}

// Section returns a reader over [offset, offset+length). The reader is only
// valid until the next call that changes the container's access mode.
func (c *Container) Section(ctx context.Context, offset, length int64) (io.Reader, error) {
	if err := c.ensure(ctx, modeRead); err != nil {
		return nil, err
	}
	if err := c.checkRange(offset, length); err != nil {
		return nil, err
	}
	return io.NewSectionReader(c.f, offset, length), nil
}

// Extract copies [offset, offset+length) into a new temporary file in
// dir and returns its path. The caller removes the file.
func (c *Container) Extract(ctx context.Context, dir string, offset, length int64) (string, error) {
	tmp, err := os.CreateTemp(dir, ".payload-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if err := c.CopyRange(ctx, tmp, offset, length); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// Truncate cuts the file to size. Callers use it to drop bytes past the
// committed tail left by an interrupted insert.
func (c *Container) Truncate(ctx context.Context, size int64) error {
	if err := c.ensure(ctx, modeWrite); err != nil {
		return err
	}
	if err := c.f.Truncate(size); err != nil {
		return fmt.Errorf("container %d: truncate: %w", c.index, err)
	}
	return c.f.Sync()
}

// Swap replaces the container file with the file at replacement. The
// original is first renamed aside; if installing the replacement fails the
// original is restored and the container is unchanged.
func (c *Container) Swap(ctx context.Context, replacement string) error {
	// Take the write lock so no other process is mid-read during the swap.
	if err := c.ensure(ctx, modeWrite); err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}

	aside := c.path + ".orig"
	if err := os.Rename(c.path, aside); err != nil {
		return fmt.Errorf("container %d: move original aside: %w", c.index, err)
	}
	if err := os.Rename(replacement, c.path); err != nil {
		if rerr := os.Rename(aside, c.path); rerr != nil {
			return fmt.Errorf("container %d: install replacement: %w (restore failed: %w)", c.index, err, rerr)
		}
		return fmt.Errorf("container %d: install replacement: %w", c.index, err)
	}
	if err := syncDir(filepath.Dir(c.path)); err != nil {
		c.logger.Warn("sync container directory failed", "path", c.path, "error", err)
	}
	if err := os.Remove(aside); err != nil {
		c.logger.Warn("remove replaced container failed", "path", aside, "error", err)
	}
	return nil
}

// Close releases the lock and the handle. Closing a closed container is a
// no-op.
func (c *Container) Close() error {
	if c.f == nil {
		return nil
	}
	f := c.f
	c.f = nil
	c.mode = modeClosed
	unlockErr := platform.Unlock(f)
	closeErr := f.Close()
	if closeErr != nil {
		return closeErr
	}
	return unlockErr
}

func (c *Container) checkRange(offset, length int64) error {
	size, err := c.Size()
	if err != nil {
		return err
	}
	if offset < 0 || length < 0 || offset > size-length {
		return fmt.Errorf("container %d: range [%d, %d) past end %d: %w",
			c.index, offset, offset+length, size, backuptype.ErrNotFound)
	}
	return nil
}

func (c *Container) buffer() []byte {
	if c.buf == nil {
		c.buf = make([]byte, fileio.BufferSize)
	}
	return c.buf
}

// ensure opens the handle in the wanted mode, reopening it if the current
// handle was opened for the other mode.
func (c *Container) ensure(ctx context.Context, want mode) error {
	if c.f != nil && c.mode == want {
		return nil
	}
	if err := c.Close(); err != nil {
		return err
	}

	var (
		f   *os.File
		err error
	)
	if want == modeWrite {
		f, err = platform.OpenNoFollowWrite(c.path)
	} else {
		f, err = platform.OpenNoFollow(c.path)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("container %d: %w", c.index, backuptype.ErrNotFound)
		}
		return fmt.Errorf("container %d: open: %w", c.index, err)
	}
	if err := c.lock(ctx, f, want == modeWrite); err != nil {
		f.Close()
		return err
	}
	c.f = f
	c.mode = want
	return nil
}

func (c *Container) lock(ctx context.Context, f *os.File, exclusive bool) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = c.lockTimeout

	attempt := func() error {
		err := platform.TryLock(f, exclusive)
		if err == nil || errors.Is(err, platform.ErrWouldBlock) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("container locked, retrying", "path", c.path, "wait", wait)
	}
	err := backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, platform.ErrWouldBlock):
		return fmt.Errorf("container %d: %w", c.index, backuptype.ErrLocked)
	default:
		return fmt.Errorf("container %d: lock: %w", c.index, err)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
