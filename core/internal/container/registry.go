package container

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Registry hands out one Container per index for an archive directory and
// derives file names as {pattern}.{index}.{ext}.
type Registry struct {
	dir         string
	pattern     string
	ext         string
	lockTimeout time.Duration
	logger      *slog.Logger
	open        map[int]*Container
}

// Option configures a Registry.
type Option func(*Registry)

// WithLockTimeout bounds how long lock acquisition is retried.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.lockTimeout = d
	}
}

// WithLogger sets the logger for lock retries and swap cleanup warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry for containers in dir.
func NewRegistry(dir, pattern, ext string, opts ...Option) *Registry {
	r := &Registry{
		dir:         dir,
		pattern:     pattern,
		ext:         ext,
		lockTimeout: DefaultLockTimeout,
		open:        make(map[int]*Container),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Dir returns the archive directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the file path of container index.
func (r *Registry) Path(index int) string {
	return filepath.Join(r.dir, r.pattern+"."+strconv.Itoa(index)+"."+r.ext)
}

// Get returns the container for index. The file is not opened until the
// container is first read or written.
func (r *Registry) Get(index int) *Container {
	if c, ok := r.open[index]; ok {
		return c
	}
	c := newContainer(index, r.Path(index), r.lockTimeout, r.logger)
	r.open[index] = c
	return c
}

// CreateTemp creates an empty file next to the containers, suitable as a
// Swap replacement since it lives on the same filesystem.
func (r *Registry) CreateTemp(index int) (*os.File, error) {
	f, err := os.CreateTemp(r.dir, fmt.Sprintf(".%s.%d.*.tmp", r.pattern, index))
	if err != nil {
		return nil, fmt.Errorf("container %d: create temp: %w", index, err)
	}
	return f, nil
}

// Close closes every container handed out by Get.
func (r *Registry) Close() error {
	var errs []error
	for index, c := range r.open {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("container %d: %w", index, err))
		}
	}
	return errors.Join(errs...)
}
