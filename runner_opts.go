package smartbackup

import (
	"log/slog"
	"time"

	backup "github.com/meigma/smartbackup/core"
)

type runnerConfig struct {
	archiveOpts []backup.Option
	ignored     []string
	logger      *slog.Logger
	progress    ProgressFunc
}

// Option configures a Runner.
type Option func(*runnerConfig)

// WithArchiveOptions passes options through to the archive.
func WithArchiveOptions(opts ...backup.Option) Option {
	return func(c *runnerConfig) {
		c.archiveOpts = append(c.archiveOpts, opts...)
	}
}

// WithIgnoredExtensions skips source files with these extensions during
// the scan. The leading dot is optional.
func WithIgnoredExtensions(exts ...string) Option {
	return func(c *runnerConfig) {
		c.ignored = append(c.ignored, exts...)
	}
}

// WithCheckpointInterval sets the minimum time between catalogue saves
// during a pass. Zero saves after every file; negative only at the end.
func WithCheckpointInterval(d time.Duration) Option {
	return func(c *runnerConfig) {
		c.archiveOpts = append(c.archiveOpts, backup.WithCheckpointInterval(d))
	}
}

// WithLogger sets the logger for the runner and its archive.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runnerConfig) {
		c.logger = logger
	}
}

// WithProgress sets a callback to receive progress updates from every
// stage, including per-file faults.
func WithProgress(fn ProgressFunc) Option {
	return func(c *runnerConfig) {
		c.progress = fn
	}
}
