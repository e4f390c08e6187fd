package backup

import (
	"log/slog"
	"runtime"
	"time"
)

// Defaults applied by Open.
const (
	DefaultMaxSizeMB          = 1024
	DefaultFilenamePattern    = "BackupTarget"
	DefaultExtension          = "dat"
	DefaultCheckpointInterval = 5 * time.Second
)

type config struct {
	maxSizeMB          int
	pattern            string
	ext                string
	compression        Compression
	skipCompression    []SkipCompressionFunc
	primary            Hasher
	secondary          Hasher
	workers            int
	lockTimeout        time.Duration
	validateOnExtract  bool
	checkpointInterval time.Duration
	logger             *slog.Logger
	progress           ProgressFunc
}

func defaultConfig() config {
	return config{
		maxSizeMB:          DefaultMaxSizeMB,
		pattern:            DefaultFilenamePattern,
		ext:                DefaultExtension,
		compression:        CompressionZstd,
		workers:            runtime.GOMAXPROCS(0),
		checkpointInterval: DefaultCheckpointInterval,
	}
}

// Option configures an Archive.
type Option func(*config)

// WithMaxSizeMB sets the container capacity in megabytes for a new archive.
// An existing archive keeps the capacity recorded in its catalogue.
func WithMaxSizeMB(mb int) Option {
	return func(c *config) {
		c.maxSizeMB = mb
	}
}

// WithFilenamePattern sets the prefix of the catalogue and container file names.
func WithFilenamePattern(pattern string) Option {
	return func(c *config) {
		c.pattern = pattern
	}
}

// WithExtension sets the container file extension, without the dot.
func WithExtension(ext string) Option {
	return func(c *config) {
		c.ext = ext
	}
}

// WithCompression sets the algorithm used for newly stored payloads.
// Use CompressionNone to store files as-is.
func WithCompression(algo Compression) Option {
	return func(c *config) {
		c.compression = algo
	}
}

// WithSkipCompression replaces the predicates that decide to store a file
// uncompressed. If any predicate returns true, compression is skipped.
func WithSkipCompression(fns ...SkipCompressionFunc) Option {
	return func(c *config) {
		c.skipCompression = fns
	}
}

// WithPrimaryHasher sets the cheap digest used to group candidate duplicates
// and to validate copies. Defaults to xxh64.
func WithPrimaryHasher(h Hasher) Option {
	return func(c *config) {
		c.primary = h
	}
}

// WithSecondaryHasher sets the strong digest that certifies duplicates.
// Defaults to sha256.
func WithSecondaryHasher(h Hasher) Option {
	return func(c *config) {
		c.secondary = h
	}
}

// WithWorkers sets how many payloads are hashed in parallel during
// maintenance. Values < 1 use 1.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = max(n, 1)
	}
}

// WithLockTimeout bounds how long a locked container is retried before the
// operation fails with ErrLocked.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) {
		c.lockTimeout = d
	}
}

// WithValidateOnExtract re-hashes every extracted file and fails the
// extraction when it does not match the recorded digest.
func WithValidateOnExtract(enabled bool) Option {
	return func(c *config) {
		c.validateOnExtract = enabled
	}
}

// WithCheckpointInterval sets the minimum time between catalogue
// checkpoints during long passes. Zero checkpoints after every item;
// negative disables checkpoints.
func WithCheckpointInterval(d time.Duration) Option {
	return func(c *config) {
		c.checkpointInterval = d
	}
}

// WithLogger sets the logger for archive operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithProgress sets a callback to receive progress updates.
// The callback receives events for each stage of an operation.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}
