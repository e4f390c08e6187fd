package smartbackup

import backup "github.com/meigma/smartbackup/core"

// Errors re-exported from core.
var (
	// ErrNotFound is returned when a key, version, container or byte range does not exist.
	ErrNotFound = backup.ErrNotFound

	// ErrCorrupt is returned when the catalogue is internally inconsistent.
	ErrCorrupt = backup.ErrCorrupt

	// ErrVerification is returned when stored content does not match an unmodified source.
	ErrVerification = backup.ErrVerification

	// ErrCompression is returned when compressing a source file fails.
	ErrCompression = backup.ErrCompression

	// ErrDecompression is returned when decompressing stored content fails.
	ErrDecompression = backup.ErrDecompression

	// ErrLocked is returned when a container stays locked past the retry budget.
	ErrLocked = backup.ErrLocked

	// ErrTooLarge is returned when a file cannot fit even an empty container.
	ErrTooLarge = backup.ErrTooLarge

	// ErrClosed is returned when a runner is used after Close.
	ErrClosed = backup.ErrClosed

	// ErrSymlink is returned when a source path is a symbolic link.
	ErrSymlink = backup.ErrSymlink

	// ErrPatternMismatch is returned when the target directory holds an
	// archive under a different filename pattern.
	ErrPatternMismatch = backup.ErrPatternMismatch
)

// Re-export failure batch types from core.
type (
	// Failure records a per-file fault collected during a pass.
	Failure = backup.Failure

	// Failures is the batch of per-file faults of a pass.
	Failures = backup.Failures
)
