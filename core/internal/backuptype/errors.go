// Package backuptype holds the sentinel errors and progress types shared by
// the engine and its internal packages.
package backuptype

import "errors"

// Sentinel errors for archive operations.
var (
	// ErrNotFound is returned when a key, version, container or byte range does not exist.
	ErrNotFound = errors.New("smartbackup: not found")

	// ErrCorrupt is returned when the catalogue is internally inconsistent,
	// for example a link chain that does not resolve to stored content.
	ErrCorrupt = errors.New("smartbackup: catalogue corrupt")

	// ErrVerification is returned when stored content does not match an
	// unmodified source file.
	ErrVerification = errors.New("smartbackup: content verification failed")

	// ErrCompression is returned when compressing a source file fails.
	ErrCompression = errors.New("smartbackup: compression failed")

	// ErrDecompression is returned when decompressing stored content fails.
	ErrDecompression = errors.New("smartbackup: decompression failed")

	// ErrLocked is returned when a container stays locked past the retry budget.
	ErrLocked = errors.New("smartbackup: container locked")

	// ErrTooLarge is returned when a payload cannot fit even an empty container.
	ErrTooLarge = errors.New("smartbackup: payload exceeds container capacity")

	// ErrVersionConflict is returned when a recorded version would not be
	// strictly newer than the existing versions of its key.
	ErrVersionConflict = errors.New("smartbackup: version conflict")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("smartbackup: size overflow")

	// ErrClosed is returned when an archive or container is used after Close.
	ErrClosed = errors.New("smartbackup: closed")
)
