package backup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meigma/smartbackup/core/internal/backuptype"
	"github.com/meigma/smartbackup/core/internal/platform"
)

// Sentinel errors re-exported from internal/backuptype.
var (
	// ErrNotFound is returned when a key, version, container or byte range does not exist.
	ErrNotFound = backuptype.ErrNotFound

	// ErrCorrupt is returned when the catalogue is internally inconsistent.
	ErrCorrupt = backuptype.ErrCorrupt

	// ErrVerification is returned when stored content does not match an
	// unmodified source file.
	ErrVerification = backuptype.ErrVerification

	// ErrCompression is returned when compressing a source file fails.
	ErrCompression = backuptype.ErrCompression

	// ErrDecompression is returned when decompressing stored content fails.
	ErrDecompression = backuptype.ErrDecompression

	// ErrLocked is returned when a container stays locked past the retry budget.
	ErrLocked = backuptype.ErrLocked

	// ErrTooLarge is returned when a payload cannot fit even an empty container.
	ErrTooLarge = backuptype.ErrTooLarge

	// ErrVersionConflict is returned when a recorded version is not strictly newer.
	ErrVersionConflict = backuptype.ErrVersionConflict

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = backuptype.ErrSizeOverflow

	// ErrClosed is returned when an archive is used after Close.
	ErrClosed = backuptype.ErrClosed
)

// Sentinel errors specific to the backup package.
var (
	// ErrNotRegular is returned when a source path is not a regular file.
	ErrNotRegular = errors.New("smartbackup: not a regular file")

	// ErrPatternMismatch is returned when an archive directory holds a
	// catalogue under a different filename pattern than the one requested.
	ErrPatternMismatch = errors.New("smartbackup: filename pattern does not match archive")

	// ErrSymlink is returned when a source path is a symbolic link.
	ErrSymlink = platform.ErrSymlink
)

// Failure records a per-file fault collected during a bulk pass.
type Failure struct {
	// Key is the affected catalogue key or source path.
	Key string

	// Op names the step that failed, for example "insert" or "defragment".
	Op string

	Err error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Key, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Failures is the batch of per-file faults of a pass. A pass continues past
// individual faults and reports them together at the end.
type Failures []Failure

func (fs Failures) Error() string {
	switch len(fs) {
	case 0:
		return "no failures"
	case 1:
		return fs[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d failures:", len(fs))
	for _, f := range fs {
		b.WriteString("\n  ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes every fault to errors.Is and errors.As.
func (fs Failures) Unwrap() []error {
	errs := make([]error, len(fs))
	for i, f := range fs {
		errs[i] = f
	}
	return errs
}

// Err returns fs as an error, or nil when it is empty.
func (fs Failures) Err() error {
	if len(fs) == 0 {
		return nil
	}
	return fs
}
