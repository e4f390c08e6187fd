package backuptype

// ProgressEvent represents a progress update during backup, maintenance or
// extraction.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the file currently being processed, if applicable.
	Path string

	// Message is a human-readable description. Faults are reported with
	// Err set and a message describing the affected file.
	Message string

	// Err is set when the event reports a fault.
	Err error

	// BytesDone is the number of bytes completed in the current operation.
	BytesDone uint64

	// BytesTotal is the total bytes for the current operation.
	// Zero indicates the total is unknown.
	BytesTotal uint64

	// FilesDone is the number of files completed.
	FilesDone int

	// FilesTotal is the total number of files.
	// Zero indicates the total is unknown (e.g., during scanning).
	FilesTotal int
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

// Progress stages for backup, maintenance and extraction.
const (
	// StageScanning indicates the source tree is being walked.
	StageScanning ProgressStage = iota

	// StageBackingUp indicates files are being appended to containers.
	StageBackingUp

	// StageTombstoning indicates missing sources are being marked deleted.
	StageTombstoning

	// StageHashing indicates missing content hashes are being computed.
	StageHashing

	// StageDeduplicating indicates duplicate payloads are being linked.
	StageDeduplicating

	// StageDefragmenting indicates containers are being compacted.
	StageDefragmenting

	// StageExtracting indicates files are being extracted.
	StageExtracting
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageScanning:
		return "scanning"
	case StageBackingUp:
		return "backing up"
	case StageTombstoning:
		return "tombstoning"
	case StageHashing:
		return "hashing"
	case StageDeduplicating:
		return "deduplicating"
	case StageDefragmenting:
		return "defragmenting"
	case StageExtracting:
		return "extracting"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during operations.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
