package smartbackup

import backup "github.com/meigma/smartbackup/core"

// Re-export progress types from core package.
type (
	// ProgressEvent represents a progress update during backup, maintenance
	// or extraction.
	ProgressEvent = backup.ProgressEvent

	// ProgressStage identifies the current phase of an operation.
	ProgressStage = backup.ProgressStage

	// ProgressFunc receives progress updates during operations.
	// Implementations must be safe for concurrent calls.
	ProgressFunc = backup.ProgressFunc
)

// Re-export progress stage constants.
const (
	// StageScanning indicates the source tree is being walked.
	StageScanning = backup.StageScanning

	// StageBackingUp indicates files are being appended to containers.
	StageBackingUp = backup.StageBackingUp

	// StageTombstoning indicates missing sources are being marked deleted.
	StageTombstoning = backup.StageTombstoning

	// StageHashing indicates missing content hashes are being computed.
	StageHashing = backup.StageHashing

	// StageDeduplicating indicates duplicate payloads are being linked.
	StageDeduplicating = backup.StageDeduplicating

	// StageDefragmenting indicates containers are being compacted.
	StageDefragmenting = backup.StageDefragmenting

	// StageExtracting indicates files are being extracted.
	StageExtracting = backup.StageExtracting
)
