package backup

import (
	"github.com/meigma/smartbackup/core/internal/backuptype"
	"github.com/meigma/smartbackup/core/internal/catalogue"
	"github.com/meigma/smartbackup/core/internal/codec"
	"github.com/meigma/smartbackup/core/internal/hashing"
)

// Re-export types from internal packages for the public API.
type (
	// Entry is one version of one source file.
	Entry = catalogue.Entry

	// FileInfo is a snapshot of a source file captured during a scan.
	FileInfo = catalogue.FileInfo

	// Content is the variant part of an Entry: *Binary, *Link or *UnclaimedLink.
	Content = catalogue.Content

	// Binary locates a payload stored in a container.
	Binary = catalogue.Binary

	// Link defines an entry's content by reference to another entry.
	Link = catalogue.Link

	// UnclaimedLink is a Link whose replaced bytes await defragmentation.
	UnclaimedLink = catalogue.UnclaimedLink

	// Compression identifies the compression algorithm of a payload.
	Compression = codec.Compression

	// SkipCompressionFunc returns true when a file should be stored uncompressed.
	SkipCompressionFunc = codec.SkipFunc

	// Hasher produces algorithm-prefixed content digests.
	Hasher = hashing.Hasher

	// ProgressEvent represents a progress update during operations.
	ProgressEvent = backuptype.ProgressEvent

	// ProgressStage identifies the current phase of an operation.
	ProgressStage = backuptype.ProgressStage

	// ProgressFunc receives progress updates during operations.
	ProgressFunc = backuptype.ProgressFunc
)

// Re-export compression constants.
const (
	CompressionNone = codec.CompressionNone
	CompressionZstd = codec.CompressionZstd
	CompressionLZ4  = codec.CompressionLZ4
)

// Re-export progress stage constants.
const (
	StageScanning      = backuptype.StageScanning
	StageBackingUp     = backuptype.StageBackingUp
	StageTombstoning   = backuptype.StageTombstoning
	StageHashing       = backuptype.StageHashing
	StageDeduplicating = backuptype.StageDeduplicating
	StageDefragmenting = backuptype.StageDefragmenting
	StageExtracting    = backuptype.StageExtracting
)

// Hash algorithm names.
const (
	HashXXH64  = hashing.XXH64
	HashSHA256 = hashing.SHA256
	HashBLAKE3 = hashing.BLAKE3
)

var (
	// ParseCompression parses a compression algorithm name.
	ParseCompression = codec.ParseCompression

	// DefaultSkipCompression skips files below minSize and files whose
	// extension marks them as already compressed.
	DefaultSkipCompression = codec.DefaultSkip

	// HasherByName returns the hasher for an algorithm name.
	HasherByName = hashing.ByName
)
