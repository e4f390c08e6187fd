package smartbackup

import backup "github.com/meigma/smartbackup/core"

// --- Re-exports from core ---

// Entry is one version of one source file.
type Entry = backup.Entry

// FileInfo is a snapshot of a source file captured during a scan.
type FileInfo = backup.FileInfo

// Compression identifies the compression algorithm of a payload.
type Compression = backup.Compression

// MaintenanceReport summarizes a maintenance run.
type MaintenanceReport = backup.MaintenanceReport

// ExtractReport summarizes an extraction pass.
type ExtractReport = backup.ExtractReport

// Compression constants.
const (
	CompressionNone = backup.CompressionNone
	CompressionZstd = backup.CompressionZstd
	CompressionLZ4  = backup.CompressionLZ4
)
