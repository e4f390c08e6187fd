package codec

import (
	"path/filepath"
	"strings"
)

// SkipFunc returns true when a file should be stored uncompressed.
// It is called once per file and should be inexpensive.
type SkipFunc func(path string, size int64) bool

// DefaultSkip returns a SkipFunc that skips files smaller than minSize and
// files whose extension marks already-compressed content.
func DefaultSkip(minSize int64) SkipFunc {
	return func(path string, size int64) bool {
		if minSize > 0 && size < minSize {
			return true
		}
		return IsCompressedExtension(filepath.Ext(path))
	}
}

// IsCompressedExtension reports whether ext (with leading dot) names a
// format that is already compressed.
func IsCompressedExtension(ext string) bool {
	_, ok := compressedExts[strings.ToLower(ext)]
	return ok
}

var compressedExts = map[string]struct{}{
	// archives
	".7z":   {},
	".ace":  {},
	".alz":  {},
	".apk":  {},
	".arj":  {},
	".br":   {},
	".bz2":  {},
	".cab":  {},
	".dmg":  {},
	".gz":   {},
	".lha":  {},
	".lz4":  {},
	".lzh":  {},
	".rar":  {},
	".s7z":  {},
	".sit":  {},
	".sitx": {},
	".tbz2": {},
	".tgz":  {},
	".tlz":  {},
	".xz":   {},
	".zip":  {},
	".zipx": {},
	".zoo":  {},
	".zst":  {},

	// images
	".avif": {},
	".gif":  {},
	".heic": {},
	".jpeg": {},
	".jpg":  {},
	".png":  {},
	".webp": {},

	// media
	".aac":  {},
	".flac": {},
	".m4v":  {},
	".mkv":  {},
	".mov":  {},
	".mp3":  {},
	".mp4":  {},
	".ogg":  {},
	".opus": {},
	".webm": {},

	// documents (OOXML containers are zip files)
	".docm": {},
	".docx": {},
	".pdf":  {},
	".pptm": {},
	".pptx": {},
	".xlsm": {},
	".xlsx": {},

	// fonts
	".woff":  {},
	".woff2": {},
}
