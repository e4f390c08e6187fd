// Package catalogue implements the metadata index of an archive: every
// version of every source file, where its payload lives, and which entries
// are links to another entry's payload.
//
// A Catalogue is not safe for concurrent use. The engine drives it from a
// single logical worker.
package catalogue

import (
	"time"

	"github.com/meigma/smartbackup/core/internal/codec"
)

// FileInfo is a snapshot of a source file captured during a scan.
type FileInfo struct {
	// Path is the fully-qualified source path. It is the catalogue key.
	Path string

	// RelativePath is the directory of the file relative to the scan root,
	// used to rebuild the tree on extraction. Empty for files at the root.
	RelativePath string

	// Name is the file name without directory.
	Name string

	// Size is the source size in bytes.
	Size int64

	// ModTime is the last modification time at capture.
	ModTime time.Time
}

// Content is the variant part of an Entry. It is one of *Binary, *Link or
// *UnclaimedLink; consumers switch on the concrete type.
type Content interface {
	isContent()
}

// Binary locates a payload stored in the entry's own container.
type Binary struct {
	Offset        int64
	Length        int64
	Compression   codec.Compression
	PrimaryHash   string
	SecondaryHash string
	Verified      bool
}

// Compressed reports whether the payload is stored compressed.
func (b *Binary) Compressed() bool {
	return b.Compression != codec.CompressionNone
}

// End returns the offset one past the last payload byte.
func (b *Binary) End() int64 {
	return b.Offset + b.Length
}

// Link defines an entry's content as identical to the entry at
// (Key, Version). It carries no payload of its own.
type Link struct {
	Key     string
	Version int
}

// UnclaimedLink is a Link whose replaced payload bytes are still physically
// present at [Offset, Offset+Length) in the entry's container. The next
// defragmentation excludes them and promotes the entry to a Link.
type UnclaimedLink struct {
	Link
	Offset int64
	Length int64
}

func (*Binary) isContent()        {}
func (*Link) isContent()          {}
func (*UnclaimedLink) isContent() {}

// Entry is one historical record of one source file, identified by
// (Key, Version).
type Entry struct {
	Key     string
	Version int

	// Deleted marks a tombstone: the source was missing when last checked.
	// The payload is retained and stays extractable by explicit version.
	Deleted bool

	Source  FileInfo
	Content Content

	container int
}

// NewBinaryEntry creates an entry for a payload just appended to a container.
func NewBinaryEntry(src FileInfo, version int, b Binary) *Entry {
	return &Entry{
		Key:     src.Path,
		Version: version,
		Source:  src,
		Content: &b,
	}
}

// NewUnclaimedLink creates the entry that replaces from once its payload is
// confirmed identical to to's. The replaced bytes are remembered so that
// defragmentation can reclaim them.
func NewUnclaimedLink(from *Entry, to *Entry) *Entry {
	link := &UnclaimedLink{Link: Link{Key: to.Key, Version: to.Version}}
	if b, ok := from.Content.(*Binary); ok {
		link.Offset = b.Offset
		link.Length = b.Length
	}
	return &Entry{
		Key:     from.Key,
		Version: from.Version,
		Deleted: from.Deleted,
		Source:  from.Source,
		Content: link,
	}
}

// Container returns the index of the container whose catalogue holds the entry.
func (e *Entry) Container() int {
	return e.container
}

// Kind returns the variant name used in the persisted document.
func (e *Entry) Kind() string {
	switch e.Content.(type) {
	case *Binary:
		return kindBinary
	case *UnclaimedLink:
		return kindUnclaimedLink
	case *Link:
		return kindLink
	default:
		return ""
	}
}

const (
	kindBinary        = "binary"
	kindLink          = "link"
	kindUnclaimedLink = "unclaimed-link"
)
