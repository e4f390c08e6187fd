//go:build !unix

package platform

import (
	"errors"
	"io/fs"
	"os"
)

// ErrSymlink is returned when attempting to open a symbolic link.
var ErrSymlink = errors.New("symbolic links not supported")

// OpenNoFollow opens a source file for reading without following symlinks.
// Returns ErrSymlink if the path is a symbolic link.
func OpenNoFollow(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, ErrSymlink
	}
	return os.Open(path)
}

// OpenNoFollowWrite opens path for reading and writing, creating it if it
// does not exist. Symlinks are rejected as in OpenNoFollow.
func OpenNoFollowWrite(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return nil, ErrSymlink
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}
