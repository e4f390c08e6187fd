//go:build !unix

package platform

import (
	"errors"
	"os"
)

// ErrWouldBlock is returned when a lock is held by another handle.
var ErrWouldBlock = errors.New("file is locked")

// TryLock is a no-op on platforms without flock; sharing violations surface
// from the open and rename calls themselves.
func TryLock(_ *os.File, _ bool) error {
	return nil
}

// Unlock is a no-op on platforms without flock.
func Unlock(_ *os.File) error {
	return nil
}
