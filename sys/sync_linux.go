//go:build linux

package sys

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes the file's data to stable storage without forcing a
// metadata-only update. It falls back to Sync when fdatasync is unavailable.
func Fdatasync(f FileHandle) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
			return f.Sync()
		}
		return err
	}
}
