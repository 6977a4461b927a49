//go:build unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const lockRetryInterval = 25 * time.Millisecond

// AcquireOSFileLock takes an exclusive flock on lockPath, creating the file
// if needed, and retries until timeout. The returned release function unlocks
// and removes the lock file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())

	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("lock %s is held by another process: %w", lockPath, err)
		}
		time.Sleep(lockRetryInterval)
	}

	return func() error {
		// Removed while still locked so a waiting process cannot lock the
		// unlinked inode.
		rmErr := os.Remove(lockPath)
		unlockErr := unix.Flock(fd, unix.LOCK_UN)
		closeErr := f.Close()
		if errors.Is(rmErr, os.ErrNotExist) {
			rmErr = nil
		}
		return errors.Join(rmErr, unlockErr, closeErr)
	}, nil
}
