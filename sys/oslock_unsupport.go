//go:build !unix

package sys

import (
	"time"
)

// AcquireOSFileLock always fails with ErrOSFileLockNotSupported.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	return nil, ErrOSFileLockNotSupported
}
