//go:build !linux

package sys

// Fdatasync flushes the file to stable storage. Platforms without
// fdatasync use a full Sync.
func Fdatasync(f FileHandle) error {
	return f.Sync()
}
