package sys

import (
	"fmt"
	"io"
	"os"
)

// renameImpl is swapped in tests to force the copy fallback.
var renameImpl = func(oldpath, newpath string) error {
	file, err := loadFile()
	if err != nil {
		return err
	}
	return file.Rename(oldpath, newpath)
}

// Rename moves oldpath to newpath. When the platform refuses the rename
// (for example because the destination is held open) it falls back to
// copying the content, syncing it and removing the source.
func Rename(oldpath, newpath string) error {
	err := renameImpl(oldpath, newpath)
	if err == nil {
		return nil
	}
	if copyErr := copyFile(oldpath, newpath); copyErr != nil {
		return fmt.Errorf("rename %s -> %s failed (%v) and copy fallback failed: %w", oldpath, newpath, err, copyErr)
	}
	if rmErr := os.Remove(oldpath); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("rename fallback copied %s but could not remove it: %w", oldpath, rmErr)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
