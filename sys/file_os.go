package sys

import (
	"os"
)

// osFile implements File on top of the os package.
type osFile struct{}

// NewFile returns the File implementation backed by the os package.
func NewFile() File {
	return &osFile{}
}

func (o *osFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (o *osFile) Remove(name string) error {
	return os.Remove(name)
}

func (o *osFile) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}
