package sys

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
)

// ErrOSFileLockNotSupported is returned by AcquireOSFileLock on platforms
// without advisory locks.
var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// fileWrapper is a stable concrete type used to store the File interface
// inside an atomic.Value. atomic.Value requires that all stored values
// have the same concrete type.
type fileWrapper struct {
	f File
}

// defaultFile stores the current platform File implementation.
var defaultFile atomic.Value // stores fileWrapper

// File abstracts how files are opened so tests can substitute failing or
// instrumented implementations.
type File interface {
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
}

// FileHandle is the subset of *os.File used by the log and the offset stores.
// All record I/O is positional (ReadAt/WriteAt).
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
	Fd() uintptr
}

type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type RemoveHandler func(name string) error

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the File implementation used by the package helpers.
func SetDefaultFile(file File) {
	defaultFile.Store(fileWrapper{f: file})
}

func loadFile() (File, error) {
	p := defaultFile.Load()
	if p == nil {
		return nil, os.ErrInvalid
	}
	fw, ok := p.(fileWrapper)
	if !ok || fw.f == nil {
		return nil, os.ErrInvalid
	}
	return fw.f, nil
}

var OpenFile OpenFileHandler = (func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	file, err := loadFile()
	if err != nil {
		return nil, err
	}
	return ROpenFile(file, name, flag, perm)
})

var Create CreateHandler = (func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
})

var Open OpenHandler = (func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
})

var Remove RemoveHandler = (func(name string) error {
	file, err := loadFile()
	if err != nil {
		return err
	}
	return file.Remove(name)
})
