package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/sys"
)

// LogReader reads the records of a log file in file order. Records are parsed
// out of a fixed-size buffer which is compacted and refilled whenever the next
// record runs past the bytes already loaded, so a record must fit in the buffer.
type LogReader struct {
	path   string
	file   sys.FileHandle
	header *core.Header
	logger *slog.Logger

	buf     []byte
	start   int   // first unread byte in buf
	end     int   // end of loaded bytes in buf
	filePos int64 // file offset that buf[end] maps to
	eof     bool
}

// ReaderOption configures a LogReader.
type ReaderOption func(*LogReader)

// WithBufferSize sets the reader's buffer capacity in bytes.
func WithBufferSize(n int) ReaderOption {
	return func(r *LogReader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// WithReaderLogger sets the reader's logger.
func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *LogReader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewLogReader opens path and parses its header. An empty file is accepted and
// yields a nil Header and no records.
func NewLogReader(path string, opts ...ReaderOption) (*LogReader, error) {
	r := &LogReader{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.buf == nil {
		r.buf = make([]byte, core.DefaultReaderBufferSize)
	}
	r.logger = r.logger.With("component", "LogReader", "path", path)

	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s for reading: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log %s: %w", path, err)
	}
	header, err := ReadHeader(file, stat.Size())
	if err != nil {
		file.Close()
		var headerErr *core.InvalidHeaderError
		if errors.As(err, &headerErr) {
			headerErr.Path = path
		}
		return nil, err
	}

	r.file = file
	r.header = header
	r.filePos = core.HeaderSize
	if header == nil {
		r.eof = true
		r.logger.Debug("Log file is empty")
	}
	return r, nil
}

// Header returns the parsed header, or nil when the file was empty.
func (r *LogReader) Header() *core.Header {
	return r.header
}

// ReadEntry returns the next record. It returns io.EOF once the file is
// exhausted at a record boundary.
func (r *LogReader) ReadEntry() (*core.PersistedLogEntry, error) {
	if r.header == nil {
		return nil, io.EOF
	}
	for {
		window := r.buf[r.start:r.end]
		entry, n, err := DeserializeEntry(window)
		if err == nil {
			r.start += n
			return &core.PersistedLogEntry{
				LogEntry: *entry,
				Info:     core.NewPersistedEntryInfo(r.position()),
			}, nil
		}
		if !errors.Is(err, core.ErrBufferUnderflow) {
			return nil, fmt.Errorf("record at offset %d in %s: %w", r.position(), r.path, err)
		}

		if need := requiredSize(window); need > len(r.buf) {
			return nil, fmt.Errorf("%w: record at offset %d needs %d bytes, buffer holds %d", core.ErrBufferTooSmall, r.position(), need, len(r.buf))
		}

		loaded, err := r.reload()
		if err != nil {
			return nil, err
		}
		if loaded == 0 {
			if r.start == r.end {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %d trailing bytes at offset %d in %s", core.ErrMalformedRecord, r.end-r.start, r.position(), r.path)
		}
	}
}

// position is the file offset of the first unread byte.
func (r *LogReader) position() int64 {
	return r.filePos - int64(r.end-r.start)
}

// reload moves the unread bytes to the front of the buffer and fills the rest
// from the file. It returns the number of bytes loaded.
func (r *LogReader) reload() (int, error) {
	if r.eof {
		return 0, nil
	}
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
	}
	if r.end == len(r.buf) {
		return 0, nil
	}

	n, err := r.file.ReadAt(r.buf[r.end:], r.filePos)
	r.end += n
	r.filePos += int64(n)
	if err == io.EOF {
		r.eof = true
	} else if err != nil {
		return n, fmt.Errorf("failed to read log %s at offset %d: %w", r.path, r.filePos, err)
	}
	return n, nil
}

// Close releases the underlying file.
func (r *LogReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
