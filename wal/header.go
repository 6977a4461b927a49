package wal

import (
	"fmt"
	"io"

	"github.com/INLOpen/offsetwal/core"
)

// WriteHeader writes h at offset 0.
func WriteHeader(w io.WriterAt, h core.Header) error {
	var buf [core.HeaderSize]byte
	name := h.NameBytes()
	copy(buf[:core.FormatNameSize], name[:])
	byteOrder.PutUint32(buf[core.FormatNameSize:], uint32(h.FileVersion))
	if _, err := w.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}
	return nil
}

// ReadHeader reads the header of a file of the given size. It returns a nil
// header and no error for an empty file.
func ReadHeader(r io.ReaderAt, size int64) (*core.Header, error) {
	if size == 0 {
		return nil, nil
	}
	if size < core.HeaderSize {
		return nil, &core.InvalidHeaderError{Path: nameOf(r), Reason: fmt.Sprintf("file is %d bytes, shorter than the %d byte header", size, core.HeaderSize)}
	}

	var buf [core.HeaderSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read log header: %w", err)
	}
	h, err := core.NewHeader(core.ParseFormatName(buf[:core.FormatNameSize]), int32(byteOrder.Uint32(buf[core.FormatNameSize:])))
	if err != nil {
		return nil, &core.InvalidHeaderError{Path: nameOf(r), Reason: err.Error()}
	}
	return &h, nil
}

func nameOf(v any) string {
	if n, ok := v.(interface{ Name() string }); ok {
		return n.Name()
	}
	return ""
}
