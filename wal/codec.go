package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/offsetwal/core"
)

// byteOrder is the on-disk order of every integer in a log file.
var byteOrder = binary.BigEndian

// SerializeEntry encodes e at the start of dst and returns the number of bytes
// written. Nothing is written when dst is too small to hold the whole record.
func SerializeEntry(dst []byte, e *core.LogEntry) (int, error) {
	size := e.Size()
	if len(dst) < size {
		return 0, fmt.Errorf("%w: record needs %d bytes, %d remaining", core.ErrBufferOverflow, size, len(dst))
	}

	off := 0
	byteOrder.PutUint32(dst[off:], uint32(e.State))
	off += 4
	byteOrder.PutUint32(dst[off:], uint32(e.KeyMetadata))
	off += 4
	byteOrder.PutUint32(dst[off:], uint32(len(e.Key)))
	off += 4
	off += copy(dst[off:], e.Key)
	byteOrder.PutUint32(dst[off:], uint32(e.ValueMetadata))
	off += 4
	byteOrder.PutUint32(dst[off:], uint32(len(e.Value)))
	off += 4
	off += copy(dst[off:], e.Value)
	return off, nil
}

// DeserializeEntry decodes one record from the start of src and returns it
// together with the number of bytes consumed. Key and value are copied out of src.
func DeserializeEntry(src []byte) (*core.LogEntry, int, error) {
	if len(src) < 12 {
		return nil, 0, core.ErrBufferUnderflow
	}
	state, err := core.ParseEntryState(int32(byteOrder.Uint32(src[0:])))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", core.ErrMalformedRecord, err)
	}
	keyMeta := int32(byteOrder.Uint32(src[4:]))
	keyLen := int32(byteOrder.Uint32(src[8:]))
	if keyLen < 0 {
		return nil, 0, fmt.Errorf("%w: negative key length %d", core.ErrMalformedRecord, keyLen)
	}

	off := 12 + int(keyLen)
	if len(src) < off+8 {
		return nil, 0, core.ErrBufferUnderflow
	}
	key := src[12:off]
	valueMeta := int32(byteOrder.Uint32(src[off:]))
	valueLen := int32(byteOrder.Uint32(src[off+4:]))
	if valueLen < 0 {
		return nil, 0, fmt.Errorf("%w: negative value length %d", core.ErrMalformedRecord, valueLen)
	}
	off += 8

	end := off + int(valueLen)
	if len(src) < end {
		return nil, 0, core.ErrBufferUnderflow
	}

	e := core.NewLogEntry(state, keyMeta, cloneBytes(key), valueMeta, cloneBytes(src[off:end]))
	return e, end, nil
}

// requiredSize returns the smallest record size consistent with the prefix in
// src. It grows as more of the record's length fields become visible.
func requiredSize(src []byte) int {
	if len(src) < 12 {
		return core.RecordOverhead
	}
	keyLen := int(int32(byteOrder.Uint32(src[8:])))
	if keyLen < 0 {
		return core.RecordOverhead
	}
	size := core.RecordOverhead + keyLen
	valueLenAt := 12 + keyLen + 4
	if len(src) < valueLenAt+4 {
		return size
	}
	if valueLen := int(int32(byteOrder.Uint32(src[valueLenAt:]))); valueLen > 0 {
		size += valueLen
	}
	return size
}

// fillerEntry returns an IGNORED record that occupies exactly size bytes.
func fillerEntry(size int) *core.LogEntry {
	return core.NewLogEntry(core.EntryStateIgnored, 0, nil, 0, make([]byte, size-core.RecordOverhead))
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
