package core

import (
	"fmt"
)

// --- Log file format ---
const (
	// DefaultFormatName identifies an offset write-ahead log file.
	DefaultFormatName = "camel-wa"
	// DefaultFileVersion is the current version of the record layout.
	DefaultFileVersion int32 = 1
	// FormatNameSize is the fixed width of the format name in the header.
	FormatNameSize = 8
	// HeaderSize is the size of the file preamble: format name plus version.
	HeaderSize = FormatNameSize + 4
)

// --- Default sizes & limits ---
const (
	// DefaultReaderBufferSize is the default capacity of the reader's I/O buffer.
	DefaultReaderBufferSize = 512 * 1024
	// DefaultMaxRecordSize bounds appended records so they can always be read back.
	DefaultMaxRecordSize = DefaultReaderBufferSize
	// DefaultCapacity is the default number of slots of the transaction log.
	DefaultCapacity = 1024
)

// --- Offset store files ---
const (
	// OffsetStoreMagicNumber identifies a file offset store snapshot.
	OffsetStoreMagicNumber uint32 = 0x4F465354 // "OFST"
	// OffsetStoreFileName is the name of the file offset store snapshot.
	OffsetStoreFileName = "OFFSETS"
	// LockFileSuffix is appended to the log path to form the writer lock file.
	LockFileSuffix = ".lock"
)

// FormatTempFilename builds the name of a temporary file next to prefix.
func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}
