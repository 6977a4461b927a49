package core

import (
	"bytes"
	"fmt"
)

// Header is the fixed-size preamble of a log file.
type Header struct {
	FormatName  string
	FileVersion int32
}

// NewHeader creates a header. The format name must be non-empty and fit in
// FormatNameSize bytes.
func NewHeader(formatName string, fileVersion int32) (Header, error) {
	if formatName == "" {
		return Header{}, fmt.Errorf("header format name must not be empty")
	}
	if len(formatName) > FormatNameSize {
		return Header{}, fmt.Errorf("header format name %q exceeds %d bytes", formatName, FormatNameSize)
	}
	return Header{FormatName: formatName, FileVersion: fileVersion}, nil
}

// DefaultHeader returns the header written by default.
func DefaultHeader() Header {
	return Header{FormatName: DefaultFormatName, FileVersion: DefaultFileVersion}
}

// Size returns the on-disk size of the header.
func (h Header) Size() int {
	return HeaderSize
}

// Matches reports whether other names the same format and version.
func (h Header) Matches(other Header) bool {
	return h.FormatName == other.FormatName && h.FileVersion == other.FileVersion
}

// NameBytes returns the format name padded or truncated to FormatNameSize.
func (h Header) NameBytes() [FormatNameSize]byte {
	var name [FormatNameSize]byte
	copy(name[:], h.FormatName)
	return name
}

// ParseFormatName trims the zero padding of an on-disk format name.
func ParseFormatName(raw []byte) string {
	return string(bytes.TrimRight(raw, "\x00"))
}

func (h Header) String() string {
	return fmt.Sprintf("%s v%d", h.FormatName, h.FileVersion)
}
