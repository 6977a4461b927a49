// Package compressors provides the block codecs used for offset store snapshots.
package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/offsetwal/core"
)

// New returns the compressor registered for ct.
func New(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("no compressor for type %d", ct)
	}
}

// DecompressAll decompresses data fully into memory.
func DecompressAll(c core.Compressor, data []byte) ([]byte, error) {
	rc, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// nopReadCloser serves decompressed bytes that live in memory.
type nopReadCloser struct {
	*bytes.Reader
}

func (nopReadCloser) Close() error { return nil }

func newNopReadCloser(b []byte) io.ReadCloser {
	return nopReadCloser{Reader: bytes.NewReader(b)}
}
