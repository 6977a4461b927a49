package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/offsetwal/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// lz4SizePrefix holds the uncompressed length and a mode byte ahead of the
// LZ4 block, since the block format does not record the length.
const lz4SizePrefix = 5

const (
	lz4ModeRaw   byte = 0
	lz4ModeBlock byte = 1
)

// maxLZ4BlockSize bounds the decoded size accepted from a snapshot.
const maxLZ4BlockSize = 64 * 1024 * 1024

// LZ4Compressor compresses snapshot blocks with the LZ4 block format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	block := make([]byte, lz4SizePrefix+lz4.CompressBlockBound(len(src)))
	binary.BigEndian.PutUint32(block, uint32(len(src)))

	var n int
	if len(src) > 0 {
		var err error
		if n, err = lz4.CompressBlock(src, block[lz4SizePrefix:], nil); err != nil {
			return fmt.Errorf("lz4 compress error: %w", err)
		}
	}
	if n == 0 {
		// Incompressible input is stored raw.
		block[4] = lz4ModeRaw
		dst.Write(block[:lz4SizePrefix])
		_, err := dst.Write(src)
		return err
	}
	block[4] = lz4ModeBlock
	_, err := dst.Write(block[:lz4SizePrefix+n])
	return err
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	if len(data) < lz4SizePrefix {
		return nil, fmt.Errorf("lz4 decompress error: block of %d bytes has no size prefix", len(data))
	}
	size := binary.BigEndian.Uint32(data)
	if size > maxLZ4BlockSize {
		return nil, fmt.Errorf("lz4 decompress error: declared size %d exceeds limit", size)
	}
	payload := data[lz4SizePrefix:]
	if data[4] == lz4ModeRaw {
		if uint32(len(payload)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw block has %d bytes, want %d", len(payload), size)
		}
		return newNopReadCloser(append([]byte(nil), payload...)), nil
	}

	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", n, size)
	}
	return newNopReadCloser(dst), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
