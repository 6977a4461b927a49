// Package checkpoint provides offset stores that a resume strategy can
// protect: a single snapshot file and a badger database.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/offsetwal/compressors"
	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/sys"
)

// snapshotVersion is bumped whenever the snapshot layout changes.
const snapshotVersion uint8 = 1

// snapshotHeaderSize covers magic, version, compression, record count,
// payload length and payload checksum.
const snapshotHeaderSize = 4 + 1 + 1 + 4 + 4 + 4

// OffsetRecord is one stored offset in its serialized form.
type OffsetRecord struct {
	KeyTag   int32
	Key      []byte
	ValueTag int32
	Value    []byte
}

// FileName and TempFileName are the snapshot file names inside a store directory.
var (
	FileName     = core.OffsetStoreFileName
	TempFileName = core.FormatTempFilename(core.OffsetStoreFileName, "tmp")
)

// writeSnapshot atomically replaces the snapshot in dir with records: the
// data goes to a temporary file which is synced, closed, then renamed.
func writeSnapshot(dir string, records []OffsetRecord, compressor core.Compressor) error {
	var payload bytes.Buffer
	for _, r := range records {
		writeField(&payload, r.KeyTag, r.Key)
		writeField(&payload, r.ValueTag, r.Value)
	}
	var compressed bytes.Buffer
	if err := compressor.CompressTo(&compressed, payload.Bytes()); err != nil {
		return fmt.Errorf("failed to compress offset snapshot: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(snapshotHeaderSize + compressed.Len())
	binary.Write(&buf, binary.LittleEndian, core.OffsetStoreMagicNumber)
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(byte(compressor.Type()))
	binary.Write(&buf, binary.LittleEndian, uint32(len(records)))
	binary.Write(&buf, binary.LittleEndian, uint32(compressed.Len()))
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(compressed.Bytes()))
	buf.Write(compressed.Bytes())

	tempPath := filepath.Join(dir, TempFileName)
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp offset snapshot: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write offset snapshot: %w", err)
	}
	if err := sys.Fdatasync(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp offset snapshot: %w", err)
	}
	// Closed before the rename so the rename also works on Windows.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp offset snapshot before rename: %w", err)
	}
	if err := sys.Rename(tempPath, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("failed to rename temp offset snapshot: %w", err)
	}
	return nil
}

func writeField(buf *bytes.Buffer, tag int32, data []byte) {
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
}

// readSnapshot reads the snapshot in dir. found is false when no snapshot
// has been written yet.
func readSnapshot(dir string) (records []OffsetRecord, found bool, err error) {
	path := filepath.Join(dir, FileName)
	file, err := sys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to open offset snapshot: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read offset snapshot: %w", err)
	}
	if len(data) < snapshotHeaderSize {
		return nil, true, fmt.Errorf("offset snapshot is truncated: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data); magic != core.OffsetStoreMagicNumber {
		return nil, true, fmt.Errorf("invalid offset snapshot magic number: got %x, want %x", magic, core.OffsetStoreMagicNumber)
	}
	if v := data[4]; v != snapshotVersion {
		return nil, true, fmt.Errorf("unsupported offset snapshot version %d", v)
	}
	compressor, err := compressors.New(core.CompressionType(data[5]))
	if err != nil {
		return nil, true, err
	}
	count := binary.LittleEndian.Uint32(data[6:])
	size := binary.LittleEndian.Uint32(data[10:])
	sum := binary.LittleEndian.Uint32(data[14:])
	body := data[snapshotHeaderSize:]
	if uint32(len(body)) != size {
		return nil, true, fmt.Errorf("offset snapshot payload is %d bytes, header says %d", len(body), size)
	}
	if got := crc32.ChecksumIEEE(body); got != sum {
		return nil, true, fmt.Errorf("offset snapshot checksum mismatch: got %x, want %x", got, sum)
	}

	payload, err := compressors.DecompressAll(compressor, body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to decompress offset snapshot: %w", err)
	}
	r := bytes.NewReader(payload)
	records = make([]OffsetRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec OffsetRecord
		if rec.KeyTag, rec.Key, err = readField(r); err != nil {
			return nil, true, fmt.Errorf("offset snapshot record %d key: %w", i, err)
		}
		if rec.ValueTag, rec.Value, err = readField(r); err != nil {
			return nil, true, fmt.Errorf("offset snapshot record %d value: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, true, nil
}

func readField(r *bytes.Reader) (int32, []byte, error) {
	var tag int32
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, nil, err
	}
	if int64(n) > int64(r.Len()) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return tag, data, nil
}
