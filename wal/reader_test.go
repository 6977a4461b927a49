package wal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/offsetwal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeLogFile writes a default header followed by the given records.
func writeLogFile(t *testing.T, path string, entries ...*core.LogEntry) []int64 {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, WriteHeader(f, core.DefaultHeader()))
	off := int64(core.HeaderSize)
	var ends []int64
	for _, e := range entries {
		buf := make([]byte, e.Size())
		_, err := SerializeEntry(buf, e)
		require.NoError(t, err)
		_, err = f.WriteAt(buf, off)
		require.NoError(t, err)
		off += int64(len(buf))
		ends = append(ends, off)
	}
	return ends
}

func readAll(t *testing.T, r *LogReader) []*core.PersistedLogEntry {
	t.Helper()
	var out []*core.PersistedLogEntry
	for {
		e, err := r.ReadEntry()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestLogReader_HeaderIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.wal")
	writeLogFile(t, path)

	r, err := NewLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.Header())
	assert.Equal(t, "camel-wa", r.Header().FormatName)
	assert.Equal(t, int32(1), r.Header().FileVersion)

	_, err = r.ReadEntry()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLogReader_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	r, err := NewLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Nil(t, r.Header())
	e, err := r.ReadEntry()
	assert.Nil(t, e)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLogReader_ShortHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.wal")
	require.NoError(t, os.WriteFile(path, []byte("camel"), 0644))

	_, err := NewLogReader(path)
	require.Error(t, err)
	assert.True(t, core.IsInvalidHeader(err))
}

func TestLogReader_MissingFile(t *testing.T) {
	_, err := NewLogReader(filepath.Join(t.TempDir(), "missing.wal"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogReader_ReadsRecordsWithPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.wal")
	entries := []*core.LogEntry{
		core.NewLogEntry(core.EntryStateNew, 1, []byte("a"), 1, []byte("100")),
		core.NewLogEntry(core.EntryStateProcessed, 1, []byte("b"), 1, []byte("200")),
		core.NewLogEntry(core.EntryStateFailed, 1, []byte("c"), 1, []byte("300")),
	}
	ends := writeLogFile(t, path, entries...)

	r, err := NewLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	got := readAll(t, r)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, *entries[i], e.LogEntry)
		assert.Equal(t, ends[i], e.Info.Position())
		assert.Equal(t, ends[i]-int64(entries[i].Size()), e.Start())
	}
}

func TestLogReader_CompactsAcrossReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.wal")
	var entries []*core.LogEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, core.NewLogEntry(core.EntryStateNew, int32(i), []byte(fmt.Sprintf("partition-%d", i)), 0, bytes.Repeat([]byte{byte(i)}, i%7)))
	}
	writeLogFile(t, path, entries...)

	// The buffer holds two records at most, so most records straddle a reload.
	r, err := NewLogReader(path, WithBufferSize(64))
	require.NoError(t, err)
	defer r.Close()

	got := readAll(t, r)
	require.Len(t, got, len(entries))
	for i := range entries {
		assert.Equal(t, *entries[i], got[i].LogEntry, "entry %d", i)
	}
}

func TestLogReader_BufferTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.wal")
	writeLogFile(t, path,
		core.NewLogEntry(core.EntryStateNew, 0, []byte("k"), 0, []byte("v")),
		core.NewLogEntry(core.EntryStateNew, 0, []byte("big"), 0, bytes.Repeat([]byte("x"), 200)),
	)

	r, err := NewLogReader(path, WithBufferSize(128))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadEntry()
	require.NoError(t, err)
	_, err = r.ReadEntry()
	assert.ErrorIs(t, err, core.ErrBufferTooSmall)
}

func TestLogReader_TruncatedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.wal")
	ends := writeLogFile(t, path,
		core.NewLogEntry(core.EntryStateNew, 0, []byte("first"), 0, []byte("1")),
		core.NewLogEntry(core.EntryStateNew, 0, []byte("second"), 0, []byte("2")),
	)
	require.NoError(t, os.Truncate(path, ends[1]-3))

	r, err := NewLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.ReadEntry()
	require.NoError(t, err)
	assert.Equal(t, "first", string(first.Key))

	_, err = r.ReadEntry()
	assert.ErrorIs(t, err, core.ErrMalformedRecord)
	assert.True(t, core.IsMalformed(err))
}

func TestLogReader_CorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.wal")
	writeLogFile(t, path, core.NewLogEntry(core.EntryStateNew, 0, []byte("k"), 0, []byte("v")))

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 42}, core.HeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := NewLogReader(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.ReadEntry()
	assert.ErrorIs(t, err, core.ErrMalformedRecord)
}
