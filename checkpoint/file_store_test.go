package checkpoint

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/resume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeUpdate(t *testing.T, s resume.OffsetStore, key, value resume.Serializable) error {
	t.Helper()
	var got error
	called := 0
	s.UpdateLastOffset(context.Background(), key, value, func(err error) {
		called++
		got = err
	})
	require.Equal(t, 1, called, "done must be called exactly once")
	return got
}

func TestFileStore_UpdateWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, FileStoreOptions{})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, storeUpdate(t, store, resume.StringOffset("orders-0"), resume.Int64Offset(42)))

	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.NoError(t, err, "snapshot file should exist")
	_, err = os.Stat(filepath.Join(dir, TempFileName))
	assert.True(t, os.IsNotExist(err), "temp snapshot should be gone after rename")

	v, found, err := store.Get(resume.StringOffset("orders-0"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, resume.Int64Offset(42), v)
}

func TestFileStore_ReloadAcrossInstances(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			dir := t.TempDir()
			first, err := NewFileStore(dir, FileStoreOptions{Compression: ct})
			require.NoError(t, err)
			require.NoError(t, storeUpdate(t, first, resume.StringOffset("b"), resume.Int64Offset(1)))
			require.NoError(t, storeUpdate(t, first, resume.StringOffset("a"), resume.StringOffset("x")))
			require.NoError(t, storeUpdate(t, first, resume.StringOffset("b"), resume.Int64Offset(2)))
			require.NoError(t, first.Close())

			second, err := NewFileStore(dir, FileStoreOptions{Compression: ct})
			require.NoError(t, err)
			defer second.Close()
			require.NoError(t, second.LoadCache(context.Background()))
			assert.Equal(t, 2, second.Len())

			var keys []string
			second.Range(func(key, _ resume.Serializable) bool {
				keys = append(keys, resume.Text(key))
				return true
			})
			assert.Equal(t, []string{"a", "b"}, keys)

			v, found, err := second.Get(resume.StringOffset("b"))
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, resume.Int64Offset(2), v)
		})
	}
}

func TestFileStore_LoadCacheWithoutSnapshot(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), FileStoreOptions{})
	require.NoError(t, err)
	require.NoError(t, store.LoadCache(context.Background()))
	assert.Equal(t, 0, store.Len())

	_, found, err := store.Get(resume.StringOffset("missing"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStore_CorruptSnapshot(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir, FileStoreOptions{})
		require.NoError(t, err)
		require.NoError(t, storeUpdate(t, store, resume.StringOffset("k"), resume.Int64Offset(1)))

		path := filepath.Join(dir, FileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(data, 0xDEADBEEF)
		require.NoError(t, os.WriteFile(path, data, 0644))

		err = store.LoadCache(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "magic")
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir, FileStoreOptions{})
		require.NoError(t, err)
		require.NoError(t, storeUpdate(t, store, resume.StringOffset("k"), resume.Int64Offset(1)))

		path := filepath.Join(dir, FileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0644))

		err = store.LoadCache(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum")
	})

	t.Run("truncated", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte{1, 2, 3}, 0644))
		store, err := NewFileStore(dir, FileStoreOptions{})
		require.NoError(t, err)
		assert.Error(t, store.LoadCache(context.Background()))
	})
}

func TestFileStore_FailedWriteKeepsPreviousValue(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, FileStoreOptions{})
	require.NoError(t, err)
	require.NoError(t, storeUpdate(t, store, resume.StringOffset("k"), resume.Int64Offset(1)))

	// A directory where the temp file should go makes the create fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, TempFileName), 0755))
	require.Error(t, storeUpdate(t, store, resume.StringOffset("k"), resume.Int64Offset(2)))

	v, found, err := store.Get(resume.StringOffset("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, resume.Int64Offset(1), v)
}

func TestFileStore_Closed(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), FileStoreOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.ErrorIs(t, storeUpdate(t, store, resume.StringOffset("k"), resume.Int64Offset(1)), core.ErrStoreClosed)
	_, _, err = store.Get(resume.StringOffset("k"))
	assert.ErrorIs(t, err, core.ErrStoreClosed)
}

func TestFileStore_UnknownCompression(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), FileStoreOptions{Compression: core.CompressionType(99)})
	assert.Error(t, err)
}

func TestFileStore_ProtectedByStrategy(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "offsets"), FileStoreOptions{Compression: core.CompressionSnappy})
	require.NoError(t, err)

	strategy, err := resume.New(store, resume.Options{Path: filepath.Join(dir, "offsets.wal"), FlushInterval: -1})
	require.NoError(t, err)
	require.NoError(t, strategy.Start(context.Background()))
	defer strategy.Close()

	var got error
	strategy.UpdateLastOffset(context.Background(), resume.StringOffset("topic-1"), resume.Int64Offset(7), func(err error) { got = err })
	require.NoError(t, got)

	v, found, err := store.Get(resume.StringOffset("topic-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, resume.Int64Offset(7), v)
	assert.Equal(t, int64(1), strategy.Stats().Processed)
}
