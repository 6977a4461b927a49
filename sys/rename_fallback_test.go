package sys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRename_CopyFallbackReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "offsets.wal.compact")
	dst := filepath.Join(dir, "offsets.wal")
	require.NoError(t, os.WriteFile(src, []byte("compacted"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("previous log contents"), 0644))

	orig := renameImpl
	renameImpl = func(string, string) error { return os.ErrPermission }
	defer func() { renameImpl = orig }()

	require.NoError(t, Rename(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "compacted", string(data))
	assert.NoFileExists(t, src)
}

func TestRename_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := Rename(filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "dst"))
}
