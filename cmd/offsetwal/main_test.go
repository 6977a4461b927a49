package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/INLOpen/offsetwal/config"
	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/resume"
	"github.com/INLOpen/offsetwal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdate(t *testing.T) {
	testCases := []struct {
		name    string
		line    string
		key     resume.Serializable
		value   resume.Serializable
		skip    bool
		wantErr bool
	}{
		{"IntValue", "orders-0 42", resume.StringOffset("orders-0"), resume.Int64Offset(42), false, false},
		{"StringValue", "orders-0 abc", resume.StringOffset("orders-0"), resume.StringOffset("abc"), false, false},
		{"ExtraSpaces", "  k \t 7  ", resume.StringOffset("k"), resume.Int64Offset(7), false, false},
		{"Blank", "   ", nil, nil, true, false},
		{"Comment", "# note", nil, nil, true, false},
		{"MissingValue", "only-key", nil, nil, false, true},
		{"TooManyFields", "a b c", nil, nil, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, value, skip, err := parseUpdate(tc.line)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.skip, skip)
			assert.Equal(t, tc.key, key)
			assert.Equal(t, tc.value, value)
		})
	}
}

func TestCreateLogger(t *testing.T) {
	_, _, err := createLogger(config.LoggingConfig{Level: "loud", Output: "stdout"})
	assert.Error(t, err)

	_, _, err = createLogger(config.LoggingConfig{Level: "info", Output: "printer"})
	assert.Error(t, err)

	_, _, err = createLogger(config.LoggingConfig{Level: "info", Output: "file"})
	assert.Error(t, err)

	logPath := filepath.Join(t.TempDir(), "out.log")
	logger, closer, err := createLogger(config.LoggingConfig{Level: "debug", Output: "file", File: logPath})
	require.NoError(t, err)
	require.NotNil(t, closer)
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestInitTracerProvider_Disabled(t *testing.T) {
	tp, cleanup, err := initTracerProvider(config.TracingConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NotNil(t, tp)
	cleanup()
}

func TestInspectLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.wal")
	w, err := wal.Create(path, wal.Options{FlushInterval: -1, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	appendOffset := func(key string, value int64) core.CachedEntryInfo {
		kb, err := resume.StringOffset(key).Serialize()
		require.NoError(t, err)
		vb, err := resume.Int64Offset(value).Serialize()
		require.NoError(t, err)
		info, err := w.Append(core.NewLogEntry(core.EntryStateNew, resume.TagString, kb, resume.TagInt64, vb))
		require.NoError(t, err)
		return info
	}
	first := appendOffset("p-0", 10)
	appendOffset("p-1", 20)
	_, err = w.UpdateState(first, core.EntryStateProcessed)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, inspectLog(&out, path, core.DefaultReaderBufferSize, false))
	text := out.String()
	assert.Contains(t, text, "format=camel-wa version=1")
	assert.Contains(t, text, "p-0")
	assert.Contains(t, text, "p-1")
	assert.Contains(t, text, "records=2 pending=1")

	out.Reset()
	require.NoError(t, inspectLog(&out, path, core.DefaultReaderBufferSize, true))
	assert.NotContains(t, out.String(), "p-0")
	assert.Contains(t, out.String(), "p-1")
}

func TestInspectLog_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	var out bytes.Buffer
	require.NoError(t, inspectLog(&out, path, core.DefaultReaderBufferSize, false))
	assert.Equal(t, "empty log\n", out.String())
}

func writeTestConfig(t *testing.T, dir, kind string) string {
	t.Helper()
	cfg := `
wal:
  path: "` + filepath.Join(dir, "offsets.wal") + `"
  capacity: 8
  flush_interval: "-1"
store:
  kind: ` + kind + `
  dir: "` + filepath.Join(dir, "store") + `"
logging:
  output: none
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func runCommand(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeAndRecover(t *testing.T) {
	for _, kind := range []string{"file", "badger"} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			cfgPath := writeTestConfig(t, dir, kind)

			out, err := runCommand(t, "# offsets\np-0 10\np-1 20\np-0 11\n", "serve", "--config", cfgPath)
			require.NoError(t, err)
			assert.Contains(t, out, "processed=3 failed=0")

			out, err = runCommand(t, "", "recover", "--config", cfgPath)
			require.NoError(t, err)
			assert.Contains(t, out, "replayed=0")
			assert.Contains(t, out, "reset=true")

			cfg, err := config.LoadConfig(cfgPath)
			require.NoError(t, err)
			store, err := openStore(cfg.Store, slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.NoError(t, err)
			defer store.Close()
			require.NoError(t, store.LoadCache(context.Background()))

			getter, ok := store.(interface {
				Get(resume.Serializable) (resume.Serializable, bool, error)
			})
			require.True(t, ok)
			v, found, err := getter.Get(resume.StringOffset("p-0"))
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, resume.Int64Offset(11), v)
		})
	}
}

func TestServe_InvalidInput(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir(), "file")
	_, err := runCommand(t, "p-0 1 2\n", "serve", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid update")
}

func TestInspectCommand_RequiresArg(t *testing.T) {
	_, err := runCommand(t, "", "inspect")
	assert.Error(t, err)
}
