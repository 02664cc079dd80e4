package etl

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarkMissingFile(t *testing.T) {
	w := NewWatermarkStore(filepath.Join(t.TempDir(), "nope.json"), logger.Nop())
	assert.Nil(t, w.Get())
}

func TestWatermarkSetAndGet(t *testing.T) {
	w := NewWatermarkStore(filepath.Join(t.TempDir(), "hwm.json"), logger.Nop())
	ts := time.Date(2025, 1, 2, 12, 30, 0, 123000, time.FixedZone("X", 7200))

	require.NoError(t, w.Set(ts))
	got := w.Get()
	require.NotNil(t, got)
	assert.True(t, ts.Equal(*got))
	assert.Equal(t, time.UTC, got.Location())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"last_extracted_at": "2025-01-02T10:30:00.000123Z"`)
	assert.Contains(t, string(data), `"updated_at"`)
}

func TestWatermarkCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "hwm.json")
	w := NewWatermarkStore(path, logger.Nop())
	require.NoError(t, w.Set(time.Now()))
	assert.FileExists(t, path)
}

func TestWatermarkCorruptFileIsAbsence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hwm.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Nil(t, NewWatermarkStore(path, logger.Nop()).Get())

	require.NoError(t, os.WriteFile(path, []byte(`{"last_extracted_at":"garbage"}`), 0o644))
	assert.Nil(t, NewWatermarkStore(path, logger.Nop()).Get())
}

func TestWatermarkLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWatermarkStore(filepath.Join(dir, "hwm.json"), logger.Nop())
	require.NoError(t, w.Set(time.Now()))
	require.NoError(t, w.Set(time.Now().Add(time.Hour)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWatermarkReset(t *testing.T) {
	w := NewWatermarkStore(filepath.Join(t.TempDir(), "hwm.json"), logger.Nop())
	require.NoError(t, w.Set(time.Now()))
	require.NoError(t, w.Reset())
	assert.Nil(t, w.Get())
	require.NoError(t, w.Reset())
}
