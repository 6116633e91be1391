package lsmkv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/epoch"
	"lsmkv/keys"
	"lsmkv/sstable"
)

func writeTestSSTable(t *testing.T, path string) {
	t.Helper()
	w, err := sstable.NewSSTableWriter(sstable.SSTableOpts{Path: path, BlockSize: 64})
	require.NoError(t, err)
	require.NoError(t, w.Add(keys.NewEncodedKey([]byte("a"), 1, keys.KindSet), []byte("1"), false))
	require.NoError(t, w.Add(keys.NewEncodedKey([]byte("b"), 2, keys.KindSet), []byte("2"), false))
	require.NoError(t, w.Finish())
}

func TestFileCacheReopensAndCachesReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	writeTestSSTable(t, path)

	fc := NewFileCache(8, nil, DebugLogger())
	defer fc.Close()

	r1, err := fc.Get(1, path)
	require.NoError(t, err)
	r2, err := fc.Get(1, path)
	require.NoError(t, err)
	assert.Same(t, r1, r2, "a second Get for the same fileNum must return the cached reader")
}

func TestFileCacheEvictDoesNotCrashInFlightReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	writeTestSSTable(t, path)

	fc := NewFileCache(8, nil, DebugLogger())
	defer fc.Close()

	reader, err := fc.Get(1, path)
	require.NoError(t, err)

	readEpoch := epoch.EnterEpoch()
	fc.Evict(1)

	value, found, tombstone, err := reader.Get(keys.NewQueryKey([]byte("a")))
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, tombstone)
	assert.Equal(t, []byte("1"), value)

	epoch.ExitEpoch(readEpoch)
	epoch.TryCleanup()
}

func TestFileCacheGetAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	writeTestSSTable(t, path)

	fc := NewFileCache(8, nil, DebugLogger())
	require.NoError(t, fc.Close())

	_, err := fc.Get(1, path)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileCacheMinimumCapacityOne(t *testing.T) {
	fc := NewFileCache(0, nil, DebugLogger())
	defer fc.Close()
	assert.NotNil(t, fc.cache)
}
