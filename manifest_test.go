package lsmkv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	v := NewVersion(4)
	edit := NewVersionEdit()
	edit.AddFile(0, testFile(1, "a", "m"))
	edit.AddFile(2, testFile(5, "n", "z"))
	edit.Apply(v)

	require.NoError(t, writeManifest(dir, v))

	vs := NewVersionSet(dir, 4, func(uint64) {})
	require.NoError(t, RecoverFromManifest(dir, vs))

	require.Len(t, vs.Current().GetFiles(0), 1)
	require.Len(t, vs.Current().GetFiles(2), 1)
	assert.EqualValues(t, 1, vs.Current().GetFiles(0)[0].FileNum)
	assert.EqualValues(t, 5, vs.Current().GetFiles(2)[0].FileNum)
}

func TestManifestWriteIsAtomicViaRename(t *testing.T) {
	dir := t.TempDir()
	v := NewVersion(2)
	edit := NewVersionEdit()
	edit.AddFile(0, testFile(1, "a", "b"))
	edit.Apply(v)
	require.NoError(t, writeManifest(dir, v))

	_, err := os.Stat(filepath.Join(dir, manifestFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, manifestFileName+".tmp"))
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

func TestRecoverFromManifestOnMissingFileInitializesFresh(t *testing.T) {
	dir := t.TempDir()
	vs := NewVersionSet(dir, 4, func(uint64) {})
	require.NoError(t, RecoverFromManifest(dir, vs))

	assert.Empty(t, vs.Current().GetFiles(0))
	_, err := os.Stat(filepath.Join(dir, manifestFileName))
	assert.NoError(t, err, "recovering a missing manifest must create an empty one")
}

func TestReadManifestRecordRejectsTruncatedMidRecord(t *testing.T) {
	dir := t.TempDir()
	v := NewVersion(2)
	edit := NewVersionEdit()
	edit.AddFile(0, testFile(1, "a", "b"))
	edit.Apply(v)
	require.NoError(t, writeManifest(dir, v))

	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0644))

	vs := NewVersionSet(dir, 2, func(uint64) {})
	err = RecoverFromManifest(dir, vs)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestReadManifestRecordRejectsBadChecksum(t *testing.T) {
	dir := t.TempDir()
	v := NewVersion(2)
	edit := NewVersionEdit()
	edit.AddFile(0, testFile(1, "a", "b"))
	edit.Apply(v)
	require.NoError(t, writeManifest(dir, v))

	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the payload (past the 8-byte header) without
	// changing the record length, so the checksum no longer matches.
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	vs := NewVersionSet(dir, 2, func(uint64) {})
	err = RecoverFromManifest(dir, vs)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestRecoverFromManifestRejectsOutOfRangeLevel(t *testing.T) {
	dir := t.TempDir()
	v := NewVersion(8)
	edit := NewVersionEdit()
	edit.AddFile(5, testFile(1, "a", "b"))
	edit.Apply(v)
	require.NoError(t, writeManifest(dir, v))

	vs := NewVersionSet(dir, 2, func(uint64) {})
	err := RecoverFromManifest(dir, vs)
	assert.ErrorIs(t, err, ErrCorruption)
}
