package sstable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/keys"
)

func TestBlockBuilderRoundTrip(t *testing.T) {
	b := NewBlockBuilder()
	b.Add(keys.NewEncodedKey([]byte("a"), 1, keys.KindSet), []byte("va"), false)
	b.Add(keys.NewEncodedKey([]byte("b"), 1, keys.KindSet), nil, true)
	b.Add(keys.NewEncodedKey([]byte("c"), 1, keys.KindSet), []byte(""), false)

	assert.Equal(t, 3, b.NumEntries())
	assert.False(t, b.IsEmpty())

	records, err := decodeBlock(b.Finish())
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, UserKeyOf(records[0].key), "a")
	assert.Equal(t, []byte("va"), records[0].value)
	assert.False(t, records[0].tombstone)

	assert.Equal(t, UserKeyOf(records[1].key), "b")
	assert.True(t, records[1].tombstone)

	assert.Equal(t, UserKeyOf(records[2].key), "c")
	assert.False(t, records[2].tombstone)
	assert.Equal(t, []byte{}, records[2].value)
}

func UserKeyOf(k keys.EncodedKey) string { return string(k.UserKey()) }

func TestBlockBuilderResetClearsState(t *testing.T) {
	b := NewBlockBuilder()
	b.Add(keys.NewEncodedKey([]byte("a"), 1, keys.KindSet), []byte("v"), false)
	b.Reset()
	assert.True(t, b.IsEmpty())
	assert.Equal(t, 0, b.Size())
}

func TestDecodeBlockRejectsTruncatedBytes(t *testing.T) {
	b := NewBlockBuilder()
	b.Add(keys.NewEncodedKey([]byte("a"), 1, keys.KindSet), []byte("value"), false)
	raw := b.Finish()

	_, err := decodeBlock(raw[:len(raw)-2])
	assert.ErrorIs(t, err, ErrCorruptBlock)
}
