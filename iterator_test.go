package lsmkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectIterator(t *testing.T, it *DBIterator) [][2]string {
	t.Helper()
	defer it.Close()
	var out [][2]string
	for it.Valid() {
		out = append(out, [2]string{string(it.Key()), string(it.Value())})
		it.Next()
	}
	require.NoError(t, it.Error())
	return out
}

func TestNewIteratorCoversWholeKeyspace(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("k5"), []byte("v5")))

	it, err := db.NewIterator(nil)
	require.NoError(t, err)
	got := collectIterator(t, it)
	require.Len(t, got, 6)
	assert.Equal(t, [2]string{"k0", "v0"}, got[0])
	assert.Equal(t, [2]string{"k5", "v5"}, got[5])
}

func TestIteratorMergesMemtableAndSSTableNewestWins(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put([]byte("k"), []byte("old")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("k"), []byte("new")))

	it, err := db.Scan([]byte("a"), []byte("z"))
	require.NoError(t, err)
	got := collectIterator(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0][1])
}

func TestIteratorSuppressesTombstones(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Delete([]byte("a")))

	it, err := db.NewIterator(nil)
	require.NoError(t, err)
	got := collectIterator(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0][0])
}

func TestPrefixSuccessor(t *testing.T) {
	assert.Equal(t, []byte("fruiu"), prefixSuccessor([]byte("fruit")))
	assert.Nil(t, prefixSuccessor([]byte{0xff, 0xff}))
	assert.Equal(t, []byte{0x01}, prefixSuccessor([]byte{0x00}))
}

func TestIteratorCloseReleasesEpochAndIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))

	it, err := db.NewIterator(nil)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
}
