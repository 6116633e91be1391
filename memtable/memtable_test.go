package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/epoch"
	"lsmkv/keys"
)

func TestPutGetRoundTrip(t *testing.T) {
	mt := NewMemtable(4096)
	mt.Put(keys.NewEncodedKey([]byte("a"), 1, keys.KindSet), []byte("1"))
	mt.Put(keys.NewEncodedKey([]byte("b"), 2, keys.KindSet), []byte("2"))

	foundKey, value := mt.Get(keys.NewQueryKey([]byte("a")))
	require.NotNil(t, foundKey)
	assert.Equal(t, []byte("1"), value)
	assert.Equal(t, keys.KindSet, foundKey.Kind())

	_, value = mt.Get(keys.NewQueryKey([]byte("missing")))
	assert.Nil(t, value)
}

func TestGetReturnsNewestVersion(t *testing.T) {
	mt := NewMemtable(4096)
	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("v1"))
	mt.Put(keys.NewEncodedKey([]byte("k"), 2, keys.KindSet), []byte("v2"))
	mt.Put(keys.NewEncodedKey([]byte("k"), 3, keys.KindSet), []byte("v3"))

	_, value := mt.Get(keys.NewQueryKey([]byte("k")))
	assert.Equal(t, []byte("v3"), value)
	assert.Equal(t, 3, mt.Count())
}

func TestGetSurfacesTombstoneKind(t *testing.T) {
	mt := NewMemtable(4096)
	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("v1"))
	mt.Put(keys.NewEncodedKey([]byte("k"), 2, keys.KindDelete), nil)

	foundKey, _ := mt.Get(keys.NewQueryKey([]byte("k")))
	require.NotNil(t, foundKey)
	assert.Equal(t, keys.KindDelete, foundKey.Kind())
}

func TestIteratorOrdersKeysAscending(t *testing.T) {
	mt := NewMemtable(4096)
	for _, k := range []string{"c", "a", "b"} {
		mt.Put(keys.NewEncodedKey([]byte(k), 1, keys.KindSet), []byte(k))
	}

	it := mt.NewIterator()
	it.SeekToFirst()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key().UserKey()))
		it.Next()
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestIteratorRespectsBounds(t *testing.T) {
	mt := NewMemtable(4096)
	for _, k := range []string{"a", "b", "c", "d"} {
		mt.Put(keys.NewEncodedKey([]byte(k), 1, keys.KindSet), []byte(k))
	}

	bounds := keys.NewRange(keys.UserKey("b"), keys.UserKey("d"))
	it := mt.NewIteratorWithBounds(bounds)
	it.SeekToFirst()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key().UserKey()))
		it.Next()
	}
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestSealForCleanupDefersUntilUnref(t *testing.T) {
	mt := NewMemtable(4096)
	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("v"))

	snapshot := RefMemTableList(mt, nil)
	require.Len(t, snapshot, 1)

	resourceID := fmt.Sprintf("memtable-test-%p", mt)
	mt.SealForCleanup(resourceID, epoch.GetCurrentEpoch())

	epoch.AdvanceEpoch()
	epoch.TryCleanup()

	// A reference is still held and the table was never marked for
	// cleanup (no UnRef has dropped it to zero yet), so the arena must
	// survive.
	_, value := mt.Get(keys.NewQueryKey([]byte("k")))
	assert.Equal(t, []byte("v"), value)

	UnRefMemTableList(snapshot) // drops the last ref, marks for cleanup
	epoch.AdvanceEpoch()
	ran := epoch.TryCleanup()
	assert.Positive(t, ran, "cleanup should run once the last ref dropped and the epoch advanced past retirement")
}

func TestMemoryUsageGrowsWithWrites(t *testing.T) {
	mt := NewMemtable(4096)
	before := mt.MemoryUsage()
	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("some value bytes"))
	assert.Greater(t, mt.MemoryUsage(), before)
}
