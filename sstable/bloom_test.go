package sstable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	f := NewBloomFilter(100, 0.01)
	keys := make([][]byte, 100)
	for i := range keys {
		keys[i] = []byte{byte(i), byte(i >> 8)}
		f.Add(keys[i])
	}
	for _, k := range keys {
		assert.True(t, f.Contains(k), "an added key must never be reported absent")
	}
}

func TestBloomFilterRejectsMostAbsentKeys(t *testing.T) {
	f := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
	}

	falsePositives := 0
	const probes = 5000
	for i := 0; i < probes; i++ {
		k := []byte{byte(i), byte(i >> 8), byte(i >> 16), 0xFF} // disjoint keyspace
		if f.Contains(k) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(probes)
	assert.Less(t, rate, 0.05, "observed false-positive rate should stay in the right ballpark of the configured 0.01 target")
}

func TestBloomFilterWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.filter")

	f := NewBloomFilter(50, 0.01)
	f.Add([]byte("present"))
	require.NoError(t, f.WriteFile(path))

	loaded, err := ReadBloomFilter(path)
	require.NoError(t, err)
	assert.True(t, loaded.Contains([]byte("present")))
}

func TestReadBloomFilterOnMissingFile(t *testing.T) {
	_, err := ReadBloomFilter(filepath.Join(t.TempDir(), "absent.filter"))
	assert.Error(t, err)
}
