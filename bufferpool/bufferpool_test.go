package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSizeClasses(t *testing.T) {
	pool := New()

	small := pool.Get(1024)
	require.Len(t, small, 1024)
	assert.GreaterOrEqual(t, cap(small), 1024)

	large := pool.Get(8192)
	require.Len(t, large, 8192)
	assert.GreaterOrEqual(t, cap(large), 8192)

	pool.Put(small)
	pool.Put(large)

	reused := pool.Get(512)
	assert.GreaterOrEqual(t, cap(reused), 512)
}

func TestPoolOversizedRequestBypassesPools(t *testing.T) {
	pool := New()

	buf := pool.Get(64 * 1024)
	require.Len(t, buf, 64*1024)

	pool.Put(buf) // capacity doesn't match a size class, dropped silently

	next := pool.Get(1024)
	assert.LessOrEqual(t, cap(next), sizeClassLarge)
}

func TestSharedPoolHelpers(t *testing.T) {
	buf := GetBuffer(2048)
	require.Len(t, buf, 2048)
	PutBuffer(buf)

	reused := GetBuffer(1024)
	assert.GreaterOrEqual(t, cap(reused), 1024)
	PutBuffer(reused)
}

func BenchmarkPoolGetPutSmall(b *testing.B) {
	pool := New()
	for i := 0; i < b.N; i++ {
		buf := pool.Get(1024)
		pool.Put(buf)
	}
}

func BenchmarkDirectAllocationSmall(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, 1024)
	}
}
