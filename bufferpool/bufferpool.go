// Package bufferpool provides size-classed byte-slice reuse for the
// hot encode/decode paths (WAL record framing, SSTable block framing)
// so a steady stream of small writes doesn't generate one GC-visible
// allocation per record.
package bufferpool

import "sync"

// Size classes. A request above sizeClassLarge is served by a fresh
// allocation that is never returned to either pool.
const (
	sizeClassSmall = 4 * 1024
	sizeClassLarge = 32 * 1024
)

// Pool holds two sync.Pool buckets, one per size class.
type Pool struct {
	small sync.Pool
	large sync.Pool
}

// New returns an empty Pool with its size-classed buckets primed.
func New() *Pool {
	return &Pool{
		small: sync.Pool{New: func() any { return make([]byte, 0, sizeClassSmall) }},
		large: sync.Pool{New: func() any { return make([]byte, 0, sizeClassLarge) }},
	}
}

// Get returns a slice of length size, backed by pooled capacity when
// size fits a size class and a fresh allocation otherwise.
func (p *Pool) Get(size int) []byte {
	var buf []byte
	switch {
	case size <= sizeClassSmall:
		buf = p.small.Get().([]byte)
	case size <= sizeClassLarge:
		buf = p.large.Get().([]byte)
	default:
		return make([]byte, size)
	}
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns buf to the bucket matching its capacity. A buffer whose
// capacity doesn't land exactly on a size class (e.g. one handed back
// after Get fell through to a fresh allocation) is dropped for the GC.
func (p *Pool) Put(buf []byte) {
	buf = buf[:0]
	switch cap(buf) {
	case sizeClassSmall:
		p.small.Put(buf)
	case sizeClassLarge:
		p.large.Put(buf)
	}
}

var shared = New()

// GetBuffer borrows a slice of length size from the shared pool.
func GetBuffer(size int) []byte { return shared.Get(size) }

// PutBuffer returns a slice borrowed from GetBuffer.
func PutBuffer(buf []byte) { shared.Put(buf) }
