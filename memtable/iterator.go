package memtable

import "lsmkv/keys"

// Iterator is a forward cursor over a MemTable's bottom skip-list
// level, optionally bounded to a key range.
type Iterator struct {
	mt     *MemTable
	node   int // 0 = invalid/before-first
	bounds *keys.Range
	key    keys.EncodedKey
	value  []byte
}

// NewIterator creates an unbounded iterator over the memtable.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: mt}
}

// NewIteratorWithBounds creates an iterator bounded to the given range.
func (mt *MemTable) NewIteratorWithBounds(bounds *keys.Range) *Iterator {
	it := mt.NewIterator()
	it.bounds = bounds
	return it
}

// fill loads key/value for the current node, applying bounds. Returns
// false (and invalidates the iterator) if the node is past the limit.
func (it *Iterator) fill() bool {
	if it.node == 0 {
		it.key, it.value = nil, nil
		return false
	}
	n := it.mt.md[it.node]
	m := n + it.mt.md[it.node+posKey]
	key := keys.EncodedKey(it.mt.d[n:m])
	if it.bounds != nil && it.bounds.Limit != nil && key.Compare(it.bounds.Limit) >= 0 {
		it.node = 0
		it.key, it.value = nil, nil
		return false
	}
	it.key = key
	it.value = it.mt.d[m : m+it.mt.md[it.node+posVal]]
	return true
}

// SeekToFirst positions the iterator at the first element, or the
// first element at or after the lower bound if one is set.
func (it *Iterator) SeekToFirst() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	if it.bounds != nil && it.bounds.Start != nil {
		it.node, _ = it.mt.findGE(it.bounds.Start, false)
	} else {
		it.node = it.mt.md[posNext]
	}
	it.fill()
}

// Seek positions the iterator at the first element >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	if it.bounds != nil && it.bounds.Start != nil && target.Compare(it.bounds.Start) < 0 {
		target = it.bounds.Start
	}
	it.node, _ = it.mt.findGE(target, false)
	it.fill()
}

// Valid reports whether the iterator is positioned at a live element.
func (it *Iterator) Valid() bool {
	return it.node != 0
}

// Next advances to the next element.
func (it *Iterator) Next() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[it.node+posNext]
	it.fill()
}

// Key returns the current internal key.
func (it *Iterator) Key() keys.EncodedKey {
	return it.key
}

// Value returns the current value bytes.
func (it *Iterator) Value() []byte {
	return it.value
}

// Error always returns nil; a MemTable iterator has no I/O path that
// can fail after construction.
func (it *Iterator) Error() error {
	return nil
}

// Close is a no-op; MemTable iterators hold no external resources.
func (it *Iterator) Close() error {
	return nil
}
