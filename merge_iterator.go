package lsmkv

import (
	"container/heap"
	"unsafe"

	"lsmkv/keys"
)

// Iterator is the common cursor interface implemented by every record
// source the engine merges: memtable.Iterator, sstable.Iterator, and
// MergeIterator itself.
type Iterator interface {
	SeekToFirst()
	Seek(target keys.EncodedKey)
	Valid() bool
	Next()
	Key() keys.EncodedKey
	Value() []byte
	Error() error
	Close() error
}

// heapEntry wraps an iterator so it can sit in the heap.
type heapEntry struct {
	iter Iterator
}

// iteratorHeap is a min-heap of iterators, ordered by Key() so the
// globally smallest key is always at the top.
type iteratorHeap []*heapEntry

func (h iteratorHeap) Len() int { return len(h) }

// Less orders by internal key: user key ascending, then (within the
// same user key) sequence number descending so the newest version
// surfaces first.
func (h iteratorHeap) Less(i, j int) bool {
	ki := h[i].iter.Key()
	kj := h[j].iter.Key()
	if ki == nil {
		return false
	}
	if kj == nil {
		return true
	}
	return ki.Compare(kj) < 0
}

func (h iteratorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iteratorHeap) Push(x any) { *h = append(*h, x.(*heapEntry)) }

func (h *iteratorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}

// MergeIterator merges multiple sorted sources (the memtable and
// every live SSTable touched by a scan or compaction) into a single
// sorted stream, resolving duplicate user keys to the newest visible
// version via a min-heap.
type MergeIterator struct {
	iterators []Iterator
	current   Iterator
	bounds    *keys.Range

	h *iteratorHeap

	winningKeyBuffer []byte
	winningKey       keys.EncodedKey
	userKeyBuffer    []byte

	heapEntries []heapEntry
	freeList    []int
	initialized bool

	// includeTombstones controls whether delete markers are surfaced.
	// Compaction needs to see them to decide whether to drop or
	// propagate them; ordinary scans never do.
	includeTombstones bool

	err error
	seq uint64 // if > 0, only keys with Seq() <= seq are visible.
}

// NewMergeIterator creates a merge iterator over bounds, exposing
// tombstones when includeTombstones is set and, if seq > 0, hiding
// any record newer than that snapshot sequence number.
func NewMergeIterator(bounds *keys.Range, includeTombstones bool, seq uint64) *MergeIterator {
	h := make(iteratorHeap, 0, 8)
	return &MergeIterator{
		bounds:            bounds,
		h:                 &h,
		winningKeyBuffer:  make([]byte, 64),
		userKeyBuffer:     make([]byte, 32),
		includeTombstones: includeTombstones,
		seq:               seq,
	}
}

func (it *MergeIterator) ensureInitialized() {
	if it.initialized {
		return
	}
	it.initialized = true
	n := len(it.iterators)
	if n == 0 {
		return
	}
	it.heapEntries = make([]heapEntry, n)
	it.freeList = make([]int, n)
	for i := 0; i < n; i++ {
		it.freeList[i] = i
	}
	if cap(*it.h) < n {
		*it.h = make(iteratorHeap, 0, n)
	}
}

func (it *MergeIterator) getHeapEntry() *heapEntry {
	if len(it.freeList) == 0 {
		panic("merge_iterator: no free heap entries available")
	}
	idx := it.freeList[len(it.freeList)-1]
	it.freeList = it.freeList[:len(it.freeList)-1]
	return &it.heapEntries[idx]
}

func (it *MergeIterator) putHeapEntry(e *heapEntry) {
	e.iter = nil
	idx := int(uintptr(unsafe.Pointer(e))-uintptr(unsafe.Pointer(&it.heapEntries[0]))) / int(unsafe.Sizeof(heapEntry{}))
	it.freeList = append(it.freeList, idx)
}

// AddIterator adds a source iterator to be merged. Sources must be
// added before the first Seek/SeekToFirst call.
func (it *MergeIterator) AddIterator(iter Iterator) {
	it.iterators = append(it.iterators, iter)
}

func (it *MergeIterator) rebuildHeap() {
	it.ensureInitialized()
	for _, e := range *it.h {
		it.putHeapEntry(e)
	}
	*it.h = (*it.h)[:0]

	for _, iter := range it.iterators {
		if iter == nil || !iter.Valid() {
			continue
		}
		currentKey := iter.Key()
		if currentKey == nil {
			continue
		}
		if it.seq > 0 && it.seq < currentKey.Seq() {
			currentKey = it.advanceIterForSeq(iter)
			if currentKey == nil {
				continue
			}
		}
		entry := it.getHeapEntry()
		entry.iter = iter
		heap.Push(it.h, entry)
	}
}

func (it *MergeIterator) peekMinimum() (Iterator, keys.EncodedKey) {
	if it.h == nil || len(*it.h) == 0 {
		return nil, nil
	}
	entry := (*it.h)[0]
	return entry.iter, entry.iter.Key()
}

// popAndAdvanceMatchingKeys advances every iterator currently
// pointing at the user key we just surfaced, so the next call sees a
// different user key rather than a stale older version of this one.
func (it *MergeIterator) popAndAdvanceMatchingKeys() {
	if len(*it.h) == 0 {
		return
	}

	minKey := (*it.h)[0].iter.Key()
	if minKey == nil {
		return
	}
	it.userKeyBuffer = copyInto(it.userKeyBuffer, minKey.UserKey())

	for len(*it.h) > 0 {
		topKey := (*it.h)[0].iter.Key()
		if topKey == nil || topKey.UserKey().Compare(it.userKeyBuffer) != 0 {
			break
		}

		entry := heap.Pop(it.h).(*heapEntry)
		entry.iter.Next()
		if !entry.iter.Valid() {
			it.putHeapEntry(entry)
			continue
		}

		currentKey := entry.iter.Key()
		if currentKey == nil {
			it.putHeapEntry(entry)
			continue
		}

		if it.seq > 0 && it.seq < currentKey.Seq() {
			currentKey = it.advanceIterForSeq(entry.iter)
			if currentKey == nil {
				it.putHeapEntry(entry)
				continue
			}
		}
		heap.Push(it.h, entry)
	}
}

func (it *MergeIterator) findAndSetCurrent() {
	it.current = nil
	it.winningKey = nil

	for {
		minItem, minKey := it.peekMinimum()
		if minItem == nil {
			return
		}

		it.winningKeyBuffer = copyInto(it.winningKeyBuffer, minKey)
		it.winningKey = keys.EncodedKey(it.winningKeyBuffer)

		if it.isValidEntry(it.winningKey) {
			it.current = minItem
			return
		}

		it.popAndAdvanceMatchingKeys()
	}
}

// Next advances past the current winning key.
func (it *MergeIterator) Next() {
	if it.current != nil {
		it.popAndAdvanceMatchingKeys()
	}
	it.findAndSetCurrent()
}

func (it *MergeIterator) advanceIterForSeq(iter Iterator) keys.EncodedKey {
	for iter.Valid() {
		key := iter.Key()
		if key == nil {
			return nil
		}
		if it.seq >= key.Seq() {
			return key
		}
		iter.Next()
	}
	return nil
}

func (it *MergeIterator) isValidEntry(key keys.EncodedKey) bool {
	if it.bounds != nil {
		if it.bounds.Limit != nil && key.UserKey().Compare(it.bounds.Limit.UserKey()) >= 0 {
			return false
		}
		if it.bounds.Start != nil && key.UserKey().Compare(it.bounds.Start.UserKey()) < 0 {
			return false
		}
	}
	if key.Kind() == keys.KindDelete && !it.includeTombstones {
		return false
	}
	return true
}

// SeekToFirst positions every source at its first record and resolves
// the first winning key.
func (it *MergeIterator) SeekToFirst() {
	it.err = nil
	it.current = nil
	it.winningKey = nil
	for _, iter := range it.iterators {
		iter.SeekToFirst()
	}
	it.rebuildHeap()
	it.findAndSetCurrent()
}

// Seek positions every source at its first record >= target.
func (it *MergeIterator) Seek(target keys.EncodedKey) {
	it.err = nil
	it.current = nil
	it.winningKey = nil
	for _, iter := range it.iterators {
		iter.Seek(target)
	}
	it.rebuildHeap()
	it.findAndSetCurrent()
}

func (it *MergeIterator) Valid() bool {
	return it.err == nil && it.current != nil && it.winningKey != nil
}

func (it *MergeIterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.winningKey
}

func (it *MergeIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.current.Value()
}

func (it *MergeIterator) Error() error {
	return it.err
}

func (it *MergeIterator) Close() error {
	for _, iter := range it.iterators {
		if iter != nil {
			if err := iter.Close(); err != nil && it.err == nil {
				it.err = err
			}
		}
	}
	return it.err
}
