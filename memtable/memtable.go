// Package memtable implements the in-memory sorted write buffer: a
// skip-list over a single contiguous arena, so that sealing a
// MemTable after flush is a bump-reset rather than a per-node free.
package memtable

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"lsmkv/epoch"
	"lsmkv/keys"
)

const tMaxHeight = 12

const (
	posKV     = iota // position of k/v start (offset) in the data array
	posKey           // length of the key
	posVal           // length of the value
	posHeight        // height of this node in the skiplist
	posNext          // first next pointer (node + posNext + LEVEL is the next pointer for LEVEL)
)

// MemTable is a skip-list over a byte arena. Puts, gets, and
// iteration are all safe for concurrent use; the arena is never
// shrunk or compacted, only bump-allocated until the table is sealed
// and replaced.
type MemTable struct {
	mu        sync.RWMutex
	rnd       *rand.Rand
	d         []byte // arena: encoded keys and values, back to back
	md        []int  // node metadata, indexed by node id
	prev      [tMaxHeight]int
	maxHeight int
	n         int

	refs       atomic.Int32
	resourceID string
}

// NewMemtable creates an empty MemTable sized for roughly writeBufferSize
// bytes of live data before it should be sealed and flushed.
func NewMemtable(writeBufferSize int) *MemTable {
	estimatedEntries := writeBufferSize / 64
	estimatedMdCapacity := 4 + tMaxHeight + (estimatedEntries * 6)

	mt := &MemTable{
		rnd:       rand.New(rand.NewSource(4)),
		maxHeight: 1,
		d:         make([]byte, 0, writeBufferSize),
		md:        make([]int, 4+tMaxHeight, estimatedMdCapacity),
	}
	mt.md[posHeight] = tMaxHeight
	return mt
}

func (mt *MemTable) randHeight() int {
	const b = 4
	h := 1
	for h < tMaxHeight && mt.rnd.Int()%b == 0 {
		h++
	}
	return h
}

func (mt *MemTable) findGE(key keys.EncodedKey, recordPrevs bool) (int, bool) {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			o := mt.md[next]
			d := keys.EncodedKey(mt.d[o : o+mt.md[next+posKey]])
			cmp = d.Compare(key)
		}
		if cmp < 0 {
			node = next
		} else {
			if recordPrevs {
				mt.prev[h] = node
			} else if cmp == 0 {
				return next, true
			}
			if h == 0 {
				return next, cmp == 0
			}
			h--
		}
	}
}

// Put inserts an internal key (already tagged Set or Delete) and its
// value bytes. Sequence numbers are strictly increasing per user key,
// so there is never an exact internal-key match to overwrite in place.
func (mt *MemTable) Put(key keys.EncodedKey, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.findGE(key, true)

	h := mt.randHeight()
	if h > mt.maxHeight {
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	off := len(mt.d)
	mt.d = append(mt.d, key...)
	mt.d = append(mt.d, value...)
	node := len(mt.md)
	mt.md = append(mt.md, off, len(key), len(value), h)
	for i, p := range mt.prev[:h] {
		m := p + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++
}

// Get retrieves the newest entry for a user key. It returns the
// internal key (so the caller can inspect Kind for tombstones) and the
// raw value bytes. A nil internal key means the user key is absent.
func (mt *MemTable) Get(key keys.EncodedKey) (keys.EncodedKey, []byte) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, nil
	}

	if node, _ := mt.findGE(key, false); node != 0 {
		o := mt.md[node]
		storedKey := keys.EncodedKey(mt.d[o : o+mt.md[node+posKey]])
		if storedKey.UserKey().Compare(key.UserKey()) == 0 {
			valStart := o + mt.md[node+posKey]
			value := mt.d[valStart : valStart+mt.md[node+posVal]]
			return storedKey, value
		}
	}
	return nil, nil
}

// Count returns the number of entries (including tombstones) inserted.
func (mt *MemTable) Count() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// MemoryUsage approximates bytes consumed by the arena and metadata.
func (mt *MemTable) MemoryUsage() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.d) + len(mt.md)*8
}

// Ref and UnRef implement epoch-guarded lifecycle management: a sealed
// MemTable must stay valid for any reader/iterator that already holds
// it even after the engine has published its flush and dropped its own
// pointer. SealForCleanup records the resource ID that UnRef marks for
// cleanup; a table that was never sealed is never marked.
func (mt *MemTable) Ref() {
	mt.refs.Add(1)
}

// UnRef releases a reference. When the last reference on a sealed table
// drops, its resource is marked for cleanup, and the epoch manager
// releases the arena once no earlier reader remains.
func (mt *MemTable) UnRef() {
	if mt.refs.Add(-1) == 0 && mt.resourceID != "" {
		epoch.MarkResourceForCleanup(mt.resourceID)
	}
}

// SealForCleanup registers this MemTable with the epoch manager under
// resourceID so that its arena is released only once every reference
// acquired before sealing has been dropped.
func (mt *MemTable) SealForCleanup(resourceID string, epochNum uint64) {
	mt.resourceID = resourceID
	epoch.RegisterResource(resourceID, epochNum, func() error {
		mt.mu.Lock()
		defer mt.mu.Unlock()
		mt.d = nil
		mt.md = nil
		return nil
	})
}
