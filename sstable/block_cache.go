package sstable

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// blockCacheKey identifies a cached, CRC-verified data block by the
// file it came from and its offset within that file.
type blockCacheKey struct {
	fileNum uint64
	offset  uint64
}

// BlockCache is a bounded, least-recently-used cache of decoded data
// blocks, keyed by (file number, block offset), with capacity expressed
// as a byte budget rather than an entry count. It wraps a
// hashicorp/golang-lru cache whose entry-count bound is set generously,
// and evicts its own oldest entries whenever the tracked byte total
// exceeds budget, since the underlying library only caps by entry count.
type BlockCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[blockCacheKey, []byte]
	budget   int64
	used     atomic.Int64
	disabled bool
}

// NewBlockCache creates a cache with the given byte budget. A
// non-positive capacity disables caching entirely.
func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return &BlockCache{disabled: true}
	}
	// golang-lru needs an entry-count bound too; size it generously
	// assuming blocks average at least 256 bytes, then let the byte
	// budget do the real enforcement in Put.
	entryBound := int(capacity/256) + 1
	c, _ := lru.New[blockCacheKey, []byte](entryBound)
	return &BlockCache{cache: c, budget: capacity}
}

// Get retrieves a cached block.
func (bc *BlockCache) Get(fileNum, offset uint64) ([]byte, bool) {
	if bc.disabled {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.cache.Get(blockCacheKey{fileNum, offset})
}

// Put inserts a block, evicting the least-recently-used entries until
// the cache's byte budget is respected.
func (bc *BlockCache) Put(fileNum, offset uint64, block []byte) {
	if bc.disabled || int64(len(block)) > bc.budget {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	key := blockCacheKey{fileNum, offset}
	if old, ok := bc.cache.Peek(key); ok {
		bc.used.Add(-int64(len(old)))
	}
	bc.cache.Add(key, block)
	bc.used.Add(int64(len(block)))

	for bc.used.Load() > bc.budget && bc.cache.Len() > 0 {
		_, evicted, ok := bc.cache.RemoveOldest()
		if !ok {
			break
		}
		bc.used.Add(-int64(len(evicted)))
	}
}

// EvictFile drops every block cached for a given SSTable file, used
// when compaction deletes that file.
func (bc *BlockCache) EvictFile(fileNum uint64) {
	if bc.disabled {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for _, key := range bc.cache.Keys() {
		if key.fileNum == fileNum {
			if v, ok := bc.cache.Peek(key); ok {
				bc.used.Add(-int64(len(v)))
			}
			bc.cache.Remove(key)
		}
	}
}

// Close releases all cached blocks.
func (bc *BlockCache) Close() {
	if bc.disabled {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.cache.Purge()
	bc.used.Store(0)
}
