package lsmkv

import (
	"log/slog"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"lsmkv/epoch"
	"lsmkv/sstable"
)

// FileCache caches open SSTableReader handles so repeated point
// lookups and scans don't reopen the same file. Eviction never closes
// a reader directly -- a reader an iterator or compaction snapshot is
// still using must outlive its eviction from the cache, so the actual
// Close is deferred to the epoch manager.
type FileCache struct {
	mu     sync.Mutex
	cache  *lru.Cache[uint64, *sstable.SSTableReader]
	block  *sstable.BlockCache
	logger *slog.Logger
	closed bool
}

// NewFileCache creates a file cache holding up to capacity open
// SSTableReaders, backed by block for decoded block caching.
func NewFileCache(capacity int, block *sstable.BlockCache, logger *slog.Logger) *FileCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if capacity < 1 {
		capacity = 1
	}
	fc := &FileCache{block: block, logger: logger}
	fc.cache, _ = lru.NewWithEvict[uint64, *sstable.SSTableReader](capacity, func(fileNum uint64, reader *sstable.SSTableReader) {
		epoch.ScheduleCleanup(func() error {
			return reader.Close()
		})
	})
	return fc
}

// Get returns the cached reader for fileNum, opening path if it is
// not already cached.
func (fc *FileCache) Get(fileNum uint64, path string) (*sstable.SSTableReader, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil, ErrClosed
	}

	if reader, ok := fc.cache.Get(fileNum); ok {
		return reader, nil
	}

	reader, err := sstable.NewSSTableReader(path, fileNum, fc.block, fc.logger)
	if err != nil {
		fc.logger.Error("failed to open sstable", "file_num", fileNum, "path", path, "error", err)
		return nil, err
	}
	fc.cache.Add(fileNum, reader)
	return reader, nil
}

// Evict drops fileNum from the cache, used as a hint once compaction
// has superseded that file. The reader's Close is still deferred to
// the epoch manager via the eviction callback.
func (fc *FileCache) Evict(fileNum uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return
	}
	fc.cache.Remove(fileNum)
	if fc.block != nil {
		fc.block.EvictFile(fileNum)
	}
}

// Close closes every cached reader immediately (there is no
// outstanding concurrent access once the engine itself is closing).
func (fc *FileCache) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	for _, fileNum := range fc.cache.Keys() {
		if reader, ok := fc.cache.Peek(fileNum); ok {
			reader.Close()
		}
	}
	fc.cache.Purge()
	return nil
}
