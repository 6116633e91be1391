package sstable

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"sort"

	"lsmkv/keys"
)

// SSTableReader supports point lookups and opening forward iterators
// over one immutable table file.
type SSTableReader struct {
	file    *os.File
	path    string
	fileNum uint64
	logger  *slog.Logger
	cache   *BlockCache

	index       []indexEntry
	dataEnd     uint64 // offset where the data section ends (== index section start)
	smallestKey keys.EncodedKey

	filter *BloomFilter // nil if the sibling filter could not be loaded
}

// NewSSTableReader opens path, reads its footer and sparse index, and
// attempts to load its sibling bloom filter. A missing or corrupt
// filter is logged and left nil; callers must fall through to a full
// block scan in that case rather than treat it as fatal.
func NewSSTableReader(path string, fileNum uint64, cache *BlockCache, logger *slog.Logger) (*SSTableReader, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &SSTableReader{file: file, path: path, fileNum: fileNum, logger: logger, cache: cache}
	if err := r.readFooterAndIndex(); err != nil {
		file.Close()
		return nil, err
	}

	filterPath := filterPathFor(path)
	if filter, ferr := ReadBloomFilter(filterPath); ferr == nil {
		r.filter = filter
	} else {
		logger.Warn("sstable: could not load bloom filter, falling back to full scan", "path", filterPath, "error", ferr)
	}

	return r, nil
}

func filterPathFor(sstPath string) string {
	if len(sstPath) > 4 && sstPath[len(sstPath)-4:] == ".sst" {
		return sstPath[:len(sstPath)-4] + ".filter"
	}
	return sstPath + ".filter"
}

func (r *SSTableReader) readFooterAndIndex() error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size < FooterSize {
		return ErrCorruptBlock
	}

	footer := make([]byte, FooterSize)
	if _, err := r.file.ReadAt(footer, size-FooterSize); err != nil {
		return ErrCorruptBlock
	}
	indexOffset := binary.LittleEndian.Uint64(footer)
	r.dataEnd = indexOffset

	indexSize := size - FooterSize - int64(indexOffset)
	if indexSize < 0 {
		return ErrCorruptBlock
	}
	indexBuf := make([]byte, indexSize)
	if _, err := r.file.ReadAt(indexBuf, int64(indexOffset)); err != nil {
		return ErrCorruptBlock
	}

	off := 0
	for off < len(indexBuf) {
		if off+8 > len(indexBuf) {
			return ErrCorruptBlock
		}
		keyLen := binary.LittleEndian.Uint64(indexBuf[off:])
		off += 8
		if keyLen == 0 || off+int(keyLen) > len(indexBuf) {
			return ErrCorruptBlock
		}
		key := keys.EncodedKey(indexBuf[off : off+int(keyLen)])
		off += int(keyLen)
		if off+8 > len(indexBuf) {
			return ErrCorruptBlock
		}
		blockOffset := binary.LittleEndian.Uint64(indexBuf[off:])
		off += 8
		r.index = append(r.index, indexEntry{firstKey: key, offset: blockOffset})
	}
	if len(r.index) > 0 {
		r.smallestKey = r.index[0].firstKey
	}
	return nil
}

// SmallestKey returns the first key of the table's first block.
// Precise largestKey tracking lives on FileMetadata (captured by the
// writer at flush/compaction time), since deriving it here would
// require decoding the final data block on every open.
func (r *SSTableReader) SmallestKey() keys.EncodedKey { return r.smallestKey }

// blockForKey returns the sparse-index entry for the block that would
// contain target, or false if target is before the first block.
func (r *SSTableReader) blockForKey(target keys.EncodedKey) (indexEntry, bool) {
	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].firstKey.Compare(target) > 0
	})
	if i == 0 {
		return indexEntry{}, false
	}
	return r.index[i-1], true
}

// readBlock reads, CRC-verifies, and caches the raw block at offset.
// useCache false bypasses both the cache lookup and the cache fill, for
// callers (large one-off scans) that would otherwise evict hot blocks.
func (r *SSTableReader) readBlock(offset uint64, useCache bool) ([]byte, error) {
	if useCache && r.cache != nil {
		if b, ok := r.cache.Get(r.fileNum, offset); ok {
			return b, nil
		}
	}

	var lenBuf [8]byte
	if _, err := r.file.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return nil, ErrCorruptBlock
	}
	blockLen := binary.LittleEndian.Uint64(lenBuf[:])
	if r.dataEnd < offset+12 || blockLen > r.dataEnd-offset-12 {
		return nil, ErrCorruptBlock
	}

	buf := make([]byte, blockLen+4)
	if _, err := r.file.ReadAt(buf, int64(offset+8)); err != nil {
		return nil, ErrCorruptBlock
	}
	block := buf[:blockLen]
	wantCRC := binary.LittleEndian.Uint32(buf[blockLen:])
	if crc32.Checksum(block, crc32Table) != wantCRC {
		return nil, ErrCorruptBlock
	}

	if useCache && r.cache != nil {
		r.cache.Put(r.fileNum, offset, block)
	}
	return block, nil
}

// Get performs a point lookup. The returned bool is whether the key
// was found at all; tombstone indicates whether the found record is a
// delete marker.
func (r *SSTableReader) Get(key keys.EncodedKey) (value []byte, found bool, tombstone bool, err error) {
	return r.getOpt(key, true)
}

// GetNoCache is Get with the block cache bypassed, honoring
// ReadOptions.NoBlockCache.
func (r *SSTableReader) GetNoCache(key keys.EncodedKey) (value []byte, found bool, tombstone bool, err error) {
	return r.getOpt(key, false)
}

func (r *SSTableReader) getOpt(key keys.EncodedKey, useCache bool) (value []byte, found bool, tombstone bool, err error) {
	if r.filter != nil && !r.filter.Contains(key.UserKey()) {
		return nil, false, false, nil
	}

	// A query key sorts before every stored record of its user key, so
	// the newest such record may open the block after the last one whose
	// first key is at or below the query key. Start there (or at the first
	// block) and read on until a greater user key shows up.
	idx := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].firstKey.Compare(key) > 0
	})
	if idx > 0 {
		idx--
	}
	for ; idx < len(r.index); idx++ {
		block, err := r.readBlock(r.index[idx].offset, useCache)
		if err != nil {
			return nil, false, false, err
		}
		records, err := decodeBlock(block)
		if err != nil {
			return nil, false, false, err
		}
		for _, rec := range records {
			cmp := rec.key.UserKey().Compare(key.UserKey())
			if cmp == 0 {
				return rec.value, true, rec.tombstone, nil
			}
			if cmp > 0 {
				return nil, false, false, nil
			}
		}
	}
	return nil, false, false, nil
}

// Close closes the underlying file handle.
func (r *SSTableReader) Close() error {
	return r.file.Close()
}

// Path returns the reader's file path.
func (r *SSTableReader) Path() string { return r.path }

// FileNum returns the reader's file number, used as its cache key
// namespace.
func (r *SSTableReader) FileNum() uint64 { return r.fileNum }

// Iterator is a forward cursor over one SSTable's records, in
// ascending internal-key order.
type Iterator struct {
	r         *SSTableReader
	blockIdx  int
	records   []blockRecord
	recordIdx int
	useCache  bool
	err       error
}

// NewIterator opens a forward iterator positioned before the first
// record, populating the block cache as it reads.
func (r *SSTableReader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1, recordIdx: -1, useCache: true}
}

// NewIteratorNoCache is NewIterator with the block cache bypassed,
// honoring ReadOptions.NoBlockCache for scans over many blocks that
// would otherwise evict hot ones.
func (r *SSTableReader) NewIteratorNoCache() *Iterator {
	return &Iterator{r: r, blockIdx: -1, recordIdx: -1, useCache: false}
}

// SeekToFirst positions the iterator at the table's first record.
func (it *Iterator) SeekToFirst() {
	it.blockIdx = 0
	it.recordIdx = -1
	it.loadBlockAndAdvance()
}

// Seek positions the iterator at the first record >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	entry, ok := it.r.blockForKey(target)
	if !ok {
		it.SeekToFirst()
	} else {
		idx := sort.Search(len(it.r.index), func(i int) bool {
			return it.r.index[i].offset >= entry.offset
		})
		it.blockIdx = idx
		it.recordIdx = -1
		it.loadBlockAndAdvance()
	}
	for it.Valid() && it.Key().Compare(target) < 0 {
		it.Next()
	}
}

func (it *Iterator) loadBlockAndAdvance() {
	for it.blockIdx < len(it.r.index) {
		block, err := it.r.readBlock(it.r.index[it.blockIdx].offset, it.useCache)
		if err != nil {
			it.err = err
			it.records = nil
			return
		}
		records, err := decodeBlock(block)
		if err != nil {
			it.err = err
			it.records = nil
			return
		}
		it.records = records
		if len(records) > 0 {
			it.recordIdx = 0
			return
		}
		it.blockIdx++
	}
	it.records = nil
}

// Valid reports whether the iterator is positioned at a live record.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.recordIdx >= 0 && it.recordIdx < len(it.records)
}

// Next advances to the next record, loading the next block if needed.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.recordIdx++
	if it.recordIdx >= len(it.records) {
		it.blockIdx++
		it.recordIdx = -1
		it.loadBlockAndAdvance()
	}
}

// Key returns the current record's internal key.
func (it *Iterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.records[it.recordIdx].key
}

// Value returns the current record's value (nil for tombstones).
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.records[it.recordIdx].value
}

// IsTombstone reports whether the current record is a delete marker.
func (it *Iterator) IsTombstone() bool {
	if !it.Valid() {
		return false
	}
	return it.records[it.recordIdx].tombstone
}

// Error returns any error encountered while reading blocks.
func (it *Iterator) Error() error {
	return it.err
}

// Close releases the iterator. The underlying reader is owned and
// closed separately by whoever opened it.
func (it *Iterator) Close() error {
	return nil
}
