package lsmkv

import (
	"lsmkv/epoch"
	"lsmkv/keys"
	"lsmkv/memtable"
	"lsmkv/sstable"
)

// DBIterator is a forward cursor over the database's logical key
// space: the live MemTable, every sealed-but-unflushed MemTable, and
// every live SSTable, merged into one sorted stream with tombstones
// already resolved away. An iterator holds an epoch so that any
// SSTable or MemTable arena it is reading from cannot be deleted out
// from under it, even if a concurrent flush or compaction supersedes
// it; callers must Close the iterator to release that epoch.
type DBIterator struct {
	merge     *MergeIterator
	refMems   []*memtable.MemTable
	readEpoch uint64
	closed    bool
}

// NewIterator returns an iterator over the entire key space.
func (db *DB) NewIterator(ropts *ReadOptions) (*DBIterator, error) {
	return db.newIterator(nil, ropts)
}

// Scan returns an iterator over [start, end). A nil start or end
// leaves that side unbounded.
func (db *DB) Scan(start, end []byte) (*DBIterator, error) {
	if start != nil && end != nil && keys.UserKey(start).Compare(end) >= 0 {
		return nil, ErrInvalidRange
	}
	return db.newIterator(keys.NewRange(start, end), nil)
}

// ScanPrefix returns an iterator over every key beginning with prefix.
func (db *DB) ScanPrefix(prefix []byte) (*DBIterator, error) {
	end := prefixSuccessor(prefix)
	return db.newIterator(keys.NewRange(prefix, end), nil)
}

// prefixSuccessor returns the smallest key that sorts strictly after
// every key beginning with prefix, by incrementing the last byte that
// is not already 0xff and truncating the rest. An all-0xff prefix has
// no successor and maps to an unbounded (nil) upper limit.
func prefixSuccessor(prefix []byte) []byte {
	succ := append([]byte(nil), prefix...)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] != 0xff {
			succ[i]++
			return succ[:i+1]
		}
	}
	return nil
}

func (db *DB) newIterator(bounds *keys.Range, ropts *ReadOptions) (*DBIterator, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	noCache := ropts != nil && ropts.NoBlockCache

	readEpoch := epoch.EnterEpoch()

	db.mu.RLock()
	immutables := make([]*memtable.MemTable, len(db.sealed))
	for i, s := range db.sealed {
		immutables[len(db.sealed)-1-i] = s.table
	}
	refMems := memtable.RefMemTableList(db.memtable, immutables)
	version := db.versions.Current()
	db.mu.RUnlock()

	merge := NewMergeIterator(bounds, false, 0)
	for _, mt := range refMems {
		merge.AddIterator(mt.NewIteratorWithBounds(bounds))
	}

	var lo, hi keys.UserKey
	if bounds != nil {
		if bounds.Start != nil {
			lo = bounds.Start.UserKey()
		}
		if bounds.Limit != nil {
			hi = bounds.Limit.UserKey()
		}
	}

	for level := 0; level < db.options.MaxLevel; level++ {
		for _, f := range version.GetFiles(level) {
			if !f.RangeOverlaps(lo, hi) {
				continue
			}
			reader, err := db.fileCache.Get(f.FileNum, db.sstPath(f.FileNum))
			if err != nil {
				db.logger.Error("failed to open sstable for scan", "file_num", f.FileNum, "error", err)
				continue
			}
			var sstIt *sstable.Iterator
			if noCache {
				sstIt = reader.NewIteratorNoCache()
			} else {
				sstIt = reader.NewIterator()
			}
			merge.AddIterator(&tombstoneIterator{sstIt})
		}
	}

	if bounds != nil && bounds.Start != nil {
		merge.Seek(bounds.Start)
	} else {
		merge.SeekToFirst()
	}

	return &DBIterator{merge: merge, refMems: refMems, readEpoch: readEpoch}, nil
}

// Valid reports whether the iterator is positioned at a live record.
func (it *DBIterator) Valid() bool {
	return it.merge.Valid()
}

// Next advances to the next key.
func (it *DBIterator) Next() {
	it.merge.Next()
}

// Key returns a copy of the current record's user key.
func (it *DBIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return append([]byte(nil), it.merge.Key().UserKey()...)
}

// Value returns a copy of the current record's value.
func (it *DBIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return append([]byte(nil), it.merge.Value()...)
}

// Error returns any error encountered while iterating.
func (it *DBIterator) Error() error {
	return it.merge.Error()
}

// Close releases the iterator's epoch and underlying sources. It must
// be called exactly once per iterator.
func (it *DBIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.merge.Close()
	memtable.UnRefMemTableList(it.refMems)
	epoch.ExitEpoch(it.readEpoch)
	return err
}
