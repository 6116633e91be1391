// Package lsmkv implements an embeddable, ordered key-value store on
// the log-structured merge-tree model: writes land in an in-memory
// MemTable backed by a write-ahead log, sealed MemTables flush to
// immutable on-disk SSTables, and a background compactor keeps the
// per-level file count and size bounded so reads stay fast as the
// data set grows.
package lsmkv

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"lsmkv/epoch"
	"lsmkv/keys"
	"lsmkv/memtable"
	"lsmkv/sstable"
	"lsmkv/wal"
)

const numLevels = 1 << 5 // upper bound; Options.MaxLevel governs the live tree depth

// sealedMemtable is a MemTable that has been rotated out of the write
// path and is waiting for the background flusher to turn it into an
// SSTable. Its WAL stays open until the flush is durable, so a crash
// between sealing and flush still recovers from the WAL.
type sealedMemtable struct {
	table    *memtable.MemTable
	walPath  string
	walNum   uint64
	resource string
}

// DB is an open handle on one data directory. All exported methods
// are safe for concurrent use by multiple goroutines.
type DB struct {
	path    string
	options *Options
	logger  *slog.Logger
	locker  Locker

	mu        sync.RWMutex
	memtable  *memtable.MemTable
	curWAL    *wal.WAL
	curWALNum uint64
	sealed    []*sealedMemtable

	seq atomic.Uint64

	versions      *VersionSet
	blockCache    *sstable.BlockCache
	fileCache     *FileCache
	compactionMgr *CompactionManager

	flushMu    sync.Mutex
	flushCond  *sync.Cond
	flushWg    sync.WaitGroup
	closeFlush chan struct{}

	closed atomic.Bool
}

// Open opens (and, if CreateIfMissing, creates) the database at
// opts.Path.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	exists := true
	if _, err := os.Stat(opts.Path); os.IsNotExist(err) {
		exists = false
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPath, opts.Path)
		}
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	locker, err := newFileLocker(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := locker.Lock(); err != nil {
		return nil, err
	}

	db := &DB{
		path:       opts.Path,
		options:    opts,
		logger:     opts.Logger,
		locker:     locker,
		closeFlush: make(chan struct{}),
	}
	db.flushCond = sync.NewCond(&db.flushMu)
	db.blockCache = sstable.NewBlockCache(opts.BlockCacheSize)
	db.fileCache = NewFileCache(opts.MaxOpenFiles, db.blockCache, db.logger)
	db.versions = NewVersionSet(opts.Path, numLevels, db.deleteObsoleteFile)

	if exists {
		if err := RecoverFromManifest(opts.Path, db.versions); err != nil {
			locker.Unlock()
			return nil, fmt.Errorf("failed to recover manifest: %w", err)
		}
	} else {
		if err := initializeFreshManifest(opts.Path, db.versions); err != nil {
			locker.Unlock()
			return nil, fmt.Errorf("failed to initialize manifest: %w", err)
		}
	}

	if err := db.recoverWALs(); err != nil {
		locker.Unlock()
		return nil, fmt.Errorf("failed to recover WAL: %w", err)
	}

	if db.memtable == nil {
		if err := db.rotateWALLocked(); err != nil {
			locker.Unlock()
			return nil, err
		}
	}

	if err := db.checkManifestFilesExist(); err != nil {
		locker.Unlock()
		return nil, err
	}

	db.compactionMgr = NewCompactionManager(db.versions, db.fileCache, opts.Path, opts, db.logger, db.flushCond)

	db.flushWg.Add(1)
	go db.backgroundFlusher()

	db.logger.Info("database opened", "path", opts.Path, "seq", db.seq.Load())
	return db, nil
}

// recoverWALs replays every *.wal file found in the data directory, in
// file-number order, reconstructing the MemTable and advancing the
// sequence counter past the highest seen. The newest WAL becomes the
// live WAL; any older ones belong to MemTables that were sealed but
// never flushed before the crash, and are replayed into their own
// sealed MemTable so a subsequent flush can still produce their
// SSTable.
func (db *DB) recoverWALs() error {
	matches, err := filepath.Glob(filepath.Join(db.path, "*.wal"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	type found struct {
		num  uint64
		path string
	}
	var files []found
	for _, m := range matches {
		var n uint64
		if _, err := fmt.Sscanf(filepath.Base(m), "%06d.wal", &n); err != nil {
			continue
		}
		files = append(files, found{num: n, path: m})
	}
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].num < files[i].num {
				files[i], files[j] = files[j], files[i]
			}
		}
	}

	for i, f := range files {
		mt := memtable.NewMemtable(db.options.MemtableThreshold)
		truncated, err := wal.Recover(f.path, func(rec *wal.WALRecord) error {
			if rec.Seq > db.seq.Load() {
				db.seq.Store(rec.Seq)
			}
			key := keys.NewEncodedKey(rec.Key, rec.Seq, rec.Type)
			mt.Put(key, rec.Value)
			return nil
		})
		if err != nil {
			return err
		}
		if truncated {
			db.logger.Warn("WAL tail truncated during recovery, discarding partial record", "path", f.path)
		}

		isLast := i == len(files)-1
		if isLast {
			db.memtable = mt
			db.curWALNum = f.num
			w, err := wal.NewWAL(wal.WALOpts{Path: db.path, FileNum: f.num, BytesPerSync: 1 << 20, AutoSyncInterval: 0})
			if err != nil {
				return err
			}
			db.curWAL = w
		} else if mt.Count() > 0 {
			resource := fmt.Sprintf("sealed-wal-%d", f.num)
			mt.SealForCleanup(resource, epoch.GetCurrentEpoch())
			db.sealed = append(db.sealed, &sealedMemtable{table: mt, walPath: f.path, walNum: f.num, resource: resource})
		} else {
			os.Remove(f.path)
		}
	}
	if n := len(files); n > 0 {
		// WAL files share the file-number space with SSTables, but the
		// manifest only records SSTables: resume numbering past the
		// newest WAL so a later rotation never reissues a live log's number.
		db.versions.mu.Lock()
		if files[n-1].num >= db.versions.nextFileNum {
			db.versions.nextFileNum = files[n-1].num + 1
		}
		db.versions.mu.Unlock()
	}
	return nil
}

// rotateWALLocked seals the current MemTable (if any) and opens a
// fresh one with a new WAL file. Callers must hold db.mu for writing.
func (db *DB) rotateWALLocked() error {
	fileNum := db.versions.NextFileNum()
	w, err := wal.NewWAL(wal.WALOpts{
		Path:             db.path,
		FileNum:          fileNum,
		BytesPerSync:     1 << 20,
		AutoSyncInterval: 0,
	})
	if err != nil {
		return err
	}

	if db.memtable != nil {
		resource := fmt.Sprintf("sealed-wal-%d", db.curWALNum)
		db.memtable.SealForCleanup(resource, epoch.GetCurrentEpoch())
		db.sealed = append(db.sealed, &sealedMemtable{
			table:    db.memtable,
			walPath:  db.curWAL.Path(),
			walNum:   db.curWALNum,
			resource: resource,
		})
		epoch.AdvanceEpoch()
	}

	db.memtable = memtable.NewMemtable(db.options.MemtableThreshold)
	db.curWAL = w
	db.curWALNum = fileNum
	return nil
}

// Put writes key=value using the default (sync) write options.
func (db *DB) Put(key, value []byte) error {
	return db.PutWithOptions(key, value, Sync)
}

// Delete removes key using the default (sync) write options.
func (db *DB) Delete(key []byte) error {
	return db.write(key, nil, keys.KindDelete, DefaultWriteOptions())
}

// PutWithOptions writes key=value, honoring wopts.Sync.
func (db *DB) PutWithOptions(key, value []byte, wopts *WriteOptions) error {
	return db.write(key, value, keys.KindSet, wopts)
}

func (db *DB) write(key, value []byte, kind keys.Kind, wopts *WriteOptions) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if !keys.IsValidUserKey(key) {
		return ErrInvalidKey
	}
	if kind == keys.KindSet && !keys.IsValidValue(value) {
		return ErrInvalidValue
	}
	if wopts == nil {
		wopts = DefaultWriteOptions()
	}

	seq := db.seq.Add(1)

	db.mu.Lock()
	var err error
	if !db.options.DisableWAL {
		if kind == keys.KindDelete {
			err = db.curWAL.WriteRecord(&wal.WALRecord{Type: keys.KindDelete, Seq: seq, Key: key})
		} else {
			err = db.curWAL.WriteRecord(&wal.WALRecord{Type: keys.KindSet, Seq: seq, Key: key, Value: value})
		}
	}
	if err != nil {
		db.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	internalKey := keys.NewEncodedKey(key, seq, kind)
	db.memtable.Put(internalKey, value)

	needsFlush := db.memtable.MemoryUsage() >= db.options.MemtableThreshold
	var curWAL *wal.WAL
	if !db.options.DisableWAL && wopts.Sync {
		curWAL = db.curWAL
	}
	if needsFlush {
		if err := db.rotateWALLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	db.mu.Unlock()

	if curWAL != nil {
		if err := curWAL.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrIOError, err)
		}
	}
	if needsFlush {
		db.flushCond.L.Lock()
		db.flushCond.Broadcast()
		db.flushCond.L.Unlock()
	}
	return nil
}

// Get returns the value for key, or ErrNotFound if it does not exist
// or has been deleted.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.GetWithOptions(key, DefaultReadOptions())
}

// GetWithOptions returns the value for key, honoring ropts.
func (db *DB) GetWithOptions(key []byte, ropts *ReadOptions) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if !keys.IsValidUserKey(key) {
		return nil, ErrInvalidKey
	}

	queryKey := keys.NewQueryKey(key)

	db.mu.RLock()
	// Newest-sealed-first, so a shadowing write in a more recently
	// sealed MemTable is found before an older one.
	immutables := make([]*memtable.MemTable, len(db.sealed))
	for i, s := range db.sealed {
		immutables[len(db.sealed)-1-i] = s.table
	}
	mems := memtable.RefMemTableList(db.memtable, immutables)
	db.mu.RUnlock()
	defer memtable.UnRefMemTableList(mems)

	for _, mt := range mems {
		if ik, v := mt.Get(queryKey); ik != nil {
			if ik.Kind() == keys.KindDelete {
				return nil, ErrNotFound
			}
			return append([]byte{}, v...), nil
		}
	}

	readEpoch := epoch.EnterEpoch()
	defer epoch.ExitEpoch(readEpoch)

	version := db.versions.Current()
	for level := 0; level < db.options.MaxLevel; level++ {
		files := version.GetFiles(level)
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if !f.Overlaps(key) {
				continue
			}
			reader, err := db.fileCache.Get(f.FileNum, db.sstPath(f.FileNum))
			if err != nil {
				db.logger.Error("failed to open sstable for lookup", "file_num", f.FileNum, "error", err)
				continue
			}
			var value []byte
			var found, tombstone bool
			if ropts != nil && ropts.NoBlockCache {
				value, found, tombstone, err = reader.GetNoCache(queryKey)
			} else {
				value, found, tombstone, err = reader.Get(queryKey)
			}
			if err != nil {
				db.logger.Error("sstable read error", "file_num", f.FileNum, "error", err)
				continue
			}
			if found {
				if tombstone {
					return nil, ErrNotFound
				}
				return append([]byte{}, value...), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (db *DB) sstPath(fileNum uint64) string {
	return filepath.Join(db.path, fmt.Sprintf("%06d.sst", fileNum))
}

// checkManifestFilesExist verifies every SSTable the manifest describes
// is actually present on disk. A manifest referencing a missing file
// means the data directory was tampered with or lost a file outside
// the engine's control, and is fatal to Open rather than something a
// background worker could paper over.
func (db *DB) checkManifestFilesExist() error {
	version := db.versions.Current()
	for level := 0; level < db.options.MaxLevel; level++ {
		for _, f := range version.GetFiles(level) {
			path := db.sstPath(f.FileNum)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("%w: manifest references missing sstable %s", ErrCorruption, path)
			}
		}
	}
	return nil
}

// Flush blocks until every currently sealed MemTable (and the active
// one, after rotating it) has been written to an SSTable.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	return db.flushInternal()
}

// flushInternal performs the actual flush wait; unlike Flush, it runs
// even after db.closed has been set, so Close can drain outstanding
// writes before tearing down the background workers.
func (db *DB) flushInternal() error {
	db.mu.Lock()
	if db.memtable.Count() > 0 {
		if err := db.rotateWALLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	db.mu.Unlock()

	db.flushCond.L.Lock()
	db.flushCond.Broadcast()
	for db.pendingFlushCount() > 0 {
		db.flushCond.Wait()
	}
	db.flushCond.L.Unlock()
	return nil
}

func (db *DB) pendingFlushCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.sealed)
}

// backgroundFlusher drains sealed MemTables into SSTables one at a
// time, oldest first, then wakes the compaction manager so a full L0
// gets merged down promptly.
func (db *DB) backgroundFlusher() {
	defer db.flushWg.Done()
	db.flushCond.L.Lock()
	defer db.flushCond.L.Unlock()

	for {
		for db.pendingFlushCount() == 0 {
			select {
			case <-db.closeFlush:
				return
			default:
			}
			db.flushCond.Wait()
			select {
			case <-db.closeFlush:
				return
			default:
			}
		}

		db.mu.Lock()
		if len(db.sealed) == 0 {
			db.mu.Unlock()
			continue
		}
		next := db.sealed[0]
		db.mu.Unlock()

		db.flushCond.L.Unlock()
		err := db.flushMemtable(next)
		db.flushCond.L.Lock()

		if err != nil {
			db.logger.Error("memtable flush failed", "error", err)
			continue
		}

		db.mu.Lock()
		db.sealed = db.sealed[1:]
		db.mu.Unlock()

		db.flushCond.Broadcast()
		db.compactionMgr.ScheduleCompaction()
	}
}

// flushMemtable writes sealed's contents out as one new L0 SSTable
// plus its sibling bloom filter, applies the resulting VersionEdit,
// and removes the now-redundant WAL file.
func (db *DB) flushMemtable(sealed *sealedMemtable) error {
	if sealed.table.Count() == 0 {
		db.finishSealedWAL(sealed)
		return nil
	}

	fileNum := db.versions.NextFileNum()
	writer, err := sstable.NewSSTableWriter(sstable.SSTableOpts{
		Path:      db.sstPath(fileNum),
		Logger:    db.logger,
		BlockSize: db.options.BlockSize,
	})
	if err != nil {
		return err
	}

	it := sealed.table.NewIterator()
	numEntries := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := writer.Add(it.Key(), it.Value(), it.Key().Kind() == keys.KindDelete); err != nil {
			writer.Abort()
			return err
		}
		numEntries++
	}
	if err := writer.Finish(); err != nil {
		return err
	}

	filter := sstable.NewBloomFilter(numEntries, db.options.BloomFalsePositiveRate)
	it2 := sealed.table.NewIterator()
	for it2.SeekToFirst(); it2.Valid(); it2.Next() {
		filter.Add(it2.Key().UserKey())
	}
	filterPath := db.sstPath(fileNum)
	filterPath = filterPath[:len(filterPath)-4] + ".filter"
	if err := filter.WriteFile(filterPath); err != nil {
		return err
	}

	edit := NewVersionEdit()
	edit.AddFile(0, &FileMetadata{
		FileNum:     fileNum,
		Size:        writer.EstimatedSize(),
		SmallestKey: writer.SmallestKey(),
		LargestKey:  writer.LargestKey(),
		NumEntries:  writer.NumEntries(),
	})
	if _, err := db.versions.LogAndApply(edit); err != nil {
		return err
	}

	db.finishSealedWAL(sealed)
	db.logger.Info("flushed memtable", "file_num", fileNum, "entries", numEntries)
	return nil
}

func (db *DB) finishSealedWAL(sealed *sealedMemtable) {
	epoch.MarkResourceForCleanup(sealed.resource)
	epoch.AdvanceEpoch()
	if err := os.Remove(sealed.walPath); err != nil && !os.IsNotExist(err) {
		db.logger.Warn("failed to remove flushed WAL", "path", sealed.walPath, "error", err)
	}
}

// deleteObsoleteFile removes a superseded SSTable and its sibling
// bloom filter, called by VersionSet once the epoch manager has
// confirmed no in-flight reader can still reach it.
func (db *DB) deleteObsoleteFile(fileNum uint64) {
	path := db.sstPath(fileNum)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		db.logger.Warn("failed to delete obsolete sstable", "path", path, "error", err)
	}
	filterPath := path[:len(path)-4] + ".filter"
	os.Remove(filterPath)
}

// CompactAll blocks until a full-depth compaction pass has run,
// draining every level down to its size limit. Intended for tests and
// maintenance windows, not the steady-state write path.
func (db *DB) CompactAll() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	for db.compactionMgr.pickCompaction(db.versions.Current()) != nil {
		// The result received may belong to a run that started before
		// this request; the tree is re-checked after every wait, so that
		// costs at most one extra round.
		db.compactionMgr.ScheduleCompaction()
		select {
		case err := <-db.compactionMgr.doneChan:
			if err != nil {
				return err
			}
		case <-db.closeFlush:
			return nil
		}
	}
	return nil
}

// Close flushes any outstanding writes, stops the background workers,
// and releases the data directory's lock.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	_ = db.flushInternal()

	close(db.closeFlush)
	db.flushCond.L.Lock()
	db.flushCond.Broadcast()
	db.flushCond.L.Unlock()
	db.flushWg.Wait()

	db.compactionMgr.Close()

	db.mu.Lock()
	if db.curWAL != nil {
		db.curWAL.Close()
	}
	db.mu.Unlock()

	db.fileCache.Close()
	db.versions.closeManifest()

	epoch.TryCleanup()

	if err := db.locker.Unlock(); err != nil {
		db.logger.Warn("failed to release database lock", "error", err)
	}
	db.logger.Info("database closed")
	return nil
}
