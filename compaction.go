package lsmkv

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"lsmkv/keys"
	"lsmkv/sstable"
)

// compactionTickInterval is how often the background compaction
// worker re-checks whether any level needs compacting, even absent an
// explicit wakeup signal. It is the safety net for work that was
// scheduled while the worker was mid-compaction and got coalesced
// away by the buffered wakeup channel.
const compactionTickInterval = 2 * time.Second

// CompactionStats tracks one compaction's work, surfaced through
// logging only; the engine does not expose a metrics API.
type CompactionStats struct {
	FilesRead    int
	FilesWritten int
	BytesWritten uint64
}

// CompactionManager runs compactions on a single background
// goroutine, woken either by an explicit signal (after a flush) or by
// its own ticker.
type CompactionManager struct {
	versions  *VersionSet
	fileCache *FileCache
	path      string
	options   *Options
	logger    *slog.Logger

	wakeupChan chan struct{}
	doneChan   chan error
	closeChan  chan struct{}

	flushBP *sync.Cond

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCompactionManager creates a compaction manager and starts its
// worker goroutine.
func NewCompactionManager(versions *VersionSet, fileCache *FileCache, path string, options *Options, logger *slog.Logger, flushBP *sync.Cond) *CompactionManager {
	cm := &CompactionManager{
		versions:   versions,
		fileCache:  fileCache,
		path:       path,
		options:    options,
		logger:     logger,
		wakeupChan: make(chan struct{}, 1),
		doneChan:   make(chan error, 1),
		closeChan:  make(chan struct{}),
		flushBP:    flushBP,
	}
	cm.wg.Add(1)
	go cm.compactionWorker()
	return cm
}

// ScheduleCompaction wakes the worker if it is idle; a pending signal
// is coalesced, since the worker always re-evaluates the whole tree on
// waking.
func (cm *CompactionManager) ScheduleCompaction() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return
	}
	select {
	case cm.wakeupChan <- struct{}{}:
	default:
	}
}

func (cm *CompactionManager) compactionWorker() {
	defer cm.wg.Done()
	ticker := time.NewTicker(compactionTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.closeChan:
			return
		case <-cm.wakeupChan:
			cm.runOnce()
		case <-ticker.C:
			cm.runOnce()
		}
	}
}

func (cm *CompactionManager) runOnce() {
	version := cm.versions.Current()
	compaction := cm.pickCompaction(version)
	if compaction == nil {
		select {
		case cm.doneChan <- nil:
		default:
		}
		return
	}

	err := cm.doCompactionWork(compaction)
	select {
	case cm.doneChan <- err:
	default:
	}
}

func (cm *CompactionManager) doCompactionWork(c *compaction) error {
	cm.logger.Info("compaction starting", "level", c.level, "outputLevel", c.outputLevel,
		"inputFiles", len(c.inputFiles[0])+len(c.inputFiles[1]))
	start := time.Now()

	edit, err := cm.runCompaction(c)
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}

	if _, err := cm.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("failed to apply compaction version edit: %w", err)
	}

	for _, levelFiles := range c.inputFiles {
		for _, f := range levelFiles {
			cm.fileCache.Evict(f.FileNum)
		}
	}

	cm.logger.Info("compaction finished", "level", c.level, "outputLevel", c.outputLevel,
		"duration", time.Since(start), "filesWritten", c.stats.FilesWritten)

	if c.level == 0 && cm.flushBP != nil {
		cm.flushBP.Broadcast()
	}
	return nil
}

// compaction describes one L(i) -> L(i+1) merge: the chosen input
// files at both levels and the accumulated output.
type compaction struct {
	level             int
	outputLevel       int
	version           *Version
	inputFiles        [2][]*FileMetadata
	outputFiles       []*FileMetadata
	stats             *CompactionStats
	maxOutputFileSize int64
}

func (cm *CompactionManager) pickCompaction(version *Version) *compaction {
	if c := cm.pickL0Compaction(version); c != nil {
		return c
	}
	return cm.pickLevelCompaction(version)
}

// pickL0Compaction selects every L0 file once L0CompactionTrigger is
// reached, plus any L1 file overlapping their combined key range. All
// of L0 is taken at once rather than a subset, since L0 files
// typically overlap each other heavily and partial selection would
// just require another round immediately.
func (cm *CompactionManager) pickL0Compaction(version *Version) *compaction {
	l0Files := version.GetFiles(0)
	if len(l0Files) < cm.options.L0CompactionTrigger {
		return nil
	}

	l1Files := cm.findOverlappingFiles(version, 1, l0Files)
	return &compaction{
		level:             0,
		outputLevel:       1,
		version:           version,
		inputFiles:        [2][]*FileMetadata{append([]*FileMetadata{}, l0Files...), append([]*FileMetadata{}, l1Files...)},
		stats:             &CompactionStats{},
		maxOutputFileSize: cm.options.LevelSizeLimit(1) / 4,
	}
}

// pickLevelCompaction picks the non-L0 level whose total size most
// exceeds its size_limit(i) trigger, selects its oldest file (by file
// number) plus every overlapping file in the next level.
func (cm *CompactionManager) pickLevelCompaction(version *Version) *compaction {
	bestLevel := -1
	bestScore := 1.0

	for level := 1; level < cm.options.MaxLevel-1; level++ {
		score := cm.levelScore(level, version)
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	if bestLevel == -1 {
		return nil
	}

	files := version.GetFiles(bestLevel)
	if len(files) == 0 {
		return nil
	}
	sorted := append([]*FileMetadata{}, files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileNum < sorted[j].FileNum })
	selected := sorted[:1]

	overlap := cm.findOverlappingFiles(version, bestLevel+1, selected)
	return &compaction{
		level:             bestLevel,
		outputLevel:       bestLevel + 1,
		version:           version,
		inputFiles:        [2][]*FileMetadata{selected, overlap},
		stats:             &CompactionStats{},
		maxOutputFileSize: cm.options.LevelSizeLimit(bestLevel+1) / 4,
	}
}

func (cm *CompactionManager) levelScore(level int, version *Version) float64 {
	files := version.GetFiles(level)
	if len(files) == 0 {
		return 0
	}
	var total int64
	for _, f := range files {
		total += int64(f.Size)
	}
	limit := cm.options.LevelSizeLimit(level)
	if limit <= 0 {
		return 0
	}
	return float64(total) / float64(limit)
}

func (cm *CompactionManager) findOverlappingFiles(version *Version, targetLevel int, inputFiles []*FileMetadata) []*FileMetadata {
	if len(inputFiles) == 0 {
		return nil
	}
	targetFiles := version.GetFiles(targetLevel)
	if len(targetFiles) == 0 {
		return nil
	}

	var smallest, largest keys.UserKey
	for _, f := range inputFiles {
		if smallest == nil || f.SmallestKey.UserKey().Compare(smallest) < 0 {
			smallest = f.SmallestKey.UserKey()
		}
		if largest == nil || f.LargestKey.UserKey().Compare(largest) > 0 {
			largest = f.LargestKey.UserKey()
		}
	}

	var overlapping []*FileMetadata
	for _, f := range targetFiles {
		if f.RangeOverlaps(smallest, largest) {
			overlapping = append(overlapping, f)
		}
	}
	return overlapping
}

// runCompaction merges every input file through a single pass of the
// k-way merge iterator and writes the result as new files in
// outputLevel, dropping tombstones only when the output level is the
// deepest level that still holds data for this key range.
func (cm *CompactionManager) runCompaction(c *compaction) (*VersionEdit, error) {
	merge := NewMergeIterator(nil, true, 0)
	var sources []*sstable.Iterator
	for _, levelFiles := range c.inputFiles {
		for _, f := range levelFiles {
			path := filepath.Join(cm.path, fmt.Sprintf("%06d.sst", f.FileNum))
			reader, err := cm.fileCache.Get(f.FileNum, path)
			if err != nil {
				cm.logger.Error("failed to open input sstable during compaction", "file_num", f.FileNum, "error", err)
				return nil, err
			}
			it := reader.NewIterator()
			sources = append(sources, it)
			merge.AddIterator(&tombstoneIterator{it})
			c.stats.FilesRead++
		}
	}

	var writer *sstable.SSTableWriter
	var outputFileNum uint64
	var lastUserKey keys.UserKey

	finishCurrent := func() error {
		if writer == nil {
			return nil
		}
		if err := writer.Finish(); err != nil {
			return err
		}
		c.outputFiles = append(c.outputFiles, &FileMetadata{
			FileNum:     outputFileNum,
			Size:        writer.EstimatedSize(),
			SmallestKey: writer.SmallestKey(),
			LargestKey:  writer.LargestKey(),
			NumEntries:  writer.NumEntries(),
		})
		c.stats.FilesWritten++
		writer = nil
		return nil
	}

	for merge.SeekToFirst(); merge.Valid(); merge.Next() {
		key := merge.Key()
		value := merge.Value()
		isTombstone := key.Kind() == keys.KindDelete

		if lastUserKey != nil && key.UserKey().Compare(lastUserKey) == 0 {
			continue
		}
		lastUserKey = append(lastUserKey[:0], key.UserKey()...)

		if isTombstone && cm.canDropTombstone(c, key.UserKey()) {
			continue
		}

		if writer == nil {
			outputFileNum = cm.versions.NextFileNum()
			w, err := sstable.NewSSTableWriter(sstable.SSTableOpts{
				Path:      filepath.Join(cm.path, fmt.Sprintf("%06d.sst", outputFileNum)),
				Logger:    cm.logger,
				BlockSize: cm.options.BlockSize,
			})
			if err != nil {
				return nil, err
			}
			writer = w
		}

		if err := writer.Add(key, value, isTombstone); err != nil {
			return nil, err
		}
		if int64(writer.EstimatedSize()) >= c.maxOutputFileSize {
			if err := finishCurrent(); err != nil {
				return nil, err
			}
		}
	}
	if err := finishCurrent(); err != nil {
		return nil, err
	}

	for _, it := range sources {
		it.Close()
	}

	if err := cm.writeBloomFiltersFor(c.outputFiles); err != nil {
		return nil, err
	}

	edit := NewVersionEdit()
	for level, levelFiles := range c.inputFiles {
		actualLevel := c.level + level
		for _, f := range levelFiles {
			edit.RemoveFile(actualLevel, f.FileNum)
		}
	}
	for _, f := range c.outputFiles {
		edit.AddFile(c.outputLevel, f)
	}
	return edit, nil
}

// canDropTombstone reports whether userKey cannot possibly exist in
// any level below outputLevel, making its tombstone safe to drop.
func (cm *CompactionManager) canDropTombstone(c *compaction, userKey keys.UserKey) bool {
	if c.outputLevel >= cm.options.MaxLevel-1 {
		return true
	}
	for level := c.outputLevel + 1; level < cm.options.MaxLevel; level++ {
		for _, f := range c.version.GetFiles(level) {
			if f.Overlaps(userKey) {
				return false
			}
		}
	}
	return true
}

func (cm *CompactionManager) writeBloomFiltersFor(files []*FileMetadata) error {
	for _, f := range files {
		path := filepath.Join(cm.path, fmt.Sprintf("%06d.sst", f.FileNum))
		reader, err := sstable.NewSSTableReader(path, f.FileNum, nil, cm.logger)
		if err != nil {
			return err
		}
		filter := sstable.NewBloomFilter(int(f.NumEntries), cm.options.BloomFalsePositiveRate)
		it := reader.NewIterator()
		for it.SeekToFirst(); it.Valid(); it.Next() {
			filter.Add(it.Key().UserKey())
		}
		reader.Close()
		filterPath := path[:len(path)-4] + ".filter"
		if err := filter.WriteFile(filterPath); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the worker goroutine and waits for it to exit.
func (cm *CompactionManager) Close() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.closed = true
	close(cm.closeChan)
	cm.mu.Unlock()
	cm.wg.Wait()
}

// tombstoneIterator adapts an sstable.Iterator to the Iterator
// interface: the key already encodes Set/Delete via its Kind byte, so
// no translation is needed, but Value must return nil for tombstones
// rather than whatever residual bytes the block stored.
type tombstoneIterator struct {
	it *sstable.Iterator
}

func (t *tombstoneIterator) SeekToFirst()                { t.it.SeekToFirst() }
func (t *tombstoneIterator) Seek(target keys.EncodedKey) { t.it.Seek(target) }
func (t *tombstoneIterator) Valid() bool                 { return t.it.Valid() }
func (t *tombstoneIterator) Next()                       { t.it.Next() }
func (t *tombstoneIterator) Key() keys.EncodedKey        { return t.it.Key() }
func (t *tombstoneIterator) Error() error                { return t.it.Error() }
func (t *tombstoneIterator) Close() error                { return t.it.Close() }
func (t *tombstoneIterator) Value() []byte {
	if t.it.IsTombstone() {
		return nil
	}
	return t.it.Value()
}
