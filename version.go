package lsmkv

import (
	"fmt"
	"sync"

	"lsmkv/epoch"
	"lsmkv/keys"
)

// FileMetadata describes one on-disk SSTable as tracked by the
// manifest: its level, file number, byte size, and key range. The key
// range lets compaction and lookups skip files by comparison alone,
// without opening them.
type FileMetadata struct {
	FileNum     uint64
	Size        uint64
	SmallestKey keys.EncodedKey
	LargestKey  keys.EncodedKey
	NumEntries  uint64
}

// Overlaps reports whether target falls within [SmallestKey,
// LargestKey], by user key.
func (f *FileMetadata) Overlaps(target keys.UserKey) bool {
	return target.Compare(f.SmallestKey.UserKey()) >= 0 && target.Compare(f.LargestKey.UserKey()) <= 0
}

// RangeOverlaps reports whether [lo, hi] overlaps this file's key
// range. A nil bound is unbounded on that side.
func (f *FileMetadata) RangeOverlaps(lo, hi keys.UserKey) bool {
	if hi != nil && f.SmallestKey.UserKey().Compare(hi) > 0 {
		return false
	}
	if lo != nil && f.LargestKey.UserKey().Compare(lo) < 0 {
		return false
	}
	return true
}

// VersionEdit is a batch of file additions and removals applied
// atomically to produce a new Version. Edits are not persisted
// themselves; the manifest stores the resulting full file set.
type VersionEdit struct {
	addFiles    map[int][]*FileMetadata
	removeFiles map[int][]uint64
}

// NewVersionEdit returns an empty edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{
		addFiles:    make(map[int][]*FileMetadata),
		removeFiles: make(map[int][]uint64),
	}
}

// AddFile records file as newly present at level.
func (e *VersionEdit) AddFile(level int, file *FileMetadata) {
	e.addFiles[level] = append(e.addFiles[level], file)
}

// RemoveFile records fileNum as removed from level.
func (e *VersionEdit) RemoveFile(level int, fileNum uint64) {
	e.removeFiles[level] = append(e.removeFiles[level], fileNum)
}

// Apply mutates version in place: remove listed files, then append
// added files, for every level touched by the edit.
func (e *VersionEdit) Apply(v *Version) {
	for level, fileNums := range e.removeFiles {
		remove := make(map[uint64]bool, len(fileNums))
		for _, n := range fileNums {
			remove[n] = true
		}
		kept := v.files[level][:0:0]
		for _, f := range v.files[level] {
			if !remove[f.FileNum] {
				kept = append(kept, f)
			}
		}
		v.files[level] = kept
	}
	for level, files := range e.addFiles {
		v.files[level] = append(v.files[level], files...)
	}
}

// Version is an immutable snapshot of the set of live SSTables across
// all levels. A new Version is produced every time a flush or
// compaction completes; readers that began against an older Version
// keep working against its files until the epoch manager determines
// no one can see it anymore.
type Version struct {
	numLevels  int
	files      [][]*FileMetadata
	resourceID string
}

// NewVersion returns an empty Version with numLevels levels.
func NewVersion(numLevels int) *Version {
	return &Version{numLevels: numLevels, files: make([][]*FileMetadata, numLevels)}
}

// GetFiles returns the files at level, in no particular order except
// for level 0, which is kept in flush order (oldest first).
func (v *Version) GetFiles(level int) []*FileMetadata {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

// Clone returns a deep-enough copy of v for building a new Version via
// a VersionEdit, sharing FileMetadata pointers (they are never
// mutated in place) but not the per-level slices.
func (v *Version) Clone() *Version {
	nv := NewVersion(v.numLevels)
	for level, files := range v.files {
		nv.files[level] = append([]*FileMetadata(nil), files...)
	}
	return nv
}

// registerForCleanup registers this version's set of superseded files
// with the epoch manager: once no in-flight reader can reach this
// version, deleteFiles removes any file not present in keepFiles.
func (v *Version) registerForCleanup(resourceID string, epochNum uint64, keepFiles map[uint64]bool, deleteFn func(fileNum uint64)) {
	v.resourceID = resourceID
	toDelete := make([]uint64, 0)
	for _, files := range v.files {
		for _, f := range files {
			if !keepFiles[f.FileNum] {
				toDelete = append(toDelete, f.FileNum)
			}
		}
	}
	if len(toDelete) == 0 {
		return
	}
	epoch.RegisterResource(resourceID, epochNum, func() error {
		for _, fileNum := range toDelete {
			deleteFn(fileNum)
		}
		return nil
	})
	// Becoming superseded is itself the retirement event for this
	// version: there is no later point at which to mark it, unlike a
	// sealed MemTable whose retirement waits on its own ref count.
	epoch.MarkResourceForCleanup(resourceID)
}

// VersionSet owns the current Version plus the manifest file that
// persists it, and allocates monotone file numbers for new SSTables.
type VersionSet struct {
	mu      sync.Mutex
	dir     string
	current *Version

	numLevels   int
	nextFileNum uint64

	deleteFile func(fileNum uint64)
}

// NewVersionSet creates an empty VersionSet with no manifest yet
// attached. Open calls either RecoverFromManifest (existing database)
// or initializeFreshManifest (fresh database) to attach one.
func NewVersionSet(dir string, numLevels int, deleteFile func(fileNum uint64)) *VersionSet {
	return &VersionSet{
		dir:         dir,
		current:     NewVersion(numLevels),
		numLevels:   numLevels,
		nextFileNum: 1,
		deleteFile:  deleteFile,
	}
}

// Current returns the live Version. Callers that hold on to the
// result across a compaction must not assume its files stay live;
// ordinary point lookups and short scans are safe without extra care
// because file deletion is deferred to the epoch manager.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// NextFileNum allocates and returns the next SSTable file number.
func (vs *VersionSet) NextFileNum() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNum
	vs.nextFileNum++
	return n
}

// LogAndApply applies edit to produce a new Version, durably rewrites
// the manifest in full to describe it (write-to-temp, fsync, rename),
// then installs it as current. The old Version's files not present in
// the new Version are scheduled for epoch-deferred deletion.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) (*Version, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	next := vs.current.Clone()
	edit.Apply(next)

	if err := writeManifest(vs.dir, next); err != nil {
		return nil, fmt.Errorf("failed to save manifest: %w", err)
	}

	keep := make(map[uint64]bool)
	for _, files := range next.files {
		for _, f := range files {
			keep[f.FileNum] = true
		}
	}

	old := vs.current
	vs.current = next

	epochNum := epoch.GetCurrentEpoch()
	old.registerForCleanup(fmt.Sprintf("version-%p", old), epochNum, keep, vs.deleteFile)
	epoch.AdvanceEpoch()

	return next, nil
}

// closeManifest is a no-op: the manifest is rewritten whole and closed
// on every LogAndApply call, so there is no open handle to flush at
// shutdown.
func (vs *VersionSet) closeManifest() error {
	return nil
}
