package lsmkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickL0CompactionRequiresTrigger(t *testing.T) {
	opts := DefaultOptions()
	opts.L0CompactionTrigger = 4
	cm := &CompactionManager{options: opts}

	v := NewVersion(4)
	edit := NewVersionEdit()
	edit.AddFile(0, testFile(1, "a", "b"))
	edit.AddFile(0, testFile(2, "c", "d"))
	edit.Apply(v)

	assert.Nil(t, cm.pickL0Compaction(v))

	edit2 := NewVersionEdit()
	edit2.AddFile(0, testFile(3, "e", "f"))
	edit2.AddFile(0, testFile(4, "g", "h"))
	edit2.Apply(v)

	c := cm.pickL0Compaction(v)
	require.NotNil(t, c)
	assert.Equal(t, 0, c.level)
	assert.Equal(t, 1, c.outputLevel)
	assert.Len(t, c.inputFiles[0], 4)
}

func TestFindOverlappingFilesSelectsOnlyIntersectingRanges(t *testing.T) {
	cm := &CompactionManager{}
	v := NewVersion(4)
	edit := NewVersionEdit()
	edit.AddFile(1, testFile(1, "a", "c"))
	edit.AddFile(1, testFile(2, "d", "f"))
	edit.AddFile(1, testFile(3, "z", "zz"))
	edit.Apply(v)

	overlap := cm.findOverlappingFiles(v, 1, []*FileMetadata{testFile(9, "b", "e")})
	require.Len(t, overlap, 2)
	fileNums := map[uint64]bool{}
	for _, f := range overlap {
		fileNums[f.FileNum] = true
	}
	assert.True(t, fileNums[1])
	assert.True(t, fileNums[2])
	assert.False(t, fileNums[3])
}

func TestLevelScoreAboveOneTriggersCompaction(t *testing.T) {
	opts := DefaultOptions()
	opts.LevelSizeBase = 100
	cm := &CompactionManager{options: opts}

	v := NewVersion(4)
	f := testFile(1, "a", "b")
	f.Size = 250
	edit := NewVersionEdit()
	edit.AddFile(1, f)
	edit.Apply(v)

	assert.Greater(t, cm.levelScore(1, v), 1.0)
	assert.Equal(t, float64(0), cm.levelScore(2, v))
}

// TestCompactionMergesOverlappingL0Files drives a full engine through
// enough flushes to trigger a real L0->L1 compaction and checks that
// the merged output keeps only the newest version of each shadowed key
// and that L1 ends up with disjoint key ranges (spec.md invariant 3).
func TestCompactionMergesOverlappingL0Files(t *testing.T) {
	opts := testOptions(t)
	opts.L0CompactionTrigger = 3
	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("k%02d", i)
			val := fmt.Sprintf("round%d", round)
			require.NoError(t, db.Put([]byte(key), []byte(val)))
		}
		require.NoError(t, db.Flush())
	}

	require.NoError(t, db.CompactAll())

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%02d", i)
		v, err := db.Get([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, "round2", string(v))
	}

	l1 := db.versions.Current().GetFiles(1)
	for i := 0; i < len(l1); i++ {
		for j := i + 1; j < len(l1); j++ {
			overlap := l1[i].SmallestKey.UserKey().Compare(l1[j].LargestKey.UserKey()) <= 0 &&
				l1[j].SmallestKey.UserKey().Compare(l1[i].LargestKey.UserKey()) <= 0
			assert.False(t, overlap, "L1 files must have disjoint key ranges")
		}
	}
}

func TestCanDropTombstoneOnlyAtDeepestOverlappingLevel(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLevel = 4
	cm := &CompactionManager{options: opts}

	v := NewVersion(4)
	edit := NewVersionEdit()
	edit.AddFile(3, testFile(1, "a", "z"))
	edit.Apply(v)

	c := &compaction{outputLevel: 1, version: v}
	assert.False(t, cm.canDropTombstone(c, []byte("m")), "a deeper level still holds this key's range")

	c2 := &compaction{outputLevel: 3, version: v}
	assert.True(t, cm.canDropTombstone(c2, []byte("m")), "no level below MaxLevel-1 remains")
}
