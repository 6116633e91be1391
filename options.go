package lsmkv

import (
	"log/slog"
	"os"
)

const (
	KiB = 1024
	MiB = KiB * 1024
)

// Default configuration values, named after the spec's fixed
// constants (MEMTABLE_THRESHOLD, BLOCK_SIZE, BLOCK_CACHE_SIZE,
// MAX_LEVEL, bloom false-positive rate, L0 compaction trigger, Li
// size trigger). A configuration struct exposes them without changing
// their semantics.
var (
	DefaultMemtableThreshold    = 4 * MiB
	DefaultBlockSize            = 4 * KiB
	DefaultBlockCacheSize int64 = 4 * MiB
	DefaultMaxLevel              = 12
	DefaultBloomFalsePositive    = 0.01
	DefaultL0CompactionTrigger   = 4
	DefaultLevelSizeBase   int64 = 10 * MiB
	DefaultFileCacheSize         = 256
	DefaultCompactionInterval    = compactionTickInterval
)

// Options holds configuration for an open database. All fields have
// sensible defaults via DefaultOptions and are fixed for the lifetime
// of an open engine.
type Options struct {
	// Path is the data directory.
	Path string

	// MemtableThreshold is the MemTable size, in bytes, that triggers
	// a flush to a new L0 table.
	MemtableThreshold int

	// BlockSize is the target unframed size of one SSTable data block.
	BlockSize int

	// BlockCacheSize is the block cache's byte budget.
	BlockCacheSize int64

	// MaxLevel bounds the number of levels in the LSM tree (L0..MaxLevel-1).
	MaxLevel int

	// BloomFalsePositiveRate is the target false-positive rate used to
	// size every new bloom filter.
	BloomFalsePositiveRate float64

	// L0CompactionTrigger is the number of L0 files that triggers an
	// L0 -> L1 compaction.
	L0CompactionTrigger int

	// LevelSizeBase is the size_limit(1) term in size_limit(i) = B *
	// 10^(i-1), the trigger for Li -> L(i+1) compaction.
	LevelSizeBase int64

	// MaxOpenFiles bounds the SSTableReader file cache.
	MaxOpenFiles int

	// CreateIfMissing creates the data directory and an empty database
	// if Path does not already hold one.
	CreateIfMissing bool

	// DisableWAL skips WAL writes entirely. Intended for tests and
	// bulk-load scenarios where durability is not required.
	DisableWAL bool

	// Logger receives structured engine diagnostics.
	Logger *slog.Logger
}

// DefaultOptions returns an Options populated with the spec's default
// constants.
func DefaultOptions() *Options {
	return &Options{
		MemtableThreshold:      DefaultMemtableThreshold,
		BlockSize:              DefaultBlockSize,
		BlockCacheSize:         DefaultBlockCacheSize,
		MaxLevel:               DefaultMaxLevel,
		BloomFalsePositiveRate: DefaultBloomFalsePositive,
		L0CompactionTrigger:    DefaultL0CompactionTrigger,
		LevelSizeBase:          DefaultLevelSizeBase,
		MaxOpenFiles:           DefaultFileCacheSize,
		CreateIfMissing:        true,
		Logger:                 DefaultLogger(),
	}
}

// Validate checks for common configuration mistakes before Open
// touches the filesystem.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.MemtableThreshold <= 0 {
		return ErrInvalidWriteBufferSize
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.MaxLevel <= 0 || o.MaxLevel > 32 {
		return ErrInvalidMaxLevels
	}
	if o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1 {
		return ErrInvalidBloomRate
	}
	if o.L0CompactionTrigger <= 0 {
		return ErrInvalidL0CompactionTrigger
	}
	if o.LevelSizeBase <= 0 {
		return ErrInvalidLevelSizeBase
	}
	if o.MaxOpenFiles <= 0 {
		return ErrInvalidMaxOpenFiles
	}
	return nil
}

// LevelSizeLimit returns size_limit(i) = LevelSizeBase * 10^(i-1) for
// level i >= 1. Level 0 has no byte-size limit; it is governed purely
// by L0CompactionTrigger file count.
func (o *Options) LevelSizeLimit(level int) int64 {
	if level <= 0 {
		return 0
	}
	limit := o.LevelSizeBase
	for i := 1; i < level; i++ {
		limit *= 10
	}
	return limit
}

func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and above.
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

// DebugLogger logs everything, useful in tests.
func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
