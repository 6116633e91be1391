package lsmkv

import (
	"errors"

	"lsmkv/keys"
	"lsmkv/sstable"
)

// Error definitions for the database. Standard Go practice: all
// sentinel errors live in one place. The taxonomy follows four
// buckets -- IoError, CorruptError, NotFound, InvalidArgument -- even
// though Go has no exception hierarchy to model them with; each
// bucket below is a group of errors.Is-comparable sentinels, and
// filesystem errors are wrapped with %w rather than replaced.
var (
	// ErrNotFound is returned when a key is not found. It is not a
	// failure -- it is the expected absent result from Get.
	ErrNotFound = errors.New("key not found")

	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("database is closed")

	// ErrDBAlreadyOpen is returned when the data directory's LOCK file
	// is already held by another process.
	ErrDBAlreadyOpen = errors.New("database is already open by another process")

	// ErrClosed is returned when operating on a closed resource
	// (reader, cache, WAL) other than the top-level database.
	ErrClosed = errors.New("resource is closed")

	// ErrInvalidKey is returned for an empty key (InvalidArgument).
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned for an oversized value (InvalidArgument).
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidRange is returned for a reversed scan range (InvalidArgument).
	ErrInvalidRange = errors.New("invalid range")

	// ErrCorruption is returned when WAL, SSTable, or manifest data
	// fails to decode or fails a checksum (CorruptError).
	ErrCorruption = keys.ErrCorruption

	// ErrCorruptBlock re-exports the sstable package's corruption
	// sentinel so callers outside sstable can errors.Is against it.
	ErrCorruptBlock = sstable.ErrCorruptBlock

	// ErrIOError is a generic IoError wrapper for filesystem failures
	// that do not already carry a more specific sentinel.
	ErrIOError = errors.New("I/O error")

	// Configuration validation errors, returned by Options.Validate.
	ErrInvalidPath              = errors.New("invalid database path")
	ErrInvalidWriteBufferSize   = errors.New("invalid memtable threshold")
	ErrInvalidMaxLevels         = errors.New("invalid max level")
	ErrInvalidBloomRate         = errors.New("invalid bloom false-positive rate")
	ErrInvalidL0CompactionTrigger = errors.New("invalid L0 compaction trigger")
	ErrInvalidLevelSizeBase     = errors.New("invalid level size base")
	ErrInvalidMaxOpenFiles      = errors.New("invalid max open files")
	ErrInvalidBlockSize         = errors.New("invalid block size")
)
