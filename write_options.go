package lsmkv

// WriteOptions controls the behavior of write operations.
type WriteOptions struct {
	// Sync determines whether the operation waits for the WAL record
	// to be fsynced before returning. If false, the write returns once
	// it has reached the memtable and the WAL's in-memory buffer; a
	// crash before the WAL's next sync can lose it.
	Sync bool
}

// DefaultWriteOptions returns the default write options: sync on
// every write, for safety.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{Sync: true}
}

// Predefined WriteOptions for the common cases.
var (
	// Sync forces fsync on every write.
	Sync = &WriteOptions{Sync: true}

	// NoSync returns as soon as the write reaches the WAL buffer.
	NoSync = &WriteOptions{Sync: false}
)

// ReadOptions controls the behavior of read operations.
type ReadOptions struct {
	// NoBlockCache skips populating the block cache for blocks read by
	// this operation. Useful for large one-off scans that would
	// otherwise evict hot blocks.
	NoBlockCache bool
}

// DefaultReadOptions returns the default read options.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{}
}
