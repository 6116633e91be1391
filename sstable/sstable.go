// Package sstable implements the immutable, sorted, block-framed
// on-disk table format: a writer that accepts records in strictly
// ascending key order, a reader that does point lookups via a sparse
// index and an LRU block cache, and a forward iterator for scans.
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"

	"lsmkv/bufferpool"
	"lsmkv/keys"
)

const (
	// BlockSize is the target size, in unframed bytes, of one data block.
	BlockSize = 4 * 1024

	// FooterSize is the fixed size of the trailing footer: a single
	// little-endian u64 holding the sparse index section's offset.
	FooterSize = 8
)

var crc32Table = crc32.MakeTable(0xEDB88320)

// indexEntry is one sparse-index record: the first key of a data
// block and that block's file offset.
type indexEntry struct {
	firstKey keys.EncodedKey
	offset   uint64
}

// SSTableOpts configures a new writer.
type SSTableOpts struct {
	Path      string
	Logger    *slog.Logger
	BlockSize int
}

// SSTableWriter writes one immutable sorted table to disk.
type SSTableWriter struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	logger *slog.Logger

	blockSize int
	dataBlock *BlockBuilder
	index     []indexEntry

	offset     uint64
	numEntries uint64

	smallestKey keys.EncodedKey
	largestKey  keys.EncodedKey
	lastKey     keys.EncodedKey

	blockFirstKey keys.EncodedKey
	blockOffset   uint64

	closed bool
}

// NewSSTableWriter creates a writer for a new table at opts.Path.
func NewSSTableWriter(opts SSTableOpts) (*SSTableWriter, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = BlockSize
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, err
	}
	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}
	return &SSTableWriter{
		file:      file,
		writer:    bufio.NewWriter(file),
		path:      opts.Path,
		logger:    opts.Logger,
		blockSize: opts.BlockSize,
		dataBlock: NewBlockBuilder(),
	}, nil
}

// Add appends one record. key must strictly exceed the previously
// added key (internal-key order, which is user-key ascending then
// sequence descending).
func (w *SSTableWriter) Add(key keys.EncodedKey, value []byte, tombstone bool) error {
	if w.closed {
		return fmt.Errorf("sstable writer is closed")
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrKeyOutOfOrder)
	}
	if w.lastKey != nil && key.Compare(w.lastKey) <= 0 {
		return ErrKeyOutOfOrder
	}

	if w.numEntries == 0 {
		w.smallestKey = cloneKey(key)
	}
	w.largestKey = cloneKey(key)
	w.lastKey = w.largestKey

	if w.dataBlock.IsEmpty() {
		w.blockFirstKey = cloneKey(key)
		w.blockOffset = w.offset
	}

	w.dataBlock.Add(key, value, tombstone)
	w.numEntries++

	if w.dataBlock.Size() >= w.blockSize {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
	}
	return nil
}

func cloneKey(k keys.EncodedKey) keys.EncodedKey {
	c := make(keys.EncodedKey, len(k))
	copy(c, k)
	return c
}

// flushDataBlock frames and writes the current block:
// [u64 block_len][block bytes][u32 crc32(block bytes)].
func (w *SSTableWriter) flushDataBlock() error {
	if w.dataBlock.IsEmpty() {
		return nil
	}
	block := w.dataBlock.Finish()

	if err := w.writeFramedBlock(block); err != nil {
		return err
	}

	w.index = append(w.index, indexEntry{firstKey: w.blockFirstKey, offset: w.blockOffset})
	w.dataBlock.Reset()
	return nil
}

func (w *SSTableWriter) writeFramedBlock(block []byte) (err error) {
	header := bufferpool.GetBuffer(8)
	defer bufferpool.PutBuffer(header)
	binary.LittleEndian.PutUint64(header, uint64(len(block)))
	if _, err = w.writer.Write(header); err != nil {
		return err
	}
	if _, err = w.writer.Write(block); err != nil {
		return err
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.Checksum(block, crc32Table))
	if _, err = w.writer.Write(crcBuf[:]); err != nil {
		return err
	}
	w.offset += 8 + uint64(len(block)) + 4
	return nil
}

// Finish flushes the final partial block, writes the sparse index and
// footer, fsyncs, and closes the file.
func (w *SSTableWriter) Finish() error {
	if w.closed {
		return nil
	}
	if err := w.flushDataBlock(); err != nil {
		return err
	}

	indexOffset := w.offset
	for _, e := range w.index {
		var kl [8]byte
		binary.LittleEndian.PutUint64(kl[:], uint64(len(e.firstKey)))
		if _, err := w.writer.Write(kl[:]); err != nil {
			return err
		}
		if _, err := w.writer.Write(e.firstKey); err != nil {
			return err
		}
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], e.offset)
		if _, err := w.writer.Write(off[:]); err != nil {
			return err
		}
		w.offset += 8 + uint64(len(e.firstKey)) + 8
	}

	var footer [FooterSize]byte
	binary.LittleEndian.PutUint64(footer[:], indexOffset)
	if _, err := w.writer.Write(footer[:]); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// Abort discards a partially written table without finalizing it.
func (w *SSTableWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.file.Close()
	return os.Remove(w.path)
}

// EstimatedSize returns a lower bound on the eventual file size.
func (w *SSTableWriter) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.Size())
}

// NumEntries returns the number of records added so far.
func (w *SSTableWriter) NumEntries() uint64 { return w.numEntries }

// SmallestKey returns the first key added.
func (w *SSTableWriter) SmallestKey() keys.EncodedKey { return w.smallestKey }

// LargestKey returns the last key added.
func (w *SSTableWriter) LargestKey() keys.EncodedKey { return w.largestKey }

// Path returns the table's file path.
func (w *SSTableWriter) Path() string { return w.path }
