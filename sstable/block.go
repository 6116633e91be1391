package sstable

import (
	"encoding/binary"

	"lsmkv/keys"
)

// tombstoneSentinel marks a record's value as absent in a data block:
// a value_len field equal to this sentinel means "no value bytes
// follow" rather than "zero-length value". An empty live value is
// valid and represented with value_len = 0 (Kind disambiguates it from
// a delete at the MemTable/WAL layer; at this layer the absence of
// value bytes is the only signal, so the sentinel exists precisely to
// avoid colliding with value_len = 0).
const tombstoneSentinel = ^uint64(0)

// BlockBuilder accumulates records for one data block in the exact
// on-disk record framing: [u64 key_len][key][u64 value_len][value?].
// There is no prefix compression or restart-point indexing -- the
// format is the literal, simple layout described for this engine's
// on-disk tables.
type BlockBuilder struct {
	buffer     []byte
	numEntries int
}

// NewBlockBuilder creates an empty block builder.
func NewBlockBuilder() *BlockBuilder {
	return &BlockBuilder{buffer: make([]byte, 0, BlockSize)}
}

// Add appends one record. key is an encoded internal key; tombstone
// true writes a tombstone record and value is then ignored.
func (b *BlockBuilder) Add(key keys.EncodedKey, value []byte, tombstone bool) {
	var kl [8]byte
	binary.LittleEndian.PutUint64(kl[:], uint64(len(key)))
	b.buffer = append(b.buffer, kl[:]...)
	b.buffer = append(b.buffer, key...)

	var vl [8]byte
	if tombstone {
		binary.LittleEndian.PutUint64(vl[:], tombstoneSentinel)
		b.buffer = append(b.buffer, vl[:]...)
	} else {
		binary.LittleEndian.PutUint64(vl[:], uint64(len(value)))
		b.buffer = append(b.buffer, vl[:]...)
		b.buffer = append(b.buffer, value...)
	}
	b.numEntries++
}

// Finish returns the raw (unframed) block bytes. The caller is
// responsible for the outer [u64 block_len][block][u32 crc32] framing.
func (b *BlockBuilder) Finish() []byte {
	return b.buffer
}

// Reset clears the builder for reuse.
func (b *BlockBuilder) Reset() {
	b.buffer = b.buffer[:0]
	b.numEntries = 0
}

// Size returns the current unframed size of the block.
func (b *BlockBuilder) Size() int {
	return len(b.buffer)
}

// NumEntries returns the number of records added so far.
func (b *BlockBuilder) NumEntries() int {
	return b.numEntries
}

// IsEmpty reports whether no records have been added.
func (b *BlockBuilder) IsEmpty() bool {
	return b.numEntries == 0
}

// blockRecord is one decoded record from a data block.
type blockRecord struct {
	key       keys.EncodedKey
	value     []byte
	tombstone bool
}

// decodeBlock parses every record out of raw (unframed) block bytes,
// in file order. It is used by the reader for full in-block linear
// scans (point lookup and forward iteration alike).
func decodeBlock(block []byte) ([]blockRecord, error) {
	var records []blockRecord
	off := 0
	for off < len(block) {
		if off+8 > len(block) {
			return nil, ErrCorruptBlock
		}
		keyLen := binary.LittleEndian.Uint64(block[off:])
		off += 8
		if keyLen == 0 || keyLen > uint64(len(block)-off) {
			return nil, ErrCorruptBlock
		}
		key := keys.EncodedKey(block[off : off+int(keyLen)])
		off += int(keyLen)

		if off+8 > len(block) {
			return nil, ErrCorruptBlock
		}
		valLen := binary.LittleEndian.Uint64(block[off:])
		off += 8

		if valLen == tombstoneSentinel {
			records = append(records, blockRecord{key: key, tombstone: true})
			continue
		}
		if valLen > uint64(len(block)-off) {
			return nil, ErrCorruptBlock
		}
		value := block[off : off+int(valLen)]
		off += int(valLen)
		records = append(records, blockRecord{key: key, value: value})
	}
	return records, nil
}
