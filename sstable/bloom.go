package sstable

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"os"

	"github.com/bits-and-blooms/bitset"
)

// BloomFilter is a per-file negative-lookup shortcut: a bit array plus
// a two-hash family combined via Kirsch-Mitzenmacher double hashing,
// with no false negatives. Sized for an expected cardinality and a
// target false-positive rate at construction time.
type BloomFilter struct {
	bits *bitset.BitSet
	m    uint64
	k    uint64
}

// NewBloomFilter sizes a filter for n expected keys at false-positive
// rate p.
func NewBloomFilter(n int, p float64) *BloomFilter {
	if n <= 0 {
		n = 1
	}
	m := uint64(math.Round(-(float64(n) * math.Log(p)) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint64(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &BloomFilter{bits: bitset.New(uint(m)), m: m, k: k}
}

// hashes returns the two independent 64-bit seeds used to derive the k
// probe positions, following the teacher's own hash/fnv idiom used
// elsewhere for cache keys.
func hashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	h2 := fnv.New64()
	h2.Write(key)
	return h1.Sum64(), h2.Sum64()
}

// Add sets the k bits derived from key.
func (f *BloomFilter) Add(key []byte) {
	h1, h2 := hashes(key)
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.bits.Set(uint(pos))
	}
}

// Contains returns false only if key is definitely absent; true means
// "probably present, or a false positive at rate p".
func (f *BloomFilter) Contains(key []byte) bool {
	h1, h2 := hashes(key)
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if !f.bits.Test(uint(pos)) {
			return false
		}
	}
	return true
}

// WriteFile persists the filter to path as the literal sibling-file
// format: [u64 m_bits][u64 k_hashes][bit-array bytes].
func (f *BloomFilter) WriteFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], f.m)
	binary.LittleEndian.PutUint64(hdr[8:16], f.k)
	if _, err := file.Write(hdr[:]); err != nil {
		return err
	}

	packed := make([]byte, (f.m+7)/8)
	for i := uint64(0); i < f.m; i++ {
		if f.bits.Test(uint(i)) {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	if _, err := file.Write(packed); err != nil {
		return err
	}
	return file.Sync()
}

// ReadBloomFilter loads a filter previously written by WriteFile. A
// missing or unreadable filter is not fatal to the caller -- callers
// should fall through to a full lookup, per the engine's error
// handling design for filter files.
func ReadBloomFilter(path string) (*BloomFilter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hdr [16]byte
	if _, err := io.ReadFull(file, hdr[:]); err != nil {
		return nil, ErrCorruptBlock
	}
	m := binary.LittleEndian.Uint64(hdr[0:8])
	k := binary.LittleEndian.Uint64(hdr[8:16])

	nbytes := (m + 7) / 8
	buf := make([]byte, nbytes)
	if _, err := io.ReadFull(file, buf); err != nil {
		return nil, ErrCorruptBlock
	}

	bits := bitset.New(uint(m))
	for i := uint64(0); i < m; i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		if buf[byteIdx]&(1<<bitIdx) != 0 {
			bits.Set(uint(i))
		}
	}
	return &BloomFilter{bits: bits, m: m, k: k}, nil
}
