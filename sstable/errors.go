package sstable

import "errors"

// ErrCorruptBlock is returned when a data block, sparse index, footer,
// or bloom filter file fails to decode or fails its CRC check.
var ErrCorruptBlock = errors.New("sstable: corrupt block")

// ErrKeyOutOfOrder is returned when the writer receives a key that does
// not strictly exceed the previously written key.
var ErrKeyOutOfOrder = errors.New("sstable: keys must be added in strictly ascending order")
