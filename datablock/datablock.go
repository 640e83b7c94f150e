// Package datablock implements the fixed-size block byte-array access of
// §4.9: bounds-enforced reads and writes at an offset within one block.
// It sits directly on top of disk.Block (itself a []byte), the way the
// teacher's buf.Buf addresses sub-block ranges of a disk.Block — here
// specialized to whole-block offset/size pairs rather than bit ranges.
package datablock

import "github.com/ledgerfs/ledgerfs/errs"

// Read returns up to size bytes of block starting at offset, clamped to
// the block's bounds (§4.9: "clamps to block bounds and returns up to size
// bytes").
func Read(block []byte, offset uint64, size uint64) []byte {
	if offset >= uint64(len(block)) {
		return nil
	}
	end := offset + size
	if end > uint64(len(block)) {
		end = uint64(len(block))
	}
	out := make([]byte, end-offset)
	copy(out, block[offset:end])
	return out
}

// Write copies data into block starting at offset, rejecting with
// OutOfBounds when offset+len(data) exceeds the block size (§4.9).
func Write(block []byte, data []byte, offset uint64) error {
	if offset+uint64(len(data)) > uint64(len(block)) {
		return errs.New(errs.Configuration, "write of %d bytes at offset %d exceeds block size %d", len(data), offset, len(block)).WithCode("out_of_bounds")
	}
	copy(block[offset:], data)
	return nil
}

// IsEmpty reports whether every byte of block is zero (§4.9).
func IsEmpty(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}
