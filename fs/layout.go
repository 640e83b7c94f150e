package fs

import (
	"github.com/ledgerfs/ledgerfs/inode"
	"github.com/ledgerfs/ledgerfs/util"
)

// layout is the chosen, frozen-from-format on-disk arrangement of §6 and
// SPEC_FULL.md's Open Question 1: superblock (block 0) -> inode table ->
// inode free-bitmap -> block free-bitmap -> data blocks, each region
// rounded up to a whole number of blocks. The block allocator's bitmap
// addresses every block in the image, metadata included, so the metadata
// region is simply marked used at format time and the allocator never
// hands its blocks out (§3: "Bitmap... one per block").
type layout struct {
	blockSize   uint32
	totalBlocks uint64
	inodeCount  uint64

	inodeTableBlocks uint64
	inodeBitmapBlocks uint64
	blockBitmapBlocks uint64

	// Absolute block numbers where each region begins.
	inodeTableStart uint64
	inodeBitmapStart uint64
	blockBitmapStart uint64
	dataStart        uint64
}

func computeLayout(blockSize uint32, totalBlocks uint64, inodeCount uint64) layout {
	bs := uint64(blockSize)
	inodeTableBytes := inodeCount * uint64(inode.Size)
	inodeBitmapBytes := util.RoundUp(inodeCount, 8)
	blockBitmapBytes := util.RoundUp(totalBlocks, 8)

	l := layout{
		blockSize:        blockSize,
		totalBlocks:      totalBlocks,
		inodeCount:       inodeCount,
		inodeTableBlocks: util.RoundUp(inodeTableBytes, bs),
		inodeBitmapBlocks: util.RoundUp(inodeBitmapBytes, bs),
		blockBitmapBlocks: util.RoundUp(blockBitmapBytes, bs),
	}
	l.inodeTableStart = 1 // block 0 is the superblock
	l.inodeBitmapStart = l.inodeTableStart + l.inodeTableBlocks
	l.blockBitmapStart = l.inodeBitmapStart + l.inodeBitmapBlocks
	l.dataStart = l.blockBitmapStart + l.blockBitmapBlocks
	return l
}

// metadataBlocks is the count of blocks [0, dataStart) reserved for the
// superblock and the three metadata regions; every one of these blocks
// must be marked used in the block allocator's bitmap before any data is
// allocated.
func (l layout) metadataBlocks() uint64 {
	return l.dataStart
}

// readRegion reads a region of startBlk..startBlk+numBlk-1 and returns the
// first wantBytes of their concatenated content.
func readRegion(d diskReader, startBlk, numBlk uint64, wantBytes uint64) ([]byte, error) {
	buf := make([]byte, 0, numBlk*d.BlockSize())
	for i := uint64(0); i < numBlk; i++ {
		blk, err := d.Read(startBlk + i)
		if err != nil {
			return nil, err
		}
		buf = append(buf, blk...)
	}
	if uint64(len(buf)) > wantBytes {
		buf = buf[:wantBytes]
	}
	return buf, nil
}

// writeRegion writes data to consecutive blocks starting at startBlk,
// zero-padding the final block.
func writeRegion(d diskWriter, startBlk uint64, data []byte) error {
	bs := d.BlockSize()
	for off := uint64(0); off < uint64(len(data)); off += bs {
		end := off + bs
		var blk []byte
		if end <= uint64(len(data)) {
			blk = data[off:end]
		} else {
			blk = make([]byte, bs)
			copy(blk, data[off:])
		}
		if uint64(len(blk)) < bs {
			padded := make([]byte, bs)
			copy(padded, blk)
			blk = padded
		}
		if err := d.Write(startBlk+off/bs, blk); err != nil {
			return err
		}
	}
	return nil
}

type diskReader interface {
	Read(a uint64) ([]byte, error)
	BlockSize() uint64
}

type diskWriter interface {
	Write(a uint64, v []byte) error
	BlockSize() uint64
}
