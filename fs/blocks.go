package fs

import (
	"encoding/binary"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/datablock"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/inode"
	"github.com/ledgerfs/ledgerfs/txn"
	"github.com/ledgerfs/ledgerfs/wal"
)

// pointersPerBlock is P of §4.5: the number of 32-bit block pointers that
// fit in one indirect block.
func (fs *FileSystem) pointersPerBlock() uint64 {
	return uint64(fs.sb.Snapshot().BlockSize) / 4
}

// addressing bounds for the four-tier pointer tree of §4.5.
func (fs *FileSystem) boundaries() (single, double, triple uint64) {
	p := fs.pointersPerBlock()
	single = common.DirectPointers + p
	double = single + p*p
	triple = double + p*p*p
	return
}

// readBlockCached reads blkno through the block cache, bypassing disk I/O
// on a hit (SPEC_FULL.md's blockcache component).
func (fs *FileSystem) readBlockCached(blkno common.Bnum) ([]byte, error) {
	if cached, ok := fs.cache.Get(uint64(blkno)); ok {
		return cached, nil
	}
	blk, err := fs.d.Read(uint64(blkno))
	if err != nil {
		return nil, err
	}
	fs.cache.Put(uint64(blkno), blk)
	return blk, nil
}

// loadPointers decodes an indirect block's P little-endian uint32 block
// pointers. container == 0 (unassigned) reads as an all-zero array,
// representing a sparse region (§4.5).
func (fs *FileSystem) loadPointers(container common.Bnum) ([]common.Bnum, error) {
	p := fs.pointersPerBlock()
	ptrs := make([]common.Bnum, p)
	if container == 0 {
		return ptrs, nil
	}
	blk, err := fs.readBlockCached(container)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < p; i++ {
		ptrs[i] = common.Bnum(binary.LittleEndian.Uint32(blk[i*4:]))
	}
	return ptrs, nil
}

// storePointers encodes ptrs into a block-sized buffer and writes +
// logs it (§4.5: "appends log records for every pointer block...
// touched").
func (fs *FileSystem) storePointers(g *txn.Guard, container common.Bnum, ptrs []common.Bnum) error {
	blk := make([]byte, fs.sb.Snapshot().BlockSize)
	for i, bn := range ptrs {
		binary.LittleEndian.PutUint32(blk[i*4:], uint32(bn))
	}
	if err := fs.d.Write(uint64(container), blk); err != nil {
		return err
	}
	fs.cache.Put(uint64(container), blk)
	return g.Append(&wal.Record{Op: common.OpWriteBlock, BlockNum: container, NewData: blk})
}

// allocCounter lets a single write/append operation track every block
// (pointer or data) it allocates so the inode's Blocks field and the
// superblock's free_blocks counter move together (§4.5, §4.1).
type allocCounter struct {
	fs    *FileSystem
	g     *txn.Guard
	count uint64
}

func (a *allocCounter) alloc() (common.Bnum, error) {
	id, err := a.fs.alloc.AllocateOne()
	if err != nil {
		return 0, err
	}
	if err := a.fs.sb.AllocateBlock(); err != nil {
		a.fs.alloc.Free(id)
		return 0, err
	}
	a.count++
	return common.Bnum(id), nil
}

// readAt returns the data block number that addresses logical block i of
// in, or 0 if that region is unassigned (a sparse read, §4.5).
func (fs *FileSystem) readAt(in *inode.Inode, i uint64) (common.Bnum, error) {
	single, double, triple := fs.boundaries()
	p := fs.pointersPerBlock()
	switch {
	case i < common.DirectPointers:
		return in.Direct[i], nil
	case i < single:
		return fs.readIndirect(in.SingleIndirect, i-common.DirectPointers, 0)
	case i < double:
		return fs.readIndirect(in.DoubleIndirect, i-single, 1)
	case i < triple:
		return fs.readIndirect(in.TripleIndirect, i-double, 2)
	default:
		_ = p
		return 0, errs.New(errs.Configuration, "logical block %d exceeds the maximum addressable size", i)
	}
}

// readIndirect walks depth additional levels of indirection below
// container (0 = container holds leaf data-block pointers directly).
func (fs *FileSystem) readIndirect(container common.Bnum, idx uint64, depth int) (common.Bnum, error) {
	if container == 0 {
		return 0, nil
	}
	ptrs, err := fs.loadPointers(container)
	if err != nil {
		return 0, err
	}
	p := fs.pointersPerBlock()
	if depth == 0 {
		return ptrs[idx], nil
	}
	span := pow(p, uint64(depth))
	outer := idx / span
	rem := idx % span
	return fs.readIndirect(ptrs[outer], rem, depth-1)
}

func pow(base, exp uint64) uint64 {
	r := uint64(1)
	for i := uint64(0); i < exp; i++ {
		r *= base
	}
	return r
}

// ensureAt returns the data block number addressing logical block i of
// in, lazily allocating any unassigned indirect or data block along the
// way (§4.5: "writes lazily allocate indirect and data blocks"). The
// inode's own pointer fields (Direct/SingleIndirect/...) are updated in
// place by this call; the caller is responsible for persisting the
// updated inode record afterward.
func (fs *FileSystem) ensureAt(g *txn.Guard, in *inode.Inode, i uint64, ac *allocCounter) (common.Bnum, error) {
	single, double, triple := fs.boundaries()
	switch {
	case i < common.DirectPointers:
		if in.Direct[i] == 0 {
			bn, err := ac.alloc()
			if err != nil {
				return 0, err
			}
			in.Direct[i] = bn
		}
		return in.Direct[i], nil
	case i < single:
		newContainer, leaf, err := fs.ensureIndirect(g, in.SingleIndirect, i-common.DirectPointers, 0, ac)
		if err != nil {
			return 0, err
		}
		in.SingleIndirect = newContainer
		return leaf, nil
	case i < double:
		newContainer, leaf, err := fs.ensureIndirect(g, in.DoubleIndirect, i-single, 1, ac)
		if err != nil {
			return 0, err
		}
		in.DoubleIndirect = newContainer
		return leaf, nil
	case i < triple:
		newContainer, leaf, err := fs.ensureIndirect(g, in.TripleIndirect, i-double, 2, ac)
		if err != nil {
			return 0, err
		}
		in.TripleIndirect = newContainer
		return leaf, nil
	default:
		return 0, errs.New(errs.Configuration, "logical block %d exceeds the maximum addressable size", i)
	}
}

func (fs *FileSystem) ensureIndirect(g *txn.Guard, container common.Bnum, idx uint64, depth int, ac *allocCounter) (common.Bnum, common.Bnum, error) {
	p := fs.pointersPerBlock()
	allocatedContainer := container == 0
	var ptrs []common.Bnum
	var err error
	if allocatedContainer {
		container, err = ac.alloc()
		if err != nil {
			return 0, 0, err
		}
		ptrs = make([]common.Bnum, p)
	} else {
		ptrs, err = fs.loadPointers(container)
		if err != nil {
			return 0, 0, err
		}
	}

	changed := allocatedContainer
	var leaf common.Bnum
	if depth == 0 {
		if ptrs[idx] == 0 {
			leaf, err = ac.alloc()
			if err != nil {
				return 0, 0, err
			}
			ptrs[idx] = leaf
			changed = true
		} else {
			leaf = ptrs[idx]
		}
	} else {
		span := pow(p, uint64(depth))
		outer := idx / span
		rem := idx % span
		newChild, l, cerr := fs.ensureIndirect(g, ptrs[outer], rem, depth-1, ac)
		if cerr != nil {
			return 0, 0, cerr
		}
		if newChild != ptrs[outer] {
			ptrs[outer] = newChild
			changed = true
		}
		leaf = l
	}

	if changed {
		if err := fs.storePointers(g, container, ptrs); err != nil {
			return 0, 0, err
		}
	}
	return container, leaf, nil
}

// collectReachable returns every block number reachable from in's pointer
// tree, container blocks included, matching what in.Blocks counts (§4.5,
// §8: scenario 6's indirect block is counted alongside the 13 data
// blocks).
func (fs *FileSystem) collectReachable(in *inode.Inode) ([]common.Bnum, error) {
	var out []common.Bnum
	for _, d := range in.Direct {
		if d != 0 {
			out = append(out, d)
		}
	}
	collect := func(container common.Bnum, depth int) error {
		return fs.collectIndirect(container, depth, &out)
	}
	if err := collect(in.SingleIndirect, 0); err != nil {
		return nil, err
	}
	if err := collect(in.DoubleIndirect, 1); err != nil {
		return nil, err
	}
	if err := collect(in.TripleIndirect, 2); err != nil {
		return nil, err
	}
	return out, nil
}

func (fs *FileSystem) collectIndirect(container common.Bnum, depth int, out *[]common.Bnum) error {
	if container == 0 {
		return nil
	}
	*out = append(*out, container)
	ptrs, err := fs.loadPointers(container)
	if err != nil {
		return err
	}
	for _, child := range ptrs {
		if child == 0 {
			continue
		}
		if depth == 0 {
			*out = append(*out, child)
		} else if err := fs.collectIndirect(child, depth-1, out); err != nil {
			return err
		}
	}
	return nil
}

// freeAllReachable frees every block in in's pointer tree, logs an
// OpFreeBlock record for each, zeroes the pointer fields, and resets
// Blocks to 0 (§4.8's delete_file/write_file semantics).
func (fs *FileSystem) freeAllReachable(g *txn.Guard, in *inode.Inode) error {
	blocks, err := fs.collectReachable(in)
	if err != nil {
		return err
	}
	for _, bn := range blocks {
		if err := fs.alloc.Free(uint64(bn)); err != nil {
			return err
		}
		if err := fs.sb.DeallocateBlock(); err != nil {
			return err
		}
		fs.cache.Invalidate(uint64(bn))
		if err := g.Append(&wal.Record{Op: common.OpFreeBlock, BlockNum: bn}); err != nil {
			return err
		}
	}
	in.Direct = [common.DirectPointers]common.Bnum{}
	in.SingleIndirect, in.DoubleIndirect, in.TripleIndirect = 0, 0, 0
	in.Blocks = 0
	return nil
}

// readData assembles in's full byte content across the pointer tree,
// returning zero bytes for any unassigned region (§4.5: "sparse read").
func (fs *FileSystem) readData(in *inode.Inode) ([]byte, error) {
	bs := fs.sb.Snapshot().BlockSize
	out := make([]byte, in.Size)
	numBlocks := util64RoundUp(in.Size, uint64(bs))
	for i := uint64(0); i < numBlocks; i++ {
		bn, err := fs.readAt(in, i)
		if err != nil {
			return nil, err
		}
		start := i * uint64(bs)
		end := start + uint64(bs)
		if end > in.Size {
			end = in.Size
		}
		if bn == 0 {
			continue // sparse: out is already zero there
		}
		blk, err := fs.readBlockCached(bn)
		if err != nil {
			return nil, err
		}
		copy(out[start:end], datablock.Read(blk, 0, end-start))
	}
	return out, nil
}

// writeData replaces in's entire content with data under op's log opcode,
// freeing every previously reachable block first (§4.8's write_file).
func (fs *FileSystem) writeData(g *txn.Guard, in *inode.Inode, data []byte, op common.OpType) error {
	if err := fs.freeAllReachable(g, in); err != nil {
		return err
	}
	in.Size = 0
	return fs.appendBlocks(g, in, 0, data, op)
}

// appendData extends in's content starting at its current Size (§4.8's
// append_file).
func (fs *FileSystem) appendData(g *txn.Guard, in *inode.Inode, data []byte, op common.OpType) error {
	return fs.appendBlocks(g, in, in.Size, data, op)
}

// appendBlocks writes data starting at byte offset startOffset, lazily
// allocating (and logging) every pointer/data block it touches, then
// updates in.Size/Blocks.
func (fs *FileSystem) appendBlocks(g *txn.Guard, in *inode.Inode, startOffset uint64, data []byte, op common.OpType) error {
	if len(data) == 0 {
		if startOffset > in.Size {
			in.Size = startOffset
		}
		return nil
	}
	bs := uint64(fs.sb.Snapshot().BlockSize)
	ac := &allocCounter{fs: fs, g: g}
	endOffset := startOffset + uint64(len(data))

	firstBlock := startOffset / bs
	lastBlock := (endOffset - 1) / bs
	for i := firstBlock; i <= lastBlock; i++ {
		bn, err := fs.ensureAt(g, in, i, ac)
		if err != nil {
			return err
		}
		blockStart := i * bs
		blockEnd := blockStart + bs

		var blk []byte
		if blockStart >= startOffset && blockEnd <= endOffset {
			// Entirely new content: no need to read the old block first.
			blk = make([]byte, bs)
		} else {
			existing, err := fs.readBlockCached(bn)
			if err != nil {
				return err
			}
			blk = make([]byte, bs)
			copy(blk, existing)
		}

		lo := blockStart
		if startOffset > lo {
			lo = startOffset
		}
		hi := blockEnd
		if endOffset < hi {
			hi = endOffset
		}
		if err := datablock.Write(blk, data[lo-startOffset:hi-startOffset], lo-blockStart); err != nil {
			return err
		}
		if err := fs.d.Write(uint64(bn), blk); err != nil {
			return err
		}
		fs.cache.Put(uint64(bn), blk)
		if err := g.Append(&wal.Record{Op: op, BlockNum: bn, NewData: blk}); err != nil {
			return err
		}
	}

	in.Blocks += ac.count
	if endOffset > in.Size {
		in.Size = endOffset
	}
	return nil
}

func util64RoundUp(n, sz uint64) uint64 {
	if sz == 0 {
		return 0
	}
	return (n + sz - 1) / sz
}
