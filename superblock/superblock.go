// Package superblock implements the fixed-size header at block 0 of the
// device image (§3, §4.1): geometry, counters, and the checksum that
// covers the rest of the record.
package superblock

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/util"
)

// RecordSize is the fixed, unpadded byte length of a serialized
// Superblock; the caller pads to BlockSize when writing block 0.
const RecordSize = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 8 + 8 + 4

// Superblock is the in-memory mirror of the on-disk header (§3). Its
// counters are a summary of the allocator and inode table and must equal
// their ground truth after every commit (§4.1).
type Superblock struct {
	mu sync.Mutex

	Magic       uint32
	Version     uint32
	BlockSize   uint32
	TotalBlocks uint64
	InodeCount  uint64
	FreeBlocks  uint64
	FreeInodes  uint64
	RootInode   common.Inum
	LastMount   time.Time
	LastWrite   time.Time
	Checksum    uint32
}

// Initialize sets magic, geometry, counters, and mount/write times for a
// freshly formatted image (§4.1).
func Initialize(totalBlocks uint64, blockSize uint32) (*Superblock, error) {
	if blockSize < common.MinBlockSize || blockSize > common.MaxBlockSize || blockSize&(blockSize-1) != 0 {
		return nil, errs.New(errs.Configuration, "block size %d must be a power of two in [%d,%d]", blockSize, common.MinBlockSize, common.MaxBlockSize)
	}
	if totalBlocks < common.MinTotalBlocks {
		return nil, errs.New(errs.Configuration, "total_blocks %d must be >= %d", totalBlocks, common.MinTotalBlocks)
	}
	now := time.Now()
	sb := &Superblock{
		Magic:       common.SuperblockMagic,
		Version:     1,
		BlockSize:   blockSize,
		TotalBlocks: totalBlocks,
		InodeCount:  totalBlocks / 4,
		FreeBlocks:  totalBlocks,
		FreeInodes:  totalBlocks / 4,
		RootInode:   common.RootInum,
		LastMount:   now,
		LastWrite:   now,
	}
	sb.recomputeChecksum()
	return sb, nil
}

func (sb *Superblock) recomputeChecksum() {
	sb.Checksum = 0
	sb.Checksum = util.Checksum(sb.serializeLocked())
}

// Validate checks the field-range invariants of §3 plus the checksum.
func (sb *Superblock) Validate() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.Magic != common.SuperblockMagic {
		return errs.New(errs.Corrupted, "bad superblock magic 0x%08X", sb.Magic)
	}
	if sb.Version < 1 {
		return errs.New(errs.Corrupted, "bad superblock version %d", sb.Version)
	}
	if sb.BlockSize < common.MinBlockSize || sb.BlockSize > common.MaxBlockSize || sb.BlockSize&(sb.BlockSize-1) != 0 {
		return errs.New(errs.Corrupted, "bad superblock block size %d", sb.BlockSize)
	}
	if sb.TotalBlocks < common.MinTotalBlocks {
		return errs.New(errs.Corrupted, "bad superblock total_blocks %d", sb.TotalBlocks)
	}
	if sb.FreeBlocks > sb.TotalBlocks {
		return errs.New(errs.Corrupted, "free_blocks %d exceeds total_blocks %d", sb.FreeBlocks, sb.TotalBlocks)
	}
	if sb.FreeInodes > sb.InodeCount {
		return errs.New(errs.Corrupted, "free_inodes %d exceeds inode_count %d", sb.FreeInodes, sb.InodeCount)
	}
	if sb.RootInode != common.RootInum {
		return errs.New(errs.Corrupted, "root_inode is %d, want %d", sb.RootInode, common.RootInum)
	}
	want := sb.Checksum
	got := util.Checksum(sb.serializeWithChecksumZeroedLocked())
	if got != want {
		return errs.New(errs.Corrupted, "superblock checksum mismatch: have 0x%08X, want 0x%08X", got, want)
	}
	return nil
}

// AllocateBlock decrements free_blocks, bumping last_write_time and the
// checksum. Callers must hold the facade's write lock (§4.1).
func (sb *Superblock) AllocateBlock() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.FreeBlocks == 0 {
		return errs.New(errs.NoSpace, "no free blocks")
	}
	sb.FreeBlocks--
	sb.touchLocked()
	return nil
}

// DeallocateBlock increments free_blocks.
func (sb *Superblock) DeallocateBlock() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.FreeBlocks >= sb.TotalBlocks {
		return errs.New(errs.Corrupted, "free_blocks already at total_blocks")
	}
	sb.FreeBlocks++
	sb.touchLocked()
	return nil
}

// AllocateInode decrements free_inodes.
func (sb *Superblock) AllocateInode() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.FreeInodes == 0 {
		return errs.New(errs.NoSpace, "no free inodes")
	}
	sb.FreeInodes--
	sb.touchLocked()
	return nil
}

// DeallocateInode increments free_inodes.
func (sb *Superblock) DeallocateInode() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.FreeInodes >= sb.InodeCount {
		return errs.New(errs.Corrupted, "free_inodes already at inode_count")
	}
	sb.FreeInodes++
	sb.touchLocked()
	return nil
}

func (sb *Superblock) touchLocked() {
	sb.LastWrite = time.Now()
	sb.Checksum = 0
	sb.Checksum = util.Checksum(sb.serializeLocked())
}

// SetCounters overwrites free_blocks/free_inodes directly, used by
// recovery and repair once the authoritative bitmap/table state is known
// (§4.7, §4.8).
func (sb *Superblock) SetCounters(freeBlocks, freeInodes uint64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.FreeBlocks = freeBlocks
	sb.FreeInodes = freeInodes
	sb.touchLocked()
}

// TouchMount stamps last_mount_time to now.
func (sb *Superblock) TouchMount() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.LastMount = time.Now()
	sb.touchLocked()
}

// Snapshot returns a copy of the counters/geometry safe to read without
// holding sb's lock afterward.
type Snapshot struct {
	TotalBlocks uint64
	InodeCount  uint64
	FreeBlocks  uint64
	FreeInodes  uint64
	BlockSize   uint32
	RootInode   common.Inum
}

func (sb *Superblock) Snapshot() Snapshot {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return Snapshot{
		TotalBlocks: sb.TotalBlocks,
		InodeCount:  sb.InodeCount,
		FreeBlocks:  sb.FreeBlocks,
		FreeInodes:  sb.FreeInodes,
		BlockSize:   sb.BlockSize,
		RootInode:   sb.RootInode,
	}
}

// Serialize writes the fixed-size record, little-endian (§6).
func (sb *Superblock) Serialize() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.serializeLocked()
}

func (sb *Superblock) serializeLocked() []byte {
	buf := make([]byte, RecordSize)
	putRecord(buf, sb)
	return buf
}

func (sb *Superblock) serializeWithChecksumZeroedLocked() []byte {
	buf := sb.serializeLocked()
	binary.LittleEndian.PutUint32(buf[RecordSize-4:], 0)
	return buf
}

func putRecord(buf []byte, sb *Superblock) {
	le := binary.LittleEndian
	off := 0
	le.PutUint32(buf[off:], sb.Magic)
	off += 4
	le.PutUint32(buf[off:], sb.Version)
	off += 4
	le.PutUint32(buf[off:], sb.BlockSize)
	off += 4
	le.PutUint64(buf[off:], sb.TotalBlocks)
	off += 8
	le.PutUint64(buf[off:], sb.InodeCount)
	off += 8
	le.PutUint64(buf[off:], sb.FreeBlocks)
	off += 8
	le.PutUint64(buf[off:], sb.FreeInodes)
	off += 8
	le.PutUint32(buf[off:], uint32(sb.RootInode))
	off += 4
	le.PutUint64(buf[off:], uint64(sb.LastMount.Unix()))
	off += 8
	le.PutUint64(buf[off:], uint64(sb.LastWrite.Unix()))
	off += 8
	le.PutUint32(buf[off:], sb.Checksum)
}

// Deserialize reads the fixed-size record from data (which may be a full
// block; only the first RecordSize bytes are consulted).
func Deserialize(data []byte) (*Superblock, error) {
	if len(data) < RecordSize {
		return nil, errs.New(errs.Corrupted, "superblock record truncated: have %d bytes, want %d", len(data), RecordSize)
	}
	le := binary.LittleEndian
	off := 0
	sb := &Superblock{}
	sb.Magic = le.Uint32(data[off:])
	off += 4
	sb.Version = le.Uint32(data[off:])
	off += 4
	sb.BlockSize = le.Uint32(data[off:])
	off += 4
	sb.TotalBlocks = le.Uint64(data[off:])
	off += 8
	sb.InodeCount = le.Uint64(data[off:])
	off += 8
	sb.FreeBlocks = le.Uint64(data[off:])
	off += 8
	sb.FreeInodes = le.Uint64(data[off:])
	off += 8
	sb.RootInode = common.Inum(le.Uint32(data[off:]))
	off += 4
	sb.LastMount = time.Unix(int64(le.Uint64(data[off:])), 0)
	off += 8
	sb.LastWrite = time.Unix(int64(le.Uint64(data[off:])), 0)
	off += 8
	sb.Checksum = le.Uint32(data[off:])
	return sb, nil
}
