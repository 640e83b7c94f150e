// Package inode implements the fixed-size inode record (§3, §4.4) and the
// fixed-size table of inode slots it lives in (§4.3).
package inode

import (
	"encoding/binary"
	"time"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/util"
)

// Size is the fixed on-disk and in-memory size of one inode record.
const Size = common.InodeSize

// Pointers is the fixed-size record's block-pointer tree (§4.5): 12
// direct pointers plus one single/double/triple indirect pointer.
type Pointers struct {
	Direct          [common.DirectPointers]common.Bnum
	SingleIndirect  common.Bnum
	DoubleIndirect  common.Bnum
	TripleIndirect  common.Bnum
}

// Inode is the fixed-size record of §3, identical in memory and on disk.
type Inode struct {
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint64
	Blocks  uint64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Pointers

	ReplicationCount uint32
	LinkCount        uint32
	Checksum         uint32
}

// Init sets type bits + permissions, zeroes block pointers, stamps all
// three times to now, and sets link_count=1, replication_count=1 (§4.4).
func (in *Inode) Init(mode uint32, uid, gid uint32) {
	now := time.Now()
	*in = Inode{
		Mode:             mode,
		UID:              uid,
		GID:              gid,
		Atime:            now,
		Mtime:            now,
		Ctime:            now,
		ReplicationCount: 1,
		LinkCount:        1,
	}
	in.recomputeChecksum()
}

// IsAllocated reports whether this slot holds a live inode.
func (in *Inode) IsAllocated() bool {
	return in.Mode != 0
}

// IsRegular, IsDirectory, IsSymlink derive from mode & type_mask (§4.4).
func (in *Inode) IsRegular() bool   { return in.Mode&common.ModeTypeMask == common.ModeRegular }
func (in *Inode) IsDirectory() bool { return in.Mode&common.ModeTypeMask == common.ModeDirectory }
func (in *Inode) IsSymlink() bool   { return in.Mode&common.ModeTypeMask == common.ModeSymlink }

// Permissions returns the low 9 permission bits.
func (in *Inode) Permissions() uint32 {
	return in.Mode & common.ModePermMask
}

// Touch updates the given timestamp field(s) to now and recomputes the
// checksum; atime/mtime/ctime are updated independently per operation
// (read updates atime only, write updates mtime+ctime, chmod/chown update
// ctime only — §4.8).
func (in *Inode) touch(atime, mtime, ctime bool) {
	now := time.Now()
	if atime {
		in.Atime = now
	}
	if mtime {
		in.Mtime = now
	}
	if ctime {
		in.Ctime = now
	}
	in.recomputeChecksum()
}

func (in *Inode) TouchAtime()        { in.touch(true, false, false) }
func (in *Inode) TouchMtimeCtime()   { in.touch(false, true, true) }
func (in *Inode) TouchCtime()        { in.touch(false, false, true) }

func (in *Inode) recomputeChecksum() {
	in.Checksum = 0
	in.Checksum = util.Checksum(in.serialize())
}

// RecomputeChecksum exposes recomputeChecksum to callers (fs package) that
// mutate pointer/size fields directly and must finalize the record before
// writing it back.
func (in *Inode) RecomputeChecksum() {
	in.recomputeChecksum()
}

// Validate checks §4.4's invariants on an allocated record (mode != 0):
// link_count >= 1, all three timestamps not in the future, and checksum
// match. An unallocated record (mode == 0) passes. It does not check
// pointer-tree/bitmap consistency — that is fs.Check's job, since it needs
// the allocator's state too.
func (in *Inode) Validate() error {
	if !in.IsAllocated() {
		return nil // an unallocated slot has nothing to validate
	}
	if in.LinkCount < 1 {
		return errs.New(errs.Corrupted, "inode has link_count %d, want >= 1", in.LinkCount)
	}
	now := time.Now()
	if in.Atime.After(now) || in.Mtime.After(now) || in.Ctime.After(now) {
		return errs.New(errs.Corrupted, "inode has a timestamp in the future")
	}
	want := in.Checksum
	got := util.Checksum(in.serializeWithChecksumZeroed())
	if got != want {
		return errs.New(errs.Corrupted, "inode checksum mismatch: have 0x%08X, want 0x%08X", got, want)
	}
	return nil
}

func (in *Inode) serialize() []byte {
	buf := make([]byte, Size)
	le := binary.LittleEndian
	off := 0
	le.PutUint32(buf[off:], in.Mode)
	off += 4
	le.PutUint32(buf[off:], in.UID)
	off += 4
	le.PutUint32(buf[off:], in.GID)
	off += 4
	le.PutUint64(buf[off:], in.Size)
	off += 8
	le.PutUint64(buf[off:], in.Blocks)
	off += 8
	le.PutUint64(buf[off:], uint64(in.Atime.Unix()))
	off += 8
	le.PutUint64(buf[off:], uint64(in.Mtime.Unix()))
	off += 8
	le.PutUint64(buf[off:], uint64(in.Ctime.Unix()))
	off += 8
	for _, d := range in.Direct {
		le.PutUint32(buf[off:], uint32(d))
		off += 4
	}
	le.PutUint32(buf[off:], uint32(in.SingleIndirect))
	off += 4
	le.PutUint32(buf[off:], uint32(in.DoubleIndirect))
	off += 4
	le.PutUint32(buf[off:], uint32(in.TripleIndirect))
	off += 4
	le.PutUint32(buf[off:], in.ReplicationCount)
	off += 4
	le.PutUint32(buf[off:], in.LinkCount)
	off += 4
	le.PutUint32(buf[off:], in.Checksum)
	off += 4
	// remaining bytes are reserved padding, left zero.
	return buf
}

func (in *Inode) serializeWithChecksumZeroed() []byte {
	buf := in.serialize()
	// checksum sits right before the reserved padding; see Serialize's
	// field order.
	binary.LittleEndian.PutUint32(buf[checksumOffset:], 0)
	return buf
}

// checksumOffset is the fixed byte offset of the checksum field in a
// serialized inode record, matching the field order in serialize().
const checksumOffset = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + common.DirectPointers*4 + 4 + 4 + 4 + 4 + 4

// Serialize writes the fixed-size record, little-endian.
func (in *Inode) Serialize() []byte {
	return in.serialize()
}

// Deserialize reads a fixed-size inode record.
func Deserialize(data []byte) (*Inode, error) {
	if len(data) < Size {
		return nil, errs.New(errs.Corrupted, "inode record truncated: have %d bytes, want %d", len(data), Size)
	}
	in := &Inode{}
	le := binary.LittleEndian
	off := 0
	in.Mode = le.Uint32(data[off:])
	off += 4
	in.UID = le.Uint32(data[off:])
	off += 4
	in.GID = le.Uint32(data[off:])
	off += 4
	in.Size = le.Uint64(data[off:])
	off += 8
	in.Blocks = le.Uint64(data[off:])
	off += 8
	in.Atime = time.Unix(int64(le.Uint64(data[off:])), 0)
	off += 8
	in.Mtime = time.Unix(int64(le.Uint64(data[off:])), 0)
	off += 8
	in.Ctime = time.Unix(int64(le.Uint64(data[off:])), 0)
	off += 8
	for i := range in.Direct {
		in.Direct[i] = common.Bnum(le.Uint32(data[off:]))
		off += 4
	}
	in.SingleIndirect = common.Bnum(le.Uint32(data[off:]))
	off += 4
	in.DoubleIndirect = common.Bnum(le.Uint32(data[off:]))
	off += 4
	in.TripleIndirect = common.Bnum(le.Uint32(data[off:]))
	off += 4
	in.ReplicationCount = le.Uint32(data[off:])
	off += 4
	in.LinkCount = le.Uint32(data[off:])
	off += 4
	in.Checksum = le.Uint32(data[off:])
	return in, nil
}
