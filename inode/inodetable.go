package inode

import (
	"sync"

	"github.com/ledgerfs/ledgerfs/bitmap"
	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/util"
)

// Table is the fixed-size array of inode slots plus the free-bitmap that
// tracks which slots are allocated (§4.3). Slot 0 is permanently used (it
// is never a valid inode number); slot 1 is reserved for the root
// directory at format time.
type Table struct {
	mu    sync.RWMutex
	slots []Inode
	alloc *bitmap.Allocator
	log   util.Logger
}

// Format builds a fresh table of n slots and initializes the root
// directory at inode 1 (§4.3, §4.8's format operation).
func Format(n uint64, log util.Logger) (*Table, error) {
	if n == 0 {
		return nil, errs.New(errs.Configuration, "inode table must have at least one slot")
	}
	if log == nil {
		log = util.NewDiscardLogger()
	}
	bm := bitmap.New(n)
	alloc := bitmap.NewAllocator(bm, log) // marks bit 0 used
	t := &Table{
		slots: make([]Inode, n),
		alloc: alloc,
		log:   log,
	}
	if err := t.alloc.Bitmap().MarkUsed(uint64(common.RootInum)); err != nil {
		return nil, err
	}
	t.slots[common.RootInum].Init(common.DefaultDirMode, 0, 0)
	return t, nil
}

// newTable wraps an existing bitmap and slot array, used by DeserializeTable.
func newTable(slots []Inode, alloc *bitmap.Allocator, log util.Logger) *Table {
	return &Table{slots: slots, alloc: alloc, log: log}
}

// Len reports the number of slots.
func (t *Table) Len() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.slots))
}

func (t *Table) checkRange(inum common.Inum) error {
	if uint64(inum) >= uint64(len(t.slots)) {
		return errs.New(errs.NotFound, "inode number %d out of range [0,%d)", inum, len(t.slots)).WithContext("inode_table")
	}
	return nil
}

// Allocate reserves a free slot, initializes it, and returns its inode
// number together with a pointer to the live record (§4.3). Callers must
// hold the per-inode lock for the returned number before mutating it
// further, and the table's own mutex only protects the slot array and
// bitmap themselves.
func (t *Table) Allocate(mode, uid, gid uint32) (common.Inum, *Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, err := t.lowestFreeLocked()
	if err != nil {
		return common.NullInum, nil, err
	}
	if err := t.alloc.MarkUsed(i); err != nil {
		return common.NullInum, nil, err
	}
	inum := common.Inum(i)
	t.slots[inum].Init(mode, uid, gid)
	return inum, &t.slots[inum], nil
}

// lowestFreeLocked scans for the lowest free slot index greater than the
// root inode (§4.3: "the lowest free index > 1"). Unlike the block
// allocator's rotating cursor — appropriate for spreading writes across a
// device — §4.3 specifies lowest-free for inode numbers, so Allocate scans
// from the front rather than delegating to bitmap.Allocator.AllocateOne.
// Requires t.mu to already be held.
func (t *Table) lowestFreeLocked() (uint64, error) {
	n := uint64(len(t.slots))
	for i := uint64(common.RootInum) + 1; i < n; i++ {
		free, err := t.alloc.Bitmap().IsFree(i)
		if err != nil {
			return 0, err
		}
		if free {
			return i, nil
		}
	}
	return 0, errs.New(errs.NoSpace, "no free inode slots available").WithCode("inode_table")
}

// Free clears the slot at inum and releases its bit. Freeing inode 0 or an
// already-free slot is rejected (§4.3).
func (t *Table) Free(inum common.Inum) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inum == common.NullInum {
		return errs.New(errs.PermissionDenied, "inode 0 cannot be freed")
	}
	if err := t.checkRange(inum); err != nil {
		return err
	}
	free, err := t.alloc.Bitmap().IsFree(uint64(inum))
	if err != nil {
		return err
	}
	if free {
		return errs.New(errs.NotFound, "inode %d is already free", inum)
	}
	t.slots[inum] = Inode{}
	return t.alloc.Free(uint64(inum))
}

// Install overwrites the slot at inum with rec and marks its bitmap bit
// used, idempotently. WAL replay uses this for both genuine creation and
// in-place record updates (§4.7): redo-replay only needs the final
// on-disk state, not a create/update distinction.
func (t *Table) Install(inum common.Inum, rec *Inode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkRange(inum); err != nil {
		return err
	}
	if err := t.alloc.Bitmap().MarkUsed(uint64(inum)); err != nil {
		return err
	}
	t.slots[inum] = *rec
	return nil
}

// Get returns a pointer to the live record for inum. The pointer remains
// valid for the table's lifetime; the caller is responsible for
// synchronizing concurrent access through the per-inode lock registry.
func (t *Table) Get(inum common.Inum) (*Inode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if inum == common.NullInum {
		return nil, errs.New(errs.NotFound, "inode 0 is not a valid inode number")
	}
	if err := t.checkRange(inum); err != nil {
		return nil, err
	}
	free, err := t.alloc.Bitmap().IsFree(uint64(inum))
	if err != nil {
		return nil, err
	}
	if free {
		return nil, errs.New(errs.NotFound, "inode %d is not allocated", inum)
	}
	return &t.slots[inum], nil
}

// Stats summarizes the table's allocator.
func (t *Table) Stats() bitmap.Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alloc.Stats()
}

// Validate checks every allocated slot's own invariants and that the
// bitmap's used bits agree with which slots are non-zero (§4.3, §8).
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.alloc.Validate(uint64(len(t.slots))); err != nil {
		return err
	}
	for i := range t.slots {
		inum := common.Inum(i)
		free, err := t.alloc.Bitmap().IsFree(uint64(inum))
		if err != nil {
			return err
		}
		allocated := t.slots[i].IsAllocated()
		if free && allocated {
			return errs.New(errs.Corrupted, "inode %d marked free but slot is non-empty", inum)
		}
		if !free && !allocated && inum != common.NullInum {
			return errs.New(errs.Corrupted, "inode %d marked used but slot is empty", inum)
		}
		if allocated {
			if err := t.slots[i].Validate(); err != nil {
				return errs.New(errs.Corrupted, "inode %d: %s", inum, err).WithContext("inode_table")
			}
		}
	}
	return nil
}

// SerializeRecords concatenates every slot's fixed-size record, in inode
// number order, for the inode-table region of the device image (§6).
func (t *Table) SerializeRecords() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	buf := make([]byte, 0, len(t.slots)*Size)
	for i := range t.slots {
		buf = append(buf, t.slots[i].Serialize()...)
	}
	return buf
}

// SerializeBitmap returns the packed free-bitmap bytes for the inode
// free-bitmap region of the device image (§6).
func (t *Table) SerializeBitmap() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alloc.Bitmap().Bytes()
}

// DeserializeTable rebuilds a Table from its two on-disk regions.
func DeserializeTable(records []byte, bitmapData []byte, n uint64, log util.Logger) (*Table, error) {
	if uint64(len(records)) != n*Size {
		return nil, errs.New(errs.Corrupted, "inode table region is %d bytes, want %d for %d slots", len(records), n*Size, n)
	}
	slots := make([]Inode, n)
	for i := uint64(0); i < n; i++ {
		in, err := Deserialize(records[i*Size : (i+1)*Size])
		if err != nil {
			return nil, err
		}
		slots[i] = *in
	}
	bm, err := bitmap.Load(bitmapData, n)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = util.NewDiscardLogger()
	}
	alloc := bitmap.NewAllocator(bm, log)
	return newTable(slots, alloc, log), nil
}
