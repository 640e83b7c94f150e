package fs

import (
	"os"
	"sync"
	"time"

	"github.com/ledgerfs/ledgerfs/bitmap"
	"github.com/ledgerfs/ledgerfs/blockcache"
	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/disk"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/inode"
	"github.com/ledgerfs/ledgerfs/inodelock"
	"github.com/ledgerfs/ledgerfs/superblock"
	"github.com/ledgerfs/ledgerfs/txn"
	"github.com/ledgerfs/ledgerfs/util"
	"github.com/ledgerfs/ledgerfs/wal"
)

// FileSystem is the facade of §4.8, owning every other component for the
// mount lifetime (§3's ownership rules).
type FileSystem struct {
	// mountMu is §5's mount lock: readers for the namespace and
	// information operations, writer for Unmount, Check, Repair and
	// Defragment.
	mountMu sync.RWMutex

	devicePath string
	d          disk.Disk
	layout     layout

	sb     *superblock.Superblock
	itbl   *inode.Table
	alloc  *bitmap.Allocator
	mgr    *txn.Manager
	wal    *wal.WAL
	locks  *inodelock.Registry
	cache  *blockcache.Cache
	log    util.Logger

	mounted        bool
	requiresRepair bool
}

// IsMounted reports whether the facade currently has a live device open.
func (fs *FileSystem) IsMounted() bool {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	return fs.mounted
}

// Format initializes a fresh device image at devicePath: superblock,
// bitmap (block 0 and the metadata region used), inode table (0 invalid,
// 1 allocated as the root directory), and an empty WAL file (§4.8).
func Format(devicePath string, totalBlocks uint64, opts Options) error {
	if opts.BlockSize == 0 {
		opts = DefaultOptions()
	}
	log := opts.logger()

	sb, err := superblock.Initialize(totalBlocks, opts.BlockSize)
	if err != nil {
		return err
	}
	lay := computeLayout(opts.BlockSize, totalBlocks, sb.Snapshot().InodeCount)
	if lay.dataStart >= totalBlocks {
		return errs.New(errs.Configuration, "total_blocks %d too small to hold metadata region of %d blocks", totalBlocks, lay.dataStart)
	}

	d, err := disk.NewFileDisk(devicePath, totalBlocks, uint64(opts.BlockSize))
	if err != nil {
		return err
	}
	defer d.Close()

	itbl, err := inode.Format(sb.Snapshot().InodeCount, log)
	if err != nil {
		return err
	}

	bm := bitmap.New(totalBlocks)
	alloc := bitmap.NewAllocator(bm, log) // marks bit 0 used
	for i := uint64(1); i < lay.metadataBlocks(); i++ {
		if err := alloc.Bitmap().MarkUsed(i); err != nil {
			return err
		}
	}
	sb.SetCounters(alloc.Stats().Free, itbl.Stats().Free)

	if err := writeSuperblock(d, sb); err != nil {
		return err
	}
	if err := writeRegion(d, lay.inodeTableStart, itbl.SerializeRecords()); err != nil {
		return err
	}
	if err := writeRegion(d, lay.inodeBitmapStart, itbl.SerializeBitmap()); err != nil {
		return err
	}
	if err := writeRegion(d, lay.blockBitmapStart, alloc.Bitmap().Bytes()); err != nil {
		return err
	}

	w, err := wal.Open(opts.walPath(devicePath), log)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Reset(); err != nil {
		return err
	}
	log.Printf(1, "fs: formatted %s: %d blocks, %d inodes\n", devicePath, totalBlocks, sb.Snapshot().InodeCount)
	return nil
}

// writeSuperblock pads the superblock's fixed record to one full block.
func writeSuperblock(d disk.Disk, sb *superblock.Superblock) error {
	blk := make([]byte, sb.Snapshot().BlockSize)
	copy(blk, sb.Serialize())
	return d.Write(0, blk)
}

// Mount loads the superblock, inode table, and bitmap from devicePath,
// opens the WAL, and replays any committed-but-uninstalled tail (§4.8,
// §4.7). The block size and geometry are read from the image itself, not
// from opts.
func Mount(devicePath string, opts Options) (*FileSystem, error) {
	log := opts.logger()

	blockSize, totalBlocks, err := peekGeometry(devicePath)
	if err != nil {
		return nil, err
	}

	d, err := disk.NewFileDisk(devicePath, totalBlocks, uint64(blockSize))
	if err != nil {
		return nil, err
	}

	blk0, err := d.Read(0)
	if err != nil {
		d.Close()
		return nil, err
	}
	sb, err := superblock.Deserialize(blk0)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		d.Close()
		return nil, err
	}

	lay := computeLayout(sb.Snapshot().BlockSize, sb.Snapshot().TotalBlocks, sb.Snapshot().InodeCount)

	records, err := readRegion(d, lay.inodeTableStart, lay.inodeTableBlocks, sb.Snapshot().InodeCount*uint64(inode.Size))
	if err != nil {
		d.Close()
		return nil, err
	}
	inodeBitmapBytes := util.RoundUp(sb.Snapshot().InodeCount, 8)
	inodeBM, err := readRegion(d, lay.inodeBitmapStart, lay.inodeBitmapBlocks, inodeBitmapBytes)
	if err != nil {
		d.Close()
		return nil, err
	}
	itbl, err := inode.DeserializeTable(records, inodeBM, sb.Snapshot().InodeCount, log)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := itbl.Validate(); err != nil {
		d.Close()
		return nil, err
	}

	blockBitmapBytes := util.RoundUp(sb.Snapshot().TotalBlocks, 8)
	blockBM, err := readRegion(d, lay.blockBitmapStart, lay.blockBitmapBlocks, blockBitmapBytes)
	if err != nil {
		d.Close()
		return nil, err
	}
	bm, err := bitmap.Load(blockBM, sb.Snapshot().TotalBlocks)
	if err != nil {
		d.Close()
		return nil, err
	}
	alloc := bitmap.NewAllocator(bm, log)
	if err := alloc.Validate(sb.Snapshot().TotalBlocks); err != nil {
		d.Close()
		return nil, err
	}

	w, err := wal.Open(opts.walPath(devicePath), log)
	if err != nil {
		d.Close()
		return nil, err
	}

	fsys := &FileSystem{
		devicePath: devicePath,
		d:          d,
		layout:     lay,
		sb:         sb,
		itbl:       itbl,
		alloc:      alloc,
		wal:        w,
		locks:      inodelock.New(),
		cache:      blockcache.New(),
		log:        log,
		mounted:    true,
	}

	timeout := opts.TransactionTimeout
	if timeout == 0 {
		timeout = common.DefaultTransactionTimeout
	}
	fsys.mgr = txn.New(w, timeout, log)

	if err := fsys.recover(); err != nil {
		w.Close()
		d.Close()
		return nil, err
	}
	sb.TouchMount()

	// Recovery has folded the WAL tail into the in-memory structures;
	// flush them to disk and truncate the log before accepting new
	// operations, so a crash right after mount never replays the same
	// tail twice (§4.7 step 4, wal.Reset's contract).
	if err := fsys.flushToDisk(); err != nil {
		w.Close()
		d.Close()
		return nil, err
	}

	return fsys, nil
}

// recover replays the WAL tail and recomputes superblock counters from
// the now-authoritative bitmap/inode-table state (§4.7).
func (fs *FileSystem) recover() error {
	if err := fs.mgr.Recover(fs.applyRecord); err != nil {
		return err
	}
	fs.cache.Reset()
	fs.sb.SetCounters(fs.alloc.Stats().Free, fs.itbl.Stats().Free)
	return nil
}

// flushToDisk writes the superblock, inode table, and both bitmaps to
// their fixed regions and truncates the WAL, the way the teacher's
// installer folds its buffer cache to disk at a checkpoint.
func (fs *FileSystem) flushToDisk() error {
	if err := writeSuperblock(fs.d, fs.sb); err != nil {
		return err
	}
	if err := writeRegion(fs.d, fs.layout.inodeTableStart, fs.itbl.SerializeRecords()); err != nil {
		return err
	}
	if err := writeRegion(fs.d, fs.layout.inodeBitmapStart, fs.itbl.SerializeBitmap()); err != nil {
		return err
	}
	if err := writeRegion(fs.d, fs.layout.blockBitmapStart, fs.alloc.Bitmap().Bytes()); err != nil {
		return err
	}
	if err := fs.wal.Checkpoint(); err != nil {
		return err
	}
	return fs.wal.Reset()
}

// Unmount flushes all dirty structures and the WAL and closes the device
// (§4.8).
func (fs *FileSystem) Unmount() error {
	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()
	if !fs.mounted {
		return errs.New(errs.NotMounted, "filesystem is not mounted")
	}

	if err := fs.flushToDisk(); err != nil {
		return err
	}
	if err := fs.wal.Close(); err != nil {
		return err
	}
	if err := fs.d.Close(); err != nil {
		return err
	}
	fs.mounted = false
	return nil
}

// peekGeometry reads just enough of the raw host file to learn the block
// size and total block count before any disk.Disk (which needs both to
// size itself) can be opened. Superblock.RecordSize never exceeds
// MinBlockSize, so this read is always safe regardless of the image's
// actual block size.
func peekGeometry(devicePath string) (uint32, uint64, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return 0, 0, errs.New(errs.Configuration, "opening device image %s: %s", devicePath, err).WithContext(devicePath)
	}
	defer f.Close()
	head := make([]byte, common.MinBlockSize)
	if _, err := f.Read(head); err != nil {
		return 0, 0, errs.New(errs.Corrupted, "reading superblock header of %s: %s", devicePath, err).WithContext(devicePath)
	}
	sb, err := superblock.Deserialize(head)
	if err != nil {
		return 0, 0, err
	}
	snap := sb.Snapshot()
	return snap.BlockSize, snap.TotalBlocks, nil
}

// Info is the result of filesystem_info (§4.8).
type Info struct {
	TotalBlocks   uint64
	FreeBlocks    uint64
	InodeCount    uint64
	FreeInodes    uint64
	UsagePercent  float64
	RootInode     common.Inum
}

// FilesystemInfo reports capacity and usage (§4.8).
func (fs *FileSystem) FilesystemInfo() (Info, error) {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if !fs.mounted {
		return Info{}, errs.New(errs.NotMounted, "filesystem is not mounted")
	}
	snap := fs.sb.Snapshot()
	used := snap.TotalBlocks - snap.FreeBlocks
	usage := 0.0
	if snap.TotalBlocks > 0 {
		usage = float64(used) / float64(snap.TotalBlocks) * 100
	}
	return Info{
		TotalBlocks:  snap.TotalBlocks,
		FreeBlocks:   snap.FreeBlocks,
		InodeCount:   snap.InodeCount,
		FreeInodes:   snap.FreeInodes,
		UsagePercent: usage,
		RootInode:    snap.RootInode,
	}, nil
}

// Stats is the result of filesystem_stats (§4.8), including the active
// transaction bookkeeping the teacher's Txn/Walog types track (§2 of
// SPEC_FULL.md's supplemented features).
type Stats struct {
	FileCount       uint64
	DirectoryCount  uint64
	TotalDataBytes  uint64
	ActiveTxns      int
	TotalTxns       uint64
	AvgTxnDuration  time.Duration
}

// FilesystemStats walks every allocated inode once to aggregate file and
// directory counts (§4.8).
func (fs *FileSystem) FilesystemStats() (Stats, error) {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if !fs.mounted {
		return Stats{}, errs.New(errs.NotMounted, "filesystem is not mounted")
	}
	var files, dirs, bytes uint64
	n := fs.itbl.Len()
	for i := uint64(1); i < n; i++ {
		in, err := fs.itbl.Get(common.Inum(i))
		if err != nil {
			continue
		}
		if in.IsRegular() {
			files++
			bytes += in.Size
		} else if in.IsDirectory() {
			dirs++
		}
	}
	txStats := fs.mgr.Stats()
	return Stats{
		FileCount:      files,
		DirectoryCount: dirs,
		TotalDataBytes: bytes,
		ActiveTxns:     txStats.ActiveCount,
		TotalTxns:      txStats.TotalIDs,
		AvgTxnDuration: txStats.AvgDuration,
	}, nil
}

// ensureWritable returns Corrupted if a prior Check found damage that
// repair() has not yet fixed (§7: "surfaces [Corrupted] to the caller and
// places the filesystem into a requires-repair state that fails all
// writes until repair() returns success").
func (fs *FileSystem) ensureWritable() error {
	if fs.requiresRepair {
		return errs.New(errs.Corrupted, "filesystem requires repair; writes are disabled").WithContext(fs.devicePath)
	}
	return nil
}
