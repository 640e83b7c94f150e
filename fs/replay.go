package fs

import (
	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/inode"
	"github.com/ledgerfs/ledgerfs/superblock"
	"github.com/ledgerfs/ledgerfs/wal"
)

// applyRecord is the redo function recover() hands to txn.Manager.Recover
// (§4.7). Every op type is idempotent to apply twice, since the WAL's
// on-disk tail may overlap whatever the last clean checkpoint already
// captured.
func (fs *FileSystem) applyRecord(r *wal.Record) error {
	switch r.Op {
	case common.OpCreateInode:
		in, err := inode.Deserialize(r.NewData)
		if err != nil {
			return err
		}
		return fs.itbl.Install(r.InodeNum, in)

	case common.OpFreeInode:
		if err := fs.itbl.Free(r.InodeNum); err != nil && errs.KindOf(err) != errs.NotFound {
			return err
		}
		return nil

	case common.OpWriteBlock, common.OpDirInsert, common.OpDirRemove:
		if err := fs.alloc.MarkUsed(uint64(r.BlockNum)); err != nil {
			return err
		}
		if err := fs.d.Write(uint64(r.BlockNum), r.NewData); err != nil {
			return err
		}
		fs.cache.Invalidate(uint64(r.BlockNum))
		return nil

	case common.OpFreeBlock:
		if err := fs.alloc.Free(uint64(r.BlockNum)); err != nil {
			return err
		}
		fs.cache.Invalidate(uint64(r.BlockNum))
		return nil

	case common.OpSuperblock:
		sb, err := superblock.Deserialize(r.NewData)
		if err != nil {
			return err
		}
		fs.sb = sb
		return nil

	default:
		return errs.New(errs.Corrupted, "unknown log record op %d", r.Op)
	}
}
