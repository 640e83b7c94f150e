package fs

import (
	"sync"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/inode"
	"github.com/ledgerfs/ledgerfs/txn"
	"github.com/ledgerfs/ledgerfs/wal"
)

// writeInodeRecord recomputes in's checksum and logs its full record
// under g. The in-memory slot returned by inode.Table.Get is already
// mutated in place; this only makes the change durable/replayable.
func (fs *FileSystem) writeInodeRecord(g *txn.Guard, inum common.Inum, in *inode.Inode) error {
	in.RecomputeChecksum()
	return g.Append(&wal.Record{Op: common.OpCreateInode, InodeNum: inum, NewData: in.Serialize()})
}

// allocateInode reserves a fresh inode slot and logs its initial record.
// On any later failure in the same operation the caller must roll the
// allocation back explicitly with releaseInode, since Commit/Rollback of
// the WAL guard has no visibility into in-memory allocator state (§4.6:
// "the facade is responsible for reversing in-memory effects").
func (fs *FileSystem) allocateInode(g *txn.Guard, mode, uid, gid uint32) (common.Inum, *inode.Inode, error) {
	if err := fs.sb.AllocateInode(); err != nil {
		return common.NullInum, nil, err
	}
	inum, in, err := fs.itbl.Allocate(mode, uid, gid)
	if err != nil {
		_ = fs.sb.DeallocateInode()
		return common.NullInum, nil, err
	}
	if err := fs.writeInodeRecord(g, inum, in); err != nil {
		_ = fs.itbl.Free(inum)
		_ = fs.sb.DeallocateInode()
		return common.NullInum, nil, err
	}
	return inum, in, nil
}

func (fs *FileSystem) releaseInode(inum common.Inum) {
	_ = fs.itbl.Free(inum)
	_ = fs.sb.DeallocateInode()
}

// revertContent restores in's full data content to oldData through a
// disposable, always-rolled-back transaction (§4.6: "the facade is
// responsible for reversing in-memory effects"). Block/data writes land
// immediately rather than waiting on a commit (only the WAL record
// buffering is deferred), so undoing a partially-applied mutation means
// writing the old bytes back, not rolling anything back; the guard's own
// commit status is irrelevant here since writeData's allocator/superblock
// bookkeeping runs as a direct side effect either way.
func (fs *FileSystem) revertContent(inum common.Inum, in *inode.Inode, oldData []byte, op common.OpType) {
	g := txn.NewGuard(fs.mgr)
	defer g.Done()
	if err := fs.writeData(g, in, oldData, op); err != nil {
		fs.log.Printf(1, "revert of inode %d content failed: %s\n", inum, err)
		return
	}
	if err := fs.writeInodeRecord(g, inum, in); err != nil {
		fs.log.Printf(1, "revert of inode %d record failed: %s\n", inum, err)
	}
}

func (fs *FileSystem) checkMounted() error {
	if !fs.mounted {
		return errs.New(errs.NotMounted, "filesystem is not mounted")
	}
	return nil
}

// createEntry is the shared body of create_file/create_directory (§4.8):
// resolve the parent, reject a duplicate leaf, allocate+initialize the
// child inode, and insert it into the parent's directory body, all under
// one transaction and the parent's write lock.
func (fs *FileSystem) createEntry(path string, mode, uid, gid uint32) (common.Inum, error) {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return common.NullInum, err
	}
	if err := fs.ensureWritable(); err != nil {
		return common.NullInum, err
	}

	parentComps, leaf, err := splitParentLeaf(path)
	if err != nil {
		return common.NullInum, err
	}
	parentInum, err := fs.resolve(parentComps)
	if err != nil {
		return common.NullInum, err
	}

	fs.locks.Lock(parentInum)
	defer fs.locks.Unlock(parentInum)

	parent, err := fs.itbl.Get(parentInum)
	if err != nil {
		return common.NullInum, err
	}
	if !parent.IsDirectory() {
		return common.NullInum, errs.New(errs.NotFound, "%q is not a directory", path).WithContext(path)
	}
	if _, err := fs.lookupEntryLocked(parentInum, parent, leaf); err == nil {
		return common.NullInum, errs.New(errs.AlreadyExists, "%q already exists", path).WithContext(path)
	}

	oldParentData, err := fs.readData(parent)
	if err != nil {
		return common.NullInum, err
	}

	g := txn.NewGuard(fs.mgr)
	defer g.Done()

	inum, _, err := fs.allocateInode(g, mode, uid, gid)
	if err != nil {
		return common.NullInum, err
	}

	// Past this point the parent's directory body may already be
	// rewritten even if something below still fails, since writeData
	// applies immediately rather than at commit (§4.6). Undo both the
	// parent's content and the inode allocation unless the whole
	// operation goes on to succeed.
	succeeded := false
	defer func() {
		if !succeeded {
			fs.revertContent(parentInum, parent, oldParentData, common.OpDirRemove)
			fs.releaseInode(inum)
		}
	}()

	if err := fs.insertEntryLocked(g, parentInum, parent, leaf, inum); err != nil {
		return common.NullInum, err
	}
	if err := g.Commit(); err != nil {
		return common.NullInum, err
	}
	succeeded = true
	return inum, nil
}

// CreateFile creates a regular file at path (§4.8's create_file).
func (fs *FileSystem) CreateFile(path string, mode uint32, uid, gid uint32) (common.Inum, error) {
	return fs.createEntry(path, common.ModeRegular|(mode&common.ModePermMask), uid, gid)
}

// CreateDirectory creates an empty directory at path (§4.8's
// create_directory).
func (fs *FileSystem) CreateDirectory(path string, mode uint32, uid, gid uint32) (common.Inum, error) {
	return fs.createEntry(path, common.ModeDirectory|(mode&common.ModePermMask), uid, gid)
}

// deleteEntry is the shared body of delete_file/delete_directory: resolve
// the parent and child, check the caller-supplied precondition, remove
// the directory entry, free the child's data and the inode itself.
func (fs *FileSystem) deleteEntry(path string, precondition func(*inode.Inode) error) error {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if err := fs.ensureWritable(); err != nil {
		return err
	}

	parentComps, leaf, err := splitParentLeaf(path)
	if err != nil {
		return err
	}
	parentInum, err := fs.resolve(parentComps)
	if err != nil {
		return err
	}

	// Peek the child's inode number under a brief read lock, then take
	// both locks in ascending numeric order (§5): after slot reuse a
	// child can have a lower number than its parent, so locking
	// parent-then-child unconditionally risks an AB-BA deadlock against
	// another operation (e.g. Rename, which always locks its two parent
	// inodes ascending via LockTwo). Re-check the lookup once both locks
	// are held, since the entry can change between the peek and
	// acquiring them, and retry on mismatch.
	var parent, child *inode.Inode
	var childInum common.Inum
	for {
		fs.locks.RLock(parentInum)
		p, perr := fs.itbl.Get(parentInum)
		var peeked common.Inum
		if perr == nil {
			peeked, perr = fs.lookupEntryLocked(parentInum, p, leaf)
		}
		fs.locks.RUnlock(parentInum)
		if perr != nil {
			return perr
		}

		unlockBoth := fs.locks.LockTwo(parentInum, peeked)
		p, perr = fs.itbl.Get(parentInum)
		if perr != nil {
			unlockBoth()
			return perr
		}
		confirmed, lerr := fs.lookupEntryLocked(parentInum, p, leaf)
		if lerr != nil {
			unlockBoth()
			return lerr
		}
		if confirmed != peeked {
			unlockBoth()
			continue
		}
		c, cerr := fs.itbl.Get(confirmed)
		if cerr != nil {
			unlockBoth()
			return cerr
		}
		parent, child, childInum = p, c, confirmed
		break
	}

	// The locks are now held (acquired ascending above); manage their
	// release ourselves from here so the child's can be dropped early,
	// before Forget, while the parent's stays held until return.
	childLocked := childInum != parentInum
	var unlockChildOnce, unlockParentOnce sync.Once
	unlockChild := func() {
		if childLocked {
			unlockChildOnce.Do(func() { fs.locks.Unlock(childInum) })
		}
	}
	unlockParent := func() {
		unlockParentOnce.Do(func() { fs.locks.Unlock(parentInum) })
	}
	defer unlockParent()
	defer unlockChild()

	if err := precondition(child); err != nil {
		return err
	}

	oldParentData, err := fs.readData(parent)
	if err != nil {
		return err
	}
	oldChildData, err := fs.readData(child)
	if err != nil {
		return err
	}

	g := txn.NewGuard(fs.mgr)
	defer g.Done()

	// Past this point both the child's blocks and the parent's directory
	// body may already be mutated even if something below still fails,
	// since those writes apply immediately rather than at commit
	// (§4.6). Undo both unless the whole operation goes on to succeed.
	succeeded := false
	defer func() {
		if !succeeded {
			fs.revertContent(childInum, child, oldChildData, common.OpWriteBlock)
			fs.revertContent(parentInum, parent, oldParentData, common.OpDirInsert)
		}
	}()

	if err := fs.freeAllReachable(g, child); err != nil {
		return err
	}
	if _, err := fs.removeEntryLocked(g, parentInum, parent, leaf); err != nil {
		return err
	}
	if err := g.Append(&wal.Record{Op: common.OpFreeInode, InodeNum: childInum}); err != nil {
		return err
	}
	if err := g.Commit(); err != nil {
		return err
	}
	succeeded = true

	fs.releaseInode(childInum)
	// Release the child's lock before forgetting its entry: Unlock
	// re-resolves the lock through the registry map, so forgetting first
	// would hand it a freshly created, never-locked mutex to unlock.
	unlockChild()
	fs.locks.Forget(childInum)
	return nil
}

// DeleteFile removes a regular file (§4.8's delete_file).
func (fs *FileSystem) DeleteFile(path string) error {
	return fs.deleteEntry(path, func(in *inode.Inode) error {
		if !in.IsRegular() {
			return errs.New(errs.NotFound, "%q is not a regular file", path).WithContext(path)
		}
		return nil
	})
}

// DeleteDirectory removes an empty directory (§4.8's delete_directory).
func (fs *FileSystem) DeleteDirectory(path string) error {
	return fs.deleteEntry(path, func(in *inode.Inode) error {
		if !in.IsDirectory() {
			return errs.New(errs.NotFound, "%q is not a directory", path).WithContext(path)
		}
		empty, err := fs.directoryIsEmpty(in)
		if err != nil {
			return err
		}
		if !empty {
			return errs.New(errs.NotEmpty, "%q is not empty", path).WithContext(path)
		}
		return nil
	})
}

// Rename moves the entry at oldPath to newPath, atomically across
// directories, failing with AlreadyExists if newPath already names
// something (§4.8's rename/move). Both parent inode locks are taken in
// ascending numeric order regardless of argument order (§5).
func (fs *FileSystem) Rename(oldPath, newPath string) error {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if err := fs.ensureWritable(); err != nil {
		return err
	}

	oldParentComps, oldLeaf, err := splitParentLeaf(oldPath)
	if err != nil {
		return err
	}
	newParentComps, newLeaf, err := splitParentLeaf(newPath)
	if err != nil {
		return err
	}
	oldParentInum, err := fs.resolve(oldParentComps)
	if err != nil {
		return err
	}
	newParentInum, err := fs.resolve(newParentComps)
	if err != nil {
		return err
	}

	// Reject moving a directory beneath itself (e.g. "/a" -> "/a/b"),
	// which would form the cycle §9 says the namespace must never
	// contain. Checked unlocked, the same way resolve itself walks the
	// tree, before taking any exclusive lock below.
	movedPeek, err := fs.resolvePath(oldPath)
	if err != nil {
		return err
	}
	nested, err := fs.wouldNest(movedPeek, newParentComps)
	if err != nil {
		return err
	}
	if nested {
		return errs.New(errs.PermissionDenied, "cannot move %q beneath itself", oldPath).WithContext(oldPath)
	}

	if oldParentInum == newParentInum {
		fs.locks.Lock(oldParentInum)
		defer fs.locks.Unlock(oldParentInum)
	} else {
		unlock := fs.locks.LockTwo(oldParentInum, newParentInum)
		defer unlock()
	}

	oldParent, err := fs.itbl.Get(oldParentInum)
	if err != nil {
		return err
	}
	newParent, err := fs.itbl.Get(newParentInum)
	if err != nil {
		return err
	}
	if !oldParent.IsDirectory() || !newParent.IsDirectory() {
		return errs.New(errs.NotFound, "rename endpoint is not a directory")
	}

	movedInum, err := fs.lookupEntryLocked(oldParentInum, oldParent, oldLeaf)
	if err != nil {
		return err
	}
	if movedInum == newParentInum {
		// The cheap direct case of the self-nesting check above, re-run
		// now that the locks are held in case the tree changed between
		// the unlocked peek and here.
		return errs.New(errs.PermissionDenied, "cannot move %q beneath itself", oldPath).WithContext(oldPath)
	}
	if _, err := fs.lookupEntryLocked(newParentInum, newParent, newLeaf); err == nil {
		return errs.New(errs.AlreadyExists, "%q already exists", newPath).WithContext(newPath)
	}

	oldParentSnapshot, err := fs.readData(oldParent)
	if err != nil {
		return err
	}
	var newParentSnapshot []byte
	if newParentInum != oldParentInum {
		newParentSnapshot, err = fs.readData(newParent)
		if err != nil {
			return err
		}
	}

	g := txn.NewGuard(fs.mgr)
	defer g.Done()

	// As in createEntry/deleteEntry, the directory rewrites below apply
	// immediately rather than at commit (§4.6), so a failure past this
	// point needs both parents' bodies restored explicitly.
	succeeded := false
	defer func() {
		if !succeeded {
			if newParentInum != oldParentInum {
				fs.revertContent(newParentInum, newParent, newParentSnapshot, common.OpDirRemove)
			}
			fs.revertContent(oldParentInum, oldParent, oldParentSnapshot, common.OpDirInsert)
		}
	}()

	if _, err := fs.removeEntryLocked(g, oldParentInum, oldParent, oldLeaf); err != nil {
		return err
	}
	if err := fs.insertEntryLocked(g, newParentInum, newParent, newLeaf, movedInum); err != nil {
		return err
	}
	if err := g.Commit(); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// Move is an alias for Rename (§4.8 names both).
func (fs *FileSystem) Move(oldPath, newPath string) error {
	return fs.Rename(oldPath, newPath)
}

// ReadFile returns path's full contents and bumps its atime, logged
// within one transaction like any other inode mutation (§4.8's
// read_file).
func (fs *FileSystem) ReadFile(path string) ([]byte, error) {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	inum, err := fs.resolvePath(path)
	if err != nil {
		return nil, err
	}
	fs.locks.Lock(inum)
	defer fs.locks.Unlock(inum)

	in, err := fs.itbl.Get(inum)
	if err != nil {
		return nil, err
	}
	if !in.IsRegular() {
		return nil, errs.New(errs.NotFound, "%q is not a regular file", path).WithContext(path)
	}

	data, err := fs.readData(in)
	if err != nil {
		return nil, err
	}

	if err := fs.ensureWritable(); err == nil {
		g := txn.NewGuard(fs.mgr)
		in.TouchAtime()
		if werr := fs.writeInodeRecord(g, inum, in); werr == nil {
			_ = g.Commit()
		}
		g.Done()
	}
	return data, nil
}

// writeOrAppend is the shared body of write_file/append_file.
func (fs *FileSystem) writeOrAppend(path string, data []byte, append bool) error {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if err := fs.ensureWritable(); err != nil {
		return err
	}

	inum, err := fs.resolvePath(path)
	if err != nil {
		return err
	}
	fs.locks.Lock(inum)
	defer fs.locks.Unlock(inum)

	in, err := fs.itbl.Get(inum)
	if err != nil {
		return err
	}
	if !in.IsRegular() {
		return errs.New(errs.NotFound, "%q is not a regular file", path).WithContext(path)
	}

	g := txn.NewGuard(fs.mgr)
	defer g.Done()

	if append {
		if err := fs.appendData(g, in, data, common.OpWriteBlock); err != nil {
			return err
		}
	} else {
		if err := fs.writeData(g, in, data, common.OpWriteBlock); err != nil {
			return err
		}
	}
	in.TouchMtimeCtime()
	if err := fs.writeInodeRecord(g, inum, in); err != nil {
		return err
	}
	return g.Commit()
}

// WriteFile replaces path's entire content with data (§4.8's write_file).
func (fs *FileSystem) WriteFile(path string, data []byte) error {
	return fs.writeOrAppend(path, data, false)
}

// AppendFile extends path's content with data (§4.8's append_file).
func (fs *FileSystem) AppendFile(path string, data []byte) error {
	return fs.writeOrAppend(path, data, true)
}

// FileExists reports whether path names a regular file (§4.8: read-only,
// no transaction, shared inode lock only).
func (fs *FileSystem) FileExists(path string) (bool, error) {
	return fs.existsAs(path, func(in *inode.Inode) bool { return in.IsRegular() })
}

// DirectoryExists reports whether path names a directory.
func (fs *FileSystem) DirectoryExists(path string) (bool, error) {
	return fs.existsAs(path, func(in *inode.Inode) bool { return in.IsDirectory() })
}

func (fs *FileSystem) existsAs(path string, want func(*inode.Inode) bool) (bool, error) {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return false, err
	}
	inum, err := fs.resolvePath(path)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return false, nil
		}
		return false, err
	}
	fs.locks.RLock(inum)
	defer fs.locks.RUnlock(inum)
	in, err := fs.itbl.Get(inum)
	if err != nil {
		return false, nil
	}
	return want(in), nil
}

// GetFileSize returns path's size in bytes (§4.8's get_file_size).
func (fs *FileSystem) GetFileSize(path string) (uint64, error) {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return 0, err
	}
	inum, err := fs.resolvePath(path)
	if err != nil {
		return 0, err
	}
	fs.locks.RLock(inum)
	defer fs.locks.RUnlock(inum)
	in, err := fs.itbl.Get(inum)
	if err != nil {
		return 0, err
	}
	if !in.IsRegular() {
		return 0, errs.New(errs.NotFound, "%q is not a regular file", path).WithContext(path)
	}
	return in.Size, nil
}

// SetPermissions updates path's low 9 mode bits, preserving its file-type
// bits (§4.8's set_permissions).
func (fs *FileSystem) SetPermissions(path string, perm uint32) error {
	return fs.mutateInode(path, func(in *inode.Inode) {
		in.Mode = (in.Mode & common.ModeTypeMask) | (perm & common.ModePermMask)
	})
}

// SetOwnership updates path's uid/gid (§4.8's set_ownership).
func (fs *FileSystem) SetOwnership(path string, uid, gid uint32) error {
	return fs.mutateInode(path, func(in *inode.Inode) {
		in.UID = uid
		in.GID = gid
	})
}

func (fs *FileSystem) mutateInode(path string, mutate func(*inode.Inode)) error {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if err := fs.ensureWritable(); err != nil {
		return err
	}

	inum, err := fs.resolvePath(path)
	if err != nil {
		return err
	}
	fs.locks.Lock(inum)
	defer fs.locks.Unlock(inum)

	in, err := fs.itbl.Get(inum)
	if err != nil {
		return err
	}

	g := txn.NewGuard(fs.mgr)
	defer g.Done()

	mutate(in)
	in.TouchCtime()
	if err := fs.writeInodeRecord(g, inum, in); err != nil {
		return err
	}
	return g.Commit()
}

// ListDirectory returns path's entry names in insertion order (§4.8's
// list_directory).
func (fs *FileSystem) ListDirectory(path string) ([]string, error) {
	fs.mountMu.RLock()
	defer fs.mountMu.RUnlock()
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	inum, err := fs.resolvePath(path)
	if err != nil {
		return nil, err
	}
	fs.locks.RLock(inum)
	defer fs.locks.RUnlock(inum)

	in, err := fs.itbl.Get(inum)
	if err != nil {
		return nil, err
	}
	if !in.IsDirectory() {
		return nil, errs.New(errs.NotFound, "%q is not a directory", path).WithContext(path)
	}
	entries, err := fs.listEntriesLocked(in)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// BeginTransaction, CommitTransaction, RollbackTransaction expose the raw
// transaction manager to batching clients (§6's facade API).
func (fs *FileSystem) BeginTransaction() uint64 {
	return fs.mgr.Begin()
}

func (fs *FileSystem) CommitTransaction(id uint64) error {
	return fs.mgr.Commit(id)
}

func (fs *FileSystem) RollbackTransaction(id uint64) error {
	return fs.mgr.Rollback(id)
}
