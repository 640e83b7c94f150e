package fs

import (
	"encoding/binary"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/inode"
	"github.com/ledgerfs/ledgerfs/txn"
)

// dirEntry is one packed directory entry of §3: a 4-byte inode number, a
// 2-byte name length, then the name bytes themselves. A directory's
// content is just these entries concatenated in insertion order; there is
// no tombstone or free-list scheme, so removal rewrites the whole body.
type dirEntry struct {
	Inum common.Inum
	Name string
}

const dirEntryHeaderSize = 4 + 2

func (e dirEntry) encodedLen() int {
	return dirEntryHeaderSize + len(e.Name)
}

func encodeDirEntries(entries []dirEntry) []byte {
	n := 0
	for _, e := range entries {
		n += e.encodedLen()
	}
	buf := make([]byte, n)
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.Inum))
		off += 4
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Name)))
		off += 2
		copy(buf[off:], e.Name)
		off += len(e.Name)
	}
	return buf
}

// decodeDirEntries parses a directory's full body. A truncated trailing
// entry is reported as Corrupted (§4.7's consistency checks catch this
// too, but a direct read should not silently drop data).
func decodeDirEntries(data []byte) ([]dirEntry, error) {
	var out []dirEntry
	off := 0
	for off < len(data) {
		if off+dirEntryHeaderSize > len(data) {
			return nil, errs.New(errs.Corrupted, "directory entry header truncated at offset %d", off)
		}
		inum := common.Inum(binary.LittleEndian.Uint32(data[off:]))
		nameLen := int(binary.LittleEndian.Uint16(data[off+4:]))
		off += dirEntryHeaderSize
		if off+nameLen > len(data) {
			return nil, errs.New(errs.Corrupted, "directory entry name truncated at offset %d", off)
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		out = append(out, dirEntry{Inum: inum, Name: name})
	}
	return out, nil
}

// readDirEntries loads and parses the full entry list of the directory
// inode in (§4.8's list_directory/lookup path).
func (fs *FileSystem) readDirEntries(in *inode.Inode) ([]dirEntry, error) {
	data, err := fs.readData(in)
	if err != nil {
		return nil, err
	}
	return decodeDirEntries(data)
}

// lookupEntryLocked finds name among parent's entries. The caller must
// hold at least a read lock on parentInum. Returns NotFound if absent
// (§4.8).
func (fs *FileSystem) lookupEntryLocked(parentInum common.Inum, parent *inode.Inode, name string) (common.Inum, error) {
	entries, err := fs.readDirEntries(parent)
	if err != nil {
		return common.NullInum, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Inum, nil
		}
	}
	return common.NullInum, errs.New(errs.NotFound, "no such entry %q", name).WithContext(name)
}

// listEntriesLocked returns every entry of parent in insertion order
// (§4.8's list_directory).
func (fs *FileSystem) listEntriesLocked(parent *inode.Inode) ([]dirEntry, error) {
	return fs.readDirEntries(parent)
}

// insertEntryLocked appends a new (name, inum) entry to parent's body,
// rejecting a duplicate name, then rewrites parent's data and touches its
// mtime/ctime. The caller must hold a write lock on parentInum and have
// already loaded parent.
func (fs *FileSystem) insertEntryLocked(g *txn.Guard, parentInum common.Inum, parent *inode.Inode, name string, child common.Inum) error {
	entries, err := fs.readDirEntries(parent)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return errs.New(errs.AlreadyExists, "entry %q already exists", name).WithContext(name)
		}
	}
	entries = append(entries, dirEntry{Inum: child, Name: name})
	if err := fs.writeData(g, parent, encodeDirEntries(entries), common.OpDirInsert); err != nil {
		return err
	}
	parent.TouchMtimeCtime()
	return fs.writeInodeRecord(g, parentInum, parent)
}

// removeEntryLocked deletes the entry named name from parent's body,
// rejecting the call if it is absent. The caller must hold a write lock
// on parentInum and have already loaded parent.
func (fs *FileSystem) removeEntryLocked(g *txn.Guard, parentInum common.Inum, parent *inode.Inode, name string) (common.Inum, error) {
	entries, err := fs.readDirEntries(parent)
	if err != nil {
		return common.NullInum, err
	}
	idx := -1
	for i, e := range entries {
		if e.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return common.NullInum, errs.New(errs.NotFound, "no such entry %q", name).WithContext(name)
	}
	removed := entries[idx].Inum
	entries = append(entries[:idx], entries[idx+1:]...)
	if err := fs.writeData(g, parent, encodeDirEntries(entries), common.OpDirRemove); err != nil {
		return common.NullInum, err
	}
	parent.TouchMtimeCtime()
	if err := fs.writeInodeRecord(g, parentInum, parent); err != nil {
		return common.NullInum, err
	}
	return removed, nil
}

// directoryIsEmpty reports whether in (a directory) has no entries beyond
// the standard "." and ".." (§4.8's delete_directory precondition); this
// engine does not materialize "." / ".." entries, so an empty directory
// simply has zero entries.
func (fs *FileSystem) directoryIsEmpty(in *inode.Inode) (bool, error) {
	entries, err := fs.readDirEntries(in)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
