package fs

import (
	"strings"
	"unicode/utf8"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
)

// maxNameLength bounds one path component; directory entries pack a u16
// name_length (§3), so no component may exceed 65535 bytes, but we keep a
// far tighter practical bound consistent with the directory entry's
// expected use.
const maxNameLength = 255

// splitPath normalizes an absolute path: collapses "//", resolves "."
// and "..", skips empty components, and rejects non-UTF-8 paths and
// components longer than maxNameLength or containing NUL (§4.8). It returns
// the ordered list of components remaining after normalization; an empty
// result means the root itself.
func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, errs.New(errs.NotFound, "path %q must be absolute", path).WithContext(path)
	}
	if !utf8.ValidString(path) {
		return nil, errs.New(errs.NotFound, "path %q is not valid UTF-8", path).WithContext(path)
	}
	var out []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			if len(part) > maxNameLength {
				return nil, errs.New(errs.NotFound, "path component %q exceeds %d bytes", part, maxNameLength).WithContext(path)
			}
			if strings.ContainsRune(part, 0) {
				return nil, errs.New(errs.NotFound, "path component contains NUL").WithContext(path)
			}
			out = append(out, part)
		}
	}
	return out, nil
}

// splitParentLeaf normalizes path and splits it into its parent's
// component list and the leaf name. The leaf must be non-empty: the root
// itself cannot be the target of create/delete/rename.
func splitParentLeaf(path string) ([]string, string, error) {
	comps, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(comps) == 0 {
		return nil, "", errs.New(errs.PermissionDenied, "the root directory cannot be the target of this operation").WithContext(path)
	}
	return comps[:len(comps)-1], comps[len(comps)-1], nil
}

// resolve walks components from the root inode, returning the inode
// number of the final component. Returns NotFound when any component is
// missing or when a non-leaf component is not a directory (§4.8).
func (fs *FileSystem) resolve(comps []string) (common.Inum, error) {
	cur := common.RootInum
	for i, name := range comps {
		in, err := fs.itbl.Get(cur)
		if err != nil {
			return common.NullInum, errs.New(errs.NotFound, "path component %q: %s", name, err).WithContext(name)
		}
		if !in.IsDirectory() {
			return common.NullInum, errs.New(errs.NotFound, "%q is not a directory", strings.Join(comps[:i], "/")).WithContext(name)
		}
		fs.locks.RLock(cur)
		child, ferr := fs.lookupEntryLocked(cur, in, name)
		fs.locks.RUnlock(cur)
		if ferr != nil {
			return common.NullInum, ferr
		}
		cur = child
	}
	return cur, nil
}

// resolvePath is a convenience wrapper over splitPath + resolve.
func (fs *FileSystem) resolvePath(path string) (common.Inum, error) {
	comps, err := splitPath(path)
	if err != nil {
		return common.NullInum, err
	}
	return fs.resolve(comps)
}

// wouldNest reports whether moved appears among the root-to-target.
// inode numbers walked while resolving destComps, i.e. whether moved is
// the destination directory itself or one of its ancestors (§9: "cyclic
// structures... keep it that way" — the one cycle a rename could
// otherwise introduce by nesting a directory underneath itself). Like
// resolve, it only ever holds one component's read lock at a time, so it
// is safe to call before a caller acquires its own exclusive locks on the
// path's endpoints.
func (fs *FileSystem) wouldNest(moved common.Inum, destComps []string) (bool, error) {
	cur := common.RootInum
	if cur == moved {
		return true, nil
	}
	for _, name := range destComps {
		in, err := fs.itbl.Get(cur)
		if err != nil {
			return false, errs.New(errs.NotFound, "path component %q: %s", name, err).WithContext(name)
		}
		if !in.IsDirectory() {
			return false, errs.New(errs.NotFound, "%q is not a directory", name).WithContext(name)
		}
		fs.locks.RLock(cur)
		child, ferr := fs.lookupEntryLocked(cur, in, name)
		fs.locks.RUnlock(cur)
		if ferr != nil {
			return false, ferr
		}
		if child == moved {
			return true, nil
		}
		cur = child
	}
	return false, nil
}
