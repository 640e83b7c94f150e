package fs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
)

func mustMount(t *testing.T) *FileSystem {
	t.Helper()
	path := tempImage(t)
	require.NoError(t, Format(path, 200, testOptions()))
	fsys, err := Mount(path, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Unmount() })
	return fsys
}

func TestCreateFileThenReadBack(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)

	inum, err := fsys.CreateFile("/a.txt", common.DefaultFileMode, 1, 2)
	assert.NoError(err)
	assert.NotEqual(common.NullInum, inum)

	assert.NoError(fsys.WriteFile("/a.txt", []byte("hello world")))

	data, err := fsys.ReadFile("/a.txt")
	assert.NoError(err)
	assert.Equal([]byte("hello world"), data)

	sz, err := fsys.GetFileSize("/a.txt")
	assert.NoError(err)
	assert.EqualValues(len("hello world"), sz)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/dup", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateFile("/dup", common.DefaultFileMode, 0, 0)
	assert.Error(t, err)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))
}

func TestCreateFileIdempotentAfterDelete(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)

	_, err := fsys.CreateFile("/x", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.DeleteFile("/x"))

	exists, err := fsys.FileExists("/x")
	assert.NoError(err)
	assert.False(exists)

	_, err = fsys.CreateFile("/x", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
}

func TestWriteThenReadRestoresExactBytes(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/blob", common.DefaultFileMode, 0, 0)
	assert.NoError(err)

	payload := bytes.Repeat([]byte{0xAB, 0x01, 0x02}, 500)
	assert.NoError(fsys.WriteFile("/blob", payload))

	got, err := fsys.ReadFile("/blob")
	assert.NoError(err)
	assert.Equal(payload, got)
}

func TestWriteFileReplacesEntireContent(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/r", common.DefaultFileMode, 0, 0)
	assert.NoError(err)

	assert.NoError(fsys.WriteFile("/r", bytes.Repeat([]byte("x"), 3000)))
	assert.NoError(fsys.WriteFile("/r", []byte("short")))

	got, err := fsys.ReadFile("/r")
	assert.NoError(err)
	assert.Equal([]byte("short"), got)
}

func TestAppendFileExtendsContent(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/ap", common.DefaultFileMode, 0, 0)
	assert.NoError(err)

	assert.NoError(fsys.WriteFile("/ap", []byte("abc")))
	assert.NoError(fsys.AppendFile("/ap", []byte("def")))

	got, err := fsys.ReadFile("/ap")
	assert.NoError(err)
	assert.Equal([]byte("abcdef"), got)
}

// TestIndirectionBoundary exercises §4.5's tier transition: writing one
// data block per direct pointer plus one more forces a single-indirect
// container into existence, and the double-indirect tier stays untouched.
func TestIndirectionBoundary(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	inum, err := fsys.CreateFile("/big", common.DefaultFileMode, 0, 0)
	assert.NoError(err)

	blockSize := uint64(common.MinBlockSize)
	payload := bytes.Repeat([]byte{0x42}, int(blockSize*(common.DirectPointers+1)))
	assert.NoError(fsys.WriteFile("/big", payload))

	in, err := fsys.itbl.Get(inum)
	assert.NoError(err)
	assert.EqualValues(common.DirectPointers+1+1, in.Blocks) // 13 data blocks + 1 indirect container
	assert.NotEqual(common.NullBnum, in.SingleIndirect)
	assert.Equal(common.NullBnum, in.DoubleIndirect)
	assert.Equal(common.NullBnum, in.TripleIndirect)

	got, err := fsys.ReadFile("/big")
	assert.NoError(err)
	assert.Equal(payload, got)
}

func TestCreateAndDeleteDirectory(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateDirectory("/sub", common.DefaultDirMode, 0, 0)
	assert.NoError(err)

	isDir, err := fsys.DirectoryExists("/sub")
	assert.NoError(err)
	assert.True(isDir)

	assert.NoError(fsys.DeleteDirectory("/sub"))
	isDir, err = fsys.DirectoryExists("/sub")
	assert.NoError(err)
	assert.False(isDir)
}

func TestDeleteNonEmptyDirectoryFails(t *testing.T) {
	fsys := mustMount(t)
	_, err := fsys.CreateDirectory("/sub", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateFile("/sub/child", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)

	err = fsys.DeleteDirectory("/sub")
	assert.Error(t, err)
	assert.Equal(t, errs.NotEmpty, errs.KindOf(err))
}

func TestListDirectoryPreservesInsertionOrder(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateDirectory("/d", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)

	names := []string{"c", "a", "b", "z", "q"}
	for _, n := range names {
		_, err := fsys.CreateFile("/d/"+n, common.DefaultFileMode, 0, 0)
		require.NoError(t, err)
	}

	got, err := fsys.ListDirectory("/d")
	assert.NoError(err)
	assert.Equal(names, got)
}

func TestRenameWithinSameDirectory(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/old.txt", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.WriteFile("/old.txt", []byte("payload")))

	assert.NoError(fsys.Rename("/old.txt", "/new.txt"))

	exists, err := fsys.FileExists("/old.txt")
	assert.NoError(err)
	assert.False(exists)

	data, err := fsys.ReadFile("/new.txt")
	assert.NoError(err)
	assert.Equal([]byte("payload"), data)
}

func TestRenameAcrossDirectoriesIsAtomicAndConsumesNoExtraInode(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateDirectory("/src", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateDirectory("/dst", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	inum, err := fsys.CreateFile("/src/f", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.WriteFile("/src/f", []byte("data")))

	before, err := fsys.FilesystemInfo()
	assert.NoError(err)

	assert.NoError(fsys.Rename("/src/f", "/dst/f"))

	after, err := fsys.FilesystemInfo()
	assert.NoError(err)
	assert.Equal(before.FreeInodes, after.FreeInodes) // no inode consumed or freed

	srcNames, err := fsys.ListDirectory("/src")
	assert.NoError(err)
	assert.Empty(srcNames)

	dstNames, err := fsys.ListDirectory("/dst")
	assert.NoError(err)
	assert.Equal([]string{"f"}, dstNames)

	got, err := fsys.itbl.Get(inum)
	assert.NoError(err)
	assert.True(got.IsRegular())

	data, err := fsys.ReadFile("/dst/f")
	assert.NoError(err)
	assert.Equal([]byte("data"), data)
}

func TestRenameOntoExistingTargetFails(t *testing.T) {
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/a", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateFile("/b", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)

	err = fsys.Rename("/a", "/b")
	assert.Error(t, err)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))
}

func TestRenameBeneathItselfFails(t *testing.T) {
	fsys := mustMount(t)
	_, err := fsys.CreateDirectory("/a", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)

	err = fsys.Rename("/a", "/a/b")
	assert.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))

	names, err := fsys.ListDirectory("/a")
	assert.NoError(t, err)
	assert.Empty(t, names)
}

func TestRenameDeeperBeneathItselfFails(t *testing.T) {
	fsys := mustMount(t)
	_, err := fsys.CreateDirectory("/a", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateDirectory("/a/x", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)

	err = fsys.Rename("/a", "/a/x/moved")
	assert.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestDeleteDirectoryWhenChildInodeIsLowerThanParent(t *testing.T) {
	// Build a parent whose own inode number ends up higher than a child
	// later created inside it (the maintainer's deadlock example has
	// parent=5, child=3), the scenario the parent/child lock-ordering
	// fix in deleteEntry targets. This only exercises the case
	// single-threaded; the fix itself is what avoids an AB-BA deadlock
	// against another operation under concurrency.
	assert := assert.New(t)
	fsys := mustMount(t)

	_, err := fsys.CreateDirectory("/p2", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateDirectory("/p3", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateDirectory("/p4", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	_, err = fsys.CreateDirectory("/d5", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.DeleteDirectory("/p2"))
	require.NoError(t, fsys.DeleteDirectory("/p3"))
	_, err = fsys.CreateDirectory("/d5/child", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)

	parentInum, err := fsys.resolvePath("/d5")
	assert.NoError(err)
	childInum, err := fsys.resolvePath("/d5/child")
	assert.NoError(err)
	assert.Less(uint32(childInum), uint32(parentInum))

	assert.NoError(fsys.DeleteDirectory("/d5/child"))

	names, err := fsys.ListDirectory("/d5")
	assert.NoError(err)
	assert.Empty(names)
}

func TestSetPermissionsPreservesFileType(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	inum, err := fsys.CreateFile("/p", 0644, 0, 0)
	assert.NoError(err)

	assert.NoError(fsys.SetPermissions("/p", 0600))

	in, err := fsys.itbl.Get(inum)
	assert.NoError(err)
	assert.True(in.IsRegular())
	assert.EqualValues(0600, in.Permissions())
}

func TestSetOwnershipUpdatesUidGid(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	inum, err := fsys.CreateFile("/o", common.DefaultFileMode, 0, 0)
	assert.NoError(err)

	assert.NoError(fsys.SetOwnership("/o", 42, 7))

	in, err := fsys.itbl.Get(inum)
	assert.NoError(err)
	assert.EqualValues(42, in.UID)
	assert.EqualValues(7, in.GID)
}

func TestOperationsOnMissingPathReturnNotFound(t *testing.T) {
	fsys := mustMount(t)
	_, err := fsys.ReadFile("/nope")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	err = fsys.DeleteFile("/nope")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	_, err = fsys.GetFileSize("/nope")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestCreateUnderMissingParentFails(t *testing.T) {
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/missing/child", common.DefaultFileMode, 0, 0)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}
