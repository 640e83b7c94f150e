package fs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerfs/ledgerfs/common"
)

// testOptions returns Options sized for fast tests: a 512-byte block size
// keeps the indirection boundary (12 direct pointers) reachable with a
// handful of kilobytes instead of the default 4096-byte block size.
func testOptions() Options {
	opts := DefaultOptions()
	opts.BlockSize = common.MinBlockSize
	return opts
}

func tempImage(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "image.ledgerfs")
}

func TestFormatThenMountRoundTrips(t *testing.T) {
	assert := assert.New(t)
	path := tempImage(t)

	assert.NoError(Format(path, 200, testOptions()))

	fsys, err := Mount(path, testOptions())
	assert.NoError(err)
	assert.True(fsys.IsMounted())

	info, err := fsys.FilesystemInfo()
	assert.NoError(err)
	assert.EqualValues(200, info.TotalBlocks)
	assert.Equal(common.RootInum, info.RootInode)
	assert.Less(info.FreeBlocks, info.TotalBlocks) // metadata region is marked used

	isDir, err := fsys.DirectoryExists("/")
	assert.NoError(err)
	assert.True(isDir)

	assert.NoError(fsys.Unmount())
	assert.False(fsys.IsMounted())
}

func TestFormatRejectsTooSmallImage(t *testing.T) {
	err := Format(tempImage(t), 1, testOptions())
	assert.Error(t, err)
}

func TestMountRejectsMissingFile(t *testing.T) {
	_, err := Mount(filepath.Join(t.TempDir(), "nope.img"), testOptions())
	assert.Error(t, err)
}

func TestUnmountTwiceFails(t *testing.T) {
	assert := assert.New(t)
	path := tempImage(t)
	assert.NoError(Format(path, 200, testOptions()))
	fsys, err := Mount(path, testOptions())
	assert.NoError(err)
	assert.NoError(fsys.Unmount())
	assert.Error(fsys.Unmount())
}

func TestRemountAfterCleanUnmountPreservesState(t *testing.T) {
	assert := assert.New(t)
	path := tempImage(t)
	assert.NoError(Format(path, 200, testOptions()))

	fsys, err := Mount(path, testOptions())
	assert.NoError(err)
	_, err = fsys.CreateFile("/hello.txt", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.WriteFile("/hello.txt", []byte("hi")))
	assert.NoError(fsys.Unmount())

	fsys2, err := Mount(path, testOptions())
	assert.NoError(err)
	defer fsys2.Unmount()

	data, err := fsys2.ReadFile("/hello.txt")
	assert.NoError(err)
	assert.Equal([]byte("hi"), data)
}

func TestOperationsFailWhenNotMounted(t *testing.T) {
	assert := assert.New(t)
	path := tempImage(t)
	assert.NoError(Format(path, 200, testOptions()))
	fsys, err := Mount(path, testOptions())
	assert.NoError(err)
	assert.NoError(fsys.Unmount())

	_, err = fsys.CreateFile("/a", common.DefaultFileMode, 0, 0)
	assert.Error(err)
	_, err = fsys.ReadFile("/a")
	assert.Error(err)
}
