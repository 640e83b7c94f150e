package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerfs/ledgerfs/common"
)

// crash closes the underlying disk and WAL file handles directly, skipping
// flushToDisk, so the on-disk superblock/inode-table/bitmap regions stay
// exactly as they were after the last clean mount and only the WAL holds
// the committed-but-uninstalled tail (§4.7's scenario for recover()).
func crash(t *testing.T, fsys *FileSystem) {
	t.Helper()
	require.NoError(t, fsys.wal.Close())
	require.NoError(t, fsys.d.Close())
}

func TestRecoveryReplaysCommittedWritesAfterCrash(t *testing.T) {
	assert := assert.New(t)
	path := tempImage(t)
	require.NoError(t, Format(path, 200, testOptions()))

	fsys1, err := Mount(path, testOptions())
	require.NoError(t, err)

	_, err = fsys1.CreateFile("/survivor.txt", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fsys1.WriteFile("/survivor.txt", []byte("recovered")))

	crash(t, fsys1)

	fsys2, err := Mount(path, testOptions())
	require.NoError(t, err)
	defer fsys2.Unmount()

	data, err := fsys2.ReadFile("/survivor.txt")
	assert.NoError(err)
	assert.Equal([]byte("recovered"), data)

	report, err := fsys2.Check()
	assert.NoError(err)
	assert.True(report.OK(), "%v", report.Errors)
}

func TestRecoveryIsIdempotentAcrossRepeatedMounts(t *testing.T) {
	assert := assert.New(t)
	path := tempImage(t)
	require.NoError(t, Format(path, 200, testOptions()))

	fsys1, err := Mount(path, testOptions())
	require.NoError(t, err)
	_, err = fsys1.CreateFile("/f", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fsys1.WriteFile("/f", []byte("once")))
	crash(t, fsys1)

	// First recovering mount folds the tail into on-disk state and resets
	// the WAL; a second mount immediately after must not re-apply it.
	fsys2, err := Mount(path, testOptions())
	require.NoError(t, err)
	data, err := fsys2.ReadFile("/f")
	assert.NoError(err)
	assert.Equal([]byte("once"), data)
	require.NoError(t, fsys2.Unmount())

	fsys3, err := Mount(path, testOptions())
	require.NoError(t, err)
	defer fsys3.Unmount()

	data, err = fsys3.ReadFile("/f")
	assert.NoError(err)
	assert.Equal([]byte("once"), data)
}

func TestRecoveryReplaysDeleteAcrossCrash(t *testing.T) {
	assert := assert.New(t)
	path := tempImage(t)
	require.NoError(t, Format(path, 200, testOptions()))

	fsys1, err := Mount(path, testOptions())
	require.NoError(t, err)
	_, err = fsys1.CreateFile("/gone", common.DefaultFileMode, 0, 0)
	require.NoError(t, err)
	crash(t, fsys1)

	fsys2, err := Mount(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, fsys2.DeleteFile("/gone"))
	crash(t, fsys2)

	fsys3, err := Mount(path, testOptions())
	require.NoError(t, err)
	defer fsys3.Unmount()

	exists, err := fsys3.FileExists("/gone")
	assert.NoError(err)
	assert.False(exists)
}
