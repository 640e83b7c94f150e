package fs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerfs/ledgerfs/common"
)

func TestCheckCleanImageReportsOK(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	_, err := fsys.CreateFile("/a", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.WriteFile("/a", []byte("data")))
	_, err = fsys.CreateDirectory("/d", common.DefaultDirMode, 0, 0)
	require.NoError(t, err)

	report, err := fsys.Check()
	assert.NoError(err)
	assert.True(report.OK(), "%v", report.Errors)
}

func TestCheckDetectsBlockIncorrectlyMarkedFree(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	inum, err := fsys.CreateFile("/a", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.WriteFile("/a", bytes.Repeat([]byte("x"), 100)))

	in, err := fsys.itbl.Get(inum)
	assert.NoError(err)
	blocks, err := fsys.collectReachable(in)
	assert.NoError(err)
	require.NotEmpty(t, blocks)

	// Corrupt the bitmap directly, simulating on-disk damage Check must
	// surface without touching it.
	assert.NoError(fsys.alloc.Bitmap().MarkFree(uint64(blocks[0])))

	report, err := fsys.Check()
	assert.NoError(err)
	assert.False(report.OK())
}

func TestRepairRebuildsBitmapFromReachableBlocks(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)
	inum, err := fsys.CreateFile("/a", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.WriteFile("/a", bytes.Repeat([]byte("x"), 100)))

	in, err := fsys.itbl.Get(inum)
	assert.NoError(err)
	blocks, err := fsys.collectReachable(in)
	assert.NoError(err)
	require.NotEmpty(t, blocks)
	assert.NoError(fsys.alloc.Bitmap().MarkFree(uint64(blocks[0])))

	report, err := fsys.Check()
	assert.NoError(err)
	assert.False(report.OK())

	assert.NoError(fsys.Repair())

	report, err = fsys.Check()
	assert.NoError(err)
	assert.True(report.OK(), "%v", report.Errors)

	free, err := fsys.alloc.Bitmap().IsFree(uint64(blocks[0]))
	assert.NoError(err)
	assert.False(free)

	// File content is untouched by Repair; it only rebuilds metadata.
	data, err := fsys.ReadFile("/a")
	assert.NoError(err)
	assert.Equal(bytes.Repeat([]byte("x"), 100), data)
}

func TestDefragmentRelocatesBlocksDownwardAndPreservesContent(t *testing.T) {
	assert := assert.New(t)
	fsys := mustMount(t)

	payloadA := bytes.Repeat([]byte{0x11}, 400)
	_, err := fsys.CreateFile("/a", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.WriteFile("/a", payloadA))

	payloadB := bytes.Repeat([]byte{0x22}, 400)
	inumB, err := fsys.CreateFile("/b", common.DefaultFileMode, 0, 0)
	assert.NoError(err)
	assert.NoError(fsys.WriteFile("/b", payloadB))

	// Freeing /a opens up low-numbered blocks that /b does not occupy.
	assert.NoError(fsys.DeleteFile("/a"))

	before, err := fsys.itbl.Get(inumB)
	assert.NoError(err)
	beforeBlocks, err := fsys.collectReachable(before)
	assert.NoError(err)

	assert.NoError(fsys.Defragment())

	after, err := fsys.itbl.Get(inumB)
	assert.NoError(err)
	afterBlocks, err := fsys.collectReachable(after)
	assert.NoError(err)

	var maxBefore, maxAfter common.Bnum
	for _, b := range beforeBlocks {
		if b > maxBefore {
			maxBefore = b
		}
	}
	for _, b := range afterBlocks {
		if b > maxAfter {
			maxAfter = b
		}
	}
	assert.LessOrEqual(maxAfter, maxBefore)

	data, err := fsys.ReadFile("/b")
	assert.NoError(err)
	assert.Equal(payloadB, data)

	report, err := fsys.Check()
	assert.NoError(err)
	assert.True(report.OK(), "%v", report.Errors)
}
