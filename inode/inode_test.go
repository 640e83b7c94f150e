package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerfs/ledgerfs/common"
)

func TestInitSetsDefaults(t *testing.T) {
	assert := assert.New(t)
	var in Inode
	in.Init(common.DefaultFileMode, 1, 2)

	assert.True(in.IsAllocated())
	assert.True(in.IsRegular())
	assert.False(in.IsDirectory())
	assert.EqualValues(0644, in.Permissions())
	assert.EqualValues(1, in.LinkCount)
	assert.EqualValues(1, in.ReplicationCount)
	assert.NoError(in.Validate())
}

func TestSerializeDeserializeRoundTrips(t *testing.T) {
	assert := assert.New(t)
	var in Inode
	in.Init(common.DefaultDirMode, 7, 8)
	in.Size = 4096
	in.Blocks = 1
	in.Direct[0] = common.Bnum(42)
	in.SingleIndirect = common.Bnum(99)
	in.RecomputeChecksum()

	data := in.Serialize()
	assert.Len(data, Size)

	out, err := Deserialize(data)
	assert.NoError(err)
	assert.Equal(in.Mode, out.Mode)
	assert.Equal(in.UID, out.UID)
	assert.Equal(in.GID, out.GID)
	assert.Equal(in.Size, out.Size)
	assert.Equal(in.Blocks, out.Blocks)
	assert.Equal(in.Direct[0], out.Direct[0])
	assert.Equal(in.SingleIndirect, out.SingleIndirect)
	assert.Equal(in.Checksum, out.Checksum)
	assert.NoError(out.Validate())
}

func TestValidateCatchesChecksumTamper(t *testing.T) {
	assert := assert.New(t)
	var in Inode
	in.Init(common.DefaultFileMode, 0, 0)
	in.Size = 123 // mutate without recomputing the checksum

	err := in.Validate()
	assert.Error(err)
}

func TestTouchUpdatesOnlyRequestedTimestamps(t *testing.T) {
	assert := assert.New(t)
	var in Inode
	in.Init(common.DefaultFileMode, 0, 0)
	mtimeBefore := in.Mtime

	in.TouchAtime()
	assert.Equal(mtimeBefore, in.Mtime)
	assert.NoError(in.Validate())
}

func TestUnallocatedSlotValidates(t *testing.T) {
	var in Inode
	assert.NoError(t, in.Validate())
	assert.False(t, in.IsAllocated())
}
