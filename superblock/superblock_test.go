package superblock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerfs/ledgerfs/common"
)

func TestInitializeAndValidate(t *testing.T) {
	assert := assert.New(t)
	sb, err := Initialize(256, 4096)
	assert.NoError(err)
	assert.NoError(sb.Validate())
	assert.Equal(uint64(256), sb.TotalBlocks)
	assert.Equal(uint64(64), sb.InodeCount)
	assert.Equal(common.RootInum, sb.RootInode)
}

func TestInitializeRejectsBadGeometry(t *testing.T) {
	_, err := Initialize(256, 4097) // not a power of two
	assert.Error(t, err)

	_, err = Initialize(5, 4096) // below minimum
	assert.Error(t, err)
}

func TestSerializeDeserializeRoundtrip(t *testing.T) {
	assert := assert.New(t)
	sb, err := Initialize(256, 4096)
	assert.NoError(err)

	data := sb.Serialize()
	sb2, err := Deserialize(data)
	assert.NoError(err)
	assert.NoError(sb2.Validate())
	assert.Equal(sb.TotalBlocks, sb2.TotalBlocks)
	assert.Equal(sb.FreeBlocks, sb2.FreeBlocks)
	assert.Equal(sb.Checksum, sb2.Checksum)
}

func TestValidateDetectsChecksumCorruption(t *testing.T) {
	sb, _ := Initialize(256, 4096)
	data := sb.Serialize()
	data[0] ^= 0xFF // corrupt magic byte, also breaks checksum

	sb2, err := Deserialize(data)
	assert.NoError(t, err)
	assert.Error(t, sb2.Validate())
}

func TestAllocateDeallocateBlockCounters(t *testing.T) {
	assert := assert.New(t)
	sb, _ := Initialize(16, 512)
	before := sb.FreeBlocks

	assert.NoError(sb.AllocateBlock())
	assert.Equal(before-1, sb.FreeBlocks)

	assert.NoError(sb.DeallocateBlock())
	assert.Equal(before, sb.FreeBlocks)
}

func TestAllocateBlockFailsAtZero(t *testing.T) {
	sb, _ := Initialize(common.MinTotalBlocks, 512)
	sb.SetCounters(0, sb.FreeInodes)
	assert.Error(t, sb.AllocateBlock())
}

func TestAllocateInodeFailsAtZero(t *testing.T) {
	sb, _ := Initialize(common.MinTotalBlocks, 512)
	sb.SetCounters(sb.FreeBlocks, 0)
	assert.Error(t, sb.AllocateInode())
}

func TestRoundTripPreservesFieldsAcrossMountCycle(t *testing.T) {
	assert := assert.New(t)
	sb, _ := Initialize(256, 4096)
	data := sb.Serialize()

	sb2, err := Deserialize(data)
	assert.NoError(err)
	sb2.TouchMount()

	assert.Equal(sb.TotalBlocks, sb2.TotalBlocks)
	assert.Equal(sb.InodeCount, sb2.InodeCount)
	assert.Equal(sb.FreeBlocks, sb2.FreeBlocks)
	assert.Equal(sb.FreeInodes, sb2.FreeInodes)
	assert.Equal(sb.RootInode, sb2.RootInode)
	assert.NotEqual(sb.LastMount, sb2.LastMount)
}
