package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapFreeUsedRoundtrip(t *testing.T) {
	assert := assert.New(t)
	bm := New(20)
	assert.Equal(uint64(20), bm.CountFree())

	assert.NoError(bm.MarkUsed(5))
	assert.Equal(uint64(19), bm.CountFree())
	free, err := bm.IsFree(5)
	assert.NoError(err)
	assert.False(free)

	assert.NoError(bm.MarkFree(5))
	assert.Equal(uint64(20), bm.CountFree())
}

func TestBitmapOutOfRange(t *testing.T) {
	bm := New(8)
	_, err := bm.IsFree(8)
	assert.Error(t, err)
	assert.Error(t, bm.MarkUsed(100))
}

func TestBitmapSerializeRoundtrip(t *testing.T) {
	assert := assert.New(t)
	bm := New(17)
	bm.MarkUsed(0)
	bm.MarkUsed(16)

	data := bm.Bytes()
	bm2, err := Load(data, 17)
	assert.NoError(err)
	assert.Equal(bm.CountFree(), bm2.CountFree())
	free, _ := bm2.IsFree(16)
	assert.False(free)
}

func TestBitmapTrailingBitsNeverFree(t *testing.T) {
	bm := New(5) // 1 byte, 3 padding bits
	assert.Equal(t, uint64(5), bm.CountFree())
}

func TestPopCnt(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(0), popCnt(0))
	assert.Equal(uint64(1), popCnt(1))
	assert.Equal(uint64(1), popCnt(2))
	assert.Equal(uint64(2), popCnt(3))
	assert.Equal(uint64(8), popCnt(255))
}

func TestAllocatorAllocateOne(t *testing.T) {
	assert := assert.New(t)
	a := NewAllocator(New(32), nil)
	assert.Equal(uint64(31), a.Bitmap().CountFree(), "bit 0 reserved")

	n, err := a.AllocateOne()
	assert.NoError(err)
	assert.NotEqual(uint64(0), n)

	free, _ := a.Bitmap().IsFree(n)
	assert.False(free)
}

func TestAllocatorNoSpace(t *testing.T) {
	a := NewAllocator(New(2), nil)
	_, err := a.AllocateOne()
	assert.NoError(t, err)
	_, err = a.AllocateOne()
	assert.Error(t, err)
}

func TestAllocatorFreeIdempotent(t *testing.T) {
	assert := assert.New(t)
	a := NewAllocator(New(8), nil)
	n, err := a.AllocateOne()
	assert.NoError(err)
	assert.NoError(a.Free(n))
	assert.NoError(a.Free(n), "double free should warn, not error")
}

func TestAllocatorContiguous(t *testing.T) {
	assert := assert.New(t)
	a := NewAllocator(New(64), nil)
	run, contig, err := a.AllocateContiguous(10)
	assert.NoError(err)
	assert.True(contig)
	assert.Len(run, 10)
}

func TestAllocatorContiguousFallbackAndRollback(t *testing.T) {
	assert := assert.New(t)
	a := NewAllocator(New(8), nil)
	// bit 0 reserved, 7 bits free total, none contiguous after fragmenting
	a.Bitmap().MarkUsed(2)
	a.Bitmap().MarkUsed(4)
	a.Bitmap().MarkUsed(6)

	before := a.Bitmap().CountFree()
	_, _, err := a.AllocateContiguous(before + 1)
	assert.Error(err)
	assert.Equal(before, a.Bitmap().CountFree(), "failed allocation must not change free count")
}

func TestAllocatorValidate(t *testing.T) {
	a := NewAllocator(New(16), nil)
	assert.NoError(t, a.Validate(16))
	assert.Error(t, a.Validate(17))
}
