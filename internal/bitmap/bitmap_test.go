package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewBitmap_StartsClear(t *testing.T) {
	b := New(1000)
	assert.EqualValues(t, 0, b.Weight())
	assert.EqualValues(t, 1000, b.NBits())
}

func Test_SetBits_ClearBits_RoundTrip(t *testing.T) {
	b := New(200)

	flipped := b.SetBits(10, 19)
	assert.EqualValues(t, 10, flipped)
	assert.EqualValues(t, 10, b.Weight())

	// setting an already-set bit contributes nothing new
	flipped = b.SetBits(15, 24)
	assert.EqualValues(t, 5, flipped)
	assert.EqualValues(t, 15, b.Weight())

	cleared := b.ClearBits(10, 24)
	assert.EqualValues(t, 15, cleared)
	assert.EqualValues(t, 0, b.Weight())
}

func Test_CountBits_InclusiveRange(t *testing.T) {
	b := New(64)
	b.SetBits(0, 63)
	assert.EqualValues(t, 64, b.CountBits(0, 63))
	assert.EqualValues(t, 1, b.CountBits(5, 5))
	assert.EqualValues(t, 0, b.CountBits(5, 4))
}

func Test_EWeight_PerExtent(t *testing.T) {
	b := New(256)
	b.SetBits(0, 9)     // falls in extent 0 (bits 0-127)
	b.SetBits(130, 132) // falls in extent 1 (bits 128-255)

	assert.EqualValues(t, 10, b.EWeight(0, 128))
	assert.EqualValues(t, 3, b.EWeight(1, 128))
}

func Test_NextDirty_ScansAndResets(t *testing.T) {
	b := New(64)
	b.SetBits(3, 3)
	b.SetBits(40, 40)

	got := b.NextDirty(BlockSizeBits)
	assert.EqualValues(t, 3, got)

	got = b.NextDirty(BlockSizeBits)
	assert.EqualValues(t, 40, got)

	got = b.NextDirty(BlockSizeBits)
	assert.Equal(t, Done, got)

	b.Reset()
	got = b.NextDirty(BlockSizeBits)
	assert.EqualValues(t, 3, got)
}

func Test_NextDirty_SubBlockGranularity(t *testing.T) {
	// one bitmap bit = BlockSize bytes; at half that granularity (one
	// fewer ln2 step) each bit expands to two sub-blocks.
	b := New(8)
	b.SetBits(2, 2)

	got := b.NextDirty(BlockSizeBits - 1)
	assert.EqualValues(t, 2<<1, got)
}

// Test_SetAndClear_SubBlock_NoOpOnlyWhenAligned exercises invariant 6: a
// sub-block set followed by a sub-block clear at the same granularity is a
// no-op only once every sub-block of the enclosing BlockSize-aligned block
// has been covered by the clear.
func Test_SetAndClear_SubBlock_NoOpOnlyWhenAligned(t *testing.T) {
	b := New(8)
	const sub = BlockSizeBits - 2 // 4 sub-blocks per bitmap bit

	// Out-of-sync set always applies immediately, whole-block granularity.
	b.Set(1, BlockSizeBits, 1)
	require.EqualValues(t, 1, b.Weight())

	// Clearing only one of the four sub-blocks must not clear the bit.
	b.Set(1*4+0, sub, 0)
	assert.EqualValues(t, 1, b.Weight(), "partial sub-block clear must not clear the enclosing block")

	b.Set(1*4+1, sub, 0)
	b.Set(1*4+2, sub, 0)
	assert.EqualValues(t, 1, b.Weight(), "still missing one sub-block")

	// Once every sub-block of the aligned block has been cleared, the bit clears.
	b.Set(1*4+3, sub, 0)
	assert.EqualValues(t, 0, b.Weight(), "fully covered sub-block clear must clear the enclosing block")
}

func Test_Set_OutOfSync_AlwaysImmediate_EvenSubBlock(t *testing.T) {
	b := New(8)
	const sub = BlockSizeBits - 2

	b.Set(5, sub, 1)
	assert.EqualValues(t, 1, b.Weight(), "marking out-of-sync must never be postponed, even at sub-block granularity")
}

func Test_SetOutOfSync_NoRounding(t *testing.T) {
	b := New(64)

	// A single sector inside bit 2's range marks the whole bit, never rounds away.
	n := b.SetOutOfSync(2*sectorsPerBit+3, 1)
	assert.EqualValues(t, 1, n)
	assert.EqualValues(t, 1, b.CountBits(2, 2))
}

func Test_ClearInSync_RoundsInward(t *testing.T) {
	b := New(64)
	b.SetBits(0, 3)

	// range covers all of bit 1 and bit 2 but only part of bit 0 and bit 3;
	// inward rounding must leave bits 0 and 3 untouched.
	from := 0*sectorsPerBit + sectorsPerBit/2
	nsectors := 3 * sectorsPerBit
	cleared := b.ClearInSync(from, nsectors)

	assert.EqualValues(t, 2, cleared)
	assert.EqualValues(t, 1, b.CountBits(0, 0), "partially covered leading bit must stay set")
	assert.EqualValues(t, 0, b.CountBits(1, 1))
	assert.EqualValues(t, 0, b.CountBits(2, 2))
	assert.EqualValues(t, 1, b.CountBits(3, 3), "partially covered trailing bit must stay set")
}

func Test_ClearInSync_SubSectorRange_ClearsNothing(t *testing.T) {
	b := New(64)
	b.SetBits(0, 0)

	cleared := b.ClearInSync(1, sectorsPerBit-2)
	assert.EqualValues(t, 0, cleared)
	assert.EqualValues(t, 1, b.Weight())
}

func Test_Snapshot_Generation_RoundTrip(t *testing.T) {
	b := New(16)
	gen := [4]uint32{1, 2, 3, 4}
	b.Snapshot(gen)
	assert.Equal(t, gen, b.Generation())
}

func Test_MarshalPage_UnmarshalPage_RoundTrip(t *testing.T) {
	b := New(256)
	b.SetBits(0, 63)
	b.SetBits(130, 130)

	page0 := b.MarshalPage(0, 2)
	require.Len(t, page0, 2)

	dst := New(256)
	err := dst.UnmarshalPage(0, 2, page0)
	require.NoError(t, err)
	assert.EqualValues(t, 64, dst.Weight(), "bit 130 lives in word 2, outside the two-word page")
	assert.EqualValues(t, 64, dst.CountBits(0, 63))
}

func Test_UnmarshalPage_OutOfRange(t *testing.T) {
	b := New(64)
	err := b.UnmarshalPage(10, 2, []uint64{1, 2})
	assert.Error(t, err)
}
