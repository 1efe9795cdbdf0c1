package genid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(p, m.data[off:]), nil
}

func Test_EncodeDecode_RoundTrip(t *testing.T) {
	want := Record{GC: [numCounters]uint32{1, 2, 3, 0}, Consistent: true}
	buf := want.Encode()
	require.Len(t, buf, RecordSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func Test_Decode_BadMagic(t *testing.T) {
	buf := Record{}.Encode()
	buf[0] ^= 0xff
	_, err := Decode(buf)
	assert.Error(t, err)
}

func Test_Decode_WrongLength(t *testing.T) {
	_, err := Decode(make([]byte, 3))
	assert.Error(t, err)
}

func Test_Read_ResetsOnShortRead(t *testing.T) {
	dev := newMemDevice(RecordSize)
	r, err := Read(dev, 0, true)
	require.NoError(t, err)

	assert.EqualValues(t, ^uint32(0), r.GC[HumanCnt])
	assert.EqualValues(t, 1, r.GC[PrimaryInd])

	// The reset record must have been written back immediately.
	again, err := Decode(dev.data)
	require.NoError(t, err)
	assert.Equal(t, r, again)
}

func Test_Read_ResetsOnBadMagic(t *testing.T) {
	dev := newMemDevice(RecordSize)
	copy(dev.data, []byte{0xde, 0xad, 0xbe, 0xef})

	r, err := Read(dev, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, r.GC[PrimaryInd])
}

func Test_Write_RoundTripsThroughDevice(t *testing.T) {
	dev := newMemDevice(RecordSize)
	r := New(true)
	r.Inc(HumanCnt)
	require.NoError(t, Write(dev, 0, &r))

	got, err := Decode(dev.data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func Test_Inc_IncrementsExactlyOneCounter(t *testing.T) {
	r := New(false)
	before := r.GC
	r.Inc(ConnectedCnt)
	assert.Equal(t, before[HumanCnt], r.GC[HumanCnt])
	assert.Equal(t, before[ConnectedCnt]+1, r.GC[ConnectedCnt])
	assert.Equal(t, before[ArbitraryCnt], r.GC[ArbitraryCnt])
}

func Test_Compare_Lexicographic(t *testing.T) {
	base := Record{GC: [numCounters]uint32{5, 5, 5, 0}}
	higher := Record{GC: [numCounters]uint32{5, 6, 5, 0}}

	assert.Equal(t, 0, Compare(base, base))
	assert.Equal(t, -1, Compare(base, higher))
	assert.Equal(t, 1, Compare(higher, base))
}

func Test_Compare_EarlierCounterDominates(t *testing.T) {
	a := Record{GC: [numCounters]uint32{9, 0, 0, 0}}
	b := Record{GC: [numCounters]uint32{1, 100, 100, 100}}
	assert.Equal(t, 1, Compare(a, b))
}

func Test_SyncqOK_TrueWhenGenerationsMatch(t *testing.T) {
	me := Record{GC: [numCounters]uint32{1, 2, 3, 0}, Consistent: true}
	peer := Record{GC: [numCounters]uint32{1, 2, 3, 0}, Consistent: true}
	meBitmapGen := [3]uint32{1, 2, 3}

	assert.True(t, SyncqOK(me, peer, true, meBitmapGen, [3]uint32{}))
}

func Test_SyncqOK_FalseOnInconsistentPeer(t *testing.T) {
	me := Record{Consistent: true}
	peer := Record{Consistent: false}
	assert.False(t, SyncqOK(me, peer, true, [3]uint32{}, [3]uint32{}))
}

func Test_SyncqOK_FalseOnPeerPrimaryCrash(t *testing.T) {
	me := Record{Consistent: true}
	peer := Record{Consistent: true, GC: [numCounters]uint32{0, 0, 0, 1}}
	assert.False(t, SyncqOK(me, peer, true, [3]uint32{}, [3]uint32{}))
}

func Test_SyncqOK_FalseOnBitmapGenMismatch(t *testing.T) {
	me := Record{GC: [numCounters]uint32{1, 2, 3, 0}, Consistent: true}
	peer := Record{GC: [numCounters]uint32{1, 2, 3, 0}, Consistent: true}
	meBitmapGen := [3]uint32{1, 2, 4} // ArbitraryCnt diverges

	assert.False(t, SyncqOK(me, peer, true, meBitmapGen, [3]uint32{}))
}
