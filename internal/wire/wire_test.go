package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Header_EncodeDecode_RoundTrip(t *testing.T) {
	h := Header{Magic: Magic, Command: CmdData, Length: 4096}
	got, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func Test_DecodeHeader_BadMagic(t *testing.T) {
	h := Header{Magic: 0xdeadbeef, Command: CmdPing}
	_, err := DecodeHeader(h.Encode())
	assert.Error(t, err)
}

func Test_DataHeader_EncodeDecode_RoundTrip(t *testing.T) {
	d := DataHeader{Sector: 1024, BlockID: 99}
	got, err := DecodeDataHeader(d.Encode())
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func Test_AckBody_EncodeDecode_RoundTrip(t *testing.T) {
	a := AckBody{Sector: 8, BlockID: 42}
	got, err := DecodeAckBody(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func Test_BarrierBody_EncodeDecode_RoundTrip(t *testing.T) {
	b := BarrierBody{BarrierNr: 7}
	got, err := DecodeBarrierBody(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func Test_BarrierAckBody_EncodeDecode_RoundTrip(t *testing.T) {
	b := BarrierAckBody{BarrierNr: 7, SetSize: 6}
	got, err := DecodeBarrierAckBody(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func Test_ReportParamsBody_EncodeDecode_RoundTrip(t *testing.T) {
	p := ReportParamsBody{
		Size:      1 << 30,
		BlkSize:   4096,
		State:     3,
		Protocol:  'C',
		Version:   1,
		GenCnt:    [4]uint32{1, 2, 3, 0},
		BitMapGen: [3]uint32{1, 2, 3},
	}
	got, err := DecodeReportParamsBody(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func Test_CStateChangedBody_EncodeDecode_RoundTrip(t *testing.T) {
	c := CStateChangedBody{State: 5}
	got, err := DecodeCStateChangedBody(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func Test_Writer_Reader_FullPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	dh := DataHeader{Sector: 16, BlockID: 1}
	payload := []byte("hello world, this is block data")
	require.NoError(t, w.WritePacket(CmdData, dh.Encode(), payload))

	r := NewReader(&buf, 4096)
	h, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, CmdData, h.Command)
	assert.EqualValues(t, len(payload), h.Length)

	body, err := r.ReadBody(dataHeaderSize)
	require.NoError(t, err)
	gotDH, err := DecodeDataHeader(body)
	require.NoError(t, err)
	assert.Equal(t, dh, gotDH)

	gotPayload, err := r.ReadBody(int(h.Length))
	require.NoError(t, err)
	assert.Equal(t, payload, gotPayload)
}

func Test_Reader_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WritePacket(CmdData, nil, make([]byte, 100)))

	r := NewReader(&buf, 10)
	_, err := r.ReadHeader()
	assert.Error(t, err)
}

func Test_Writer_AckOnlyPacket_HasNoPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	ack := AckBody{Sector: 1, BlockID: 2}
	require.NoError(t, w.WritePacket(CmdWriteAck, ack.Encode(), nil))

	r := NewReader(&buf, 64)
	h, err := r.ReadHeader()
	require.NoError(t, err)
	assert.EqualValues(t, 0, h.Length)

	body, err := r.ReadBody(ackBodySize)
	require.NoError(t, err)
	got, err := DecodeAckBody(body)
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}

func Test_Command_String(t *testing.T) {
	assert.Equal(t, "Data", CmdData.String())
	assert.Equal(t, "BarrierAck", CmdBarrierAck.String())
	assert.Contains(t, Command(9999).String(), "Command(9999)")
}
