// Package wire implements the replication protocol's packet framing: a
// fixed header followed by a command-specific body and optional payload,
// all in network byte order.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies a valid packet header.
const Magic uint32 = 0x44524244 // "DRBD"

// HeaderSize is the fixed size of a packet header.
const HeaderSize = 4 + 2 + 2

// Command identifies the kind of packet following the header.
type Command uint16

const (
	CmdData Command = iota + 1
	CmdDataReply
	CmdRecvAck
	CmdWriteAck
	CmdBarrier
	CmdBarrierAck
	CmdReportParams
	CmdCStateChanged
	CmdPing
	CmdPingAck
	CmdWriteHint
	CmdRSDataRequest
	CmdRSDataReply
	CmdRSIsInSync
)

func (c Command) String() string {
	switch c {
	case CmdData:
		return "Data"
	case CmdDataReply:
		return "DataReply"
	case CmdRecvAck:
		return "RecvAck"
	case CmdWriteAck:
		return "WriteAck"
	case CmdBarrier:
		return "Barrier"
	case CmdBarrierAck:
		return "BarrierAck"
	case CmdReportParams:
		return "ReportParams"
	case CmdCStateChanged:
		return "CStateChanged"
	case CmdPing:
		return "Ping"
	case CmdPingAck:
		return "PingAck"
	case CmdWriteHint:
		return "WriteHint"
	case CmdRSDataRequest:
		return "RSDataRequest"
	case CmdRSDataReply:
		return "RSDataReply"
	case CmdRSIsInSync:
		return "RSIsInSync"
	default:
		return fmt.Sprintf("Command(%d)", uint16(c))
	}
}

// Header is the fixed packet header every command starts with.
type Header struct {
	Magic   uint32
	Command Command
	Length  uint16 // bytes of payload following the command-specific body
}

// Encode serializes h into a fresh HeaderSize-byte block.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.Command))
	binary.BigEndian.PutUint16(buf[6:8], h.Length)
	return buf
}

// DecodeHeader parses a HeaderSize-byte block, validating the magic.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) != HeaderSize {
		return h, fmt.Errorf("wire: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return h, fmt.Errorf("wire: bad magic %#x", h.Magic)
	}
	h.Command = Command(binary.BigEndian.Uint16(buf[4:6]))
	h.Length = binary.BigEndian.Uint16(buf[6:8])
	return h, nil
}

// DataHeader is the command-specific body of Data, DataReply,
// RSDataRequest, and RSDataReply: the payload (Length bytes, from the
// packet header) follows immediately after.
type DataHeader struct {
	Sector  uint64
	BlockID uint64
}

const dataHeaderSize = 8 + 8

// DataHeaderSize is the on-wire size of a DataHeader.
const DataHeaderSize = dataHeaderSize

func (d DataHeader) Encode() []byte {
	buf := make([]byte, dataHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], d.Sector)
	binary.BigEndian.PutUint64(buf[8:16], d.BlockID)
	return buf
}

func DecodeDataHeader(buf []byte) (DataHeader, error) {
	var d DataHeader
	if len(buf) != dataHeaderSize {
		return d, fmt.Errorf("wire: data header must be %d bytes, got %d", dataHeaderSize, len(buf))
	}
	d.Sector = binary.BigEndian.Uint64(buf[0:8])
	d.BlockID = binary.BigEndian.Uint64(buf[8:16])
	return d, nil
}

// AckBody is the body of RecvAck/WriteAck: no payload follows.
type AckBody struct {
	Sector  uint64
	BlockID uint64
}

const ackBodySize = 8 + 8

// AckBodySize is the on-wire size of an AckBody.
const AckBodySize = ackBodySize

func (a AckBody) Encode() []byte {
	buf := make([]byte, ackBodySize)
	binary.BigEndian.PutUint64(buf[0:8], a.Sector)
	binary.BigEndian.PutUint64(buf[8:16], a.BlockID)
	return buf
}

func DecodeAckBody(buf []byte) (AckBody, error) {
	var a AckBody
	if len(buf) != ackBodySize {
		return a, fmt.Errorf("wire: ack body must be %d bytes, got %d", ackBodySize, len(buf))
	}
	a.Sector = binary.BigEndian.Uint64(buf[0:8])
	a.BlockID = binary.BigEndian.Uint64(buf[8:16])
	return a, nil
}

// BarrierBody is the body of Barrier.
type BarrierBody struct {
	BarrierNr uint32
}

const barrierBodySize = 4

// BarrierBodySize is the on-wire size of a BarrierBody.
const BarrierBodySize = barrierBodySize

func (b BarrierBody) Encode() []byte {
	buf := make([]byte, barrierBodySize)
	binary.BigEndian.PutUint32(buf[0:4], b.BarrierNr)
	return buf
}

func DecodeBarrierBody(buf []byte) (BarrierBody, error) {
	var b BarrierBody
	if len(buf) != barrierBodySize {
		return b, fmt.Errorf("wire: barrier body must be %d bytes, got %d", barrierBodySize, len(buf))
	}
	b.BarrierNr = binary.BigEndian.Uint32(buf[0:4])
	return b, nil
}

// BarrierAckBody is the body of BarrierAck.
type BarrierAckBody struct {
	BarrierNr uint32
	SetSize   uint32
}

const barrierAckBodySize = 4 + 4

// BarrierAckBodySize is the on-wire size of a BarrierAckBody.
const BarrierAckBodySize = barrierAckBodySize

func (b BarrierAckBody) Encode() []byte {
	buf := make([]byte, barrierAckBodySize)
	binary.BigEndian.PutUint32(buf[0:4], b.BarrierNr)
	binary.BigEndian.PutUint32(buf[4:8], b.SetSize)
	return buf
}

func DecodeBarrierAckBody(buf []byte) (BarrierAckBody, error) {
	var b BarrierAckBody
	if len(buf) != barrierAckBodySize {
		return b, fmt.Errorf("wire: barrier_ack body must be %d bytes, got %d", barrierAckBodySize, len(buf))
	}
	b.BarrierNr = binary.BigEndian.Uint32(buf[0:4])
	b.SetSize = binary.BigEndian.Uint32(buf[4:8])
	return b, nil
}

// ReportParamsBody is exchanged on reconnect to decide sync direction, §4.6.
type ReportParamsBody struct {
	Size      uint64
	BlkSize   uint32
	State     uint32
	Protocol  uint8
	Version   uint8
	GenCnt    [4]uint32
	BitMapGen [3]uint32
}

const reportParamsBodySize = 8 + 4 + 4 + 1 + 1 + 4*4 + 3*4

// ReportParamsBodySize is the on-wire size of a ReportParamsBody.
const ReportParamsBodySize = reportParamsBodySize

func (p ReportParamsBody) Encode() []byte {
	buf := make([]byte, reportParamsBodySize)
	binary.BigEndian.PutUint64(buf[0:8], p.Size)
	binary.BigEndian.PutUint32(buf[8:12], p.BlkSize)
	binary.BigEndian.PutUint32(buf[12:16], p.State)
	buf[16] = p.Protocol
	buf[17] = p.Version
	off := 18
	for i, v := range p.GenCnt {
		binary.BigEndian.PutUint32(buf[off+i*4:off+i*4+4], v)
	}
	off += len(p.GenCnt) * 4
	for i, v := range p.BitMapGen {
		binary.BigEndian.PutUint32(buf[off+i*4:off+i*4+4], v)
	}
	return buf
}

func DecodeReportParamsBody(buf []byte) (ReportParamsBody, error) {
	var p ReportParamsBody
	if len(buf) != reportParamsBodySize {
		return p, fmt.Errorf("wire: report_params body must be %d bytes, got %d", reportParamsBodySize, len(buf))
	}
	p.Size = binary.BigEndian.Uint64(buf[0:8])
	p.BlkSize = binary.BigEndian.Uint32(buf[8:12])
	p.State = binary.BigEndian.Uint32(buf[12:16])
	p.Protocol = buf[16]
	p.Version = buf[17]
	off := 18
	for i := range p.GenCnt {
		p.GenCnt[i] = binary.BigEndian.Uint32(buf[off+i*4 : off+i*4+4])
	}
	off += len(p.GenCnt) * 4
	for i := range p.BitMapGen {
		p.BitMapGen[i] = binary.BigEndian.Uint32(buf[off+i*4 : off+i*4+4])
	}
	return p, nil
}

// CStateChangedBody is the body of CStateChanged.
type CStateChangedBody struct {
	State uint32
}

const cstateChangedBodySize = 4

// CStateChangedBodySize is the on-wire size of a CStateChangedBody.
const CStateChangedBodySize = cstateChangedBodySize

func (c CStateChangedBody) Encode() []byte {
	buf := make([]byte, cstateChangedBodySize)
	binary.BigEndian.PutUint32(buf[0:4], c.State)
	return buf
}

func DecodeCStateChangedBody(buf []byte) (CStateChangedBody, error) {
	var c CStateChangedBody
	if len(buf) != cstateChangedBodySize {
		return c, fmt.Errorf("wire: cstate_changed body must be %d bytes, got %d", cstateChangedBodySize, len(buf))
	}
	c.State = binary.BigEndian.Uint32(buf[0:4])
	return c, nil
}

// Reader reads length-prefixed packets off a stream socket, mirroring the
// chunked-read shape of a BIRD protocol parser: a small fixed-size header
// read is always followed by exactly Length more bytes via io.ReadFull.
type Reader struct {
	r   io.Reader
	buf []byte
}

// NewReader wraps r, rejecting any packet whose declared Length exceeds
// maxPayload.
func NewReader(r io.Reader, maxPayload int) *Reader {
	return &Reader{r: r, buf: make([]byte, maxPayload)}
}

// ReadHeader reads and validates the next packet header.
func (rd *Reader) ReadHeader() (Header, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(rd.r, hbuf[:]); err != nil {
		return Header{}, err
	}
	h, err := DecodeHeader(hbuf[:])
	if err != nil {
		return h, err
	}
	if int(h.Length) > len(rd.buf) {
		return h, fmt.Errorf("wire: packet length %d exceeds max payload %d", h.Length, len(rd.buf))
	}
	return h, nil
}

// ReadBody reads exactly n bytes following the header just read by
// ReadHeader — the command-specific struct, the payload, or both
// concatenated by the caller's own accounting.
func (rd *Reader) ReadBody(n int) ([]byte, error) {
	if n > len(rd.buf) {
		return nil, fmt.Errorf("wire: body of %d bytes exceeds max payload %d", n, len(rd.buf))
	}
	if _, err := io.ReadFull(rd.r, rd.buf[:n]); err != nil {
		return nil, err
	}
	return rd.buf[:n], nil
}

// Writer writes whole packets (header, body, and optional payload) to a
// stream socket.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket sends a header declaring len(payload) as Length, followed by
// body then payload. body carries the command-specific struct (e.g. a
// DataHeader); payload is the raw block data, empty for ack-only commands.
func (wr *Writer) WritePacket(cmd Command, body, payload []byte) error {
	if len(payload) > 0xffff {
		return fmt.Errorf("wire: payload of %d bytes exceeds the 16-bit length field", len(payload))
	}
	h := Header{Magic: Magic, Command: cmd, Length: uint16(len(payload))}
	if _, err := wr.w.Write(h.Encode()); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := wr.w.Write(body); err != nil {
			return fmt.Errorf("wire: write body: %w", err)
		}
	}
	if len(payload) > 0 {
		if _, err := wr.w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}
