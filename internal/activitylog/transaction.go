// Package activitylog implements the activity log (AL): a bounded,
// write-through LRU of "hot" 4 MiB extents, persisted as a ring of
// CRC-protected transactions so that a crash only leaves a bounded region
// to resync.
package activitylog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ExtentSize is the size in bytes of one activity-log extent.
const ExtentSize = 4 << 20

// TransactionSize is the fixed on-disk size of one transaction block.
const TransactionSize = 4096

// UpdatesPerTransaction is the number of slot changes one transaction can
// record directly.
const UpdatesPerTransaction = 64

// ContextPerTransaction is the number of extent numbers carried as a
// round-robin snapshot of the rest of the log, filling the remainder of the
// 4096-byte block after the header and the updates.
const ContextPerTransaction = 919

const transactionHeaderSize = 4 + 4 + 4 + 2 + 2 + 2 + 2 + 4*4

// Free marks an unused slot or a reserved update/context entry.
const Free uint64 = 0xffffffff

// Magic identifies a valid activity-log transaction block ("ALTR").
const Magic uint32 = 0x414c5452

// Transaction types.
const (
	TypeUpdate      uint16 = 0
	TypeInitialized uint16 = 0xffff
)

func init() {
	const want = transactionHeaderSize + UpdatesPerTransaction*2 + UpdatesPerTransaction*4 + ContextPerTransaction*4
	if want != TransactionSize {
		panic(fmt.Sprintf("activitylog: transaction layout does not add up to %d bytes (got %d)", TransactionSize, want))
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Transaction is one AL transaction block, §4.3/§6.
type Transaction struct {
	TrNumber     uint32
	Type         uint16
	ContextSize  uint16
	ContextStart uint16
	Reserved     [4]uint32

	NUpdates     uint16
	UpdateSlot   [UpdatesPerTransaction]uint16
	UpdateExtent [UpdatesPerTransaction]uint32

	Context [ContextPerTransaction]uint32
}

// Encode serializes t into a fresh TransactionSize-byte big-endian block
// with a correct CRC32C computed over the whole block with the checksum
// field itself zeroed.
func (t *Transaction) Encode() []byte {
	buf := make([]byte, TransactionSize)

	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], t.TrNumber)
	// buf[8:12] is the crc32c field, left zero for the checksum pass.
	binary.BigEndian.PutUint16(buf[12:14], t.Type)
	binary.BigEndian.PutUint16(buf[14:16], t.NUpdates)
	binary.BigEndian.PutUint16(buf[16:18], t.ContextSize)
	binary.BigEndian.PutUint16(buf[18:20], t.ContextStart)
	for i, r := range t.Reserved {
		binary.BigEndian.PutUint32(buf[20+i*4:24+i*4], r)
	}

	off := transactionHeaderSize
	for i := 0; i < UpdatesPerTransaction; i++ {
		binary.BigEndian.PutUint16(buf[off+i*2:off+i*2+2], t.UpdateSlot[i])
	}
	off += UpdatesPerTransaction * 2
	for i := 0; i < UpdatesPerTransaction; i++ {
		binary.BigEndian.PutUint32(buf[off+i*4:off+i*4+4], t.UpdateExtent[i])
	}
	off += UpdatesPerTransaction * 4
	for i := 0; i < ContextPerTransaction; i++ {
		binary.BigEndian.PutUint32(buf[off+i*4:off+i*4+4], t.Context[i])
	}

	crc := crc32.Checksum(buf, crcTable)
	binary.BigEndian.PutUint32(buf[8:12], crc)
	return buf
}

// DecodeTransaction parses and validates a TransactionSize-byte block,
// checking the magic and the CRC32C over the block with the checksum field
// zeroed out, exactly as it was computed on write.
func DecodeTransaction(buf []byte) (*Transaction, error) {
	if len(buf) != TransactionSize {
		return nil, fmt.Errorf("activitylog: transaction block must be %d bytes, got %d", TransactionSize, len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, fmt.Errorf("activitylog: bad magic %#x", magic)
	}

	wantCRC := binary.BigEndian.Uint32(buf[8:12])
	check := make([]byte, TransactionSize)
	copy(check, buf)
	binary.BigEndian.PutUint32(check[8:12], 0)
	if gotCRC := crc32.Checksum(check, crcTable); gotCRC != wantCRC {
		return nil, fmt.Errorf("activitylog: crc32c mismatch: block says %#x, computed %#x", wantCRC, gotCRC)
	}

	t := &Transaction{
		TrNumber:     binary.BigEndian.Uint32(buf[4:8]),
		Type:         binary.BigEndian.Uint16(buf[12:14]),
		NUpdates:     binary.BigEndian.Uint16(buf[14:16]),
		ContextSize:  binary.BigEndian.Uint16(buf[16:18]),
		ContextStart: binary.BigEndian.Uint16(buf[18:20]),
	}
	for i := range t.Reserved {
		t.Reserved[i] = binary.BigEndian.Uint32(buf[20+i*4 : 24+i*4])
	}

	off := transactionHeaderSize
	for i := 0; i < UpdatesPerTransaction; i++ {
		t.UpdateSlot[i] = binary.BigEndian.Uint16(buf[off+i*2 : off+i*2+2])
	}
	off += UpdatesPerTransaction * 2
	for i := 0; i < UpdatesPerTransaction; i++ {
		t.UpdateExtent[i] = binary.BigEndian.Uint32(buf[off+i*4 : off+i*4+4])
	}
	off += UpdatesPerTransaction * 4
	for i := 0; i < ContextPerTransaction; i++ {
		t.Context[i] = binary.BigEndian.Uint32(buf[off+i*4 : off+i*4+4])
	}

	return t, nil
}
