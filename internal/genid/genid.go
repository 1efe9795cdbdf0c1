// Package genid implements the generation-counter metadata record used to
// decide, on reconnect, whether a quick bitmap-only resync suffices or a
// full resync is required.
package genid

import (
	"encoding/binary"
	"fmt"
)

// Counter indexes into Record.GC, in the order drbd_md_compare's
// lexicographic scan walks them.
const (
	HumanCnt = iota
	ConnectedCnt
	ArbitraryCnt
	PrimaryInd
	numCounters
)

// Magic identifies a valid generation record on disk.
const Magic uint32 = 0x47434e54 // "GCNT"

// RecordSize is the fixed on-disk size of a Record: magic (4) + four
// counters (16) + a Consistent flag padded to a full word (4).
const RecordSize = 4 + numCounters*4 + 4

// Record is the persisted generation-counter record, §4.5. Consistent has
// no home in the distilled data model's gc[0..3]; it is packed into this
// same fixed record as a fifth field, alongside the four counters it gates
// in md_syncq_ok.
type Record struct {
	GC         [numCounters]uint32
	Consistent bool
}

// New returns an all-ones record with PrimaryInd set from role, matching
// md_read's reset-on-corruption default.
func New(primary bool) Record {
	r := Record{GC: [numCounters]uint32{^uint32(0), ^uint32(0), ^uint32(0), 0}}
	if primary {
		r.GC[PrimaryInd] = 1
	}
	return r
}

// Encode serializes r into a fresh RecordSize-byte big-endian block.
func (r Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	for i, v := range r.GC {
		binary.BigEndian.PutUint32(buf[4+i*4:8+i*4], v)
	}
	if r.Consistent {
		binary.BigEndian.PutUint32(buf[4+numCounters*4:], 1)
	}
	return buf
}

// Decode parses a RecordSize-byte block written by Encode.
func Decode(buf []byte) (Record, error) {
	var r Record
	if len(buf) != RecordSize {
		return r, fmt.Errorf("genid: record must be %d bytes, got %d", RecordSize, len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return r, fmt.Errorf("genid: bad magic %#x", magic)
	}
	for i := range r.GC {
		r.GC[i] = binary.BigEndian.Uint32(buf[4+i*4 : 8+i*4])
	}
	r.Consistent = binary.BigEndian.Uint32(buf[4+numCounters*4:]) != 0
	return r, nil
}

// ReadWriter persists a Record at a fixed offset on the metadata device.
type ReadWriter interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Read loads the record at offset. On a bad magic or short read it resets
// to New(primary) and writes that back immediately, matching md_read's
// self-healing behavior on first use or corruption.
func Read(rw ReadWriter, offset int64, primary bool) (Record, error) {
	buf := make([]byte, RecordSize)
	n, err := rw.ReadAt(buf, offset)
	if err != nil || n < RecordSize {
		r := New(primary)
		if werr := Write(rw, offset, &r); werr != nil {
			return r, werr
		}
		return r, nil
	}

	r, err := Decode(buf)
	if err != nil {
		r = New(primary)
		if werr := Write(rw, offset, &r); werr != nil {
			return r, werr
		}
		return r, nil
	}
	return r, nil
}

// Write persists r at offset. Callers must call r.SetPrimary with the
// device's current role first, matching md_write's refresh-then-write
// sequence.
func Write(rw ReadWriter, offset int64, r *Record) error {
	buf := r.Encode()
	if _, err := rw.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("genid: write record: %w", err)
	}
	return nil
}

// SetPrimary refreshes the PrimaryInd counter from the device's current
// role, as md_write does immediately before every write.
func (r *Record) SetPrimary(primary bool) {
	r.GC[PrimaryInd] = boolToU32(primary)
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Inc increments exactly one counter, to be called before performing the
// operation that counter tracks.
func (r *Record) Inc(counter int) {
	r.GC[counter]++
}

// Compare performs drbd_md_compare's lexicographic scan over the four
// counters in order: 1 if me has the good bits, -1 if peer does, 0 if
// equal.
func Compare(me, peer Record) int {
	for i := 0; i < numCounters; i++ {
		if me.GC[i] > peer.GC[i] {
			return 1
		}
		if me.GC[i] < peer.GC[i] {
			return -1
		}
	}
	return 0
}

// SyncqOK implements md_syncq_ok: true only if neither side crashed
// mid-sync, neither side crashed while primary, and the primary side's
// generation matches the other side's bitmap generation for
// Human/Connected/Arbitrary. meBitmapGen is this side's own bitmap
// generation (as tracked by internal/bitmap's Snapshot/Generation); peer
// must carry the analogous value in PeerBitmapGen.
func SyncqOK(me, peer Record, iAmPrimary bool, meBitmapGen, peerBitmapGen [3]uint32) bool {
	if !me.Consistent || !peer.Consistent {
		return false
	}

	if iAmPrimary && peer.GC[PrimaryInd] == 1 {
		return false
	}
	if !iAmPrimary && me.GC[PrimaryInd] == 1 {
		return false
	}

	if iAmPrimary {
		for i := HumanCnt; i <= ArbitraryCnt; i++ {
			if meBitmapGen[i] != peer.GC[i] {
				return false
			}
		}
	} else {
		for i := HumanCnt; i <= ArbitraryCnt; i++ {
			if me.GC[i] != peerBitmapGen[i] {
				return false
			}
		}
	}

	return true
}
