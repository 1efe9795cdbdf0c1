package activitylog

import (
	"fmt"
	"io"
)

// Recover scans a ring of ringSlots TransactionSize blocks starting at
// offset on r and rebuilds the Log state as of the highest valid tr_number
// found — the AL replay operation that reconstructs post-crash state from
// nothing but the on-disk ring (§8 property 2). A block that fails to
// decode (uninitialized or torn by a crash mid-write) is skipped rather
// than treated as fatal.
func Recover(r io.ReaderAt, ringSlots uint32, offset int64, nrElements int) (*Log, error) {
	var best *Transaction

	buf := make([]byte, TransactionSize)
	for i := uint32(0); i < ringSlots; i++ {
		n, err := r.ReadAt(buf, offset+int64(i)*TransactionSize)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("activitylog: recover: read slot %d: %w", i, err)
		}
		if n < TransactionSize {
			continue
		}
		t, err := DecodeTransaction(buf)
		if err != nil {
			continue
		}
		if best == nil || newer(t.TrNumber, best.TrNumber) {
			best = t
		}
	}

	log := New(nrElements, ringSlots, nil, offset)
	if best == nil {
		return log, nil
	}

	log.trNumber = best.TrNumber + 1

	ctxSize := int(best.ContextSize)
	if ctxSize > nrElements {
		ctxSize = nrElements
	}
	if ctxSize > ContextPerTransaction {
		ctxSize = ContextPerTransaction
	}
	for i := 0; i < ctxSize; i++ {
		idx := (int(best.ContextStart) + i) % nrElements
		extent := uint64(best.Context[i])
		if extent == Free {
			continue
		}
		log.slots[idx].committed = extent
		log.byNumber[extent] = idx
	}

	// The transaction's own updates are the newest changes and are not
	// necessarily reflected in its context snapshot yet (that happens on a
	// later transaction's round-robin pass), so replay them on top.
	for i := 0; i < int(best.NUpdates) && i < UpdatesPerTransaction; i++ {
		slotNr := best.UpdateSlot[i]
		if slotNr == uint16(Free) {
			continue
		}
		idx := int(slotNr)
		if idx >= nrElements {
			continue
		}
		extent := uint64(best.UpdateExtent[i])
		if old := log.slots[idx].committed; old != Free && old != extent {
			delete(log.byNumber, old)
		}
		log.slots[idx].committed = extent
		if extent != Free {
			log.byNumber[extent] = idx
		}
	}

	log.cycle = (int(best.ContextStart) + ContextPerTransaction) % nrElements
	return log, nil
}

// newer reports whether a is a later transaction than b, assuming the
// 32-bit counter does not wrap over the metadata device's lifetime.
func newer(a, b uint32) bool {
	return a > b
}
