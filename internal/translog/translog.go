// Package translog implements the transfer log: a fixed-capacity ring of
// in-flight write requests grouped into barrier-delimited epochs, so a peer
// can acknowledge a whole epoch atomically and in-flight writes survive a
// connection loss.
package translog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Protocol selects which completion stages a request must reach before it
// is reported complete upstream.
type Protocol int

const (
	ProtocolA Protocol = iota
	ProtocolB
	ProtocolC
)

// Stage is a point in a write request's lifecycle, §4.8.
type Stage int

const (
	StageNothing Stage = iota
	StageInTL
	StageSent
	StageWritten
)

// ErrOverflow is returned by Append/AddBarrier when the ring is full; the
// source treats this as a bug (barrier cadence must prevent it), so callers
// should log it as CRIT rather than retry.
var ErrOverflow = errors.New("translog: ring exhausted")

// IDSyncer is the reserved block-id used for resync traffic: never appended
// to the TL and never completes an application request, §4.6.
const IDSyncer uint64 = ^uint64(0)

// Request is a single in-flight write tracked by the transfer log. It is
// safe to share across the TL and the sender/receiver/completion paths; all
// mutation goes through its own mutex.
type Request struct {
	mu       sync.Mutex
	Sector   uint64
	NSectors uint64
	Protocol Protocol
	BlockID  uint64

	stage    Stage
	finished bool
	dirty    bool
}

// NewRequest returns a Request starting at StageNothing, covering the byte
// range [sector, sector+nsectors) in 512-byte sectors and identified on the
// wire by blockID.
func NewRequest(sector, nsectors uint64, proto Protocol, blockID uint64) *Request {
	return &Request{Sector: sector, NSectors: nsectors, Protocol: proto, BlockID: blockID}
}

func (r *Request) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// SetStage advances the request's stage. Stages only move forward.
func (r *Request) SetStage(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s > r.stage {
		r.stage = s
	}
}

func (r *Request) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *Request) setFinished() {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
}

func (r *Request) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// complete fulfills §4.8/§4.4 clear() semantics: the stage is forced to
// StageSent whatever the request's protocol, the request is marked
// finished, and dirty is recorded so the caller can give the bitmap an
// out-of-sync mark.
func (r *Request) complete(dirty bool) {
	r.mu.Lock()
	r.stage = StageSent
	r.dirty = dirty
	r.finished = true
	r.mu.Unlock()
}

type entryKind int

const (
	kindWrite entryKind = iota
	kindBarrier
)

type entry struct {
	kind      entryKind
	req       *Request // valid when kind == kindWrite
	barrierNr uint32    // valid when kind == kindBarrier
}

// Log is the transfer log: a capacity-bounded ring of entries plus the
// epoch bookkeeping built on top of it.
type Log struct {
	mu  sync.RWMutex
	log *zap.SugaredLogger

	ring []entry // logical index i lives at ring[i%cap]
	cap  int
	// begin/end are monotonically increasing logical indices: begin is the
	// oldest live entry, end is one past the newest. end-begin <= cap.
	begin, end uint64

	barrierNr    uint32
	sinceBarrier int // entries appended since the last barrier
	issueBarrier bool // set once the ring crosses the 75% watermark

	// SetOutOfSync marks [sector, sector+nsectors) dirty in the device
	// bitmap; wired in by the owning device, §4.4 clear().
	SetOutOfSync func(sector, nsectors uint64)

	// CompleteRequest is invoked once per request forced to completion by
	// Clear, after its stage/dirty bit have been updated, to let the device
	// report the forced completion upstream. Errors are aggregated and
	// returned from Clear rather than aborting the walk.
	CompleteRequest func(req *Request) error
}

// New returns an empty Log able to hold capacity entries at once.
func New(capacity int, log *zap.SugaredLogger) *Log {
	return &Log{
		ring:         make([]entry, capacity),
		cap:          capacity,
		log:          log,
		SetOutOfSync: func(uint64, uint64) {},
	}
}

func (l *Log) slot(i uint64) *entry {
	return &l.ring[i%uint64(l.cap)]
}

// Append records req as appended to the TL just before its Data packet
// leaves the wire, per §4.6's ordering guarantee (the caller must append
// before sending, not after).
func (l *Log) Append(req *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.end-l.begin >= uint64(l.cap) {
		return ErrOverflow
	}
	req.SetStage(StageInTL)
	*l.slot(l.end) = entry{kind: kindWrite, req: req}
	l.end++
	l.sinceBarrier++
	if 4*(l.end-l.begin) >= 3*uint64(l.cap) {
		l.issueBarrier = true
	}
	return nil
}

// IssueBarrier reports whether the ring has crossed its 75% watermark since
// the last barrier, §4.4 add(): the sender must prepend a barrier to the
// next data block it sends. The flag is cleared by AddBarrier.
func (l *Log) IssueBarrier() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.issueBarrier
}

// AddBarrier appends a barrier entry and returns its fresh, monotonically
// increasing number.
func (l *Log) AddBarrier() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.end-l.begin >= uint64(l.cap) {
		return 0, ErrOverflow
	}
	l.barrierNr++
	*l.slot(l.end) = entry{kind: kindBarrier, barrierNr: l.barrierNr}
	l.end++
	l.sinceBarrier = 0
	l.issueBarrier = false
	return l.barrierNr, nil
}

// Release advances begin past the barrier numbered bnr once the peer has
// acknowledged it, per §4.4. A set_size mismatch is logged, not fatal — the
// peer's count is authoritative per §7 EpochMismatch policy.
func (l *Log) Release(bnr uint32, setSize int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for i := l.begin; i < l.end; i++ {
		e := l.slot(i)
		if e.kind == kindBarrier {
			if e.barrierNr != bnr {
				if l.log != nil {
					l.log.Errorw("barrier_ack for unexpected barrier",
						"got", bnr, "expected", e.barrierNr)
				}
			}
			if count != setSize && l.log != nil {
				l.log.Errorw("epoch set_size mismatch",
					"barrier", bnr, "observed", count, "reported", setSize)
			}
			l.begin = i + 1
			return nil
		}
		count++
	}
	return fmt.Errorf("translog: release: barrier %d not found", bnr)
}

// Dependence reverse-scans the current epoch (from end back to begin or the
// nearest barrier) for req. If found, it is marked finished and Dependence
// returns true: the request is still within the current epoch and its
// completion ack must not be issued locally yet. If a barrier or begin is
// hit first, it returns false.
func (l *Log) Dependence(req *Request) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := l.end; i > l.begin; i-- {
		e := l.slot(i - 1)
		if e.kind == kindBarrier {
			return false
		}
		if e.req == req {
			e.req.setFinished()
			return true
		}
	}
	return false
}

// CheckSector reverse-scans the current epoch for a not-yet-written request
// covering sector.
func (l *Log) CheckSector(sector uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := l.end; i > l.begin; i-- {
		e := l.slot(i - 1)
		if e.kind == kindBarrier {
			return false
		}
		r := e.req
		if r.Stage() >= StageWritten {
			continue
		}
		if sector >= r.Sector && sector < r.Sector+r.NSectors {
			return true
		}
	}
	return false
}

// Clear implements §4.4's connection-loss recovery: every request not yet
// SENT is force-completed (dirty, under protocol C, or simply not yet
// written under any protocol), every sector short of WRITTEN is marked
// out-of-sync in the bitmap, and the ring is reinitialized.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs error
	for i := l.begin; i < l.end; i++ {
		e := l.slot(i)
		if e.kind != kindWrite {
			continue
		}
		r := e.req
		stage := r.Stage()

		if stage < StageWritten || r.Protocol != ProtocolC {
			l.SetOutOfSync(r.Sector, r.NSectors)
		}
		if stage < StageSent {
			r.complete(true)
			if l.CompleteRequest != nil {
				if err := l.CompleteRequest(r); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
	}

	l.begin, l.end = 0, 0
	l.sinceBarrier = 0
	l.issueBarrier = false
	return errs
}

// Len reports the number of live entries (writes and barriers) currently in
// the ring.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.end - l.begin)
}

// BarrierNr reports the most recently issued barrier number.
func (l *Log) BarrierNr() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.barrierNr
}
