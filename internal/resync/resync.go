// Package resync implements the resync LRU: the cache of 16 MiB extents
// that serializes resync I/O against application writes on the same
// region of a replicated device.
package resync

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ExtentSize is the size in bytes of one resync extent (BME).
const ExtentSize = 16 << 20

// alExtentSize is the activity-log extent size (§4.3); kept local to avoid
// an import cycle, since the activity log itself consults the resync LRU.
const alExtentSize = 4 << 20

// ExtentsPerALExtent is the number of activity-log extents enclosed by one
// resync extent.
const ExtentsPerALExtent = ExtentSize / alExtentSize

// stepAsideRetries is the step-aside budget: 200 retries at stepAsideDelay
// each gives an application write roughly 20 seconds to finish before the
// syncer grabs the extent regardless. Variables rather than constants so
// tests can shrink the budget instead of waiting out the real timers.
var (
	stepAsideRetries = 200
	stepAsideDelay   = 100 * time.Millisecond
)

// Flags holds the BME_* bits. Locked implies NoWrites.
type Flags uint8

const (
	NoWrites Flags = 1 << iota
	Locked
	Priority
)

// ErrAgain is returned by TryBeginIO/DelAll when the caller should retry
// later instead of blocking.
var ErrAgain = errors.New("resync: extent busy, try again")

// ErrInterrupted is returned by BeginIO when ctx is done before the extent
// could be acquired.
var ErrInterrupted = errors.New("resync: interrupted")

// Extent is one resync LRU slot.
type Extent struct {
	Number   uint64
	refcnt   int
	Flags    Flags
	RSLeft   uint64
	RSFailed uint64
}

// Refcount returns the current reference count, for tests and diagnostics.
func (e Extent) Refcount() int { return e.refcnt }

// cache is a fixed-capacity, number-indexed LRU of resync extents. Not safe
// for concurrent use on its own; Resync supplies the locking.
type cache struct {
	capacity int
	entries  map[uint64]*list.Element
	lru      *list.List // front = least recently used
	locked   int        // count of entries with refcnt > 0
}

func newCache(capacity int) *cache {
	return &cache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element, capacity),
		lru:      list.New(),
	}
}

func (c *cache) find(number uint64) *Extent {
	if el, ok := c.entries[number]; ok {
		return el.Value.(*Extent)
	}
	return nil
}

// getExisting references an already-cached entry without evicting anything,
// the non-allocating half of lc_try_get.
func (c *cache) getExisting(number uint64) *Extent {
	el, ok := c.entries[number]
	if !ok {
		return nil
	}
	c.lru.MoveToBack(el)
	e := el.Value.(*Extent)
	if e.refcnt == 0 {
		c.locked++
	}
	e.refcnt++
	return e
}

// get returns the extent for number, creating it if absent by reusing the
// least-recently-used unreferenced slot (evicting its prior occupant), or
// appending a new slot while capacity remains. weight supplies rs_left for
// a freshly (re)used slot. Returns nil if every slot is referenced.
func (c *cache) get(number uint64, weight func(uint64) uint64) *Extent {
	if e := c.getExisting(number); e != nil {
		return e
	}

	var el *list.Element
	if c.lru.Len() < c.capacity {
		el = c.lru.PushBack(&Extent{})
	} else {
		for cand := c.lru.Front(); cand != nil; cand = cand.Next() {
			if cand.Value.(*Extent).refcnt == 0 {
				el = cand
				break
			}
		}
		if el == nil {
			return nil
		}
		delete(c.entries, el.Value.(*Extent).Number)
		c.lru.MoveToBack(el)
	}

	e := el.Value.(*Extent)
	*e = Extent{Number: number, refcnt: 1, RSLeft: weight(number)}
	c.entries[number] = el
	c.locked++
	return e
}

// put drops one reference, clearing flags on last release. Returns the
// resulting refcount.
func (c *cache) put(e *Extent) int {
	e.refcnt--
	if e.refcnt == 0 {
		e.Flags = 0
		c.locked--
	}
	return e.refcnt
}

func (c *cache) reset() {
	c.lru.Init()
	c.entries = make(map[uint64]*list.Element, c.capacity)
	c.locked = 0
}

// deleteAll removes every unreferenced entry. It refuses (returns false) and
// changes nothing if any entry still holds a reference.
func (c *cache) deleteAll() bool {
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if el.Value.(*Extent).refcnt != 0 {
			return false
		}
	}
	c.reset()
	return true
}

// Resync gates resync I/O against application I/O on ExtentSize-aligned
// regions of a single device.
type Resync struct {
	mu      sync.Mutex
	cache   *cache
	wenr    uint64
	hasWenr bool

	// waiters is closed and replaced on every state change, so blocked
	// callers can re-check their condition instead of polling.
	waiters chan struct{}

	// Weight returns the starting rs_left (out-of-sync bit count) for an
	// extent the first time it is loaded into the cache.
	Weight func(extent uint64) uint64

	// InAL reports whether an activity-log extent index currently holds a
	// reference; BeginIO waits for it to clear, or for Priority to be set.
	InAL func(alExtent uint64) bool
}

// New creates a Resync LRU with room for capacity extents.
func New(capacity int, weight func(uint64) uint64, inAL func(uint64) bool) *Resync {
	return &Resync{
		cache:   newCache(capacity),
		waiters: make(chan struct{}),
		Weight:  weight,
		InAL:    inAL,
	}
}

func (r *Resync) wakeLocked() {
	close(r.waiters)
	r.waiters = make(chan struct{})
}

// ExtentNumber converts a sector number (512-byte units) to a resync extent
// index.
func ExtentNumber(sector uint64) uint64 {
	return sector * 512 / ExtentSize
}

func (r *Resync) waitAcquire(ctx context.Context, enr uint64) (*Extent, error) {
	for {
		r.mu.Lock()
		if r.cache.locked <= r.cache.capacity/2 {
			if e := r.cache.get(enr, r.Weight); e != nil {
				e.Flags |= NoWrites
				r.mu.Unlock()
				return e, nil
			}
		}
		wait := r.waiters
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ErrInterrupted
		}
	}
}

// BeginIO acquires the resync extent containing sector, blocking until it is
// available and none of its enclosed activity-log extents are in use, then
// marks it Locked. A bounded number of Priority-triggered step-asides give
// way to application I/O (see PRIORITY in the activity log) before the
// extent is grabbed regardless. Returns ErrInterrupted if ctx is done first.
func (r *Resync) BeginIO(ctx context.Context, sector uint64) error {
	enr := ExtentNumber(sector)
	stepAside := stepAsideRetries

retry:
	e, err := r.waitAcquire(ctx, enr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	locked := e.Flags&Locked != 0
	r.mu.Unlock()
	if locked {
		return nil
	}

	for i := uint64(0); i < ExtentsPerALExtent; i++ {
		alExtent := enr*ExtentsPerALExtent + i

		for {
			r.mu.Lock()
			inAL := r.InAL(alExtent)
			priority := e.Flags&Priority != 0
			wait := r.waiters
			r.mu.Unlock()
			if !inAL || priority {
				break
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return ErrInterrupted
			}
		}

		r.mu.Lock()
		stepAway := e.Flags&Priority != 0 && stepAside > 0
		r.mu.Unlock()

		if stepAway {
			r.mu.Lock()
			if r.cache.put(e) == 0 {
				r.wakeLocked()
			}
			r.mu.Unlock()

			select {
			case <-time.After(stepAsideDelay):
			case <-ctx.Done():
				return ErrInterrupted
			}
			stepAside--
			goto retry
		}
	}

	r.mu.Lock()
	e.Flags |= Locked
	r.mu.Unlock()
	return nil
}

// TryBeginIO is the non-blocking counterpart of BeginIO: it never sleeps,
// returning ErrAgain when application I/O is still in progress in the
// extent's activity-log slots. It remembers the extent it could not finish
// acquiring so that a later call for a different extent releases the stale
// reference first.
func (r *Resync) TryBeginIO(sector uint64) error {
	enr := ExtentNumber(sector)
	alBase := enr * ExtentsPerALExtent

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasWenr && r.wenr != enr {
		if e := r.cache.find(r.wenr); e != nil {
			e.Flags &^= NoWrites
			if r.cache.put(e) == 0 {
				r.wakeLocked()
			}
		}
		r.hasWenr = false
	}

	var e *Extent
	if existing := r.cache.getExisting(enr); existing != nil {
		e = existing
		if e.Flags&Locked != 0 {
			r.hasWenr = false
			return nil
		}
		if e.Flags&NoWrites == 0 {
			e.Flags |= NoWrites
		} else {
			// The extra reference getExisting just took duplicates one we
			// already held via a previous TryBeginIO attempt; drop it.
			r.cache.put(e)
		}
	} else {
		if r.cache.locked > r.cache.capacity-3 {
			r.wenr, r.hasWenr = enr, true
			return ErrAgain
		}
		e = r.cache.get(enr, r.Weight)
		if e == nil {
			r.wenr, r.hasWenr = enr, true
			return ErrAgain
		}
		e.Flags |= NoWrites
	}

	for i := uint64(0); i < ExtentsPerALExtent; i++ {
		if r.InAL(alBase + i) {
			r.wenr, r.hasWenr = enr, true
			return ErrAgain
		}
	}

	e.Flags |= Locked
	r.hasWenr = false
	return nil
}

// CompleteIO drops one reference on the extent containing sector, clearing
// all its flags and waking waiters once the last reference is released.
func (r *Resync) CompleteIO(sector uint64) error {
	enr := ExtentNumber(sector)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.cache.find(enr)
	if e == nil {
		return fmt.Errorf("resync: complete_io: extent %d not found", enr)
	}
	if e.refcnt == 0 {
		return fmt.Errorf("resync: complete_io: extent %d refcount already zero", enr)
	}
	if r.cache.put(e) == 0 {
		r.wakeLocked()
	}
	return nil
}

// CancelAll drops every extent from the LRU regardless of reference count
// and wakes all waiters, used when the connection is being torn down.
func (r *Resync) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.reset()
	r.hasWenr = false
	r.wakeLocked()
}

// DelAll gracefully removes every extent, returning ErrAgain without
// changing anything if at least one is still referenced.
func (r *Resync) DelAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasWenr {
		if e := r.cache.find(r.wenr); e != nil {
			e.Flags &^= NoWrites
			r.cache.put(e)
		}
		r.hasWenr = false
	}

	if !r.cache.deleteAll() {
		return ErrAgain
	}
	r.wakeLocked()
	return nil
}

// Snapshot returns a copy of the extent covering sector, for tests and
// diagnostics; the bool is false if the extent is not currently cached.
func (r *Resync) Snapshot(sector uint64) (Extent, bool) {
	enr := ExtentNumber(sector)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.cache.find(enr)
	if e == nil {
		return Extent{}, false
	}
	return *e, true
}

// RaisePriority sets the Priority flag on the extent containing sector, if
// it is currently cached with NoWrites set; this is how an application
// write in that extent asks the syncer to step aside.
func (r *Resync) RaisePriority(sector uint64) (wake bool) {
	enr := ExtentNumber(sector)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.cache.find(enr)
	if e == nil || e.Flags&NoWrites == 0 {
		return false
	}
	if e.Flags&Priority != 0 {
		return false
	}
	e.Flags |= Priority
	r.wakeLocked()
	return true
}
