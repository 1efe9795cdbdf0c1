// Package state implements the three state machines that govern a
// replicated device: role (who may accept writes), connection state (the
// peer link), and disk state (the local backing device), §4.7.
package state

import (
	"fmt"
	"sync"
)

// Role is Primary, Secondary, or Unknown. Only a Primary device accepts
// writes from the block layer; a device is opened in write mode only if
// Primary.
type Role int

const (
	Unknown Role = iota
	Primary
	Secondary
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "Primary"
	case Secondary:
		return "Secondary"
	default:
		return "Unknown"
	}
}

// ConnState is the connection state of the peer link. Unconfigured is the
// only terminal state.
type ConnState int

const (
	Unconfigured ConnState = iota
	StandAlone
	Unconnected
	WFConnection
	WFReportParams
	Connected
	SyncingAll
	SyncingQuick
	Timeout
	BrokenPipe
	NetworkFailure
)

func (c ConnState) String() string {
	switch c {
	case Unconfigured:
		return "Unconfigured"
	case StandAlone:
		return "StandAlone"
	case Unconnected:
		return "Unconnected"
	case WFConnection:
		return "WFConnection"
	case WFReportParams:
		return "WFReportParams"
	case Connected:
		return "Connected"
	case SyncingAll:
		return "SyncingAll"
	case SyncingQuick:
		return "SyncingQuick"
	case Timeout:
		return "Timeout"
	case BrokenPipe:
		return "BrokenPipe"
	case NetworkFailure:
		return "NetworkFailure"
	default:
		return fmt.Sprintf("ConnState(%d)", int(c))
	}
}

// Syncing reports whether c is one of the two resync connection states.
func (c ConnState) Syncing() bool {
	return c == SyncingAll || c == SyncingQuick
}

// Failed reports whether c is one of the connection-loss terminal states
// that the connection supervisor reacts to by tearing down and reconnecting.
func (c ConnState) Failed() bool {
	switch c {
	case Timeout, BrokenPipe, NetworkFailure:
		return true
	default:
		return false
	}
}

// DiskState is the state of the local backing device.
type DiskState int

const (
	Diskless DiskState = iota
	Attaching
	Failed
	Negotiating
	Inconsistent
	Outdated
	Consistent
	UpToDate
)

func (d DiskState) String() string {
	switch d {
	case Diskless:
		return "Diskless"
	case Attaching:
		return "Attaching"
	case Failed:
		return "Failed"
	case Negotiating:
		return "Negotiating"
	case Inconsistent:
		return "Inconsistent"
	case Outdated:
		return "Outdated"
	case Consistent:
		return "Consistent"
	case UpToDate:
		return "UpToDate"
	default:
		return fmt.Sprintf("DiskState(%d)", int(d))
	}
}

// MDIOAllowed reports whether metadata I/O is permitted in disk state d:
// state >= Negotiating, or exactly Attaching (the brief window while the
// metadata device is still being opened but its superblock has not been
// read yet).
func MDIOAllowed(d DiskState) bool {
	return d == Attaching || d >= Negotiating
}

// OpenWriteAllowed reports whether the block layer may open the device for
// writing: only a Primary role accepts application writes, §4.7.
func OpenWriteAllowed(r Role) bool {
	return r == Primary
}

// Machine bundles the three state machines for one device behind a single
// mutex, so transitions and waiters are consistent with each other without
// every caller wiring its own locking.
type Machine struct {
	mu     sync.Mutex
	notify func(old, new ConnState)

	role       Role
	cstat      ConnState
	disk       DiskState
	configured bool
}

// New returns a Machine starting Unknown/Unconfigured/Diskless, the state a
// freshly attached-but-not-yet-configured device begins in. Unconfigured is
// only a *source* here for the one legal configure transition,
// Unconfigured -> StandAlone, §4.7; it becomes an un-leaveable terminal
// state once re-entered afterward (teardown).
func New() *Machine {
	return &Machine{cstat: Unconfigured, disk: Diskless}
}

// OnCStateChange installs a callback invoked after every successful SetCState,
// used to emit the CStateChanged wire packet per §4.7, "set_cstate ...
// sends CStateChanged to the peer when the data socket is healthy".
func (m *Machine) OnCStateChange(fn func(old, new ConnState)) {
	m.notify = fn
}

func (m *Machine) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Machine) ConnState() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cstat
}

func (m *Machine) DiskState() DiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disk
}

// SetRole updates the role. Non-goal-bound: this repo does not arbitrate
// concurrent primaries (§1), it only records the value the control surface
// set.
func (m *Machine) SetRole(r Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = r
}

// SetDiskState updates the disk state.
func (m *Machine) SetDiskState(d DiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disk = d
}

// SetCState transitions the connection state and fires OnCStateChange.
// Unconfigured -> StandAlone (the initial configure step, §4.7) is always
// allowed; any later transition out of Unconfigured is rejected, since by
// then it was re-entered as a teardown destination, not the machine's
// starting point.
func (m *Machine) SetCState(c ConnState) error {
	m.mu.Lock()
	if m.cstat == Unconfigured && m.configured {
		m.mu.Unlock()
		return fmt.Errorf("state: cannot leave terminal state Unconfigured")
	}
	old := m.cstat
	m.cstat = c
	m.configured = true
	notify := m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(old, c)
	}
	return nil
}
