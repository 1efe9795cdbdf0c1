package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/blocksync/blocksync/internal/transport"
	"github.com/blocksync/blocksync/internal/translog"
)

// ErrNotPrimary is returned by Submit when the device's role is not
// Primary, §4.7: "a device is opened in write mode only if Primary."
var ErrNotPrimary = errors.New("device: write requires primary role")

// ErrSizeMismatch is returned by Handshake when the peer's reported device
// size disagrees with ours and AllowSizeMismatch was not set, §4.6.
var ErrSizeMismatch = transport.ErrSizeMismatch

// Kind classifies a replication-layer failure per spec.md §7. Run's
// reconnect loop logs the classified kind; it does not pick a different
// disk/connection state transition per kind.
type Kind int

const (
	KindLocalIOError Kind = iota
	KindNetworkTimeout
	KindBrokenPipe
	KindProtocolMismatch
	KindEpochMismatch
	KindTransferLogOverflow
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindLocalIOError:
		return "LocalIOError"
	case KindNetworkTimeout:
		return "NetworkTimeout"
	case KindBrokenPipe:
		return "BrokenPipe"
	case KindProtocolMismatch:
		return "ProtocolMismatch"
	case KindEpochMismatch:
		return "EpochMismatch"
	case KindTransferLogOverflow:
		return "TransferLogOverflow"
	case KindInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with its §7 taxonomy classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("device: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// classify maps a session-ending error onto its §7 kind, so Run logs one
// classified kind instead of repeating errors.Is chains at the call site.
func classify(err error) Kind {
	switch {
	case errors.Is(err, translog.ErrOverflow):
		return KindTransferLogOverflow
	case errors.Is(err, transport.ErrTimeout):
		return KindNetworkTimeout
	case errors.Is(err, transport.ErrBrokenPipe):
		return KindBrokenPipe
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, transport.ErrCancelled):
		return KindInterrupted
	default:
		return KindProtocolMismatch
	}
}
