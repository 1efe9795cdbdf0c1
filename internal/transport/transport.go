// Package transport implements the replication protocol's sender, receiver,
// and asender state machines: two sockets (data, meta), timed keep-alive,
// flow control, and the ack policy that ties a request's completion to its
// configured protocol letter, §4.6.
package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/blocksync/blocksync/internal/translog"
	"github.com/blocksync/blocksync/internal/wire"
)

// ErrTimeout is returned by Sender.Send when the per-socket send deadline
// elapsed without the application cancelling the call first.
var ErrTimeout = errors.New("transport: send timeout")

// ErrCancelled is returned by Sender.Send when ctx was cancelled before the
// deadline elapsed: the source's "application-signalled but no timeout" case.
// Nothing is torn down, and the packet is not re-queued or re-sent.
var ErrCancelled = errors.New("transport: send cancelled")

// ErrBrokenPipe wraps any other socket error observed on send or receive.
var ErrBrokenPipe = errors.New("transport: broken pipe")

// maxPayload sizes the receive-side Reader's buffer. The header's Length
// field is 16 bits, so no packet's payload exceeds 65535 bytes.
const maxPayload = 4 << 20

// Config carries the per-connection parameters §3 names for the
// replication protocol.
type Config struct {
	Protocol     translog.Protocol
	Timeout      time.Duration // conf.timeout (§3), as a duration
	PingInterval time.Duration
}

// MetaRoundTrip tracks an average round-trip time for the meta socket.
// No caller in this repository feeds it samples: internal/device sets the
// meta socket's send timeout to 4x the configured timeout instead.
type MetaRoundTrip struct {
	avg time.Duration
}

// Observe folds one more round-trip sample into the running average using
// the same cheap exponential-smoothing shape DRBD's kernel source uses for
// its rtt estimate: avg += (sample-avg)/8.
func (m *MetaRoundTrip) Observe(sample time.Duration) {
	if m.avg == 0 {
		m.avg = sample
		return
	}
	m.avg += (sample - m.avg) / 8
}

// Timeout returns 4x the current average round-trip, or 0 before the
// first sample.
func (m *MetaRoundTrip) Timeout() time.Duration {
	if m.avg == 0 {
		return 0
	}
	return 4 * m.avg
}

func newReader(conn io.Reader) *wire.Reader {
	return wire.NewReader(conn, maxPayload)
}

func logErr(log *zap.SugaredLogger, msg string, err error) {
	if log != nil {
		log.Errorw(msg, "error", err)
	}
}

func wrapConnErr(prefix string, err error) error {
	return fmt.Errorf("%s: %w: %w", prefix, ErrBrokenPipe, err)
}
