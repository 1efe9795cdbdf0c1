package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blocksync/blocksync/internal/translog"
	"github.com/blocksync/blocksync/internal/wire"
)

// Sender drives one outbound socket (data or meta). The send mutex it holds
// is also the barrier-atomicity lock: appending a barrier to the transfer
// log and sending the Barrier packet happen under the same critical section
// so barriers are never reordered with the data that preceded them, §4.6.
type Sender struct {
	mu      sync.Mutex
	conn    net.Conn
	w       *wire.Writer
	timeout time.Duration
	log     *zap.SugaredLogger

	sendCnt uint64 // incremented only after a full packet send succeeds, §9

	// OnTimeout is invoked when a send exceeds timeout without the caller
	// cancelling ctx first. Left nil, a timeout only returns ErrTimeout.
	// internal/device sets neither OnTimeout nor OnBroken on its data or
	// meta Sender, so a timed-out send changes no connection state.
	OnTimeout func()

	// OnBroken is invoked on any other socket error (EOF, reset, ...).
	OnBroken func(error)
}

// NewSender wraps conn (already connected) as a packet sender with the
// given per-send deadline (0 disables the deadline).
func NewSender(conn net.Conn, timeout time.Duration, log *zap.SugaredLogger) *Sender {
	return &Sender{
		conn:    conn,
		w:       wire.NewWriter(conn),
		timeout: timeout,
		log:     log,
	}
}

// SendCnt reports the number of fully-succeeded sends, for diagnostics.
func (s *Sender) SendCnt() uint64 {
	return atomic.LoadUint64(&s.sendCnt)
}

// Send transmits one packet under the sender's configured deadline. ctx
// cancellation distinguishes the source's two non-success outcomes:
// cancellation before the deadline elapses returns ErrCancelled without
// touching connection state (the packet is not re-queued); a real deadline expiry
// invokes OnTimeout and returns ErrTimeout. Any other write error invokes
// OnBroken and returns a wrapped ErrBrokenPipe.
func (s *Sender) Send(ctx context.Context, cmd wire.Command, body, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(ctx, cmd, body, payload)
}

func (s *Sender) sendLocked(ctx context.Context, cmd wire.Command, body, payload []byte) error {
	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Force the in-flight Write to return immediately; this is the
			// cancellation-token substitute for the source's signal-driven
			// sender wakeup (spec.md §9).
			_ = s.conn.SetWriteDeadline(time.Now())
		case <-done:
		}
	}()
	err := s.w.WritePacket(cmd, body, payload)
	close(done)

	if err == nil {
		atomic.AddUint64(&s.sendCnt, 1)
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if s.OnTimeout != nil {
			s.OnTimeout()
		}
		return ErrTimeout
	}

	if s.OnBroken != nil {
		s.OnBroken(err)
	}
	return wrapConnErr("transport: send", err)
}

// SendBarrier implements the send-barrier policy (§4.6): atomically append a
// fresh barrier to tl and send the Barrier packet, so no data already queued
// behind the send mutex can race ahead of it on the wire.
func (s *Sender) SendBarrier(ctx context.Context, tl *translog.Log) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bnr, err := tl.AddBarrier()
	if err != nil {
		return 0, err
	}
	body := wire.BarrierBody{BarrierNr: bnr}.Encode()
	if err := s.sendLocked(ctx, wire.CmdBarrier, body, nil); err != nil {
		return bnr, err
	}
	return bnr, nil
}

// SendData sends one write request's Data packet, prepending a barrier
// first if tl.IssueBarrier() is set (the 75%-watermark policy from §4.4,
// acted on here per §4.6's "whenever ISSUE_BARRIER is observed before
// sending a data block").
func (s *Sender) SendData(ctx context.Context, tl *translog.Log, sector, blockID uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tl.IssueBarrier() {
		bnr, err := tl.AddBarrier()
		if err != nil {
			return err
		}
		if err := s.sendLocked(ctx, wire.CmdBarrier, wire.BarrierBody{BarrierNr: bnr}.Encode(), nil); err != nil {
			return err
		}
	}

	body := wire.DataHeader{Sector: sector, BlockID: blockID}.Encode()
	return s.sendLocked(ctx, wire.CmdData, body, payload)
}
