package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blocksync/blocksync/internal/translog"
	"github.com/blocksync/blocksync/internal/wire"
)

// AsyncSender services the meta socket: it dispatches inbound RecvAck/
// WriteAck to the transfer log's completion path, BarrierAck to the
// transfer log's release, replies to Ping with PingAck, and emits its own
// Ping either when asked to (SetSendPing) or when the ping interval elapses
// with no other meta-socket traffic, §4.6.
type AsyncSender struct {
	log     *zap.SugaredLogger
	sender  *Sender
	tl      *translog.Log
	pingInt time.Duration

	mu          sync.Mutex
	sendPing    bool
	lastInbound time.Time

	// FindRequest locates the in-flight request a RecvAck/WriteAck names, by
	// (sector, blockID); nil if untracked (e.g. a stray/duplicate ack).
	FindRequest func(sector, blockID uint64) *translog.Request

	// OnCStateChanged is invoked when a CStateChanged packet arrives,
	// carrying the peer's new connection state.
	OnCStateChanged func(state uint32)

	// OnAckComplete is invoked after a RecvAck/WriteAck has advanced its
	// request's stage, so the owning device can release whatever is
	// blocked waiting on that request's completion.
	OnAckComplete func(req *translog.Request)
}

// NewAsyncSender builds an AsyncSender that reads from r (the meta socket,
// already wrapped by the caller's wire.Reader lifecycle via Run) and sends
// acks/pings through sender.
func NewAsyncSender(sender *Sender, tl *translog.Log, pingInterval time.Duration, log *zap.SugaredLogger) *AsyncSender {
	return &AsyncSender{
		log:     log,
		sender:  sender,
		tl:      tl,
		pingInt: pingInterval,
	}
}

// SetSendPing requests that the next ticker tick emit a Ping. No caller in
// this repository invokes it: a timed-out data-socket send does not lead
// to a meta-socket ping.
func (a *AsyncSender) SetSendPing() {
	a.mu.Lock()
	a.sendPing = true
	a.mu.Unlock()
}

// Run services r (the meta socket reader) until ctx is done or the
// connection errors, alongside a ticker that emits Ping packets on the
// configured cadence or whenever SetSendPing was called.
func (a *AsyncSender) Run(ctx context.Context, r *wire.Reader) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.readLoop(ctx, r) }()

	tick := a.pingInt / 4
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			if !a.pingDue() {
				continue
			}
			if err := a.sender.Send(ctx, wire.CmdPing, nil, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pingDue reports whether a Ping should go out now: either the caller
// explicitly requested one (SetSendPing) or the configured ping interval
// has elapsed with no other
// meta-socket traffic observed.
func (a *AsyncSender) pingDue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendPing {
		a.sendPing = false
		return true
	}
	if a.pingInt <= 0 {
		return false
	}
	return time.Since(a.lastInbound) >= a.pingInt
}

func (a *AsyncSender) readLoop(ctx context.Context, r *wire.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := r.ReadHeader()
		if err != nil {
			return wrapConnErr("transport: asender read header", err)
		}
		a.mu.Lock()
		a.lastInbound = time.Now()
		a.mu.Unlock()

		if err := a.dispatch(ctx, r, h); err != nil {
			return err
		}
	}
}

func (a *AsyncSender) dispatch(ctx context.Context, r *wire.Reader, h wire.Header) error {
	switch h.Command {
	case wire.CmdRecvAck, wire.CmdWriteAck:
		buf, err := r.ReadBody(wire.AckBodySize)
		if err != nil {
			return wrapConnErr("transport: asender read ack", err)
		}
		ack, err := wire.DecodeAckBody(buf)
		if err != nil {
			return fmt.Errorf("transport: asender: %w", err)
		}
		a.completeAck(ack)
		return nil

	case wire.CmdBarrierAck:
		buf, err := r.ReadBody(wire.BarrierAckBodySize)
		if err != nil {
			return wrapConnErr("transport: asender read barrier_ack", err)
		}
		ba, err := wire.DecodeBarrierAckBody(buf)
		if err != nil {
			return fmt.Errorf("transport: asender: %w", err)
		}
		if err := a.tl.Release(ba.BarrierNr, int(ba.SetSize)); err != nil {
			logErr(a.log, "barrier_ack release failed", err)
		}
		return nil

	case wire.CmdPing:
		// Ping/PingAck carry no body and no payload; nothing follows the header.
		return a.sender.Send(ctx, wire.CmdPingAck, nil, nil)

	case wire.CmdPingAck:
		return nil

	case wire.CmdCStateChanged:
		buf, err := r.ReadBody(wire.CStateChangedBodySize)
		if err != nil {
			return wrapConnErr("transport: asender read cstate_changed", err)
		}
		cs, err := wire.DecodeCStateChangedBody(buf)
		if err != nil {
			return fmt.Errorf("transport: asender: %w", err)
		}
		if a.OnCStateChanged != nil {
			a.OnCStateChanged(cs.State)
		}
		return nil

	default:
		if _, err := r.ReadBody(int(h.Length)); err != nil {
			return wrapConnErr("transport: asender drain", err)
		}
		return nil
	}
}

// completeAck marks the named request FINISHED via the transfer log's
// dependence check (consistent with §4.4's "dependence" contract: if the
// request already left the current epoch, this is its true completion
// point): it looks the request up via FindRequest, advances it to
// StageWritten, runs tl.Dependence, and reports it via OnAckComplete.
func (a *AsyncSender) completeAck(ack wire.AckBody) {
	if a.FindRequest == nil {
		return
	}
	req := a.FindRequest(ack.Sector, ack.BlockID)
	if req == nil {
		if a.log != nil {
			a.log.Warnw("ack for unknown request", "sector", ack.Sector, "block_id", ack.BlockID)
		}
		return
	}
	req.SetStage(translog.StageWritten)
	a.tl.Dependence(req)
	if a.OnAckComplete != nil {
		a.OnAckComplete(req)
	}
}
