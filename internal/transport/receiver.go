package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/blocksync/blocksync/internal/backend"
	"github.com/blocksync/blocksync/internal/translog"
	"github.com/blocksync/blocksync/internal/wire"
)

// epochEntry is one EE: a receive-side record of an in-flight write, tracked
// so a Barrier is only acknowledged once every EE that preceded it on the
// wire has actually landed on the local backing device, §4.6.
type epochEntry struct {
	sector   uint64
	nsectors uint64
	blockID  uint64
	done     chan struct{}
}

func (e *epochEntry) overlaps(sector, nsectors uint64) bool {
	return sector < e.sector+e.nsectors && e.sector < sector+nsectors
}

// Receiver services the data socket on the side receiving writes: for each
// Data packet it waits out any overlapping in-flight write (the "busy-block"
// wait), submits the payload to the local disk, and acknowledges according
// to the configured protocol. Barrier packets are only acknowledged once
// every EE from the epoch they close has completed.
type Receiver struct {
	log   *zap.SugaredLogger
	r     *wire.Reader
	disk  backend.LocalDisk
	proto translog.Protocol

	mu      sync.Mutex
	waiters chan struct{}
	inFlight []*epochEntry
	epoch    []*epochEntry

	// Ack sends RecvAck/WriteAck/BarrierAck back over the meta socket.
	Ack *Sender

	// OnLocalIOError is invoked when the local disk write fails, so the
	// caller can mark the affected range out-of-sync in the bitmap (§7
	// LocalIOError policy).
	OnLocalIOError func(sector, nsectors uint64)
}

// NewReceiver wraps conn as a Receiver reading Data/Barrier/ReportParams
// packets.
func NewReceiver(conn wireConn, disk backend.LocalDisk, proto translog.Protocol, log *zap.SugaredLogger) *Receiver {
	return &Receiver{
		log:     log,
		r:       newReader(conn),
		disk:    disk,
		proto:   proto,
		waiters: make(chan struct{}),
	}
}

// wireConn is the subset of net.Conn the receiver's Reader needs; named so
// tests can supply an io.Reader-backed fake without a full net.Conn.
type wireConn = io.Reader

func (rc *Receiver) wake() {
	close(rc.waiters)
	rc.waiters = make(chan struct{})
}

// Run reads and dispatches packets until ctx is done or the connection
// errors out.
func (rc *Receiver) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := rc.r.ReadHeader()
		if err != nil {
			return wrapConnErr("transport: receiver read header", err)
		}
		if err := rc.dispatch(ctx, h); err != nil {
			return err
		}
	}
}

func (rc *Receiver) dispatch(ctx context.Context, h wire.Header) error {
	switch h.Command {
	case wire.CmdData, wire.CmdDataReply:
		return rc.handleData(ctx, h)
	case wire.CmdBarrier:
		return rc.handleBarrier(ctx, h)
	default:
		// Unknown-to-this-loop commands (ReportParams, resync commands) are
		// drained so the stream stays in sync; callers that need them use a
		// dedicated Handshake pass before Run starts servicing Data.
		if _, err := rc.r.ReadBody(int(h.Length)); err != nil {
			return wrapConnErr("transport: receiver drain", err)
		}
		return nil
	}
}

func (rc *Receiver) handleData(ctx context.Context, h wire.Header) error {
	hbuf, err := rc.r.ReadBody(wire.DataHeaderSize)
	if err != nil {
		return wrapConnErr("transport: receiver read data header", err)
	}
	dh, err := wire.DecodeDataHeader(hbuf)
	if err != nil {
		return fmt.Errorf("transport: receiver: %w", err)
	}

	raw, err := rc.r.ReadBody(int(h.Length))
	if err != nil {
		return wrapConnErr("transport: receiver read payload", err)
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	nsectors := uint64(len(data)) / 512

	if err := rc.waitUnbusy(ctx, dh.Sector, nsectors); err != nil {
		return err
	}

	ee := &epochEntry{sector: dh.Sector, nsectors: nsectors, blockID: dh.BlockID, done: make(chan struct{})}
	rc.mu.Lock()
	rc.inFlight = append(rc.inFlight, ee)
	rc.epoch = append(rc.epoch, ee)
	rc.mu.Unlock()

	if rc.proto == translog.ProtocolB && dh.BlockID != translog.IDSyncer {
		if err := rc.sendAck(ctx, wire.CmdRecvAck, dh.Sector, dh.BlockID); err != nil {
			return err
		}
	}

	go rc.complete(ctx, ee, dh, data)
	return nil
}

// complete submits the payload to the local disk and, for protocol C,
// acknowledges once it lands. It runs off the read loop's goroutine so the
// receiver keeps draining the socket while the write is in flight.
func (rc *Receiver) complete(ctx context.Context, ee *epochEntry, dh wire.DataHeader, data []byte) {
	err := rc.disk.WriteAt(ctx, ee.sector, data)
	if err == nil && rc.proto == translog.ProtocolC {
		err = rc.disk.Flush(ctx)
	}

	rc.mu.Lock()
	rc.inFlight = removeEntry(rc.inFlight, ee)
	rc.wake()
	rc.mu.Unlock()
	close(ee.done)

	if err != nil {
		if rc.log != nil {
			rc.log.Errorw("local write failed", "sector", ee.sector, "error", err)
		}
		if rc.OnLocalIOError != nil {
			rc.OnLocalIOError(ee.sector, ee.nsectors)
		}
		return
	}

	if rc.proto == translog.ProtocolC && dh.BlockID != translog.IDSyncer {
		if err := rc.sendAck(ctx, wire.CmdWriteAck, dh.Sector, dh.BlockID); err != nil && rc.log != nil {
			rc.log.Errorw("failed to send write ack", "sector", ee.sector, "error", err)
		}
	}
}

func removeEntry(s []*epochEntry, target *epochEntry) []*epochEntry {
	out := s[:0]
	for _, e := range s {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

func (rc *Receiver) waitUnbusy(ctx context.Context, sector, nsectors uint64) error {
	for {
		rc.mu.Lock()
		busy := false
		for _, e := range rc.inFlight {
			if e.overlaps(sector, nsectors) {
				busy = true
				break
			}
		}
		if !busy {
			rc.mu.Unlock()
			return nil
		}
		wait := rc.waiters
		rc.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (rc *Receiver) sendAck(ctx context.Context, cmd wire.Command, sector, blockID uint64) error {
	if rc.Ack == nil {
		return nil
	}
	body := wire.AckBody{Sector: sector, BlockID: blockID}.Encode()
	return rc.Ack.Send(ctx, cmd, body, nil)
}

// handleBarrier waits until every EE opened before this barrier has
// completed, then sends BarrierAck(nr, count) and opens the next epoch.
func (rc *Receiver) handleBarrier(ctx context.Context, h wire.Header) error {
	buf, err := rc.r.ReadBody(wire.BarrierBodySize)
	if err != nil {
		return wrapConnErr("transport: receiver read barrier", err)
	}
	b, err := wire.DecodeBarrierBody(buf)
	if err != nil {
		return fmt.Errorf("transport: receiver: %w", err)
	}

	rc.mu.Lock()
	pending := rc.epoch
	rc.epoch = nil
	rc.mu.Unlock()

	for _, ee := range pending {
		select {
		case <-ee.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if rc.Ack == nil {
		return nil
	}
	ackBody := wire.BarrierAckBody{BarrierNr: b.BarrierNr, SetSize: uint32(len(pending))}.Encode()
	return rc.Ack.Send(ctx, wire.CmdBarrierAck, ackBody, nil)
}
