package device

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/blocksync/blocksync/internal/state"
	"github.com/blocksync/blocksync/internal/transport"
	"github.com/blocksync/blocksync/internal/translog"
)

// Submit is the block layer's write entry point, spec.md §4.8: acquire the
// AL extents covering the range, append a transfer-log entry before the
// Data packet leaves the wire, write locally and replicate concurrently,
// then complete once every stage the configured protocol requires has
// happened.
func (d *Device) Submit(ctx context.Context, sector, nsectors uint64, data []byte) error {
	if !state.OpenWriteAllowed(d.Role()) {
		return ErrNotPrimary
	}

	if err := d.al.BeginIO(ctx, sector, nsectors*512); err != nil {
		return fmt.Errorf("device: al begin_io: %w", err)
	}
	defer func() {
		if err := d.al.CompleteIO(sector, nsectors*512); err != nil {
			d.log.Errorw("al complete_io failed", "sector", sector, "error", err)
		}
	}()

	blockID := atomic.AddUint64(&d.blockSeq, 1)
	req := translog.NewRequest(sector, nsectors, d.proto, blockID)

	done := make(chan error, 1)
	d.trackRequest(blockID, req, done)
	defer d.untrackRequest(blockID)

	if err := d.tl.Append(req); err != nil {
		return fmt.Errorf("device: tl append: %w", err)
	}

	dataSender, haveSender := d.currentDataSender()

	localErrCh := make(chan error, 1)
	go func() { localErrCh <- d.disk.WriteAt(ctx, sector, data) }()

	if haveSender {
		if err := dataSender.SendData(ctx, d.tl, sector, blockID, data); err != nil {
			<-localErrCh
			return fmt.Errorf("device: send data: %w", err)
		}
		req.SetStage(translog.StageSent)
	}

	if err := <-localErrCh; err != nil {
		d.bitmap.SetOutOfSync(sector, nsectors)
		d.state.SetDiskState(state.Failed)
		return fmt.Errorf("device: local write: %w", err)
	}

	if d.proto == translog.ProtocolA || !haveSender {
		// Fire-and-forget: local completion is sufficient, §4.6 protocol A.
		req.SetStage(translog.StageWritten)
		d.tl.Dependence(req)
		return nil
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) currentDataSender() (*transport.Sender, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dataSender == nil {
		return nil, false
	}
	return d.dataSender, true
}
