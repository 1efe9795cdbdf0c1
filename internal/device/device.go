// Package device is the per-device supervisor: it owns one replicated
// block device's bitmap, activity log, transfer log, resync LRU,
// generation record and role/connection/disk state machine, and runs its
// receiver/asender loops for the lifetime of one connection, reconnecting
// with backoff across drops, spec.md §4.8 + §2.
package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blocksync/blocksync/internal/activitylog"
	"github.com/blocksync/blocksync/internal/backend"
	"github.com/blocksync/blocksync/internal/bitmap"
	"github.com/blocksync/blocksync/internal/config"
	"github.com/blocksync/blocksync/internal/genid"
	"github.com/blocksync/blocksync/internal/resync"
	"github.com/blocksync/blocksync/internal/state"
	"github.com/blocksync/blocksync/internal/transport"
	"github.com/blocksync/blocksync/internal/translog"
	"github.com/blocksync/blocksync/internal/wire"
)

// markerData/markerMeta are the one-byte prefixes that tag an outbound
// connection as the data or meta socket, so either side can demux the two
// independent TCP connections spec.md §4.6 calls for without a third
// rendezvous channel.
const (
	markerData byte = 1
	markerMeta byte = 2
)

const genidOffset = 0

type options struct {
	log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{log: zap.NewNop().Sugar()}
}

// Option configures a Device.
type Option func(*options)

// WithLog sets the device's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// Device supervises one replicated block device instance.
type Device struct {
	log  *zap.SugaredLogger
	cfg  config.DeviceConfig
	proto translog.Protocol

	disk    backend.LocalDisk
	metaRW  genid.ReadWriter

	bitmap *bitmap.Bitmap
	al     *activitylog.Log
	tl     *translog.Log
	resync *resync.Resync
	state  *state.Machine

	genMu sync.Mutex
	gen   genid.Record

	blockSeq uint64

	mu         sync.Mutex
	dataSender *transport.Sender
	metaSender *transport.Sender
	ln         net.Listener

	reqMu    sync.Mutex
	reqByID  map[uint64]*translog.Request
	doneByID map[uint64]chan error
}

// New builds a Device from cfg, the local backing disk, and the metadata
// device/file backing the generation-counter record and AL transaction
// ring.
func New(cfg config.DeviceConfig, disk backend.LocalDisk, metaRW genid.ReadWriter, opts ...Option) (*Device, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	proto, err := cfg.ResolveProtocol()
	if err != nil {
		return nil, err
	}

	nbits := (disk.Size() + bitmap.BlockSize - 1) / bitmap.BlockSize
	bm := bitmap.New(nbits)

	const alRingOffset = genid.RecordSize
	al := activitylog.New(cfg.ALExtents, 64, metaRW, alRingOffset)

	rs := resync.New(cfg.ResyncExtents, func(extent uint64) uint64 {
		return bm.EWeight(extent, resync.ExtentSize/bitmap.BlockSize)
	}, func(alExtent uint64) bool {
		refcnt, ok := al.Find(alExtent)
		return ok && refcnt > 0
	})
	al.InResync = func(alExtent uint64) bool {
		resyncExtent := alExtent / resync.ExtentsPerALExtent
		sector := resyncExtent * resync.ExtentSize / 512
		e, ok := rs.Snapshot(sector)
		return ok && e.Flags&resync.NoWrites != 0
	}
	al.RaiseResyncPriority = func(alExtent uint64) {
		resyncExtent := alExtent / resync.ExtentsPerALExtent
		sector := resyncExtent * resync.ExtentSize / 512
		rs.RaisePriority(sector)
	}

	tl := translog.New(cfg.TLSize, o.log)

	gen, err := genid.Read(metaRW, genidOffset, cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("device: read generation record: %w", err)
	}

	sm := state.New()
	if cfg.Primary {
		sm.SetRole(state.Primary)
	} else {
		sm.SetRole(state.Secondary)
	}

	d := &Device{
		log:      o.log,
		cfg:      cfg,
		proto:    proto,
		disk:     disk,
		metaRW:   metaRW,
		bitmap:   bm,
		al:       al,
		tl:       tl,
		resync:   rs,
		state:    sm,
		gen:      gen,
		reqByID:  make(map[uint64]*translog.Request),
		doneByID: make(map[uint64]chan error),
	}

	tl.SetOutOfSync = func(sector, nsectors uint64) { bm.SetOutOfSync(sector, nsectors) }
	tl.CompleteRequest = d.completeForced

	sm.OnCStateChange(d.onCStateChange)
	// Unconfigured -> StandAlone is the one legal transition out of the
	// construction-time state, §4.7; from here on Unconfigured is only a
	// teardown destination.
	if err := sm.SetCState(state.StandAlone); err != nil {
		return nil, fmt.Errorf("device: configure: %w", err)
	}

	return d, nil
}

// Role reports the device's current role.
func (d *Device) Role() state.Role { return d.state.Role() }

// SetRole changes the device's role, persisting the updated PrimaryInd into
// the generation record as md_write does, §4.5.
func (d *Device) SetRole(r state.Role) {
	d.state.SetRole(r)

	d.genMu.Lock()
	defer d.genMu.Unlock()
	d.gen.SetPrimary(r == state.Primary)
	if err := genid.Write(d.metaRW, genidOffset, &d.gen); err != nil && d.log != nil {
		d.log.Errorw("failed to persist generation record", "error", err)
	}
}

// Close releases any held listener.
func (d *Device) Close() error {
	d.mu.Lock()
	ln := d.ln
	d.ln = nil
	d.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Run drives the connection supervisor: connect (dial or accept), run one
// replication session until it ends, clear the transfer log, and retry
// with backoff, until ctx is done. Mirrors the teacher's
// Coordinator.Run/BuiltInModuleRunner.Run shape of "long blocking loop
// inside Run, errgroup for the concurrent pieces within one session."
func (d *Device) Run(ctx context.Context) error {
	d.log.Infow("starting device", "protocol", d.cfg.Protocol)
	defer d.log.Info("device stopped")

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         30 * time.Second,
	}
	bo.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		d.setCState(state.Unconnected)
		dataConn, metaConn, err := d.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warnw("connect failed, retrying", "error", err, "kind", classify(err).String())
			d.sleepBackoff(ctx, bo)
			continue
		}

		bo.Reset()
		sessErr := d.runSession(ctx, dataConn, metaConn)
		dataConn.Close()
		metaConn.Close()

		if clearErr := d.tl.Clear(); clearErr != nil {
			d.log.Errorw("transfer log clear after disconnect reported errors", "error", clearErr)
		}
		d.setCState(state.Unconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sessErr != nil {
			d.log.Warnw("replication session ended, reconnecting", "error", sessErr, "kind", classify(sessErr).String())
		}
	}
}

func (d *Device) sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) {
	select {
	case <-time.After(bo.NextBackOff()):
	case <-ctx.Done():
	}
}

func (d *Device) setCState(cs state.ConnState) {
	if err := d.state.SetCState(cs); err != nil && d.log != nil {
		d.log.Debugw("cstate transition rejected", "to", cs, "error", err)
	}
}

// onCStateChange is state.Machine's OnCStateChange callback: it emits
// CStateChanged to the peer whenever the data socket is healthy, §4.7
// ("set_cstate ... sends CStateChanged to the peer when the data socket is
// healthy"). Outside a session (no sockets yet, or torn down) this is a
// no-op rather than an error, since there is no one to tell.
func (d *Device) onCStateChange(_, new state.ConnState) {
	d.mu.Lock()
	dataSender := d.dataSender
	metaSender := d.metaSender
	d.mu.Unlock()

	if dataSender == nil || metaSender == nil {
		return
	}

	body := wire.CStateChangedBody{State: uint32(new)}.Encode()
	if err := metaSender.Send(context.Background(), wire.CmdCStateChanged, body, nil); err != nil {
		d.log.Warnw("failed to notify peer of cstate change", "error", err)
	}
}

func (d *Device) connect(ctx context.Context) (net.Conn, net.Conn, error) {
	if d.cfg.PeerAddress != "" {
		return d.dialBoth(ctx)
	}
	return d.acceptBoth(ctx)
}

func (d *Device) dialBoth(ctx context.Context) (net.Conn, net.Conn, error) {
	var dialer net.Dialer

	dataConn, err := dialer.DialContext(ctx, "tcp", d.cfg.PeerAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("device: dial data socket: %w", err)
	}
	if _, err := dataConn.Write([]byte{markerData}); err != nil {
		dataConn.Close()
		return nil, nil, fmt.Errorf("device: send data marker: %w", err)
	}

	metaConn, err := dialer.DialContext(ctx, "tcp", d.cfg.PeerAddress)
	if err != nil {
		dataConn.Close()
		return nil, nil, fmt.Errorf("device: dial meta socket: %w", err)
	}
	if _, err := metaConn.Write([]byte{markerMeta}); err != nil {
		dataConn.Close()
		metaConn.Close()
		return nil, nil, fmt.Errorf("device: send meta marker: %w", err)
	}

	return dataConn, metaConn, nil
}

func (d *Device) acceptBoth(ctx context.Context) (net.Conn, net.Conn, error) {
	ln, err := d.listener()
	if err != nil {
		return nil, nil, err
	}

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptOne := func() <-chan accepted {
		ch := make(chan accepted, 1)
		go func() {
			conn, err := ln.Accept()
			ch <- accepted{conn, err}
		}()
		return ch
	}

	var dataConn, metaConn net.Conn
	for dataConn == nil || metaConn == nil {
		select {
		case a := <-acceptOne():
			if a.err != nil {
				return nil, nil, fmt.Errorf("device: accept: %w", a.err)
			}
			var marker [1]byte
			if _, err := io.ReadFull(a.conn, marker[:]); err != nil {
				a.conn.Close()
				continue
			}
			switch marker[0] {
			case markerData:
				if dataConn != nil {
					dataConn.Close()
				}
				dataConn = a.conn
			case markerMeta:
				if metaConn != nil {
					metaConn.Close()
				}
				metaConn = a.conn
			default:
				a.conn.Close()
			}
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return dataConn, metaConn, nil
}

func (d *Device) listener() (net.Listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		return d.ln, nil
	}
	ln, err := net.Listen("tcp", d.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("device: listen: %w", err)
	}
	d.ln = ln
	return ln, nil
}

// runSession performs the post-reconnect handshake, then services the two
// sockets until either errors out, §4.6/§5.
func (d *Device) runSession(ctx context.Context, dataConn, metaConn net.Conn) error {
	dataSender := transport.NewSender(dataConn, d.cfg.Timeout, d.log)
	metaSender := transport.NewSender(metaConn, 4*d.cfg.Timeout, d.log)

	d.setCState(state.WFReportParams)

	me := d.handshakeParams()
	dataReader := wire.NewReader(dataConn, 4<<20)
	result, err := transport.Handshake(ctx, dataSender, dataReader, me, d.Role() == state.Primary, d.cfg.AllowSizeMismatch)
	if err != nil {
		return fmt.Errorf("device: handshake: %w", err)
	}

	// Store the sender pair before the post-handshake cstate transition, so
	// onCStateChange's "data socket is healthy" check sees them and the
	// peer actually gets told about Connected/SyncingAll/SyncingQuick.
	d.mu.Lock()
	d.dataSender = dataSender
	d.metaSender = metaSender
	d.mu.Unlock()
	d.setCState(result.CState)

	defer func() {
		d.mu.Lock()
		d.dataSender = nil
		d.metaSender = nil
		d.mu.Unlock()
	}()

	rc := transport.NewReceiver(dataConn, d.disk, d.proto, d.log)
	rc.Ack = metaSender
	rc.OnLocalIOError = d.onLocalIOError

	a := transport.NewAsyncSender(metaSender, d.tl, d.cfg.PingInterval, d.log)
	a.FindRequest = d.findRequest
	a.OnAckComplete = d.onAckComplete
	a.OnCStateChanged = func(v uint32) {
		d.log.Debugw("peer cstate changed", "state", state.ConnState(v).String())
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return rc.Run(ctx) })
	wg.Go(func() error { return a.Run(ctx, wire.NewReader(metaConn, 4<<20)) })
	return wg.Wait()
}

func (d *Device) handshakeParams() transport.Params {
	d.genMu.Lock()
	gen := d.gen
	d.genMu.Unlock()
	bmGen := d.bitmap.Generation()

	return transport.Params{
		Size:      d.disk.Size(),
		BlkSize:   uint32(d.cfg.BlockSize),
		CState:    d.state.ConnState(),
		Protocol:  uint8(d.proto),
		Version:   1,
		Gen:       gen,
		BitmapGen: [3]uint32{bmGen[0], bmGen[1], bmGen[2]},
	}
}

func (d *Device) onLocalIOError(sector, nsectors uint64) {
	d.bitmap.SetOutOfSync(sector, nsectors)
	d.state.SetDiskState(state.Failed)
}

func (d *Device) findRequest(_, blockID uint64) *translog.Request {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	return d.reqByID[blockID]
}

func (d *Device) trackRequest(blockID uint64, req *translog.Request, done chan error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	d.reqByID[blockID] = req
	d.doneByID[blockID] = done
}

func (d *Device) untrackRequest(blockID uint64) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	delete(d.reqByID, blockID)
	delete(d.doneByID, blockID)
}

func (d *Device) onAckComplete(req *translog.Request) {
	d.reqMu.Lock()
	ch, ok := d.doneByID[req.BlockID]
	d.reqMu.Unlock()
	if ok {
		ch <- nil
	}
}

// completeForced is wired as tl.CompleteRequest: invoked by Clear() for
// every request force-completed on disconnect, §4.4/§8 property 5.
func (d *Device) completeForced(req *translog.Request) error {
	d.reqMu.Lock()
	ch, ok := d.doneByID[req.BlockID]
	d.reqMu.Unlock()
	if ok {
		ch <- fmt.Errorf("device: request force-completed on disconnect: %w", transport.ErrBrokenPipe)
	}
	return nil
}
