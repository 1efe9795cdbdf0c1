package transport

import (
	"context"
	"fmt"

	"github.com/blocksync/blocksync/internal/genid"
	"github.com/blocksync/blocksync/internal/state"
	"github.com/blocksync/blocksync/internal/wire"
)

// Params is this side's half of the ReportParams exchange: the fields
// spec.md §4.6 names plus the resolved md_compare inputs.
type Params struct {
	Size      uint64
	BlkSize   uint32
	CState    state.ConnState
	Protocol  uint8
	Version   uint8
	Gen       genid.Record
	BitmapGen [3]uint32
}

func (p Params) toBody() wire.ReportParamsBody {
	var gc [4]uint32
	for i := range gc {
		gc[i] = p.Gen.GC[i]
	}
	return wire.ReportParamsBody{
		Size:      p.Size,
		BlkSize:   p.BlkSize,
		State:     uint32(p.CState),
		Protocol:  p.Protocol,
		Version:   p.Version,
		GenCnt:    gc,
		BitMapGen: p.BitmapGen,
	}
}

func fromBody(b wire.ReportParamsBody) Params {
	var gen genid.Record
	copy(gen.GC[:], b.GenCnt[:])
	return Params{
		Size:      b.Size,
		BlkSize:   b.BlkSize,
		CState:    state.ConnState(b.State),
		Protocol:  b.Protocol,
		Version:   b.Version,
		Gen:       gen,
		BitmapGen: b.BitMapGen,
	}
}

// Direction is the outcome of the post-reconnect handshake's sync-source
// decision.
type Direction int

const (
	NoSync Direction = iota
	SyncSource
	SyncTarget
)

// HandshakeResult is the outcome of Handshake: which connection state to
// move to and whether a size mismatch must be treated as fatal.
type HandshakeResult struct {
	Peer      Params
	Direction Direction
	CState    state.ConnState
	SizeOK    bool
}

// ErrSizeMismatch is returned when the peer reports an incompatible device
// size the user has not explicitly allowed (§4.6: "fatal to the connection").
var ErrSizeMismatch = fmt.Errorf("transport: peer device size mismatch")

// Handshake exchanges ReportParams over sender/receiver and decides
// the post-reconnect sync direction per §4.6/§4.5's md_compare +
// md_syncq_ok rule and §8 scenario D: the side with the higher md_compare
// result becomes sync source; SyncqOK decides quick vs full resync.
func Handshake(ctx context.Context, sender *Sender, r *wire.Reader, me Params, iAmPrimary, allowSizeMismatch bool) (HandshakeResult, error) {
	body := me.toBody().Encode()
	// Both ends send first, so the send runs alongside the read: on an
	// unbuffered stream each side's write would otherwise wait forever on
	// the other side's read.
	sendErr := make(chan error, 1)
	go func() { sendErr <- sender.Send(ctx, wire.CmdReportParams, body, nil) }()

	h, err := r.ReadHeader()
	if err != nil {
		return HandshakeResult{}, wrapConnErr("transport: handshake read header", err)
	}
	if h.Command != wire.CmdReportParams {
		return HandshakeResult{}, fmt.Errorf("transport: handshake: expected report_params, got %s", h.Command)
	}
	buf, err := r.ReadBody(wire.ReportParamsBodySize)
	if err != nil {
		return HandshakeResult{}, wrapConnErr("transport: handshake read body", err)
	}
	peerBody, err := wire.DecodeReportParamsBody(buf)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("transport: handshake: %w", err)
	}
	peer := fromBody(peerBody)
	if err := <-sendErr; err != nil {
		return HandshakeResult{}, fmt.Errorf("transport: handshake: send report_params: %w", err)
	}

	res := HandshakeResult{Peer: peer, SizeOK: me.Size == peer.Size}
	if !res.SizeOK && !allowSizeMismatch {
		return res, ErrSizeMismatch
	}

	cmp := genid.Compare(me.Gen, peer.Gen)
	switch {
	case cmp > 0:
		res.Direction = SyncSource
	case cmp < 0:
		res.Direction = SyncTarget
	default:
		res.Direction = NoSync
	}

	if res.Direction == NoSync {
		res.CState = state.Connected
		return res, nil
	}

	quick := genid.SyncqOK(me.Gen, peer.Gen, iAmPrimary, me.BitmapGen, peer.BitmapGen)
	if quick {
		res.CState = state.SyncingQuick
	} else {
		res.CState = state.SyncingAll
	}
	return res, nil
}
