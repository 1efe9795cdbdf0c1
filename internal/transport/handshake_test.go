package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksync/blocksync/internal/genid"
	"github.com/blocksync/blocksync/internal/state"
	"github.com/blocksync/blocksync/internal/wire"
)

func Test_Handshake_NoSync_WhenGenerationsEqual(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	me := Params{
		Size:     1 << 20,
		BlkSize:  4096,
		CState:   state.Unconnected,
		Protocol: 2,
		Version:  1,
		Gen:      genid.Record{GC: [4]uint32{1, 1, 1, 1}, Consistent: true},
	}
	peer := me

	sender := NewSender(client, time.Second, nil)
	r := wire.NewReader(client, 4096)

	resCh := make(chan HandshakeResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Handshake(context.Background(), sender, r, me, true, false)
		resCh <- res
		errCh <- err
	}()

	peerSender := NewSender(server, time.Second, nil)
	peerReader := wire.NewReader(server, 4096)
	peerRes, err := Handshake(context.Background(), peerSender, peerReader, peer, false, false)
	require.NoError(t, err)
	assert.Equal(t, NoSync, peerRes.Direction)

	require.NoError(t, <-errCh)
	res := <-resCh
	assert.Equal(t, NoSync, res.Direction)
	assert.Equal(t, state.Connected, res.CState)
	assert.True(t, res.SizeOK)
}

func Test_Handshake_SizeMismatch_FatalUnlessAllowed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	me := Params{Size: 1 << 20, Gen: genid.Record{GC: [4]uint32{1, 1, 1, 1}}}
	peer := Params{Size: 2 << 20, Gen: genid.Record{GC: [4]uint32{1, 1, 1, 1}}}

	sender := NewSender(client, time.Second, nil)
	r := wire.NewReader(client, 4096)

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(context.Background(), sender, r, me, true, false)
		errCh <- err
	}()

	peerSender := NewSender(server, time.Second, nil)
	peerReader := wire.NewReader(server, 4096)
	_, _ = Handshake(context.Background(), peerSender, peerReader, peer, false, true)

	err := <-errCh
	assert.ErrorIs(t, err, ErrSizeMismatch)
}
