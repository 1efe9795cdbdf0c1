package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksync/blocksync/internal/translog"
	"github.com/blocksync/blocksync/internal/wire"
)

func Test_Sender_SendRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSender(client, time.Second, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Send(context.Background(), wire.CmdPing, nil, nil)
	}()

	r := wire.NewReader(server, 4096)
	h, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, wire.CmdPing, h.Command)
	require.NoError(t, <-errCh)
	assert.EqualValues(t, 1, s.SendCnt())
}

func Test_Sender_Cancel_ReturnsCancelledNotTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSender(client, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Send(ctx, wire.CmdPing, nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, ErrCancelled)
	_ = server
}

func Test_Sender_SendBarrier_AppendsAndSends(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSender(client, time.Second, nil)
	tl := translog.New(8, nil)

	errCh := make(chan error, 1)
	go func() {
		bnr, err := s.SendBarrier(context.Background(), tl)
		assert.EqualValues(t, 1, bnr)
		errCh <- err
	}()

	r := wire.NewReader(server, 4096)
	h, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, wire.CmdBarrier, h.Command)
	body, err := r.ReadBody(wire.BarrierBodySize)
	require.NoError(t, err)
	bb, err := wire.DecodeBarrierBody(body)
	require.NoError(t, err)
	assert.EqualValues(t, 1, bb.BarrierNr)

	require.NoError(t, <-errCh)
	assert.Equal(t, 1, tl.Len())
}
