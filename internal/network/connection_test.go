package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/loop"
	"github.com/energizer-project/lobbyhub/internal/protocol"
)

type recordingReceiver struct {
	packets chan protocol.Packet
	closed  chan error
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{
		packets: make(chan protocol.Packet, 16),
		closed:  make(chan error, 1),
	}
}

func (r *recordingReceiver) Receive(pkt protocol.Packet) { r.packets <- pkt }
func (r *recordingReceiver) TransportClosed(err error)   { r.closed <- err }

func TestTCPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loop.New(64)
	go l.Run(ctx)

	accepted := make(chan protocol.Channel, 1)
	listener := NewTCPListener("127.0.0.1:0", l, func(ch protocol.Channel) { accepted <- ch })
	require.NoError(t, listener.Listen(ctx))
	go listener.Serve(ctx)

	dialer := &TCPDialer{Timeout: time.Second, Poster: l}
	client, err := dialer.Dial(ctx, listener.Addr().String())
	require.NoError(t, err)

	var server protocol.Channel
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not accepted")
	}

	serverRecv := newRecordingReceiver()
	server.Start(serverRecv)
	clientRecv := newRecordingReceiver()
	client.Start(clientRecv)

	require.NoError(t, client.Send(protocol.BuildHello(true, protocol.NetworkVersion)))
	require.NoError(t, client.Send(protocol.BuildJoin("InstanceControl")))

	first := <-serverRecv.packets
	second := <-serverRecv.packets
	assert.Equal(t, protocol.PktHello, first.Command)
	assert.Equal(t, protocol.PktJoin, second.Command)

	t.Run("close flushes queued packets", func(t *testing.T) {
		require.NoError(t, server.Send(protocol.BuildClose("bye")))
		require.NoError(t, server.Close())

		select {
		case pkt := <-clientRecv.packets:
			assert.Equal(t, protocol.PktClose, pkt.Command)
		case <-time.After(2 * time.Second):
			t.Fatal("close packet not delivered")
		}

		select {
		case err := <-clientRecv.closed:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("transport close not reported")
		}
	})

	t.Run("send after close fails", func(t *testing.T) {
		assert.ErrorIs(t, server.Send(protocol.BuildHeartbeat()), ErrConnectionClosed)
		assert.NoError(t, server.Close())
	})
}

func TestDialRefused(t *testing.T) {
	l := loop.New(1)
	dialer := &TCPDialer{Timeout: 200 * time.Millisecond, Poster: l}
	_, err := dialer.Dial(context.Background(), "127.0.0.1:1")
	assert.Error(t, err)
}
