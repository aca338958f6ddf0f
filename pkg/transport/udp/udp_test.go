package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPRoundTrip(t *testing.T) {
	serverNode := node.New()
	clientNode := node.New()

	echoAddr := address.New("echo")
	_, err := serverNode.StartWorker([]address.Address{echoAddr}, node.HandlerFunc(func(ctx *node.Context, msg wire.TransportMessage) error {
		return ctx.SendMessage(wire.TransportMessage{
			Onward:  msg.Return,
			Return:  address.Route{echoAddr},
			Payload: msg.Payload,
			Tracing: msg.Tracing,
		})
	}), node.AccessControlPair{})
	require.NoError(t, err)

	serverTransport := New(serverNode)
	serverLn, err := serverTransport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer serverLn.Close()

	clientTransport := New(clientNode)
	clientLn, err := clientTransport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer clientLn.Close()

	serverUDPAddr, ok := serverLn.Addr().(*net.UDPAddr)
	require.True(t, ok)
	peerAddr := clientLn.PeerAddress(serverUDPAddr)

	clientAddr := address.New("client")
	clientCtx, err := clientNode.StartWorker([]address.Address{clientAddr}, node.HandlerFunc(func(*node.Context, wire.TransportMessage) error { return nil }), node.AccessControlPair{})
	require.NoError(t, err)

	reply, err := clientCtx.SendAndReceive(context.Background(), address.R(peerAddr, echoAddr), []byte("ping"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
}

func TestFragmentReassembly(t *testing.T) {
	data := make([]byte, fragmentMaxPayload*3+42)
	for i := range data {
		data[i] = byte(i)
	}

	table := newReassemblyTable()
	frags := fragment(7, data)
	require.Greater(t, len(frags), 1)

	var result []byte
	for _, f := range frags {
		out, err := table.add("peer-1", f)
		require.NoError(t, err)
		if out != nil {
			result = out
		}
	}
	assert.Equal(t, data, result)
}

func TestFragmentSweepExpiresStaleState(t *testing.T) {
	table := newReassemblyTable()
	frags := fragment(1, make([]byte, fragmentMaxPayload+10))
	_, err := table.add("peer-1", frags[0])
	require.NoError(t, err)

	table.sweep(0)
	table.mu.Lock()
	n := len(table.pending)
	table.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestReassemblyCapsPendingMessagesPerPeer(t *testing.T) {
	table := newReassemblyTable()
	first := fragment(1, make([]byte, fragmentMaxPayload+1))[0]

	for id := uint64(0); id < pendingMessagesPerPeer; id++ {
		frag := fragment(id, make([]byte, fragmentMaxPayload+1))[0]
		_, err := table.add("peer-1", frag)
		require.NoError(t, err)
	}

	// The peer is at its cap: a fragment opening yet another pending
	// message is silently dropped, but other peers are unaffected.
	overflow := fragment(99, make([]byte, fragmentMaxPayload+1))[0]
	out, err := table.add("peer-1", overflow)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = table.add("peer-2", first)
	require.NoError(t, err)

	table.mu.Lock()
	n := len(table.pending)
	table.mu.Unlock()
	assert.Equal(t, pendingMessagesPerPeer+1, n)
}
