package tcp

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPRoundTrip(t *testing.T) {
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
	ln, err := serverTransport.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	clientTransport := New(clientNode)
	peerAddr, err := clientTransport.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	clientAddr := address.New("client")
	clientCtx, err := clientNode.StartWorker([]address.Address{clientAddr}, node.HandlerFunc(func(*node.Context, wire.TransportMessage) error { return nil }), node.AccessControlPair{})
	require.NoError(t, err)

	reply, err := clientCtx.SendAndReceive(context.Background(), address.R(peerAddr, echoAddr), []byte("ping"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
}

// startEchoListener brings up a node with an echo worker behind a TCP
// listener and returns the transport's bound address.
func startEchoListener(t *testing.T) string {
	t.Helper()
	serverNode := node.New()
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

	ln, err := New(serverNode).Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func TestTwoConnectionsAreIndependent(t *testing.T) {
	serverAddr := startEchoListener(t)
	clientNode := node.New()
	tr := New(clientNode)

	c1, err := tr.Dial(context.Background(), serverAddr)
	require.NoError(t, err)
	c2, err := tr.Dial(context.Background(), serverAddr)
	require.NoError(t, err)

	clientCtx, err := clientNode.StartWorker([]address.Address{address.New("client")}, node.HandlerFunc(func(*node.Context, wire.TransportMessage) error { return nil }), node.AccessControlPair{})
	require.NoError(t, err)

	echoAddr := address.New("echo")
	for _, conn := range []address.Address{c1, c2} {
		payload := make([]byte, 256)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		reply, err := clientCtx.SendAndReceive(context.Background(), address.R(conn, echoAddr), payload, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, payload, reply)
	}
}

func TestDisconnectFailsFurtherSendsButSparesOthers(t *testing.T) {
	serverAddr := startEchoListener(t)
	clientNode := node.New()
	tr := New(clientNode)

	c1, err := tr.Dial(context.Background(), serverAddr)
	require.NoError(t, err)
	c2, err := tr.Dial(context.Background(), serverAddr)
	require.NoError(t, err)

	clientCtx, err := clientNode.StartWorker([]address.Address{address.New("client")}, node.HandlerFunc(func(*node.Context, wire.TransportMessage) error { return nil }), node.AccessControlPair{})
	require.NoError(t, err)

	require.NoError(t, tr.Disconnect(c1))

	// The receive loop tears the worker pair down once the socket
	// closes; wait for the address to disappear.
	require.Eventually(t, func() bool {
		return clientCtx.Send(address.R(c1, address.New("echo")), []byte("x")) != nil
	}, 2*time.Second, 10*time.Millisecond, "sends via the disconnected address must fail")

	require.ErrorIs(t, tr.Disconnect(c1), ferrors.ErrPeerUnreachable, "a second disconnect has no connection left to close")

	reply, err := clientCtx.SendAndReceive(context.Background(), address.R(c2, address.New("echo")), []byte("still alive"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still alive", string(reply))
}

func TestStopListenerLeavesEstablishedConnectionsUsable(t *testing.T) {
	serverNode := node.New()
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

	ln, err := New(serverNode).Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	clientNode := node.New()
	tr := New(clientNode)
	conn, err := tr.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	require.NoError(t, ln.Close())

	_, err = tr.Dial(context.Background(), ln.Addr().String())
	require.Error(t, err, "dials after stop_listener must fail")

	clientCtx, err := clientNode.StartWorker([]address.Address{address.New("client")}, node.HandlerFunc(func(*node.Context, wire.TransportMessage) error { return nil }), node.AccessControlPair{})
	require.NoError(t, err)

	reply, err := clientCtx.SendAndReceive(context.Background(), address.R(conn, echoAddr), []byte("survivor"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "survivor", string(reply))
}
