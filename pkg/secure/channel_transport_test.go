package secure

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/transport/tcp"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/stretchr/testify/require"
)

// TestChannelOverTCPTransport drives a full handshake and an
// application round trip between two nodes joined by TCP. The
// decryptors on both sides are flow-scoped, so this also proves the
// reply-path promotion: each decryptor is admitted to its underlying
// connection's flow by sending the first handshake message through it.
func TestChannelOverTCPTransport(t *testing.T) {
	initNode := node.New()
	respNode := node.New()

	initID, err := identity.Generate()
	require.NoError(t, err)
	respID, err := identity.Generate()
	require.NoError(t, err)

	rm := NewManager(respNode, respID, Options{})
	require.NoError(t, rm.Listen())

	echoAddr := address.New("echo-svc")
	_, err = respNode.StartWorker([]address.Address{echoAddr}, node.HandlerFunc(func(ctx *node.Context, msg wire.TransportMessage) error {
		return ctx.SendMessage(wire.TransportMessage{
			Onward:  msg.Return,
			Return:  address.Route{echoAddr},
			Payload: msg.Payload,
			Tracing: msg.Tracing,
		})
	}), node.AccessControlPair{})
	require.NoError(t, err)

	ln, err := tcp.New(respNode).Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn, err := tcp.New(initNode).Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	im := NewManager(initNode, initID, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := im.Initiate(ctx, address.R(conn, rm.ListenerAddress()), Options{})
	require.NoError(t, err)
	require.Equal(t, StateOpen, ch.State())
	require.Equal(t, respID.ID, ch.RemoteIdentity())

	clientAddr := address.New("client")
	clientCtx, err := initNode.StartWorker([]address.Address{clientAddr}, node.HandlerFunc(func(*node.Context, wire.TransportMessage) error { return nil }), node.AccessControlPair{})
	require.NoError(t, err)

	reply, err := clientCtx.SendAndReceive(ctx, address.R(ch.Encryptor(), echoAddr), []byte("through the tunnel"), 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, "through the tunnel", string(reply))
}
