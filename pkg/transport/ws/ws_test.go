package ws

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketRoundTrip(t *testing.T) {
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, err := serverTransport.Listen(ctx, "127.0.0.1:0", "/fabric")
	require.NoError(t, err)
	defer ln.Close()

	time.Sleep(50 * time.Millisecond) // let the listener goroutine start Serve

	url := fmt.Sprintf("ws://%s/fabric", ln.Addr().String())
	clientTransport := New(clientNode)
	peerAddr, err := clientTransport.Dial(url, "http://localhost")
	require.NoError(t, err)

	clientAddr := address.New("client")
	clientCtx, err := clientNode.StartWorker([]address.Address{clientAddr}, node.HandlerFunc(func(*node.Context, wire.TransportMessage) error { return nil }), node.AccessControlPair{})
	require.NoError(t, err)

	reply, err := clientCtx.SendAndReceive(context.Background(), address.R(peerAddr, echoAddr), []byte("ping"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
}
