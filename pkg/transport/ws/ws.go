/*
Package ws implements the WebSocket transport. An accepted upgrade is
treated exactly like a TCP accept (mint a flow-control producer, spawn
a sender worker and receive goroutine) — the one difference from
pkg/transport/tcp is that a WebSocket connection already delineates
messages, so there is no length-prefix framing to apply: one
TransportMessage maps to one WebSocket frame.
*/
package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

// Transport owns every WebSocket connection registered against one Node.
type Transport struct {
	node    *node.Node
	logger  zerolog.Logger
	counter atomic.Uint64

	mu    sync.Mutex
	conns map[address.Address]*websocket.Conn
}

// New attaches a WebSocket transport to n.
func New(n *node.Node) *Transport {
	return &Transport{node: n, logger: log.WithComponent("transport.ws"), conns: make(map[address.Address]*websocket.Conn)}
}

// Disconnect closes the connection behind addr; its worker pair is
// torn down by the receive loop observing the close.
func (t *Transport) Disconnect(addr address.Address) error {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ws: disconnect %s: %w", addr, ferrors.ErrPeerUnreachable)
	}
	return conn.Close()
}

// Listener is an HTTP server upgrading requests at path to WebSocket
// connections, each getting a sender worker and receive goroutine.
type Listener struct {
	server  *http.Server
	ln      net.Listener
	spawner flowcontrol.ID
}

// Listen binds bindAddr and upgrades requests to path. The HTTP
// server runs until ctx is cancelled or Close is called.
func (t *Transport) Listen(ctx context.Context, bindAddr, path string) (*Listener, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("ws: listen %s: %w", bindAddr, ferrors.ErrBindFailed)
	}

	l := &Listener{ln: ln, spawner: t.node.Flows().NewSpawnerFlow()}

	mux := http.NewServeMux()
	mux.Handle(path, websocket.Handler(func(conn *websocket.Conn) {
		metrics.TransportConnectionsTotal.WithLabelValues("ws").Inc()
		t.spawnConnection(conn, l.spawner)
		<-conn.Request().Context().Done()
	}))
	l.server = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		_ = l.server.Close()
	}()
	go func() {
		_ = l.server.Serve(ln)
	}()

	return l, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the HTTP server.
func (l *Listener) Close() error { return l.server.Close() }

// Dial connects to a ws:// or wss:// url and registers the connection
// the same way an accepted one would.
func (t *Transport) Dial(url, origin string) (address.Address, error) {
	conn, err := websocket.Dial(url, "", origin)
	if err != nil {
		return address.Address{}, fmt.Errorf("ws: dial %s: %w", url, ferrors.ErrPeerUnreachable)
	}
	metrics.TransportConnectionsTotal.WithLabelValues("ws").Inc()
	return t.spawnConnection(conn, t.node.Flows().NewSpawnerFlow()), nil
}

const shutdownPriorityTransport = 10

func (t *Transport) spawnConnection(conn *websocket.Conn, spawner flowcontrol.ID) address.Address {
	id := t.counter.Add(1)
	senderAddr := address.NewWithTag(address.WS, fmt.Sprintf("%s#%d", conn.RemoteAddr(), id))

	producer := t.node.Flows().NewProducerFlow(spawner, senderAddr)

	_, err := t.node.StartWorker([]address.Address{senderAddr}, node.HandlerFunc(func(_ *node.Context, msg wire.TransportMessage) error {
		data := wire.Encode(msg)
		metrics.TransportBytesTotal.WithLabelValues("ws", "out").Add(float64(len(data)))
		return websocket.Message.Send(conn, data)
	}), node.AccessControlPair{})
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to start ws sender worker")
		_ = conn.Close()
		return senderAddr
	}
	t.node.SetShutdownPriority(senderAddr, shutdownPriorityTransport)

	t.mu.Lock()
	t.conns[senderAddr] = conn
	t.mu.Unlock()

	go t.receiveLoop(conn, senderAddr, producer)
	return senderAddr
}

func (t *Transport) receiveLoop(conn *websocket.Conn, senderAddr address.Address, producer flowcontrol.ID) {
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		delete(t.conns, senderAddr)
		t.mu.Unlock()
		_ = t.node.StopAddress(senderAddr)
		metrics.TransportConnectionsTotal.WithLabelValues("ws").Dec()
	}()

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			return
		}
		metrics.TransportBytesTotal.WithLabelValues("ws", "in").Add(float64(len(data)))

		msg, err := wire.Decode(data)
		if err != nil {
			metrics.TransportFramesRejectedTotal.WithLabelValues("ws").Inc()
			t.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		msg.Return = msg.Return.Prepend(senderAddr)
		if err := t.node.Inject(msg.Onward, msg, producer); err != nil {
			t.logger.Debug().Err(err).Str("onward", msg.Onward.String()).Msg("inject failed")
		}
	}
}
