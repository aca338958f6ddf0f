/*
Package tcp implements the TCP transport: a Transport binds a
listener, and every accepted or dialed connection gets a receive
goroutine that frames/decodes inbound bytes and injects them into the
node, and a sender worker that frames/encodes outbound
TransportMessages onto the socket.
*/
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/rs/zerolog"
)

// Transport owns every TCP connection registered against one Node.
type Transport struct {
	node    *node.Node
	logger  zerolog.Logger
	counter atomic.Uint64

	mu    sync.Mutex
	conns map[address.Address]net.Conn
}

// New attaches a TCP transport to n.
func New(n *node.Node) *Transport {
	return &Transport{node: n, logger: log.WithComponent("transport.tcp"), conns: make(map[address.Address]net.Conn)}
}

// Disconnect closes the connection behind addr (an address previously
// returned by Dial or spawned by a listener). Its worker pair is torn
// down; any later send through addr fails since the address is no
// longer registered. Other connections are unaffected.
func (t *Transport) Disconnect(addr address.Address) error {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp: disconnect %s: %w", addr, ferrors.ErrPeerUnreachable)
	}
	return conn.Close()
}

// Listener is a bound TCP socket spawning a sender worker and receive
// goroutine per accepted connection.
type Listener struct {
	ln      net.Listener
	spawner flowcontrol.ID
}

// Listen binds bindAddr and accepts connections until ctx is
// cancelled or Close is called. Each connection is registered under
// the listener's spawner flow-control id, so a consumer that trusts
// the listener can AddConsumer(addr, spawnerID) to accept from any
// connection it ever spawns.
func (t *Transport) Listen(ctx context.Context, bindAddr string) (*Listener, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", bindAddr, ferrors.ErrBindFailed)
	}
	l := &Listener{ln: ln, spawner: t.node.Flows().NewSpawnerFlow()}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go t.acceptLoop(l)
	return l, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

func (t *Transport) acceptLoop(l *Listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		metrics.TransportConnectionsTotal.WithLabelValues("tcp").Inc()
		t.spawnConnection(conn, l.spawner)
	}
}

// Dial connects to addr and registers the connection the same way an
// accepted one would, minting its own single-connection spawner id
// since outbound connections have no shared listener.
func (t *Transport) Dial(ctx context.Context, addr string) (address.Address, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return address.Address{}, fmt.Errorf("tcp: dial %s: %w", addr, ferrors.ErrPeerUnreachable)
	}
	metrics.TransportConnectionsTotal.WithLabelValues("tcp").Inc()
	return t.spawnConnection(conn, t.node.Flows().NewSpawnerFlow()), nil
}

// spawnConnection starts the sender worker and receiver goroutine for
// conn and returns the address other workers should route through to
// reach the peer.
func (t *Transport) spawnConnection(conn net.Conn, spawner flowcontrol.ID) address.Address {
	id := t.counter.Add(1)
	senderAddr := address.NewWithTag(address.TCP, fmt.Sprintf("%s#%d", conn.RemoteAddr(), id))

	producer := t.node.Flows().NewProducerFlow(spawner, senderAddr)

	_, err := t.node.StartWorker([]address.Address{senderAddr}, node.HandlerFunc(func(_ *node.Context, msg wire.TransportMessage) error {
		data := wire.Encode(msg)
		metrics.TransportBytesTotal.WithLabelValues("tcp", "out").Add(float64(len(data)))
		return wire.WriteFrame(conn, data)
	}), node.AccessControlPair{})
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to start tcp sender worker")
		_ = conn.Close()
		return senderAddr
	}
	t.node.SetShutdownPriority(senderAddr, shutdownPriorityTransport)
	t.node.Publish(events.EventConnectionUp, senderAddr, "tcp connection established")

	t.mu.Lock()
	t.conns[senderAddr] = conn
	t.mu.Unlock()

	go t.receiveLoop(conn, senderAddr, producer)
	return senderAddr
}

// shutdownPriorityTransport is the shutdown priority of a
// connection's sender worker. Portals and secure channels set none and
// keep the default of 0, so ShutdownNode stops transport senders
// before them.
const shutdownPriorityTransport = 10

func (t *Transport) receiveLoop(conn net.Conn, senderAddr address.Address, producer flowcontrol.ID) {
	logger := log.WithAddress("transport.tcp", senderAddr.String())
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		delete(t.conns, senderAddr)
		t.mu.Unlock()
		_ = t.node.StopAddress(senderAddr)
		metrics.TransportConnectionsTotal.WithLabelValues("tcp").Dec()
		t.node.Publish(events.EventConnectionDown, senderAddr, "tcp connection closed")
	}()

	for {
		data, err := wire.ReadFrame(conn, wire.DefaultMaxFrameLength)
		if err != nil {
			// A normal peer close surfaces as EOF; anything else
			// (over-length frame, truncated body) is a protocol
			// violation and resets the connection.
			if err != io.EOF {
				metrics.TransportFramesRejectedTotal.WithLabelValues("tcp").Inc()
			}
			return
		}
		metrics.TransportBytesTotal.WithLabelValues("tcp", "in").Add(float64(len(data)))

		msg, err := wire.Decode(data)
		if err != nil {
			metrics.TransportFramesRejectedTotal.WithLabelValues("tcp").Inc()
			logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		msg.Return = msg.Return.Prepend(senderAddr)
		if err := t.node.Inject(msg.Onward, msg, producer); err != nil {
			logger.Debug().Err(err).Str("onward", msg.Onward.String()).Msg("inject failed")
		}
	}
}
