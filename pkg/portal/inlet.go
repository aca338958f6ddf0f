package portal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/rs/zerolog"
)

// Inlet accepts TCP connections on a bind address and, per connection,
// bridges them to an outlet reachable at a route — typically the far
// end of a secure channel.
type Inlet struct {
	node    *node.Node
	logger  zerolog.Logger
	opts    Options
	counter atomic.Uint64
	paused  atomic.Bool

	mu          sync.RWMutex
	outletRoute address.Route
}

// NewInlet creates an inlet that bridges accepted connections toward
// outletRoute.
func NewInlet(n *node.Node, outletRoute address.Route, opts Options) *Inlet {
	return &Inlet{
		node:        n,
		logger:      log.WithComponent("portal.inlet"),
		opts:        opts.withDefaults(),
		outletRoute: outletRoute,
	}
}

// Listener is a bound inlet socket spawning a connection worker per
// accepted connection.
type Listener struct {
	ln net.Listener
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections; already-bridged connections
// are left alone, matching stop_listener's semantics.
func (l *Listener) Close() error { return l.ln.Close() }

// Listen binds bindAddr and accepts connections until ctx is
// cancelled or the returned Listener is closed.
func (in *Inlet) Listen(ctx context.Context, bindAddr string) (*Listener, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("portal: inlet listen %s: %w", bindAddr, ferrors.ErrBindFailed)
	}
	l := &Listener{ln: ln}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go in.acceptLoop(l)
	return l, nil
}

func (in *Inlet) acceptLoop(l *Listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		in.spawnConnection(conn)
	}
}

// UpdateOutletNodeRoute atomically swaps the route new connections
// dial toward. Connections already bridged keep whatever route they
// resolved at dial time — this core has no in-kernel fast path for a
// Privileged inlet to redirect in place, so the privileged/regular
// distinction has no further runtime effect here beyond the flag
// itself (see Options.Privileged).
func (in *Inlet) UpdateOutletNodeRoute(newRoute address.Route) {
	in.mu.Lock()
	in.outletRoute = newRoute
	in.mu.Unlock()
}

// Pause makes every current and future connection keep accepting
// bytes off its socket but silently drop them instead of forwarding,
// until Unpause is called.
func (in *Inlet) Pause() { in.paused.Store(true) }

// Unpause resumes forwarding and, in the same step, swaps the outlet
// route that connections opened from then on use; connections already
// open keep the route they resolved when they started.
func (in *Inlet) Unpause(newRoute address.Route) {
	in.UpdateOutletNodeRoute(newRoute)
	in.paused.Store(false)
}

func (in *Inlet) currentOutletRoute() address.Route {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.outletRoute
}

// inletConn is the per-connection worker an accepted socket is bridged
// through: its HandleMessage processes PONG/DATA/FIN/RST arriving from
// the outlet side, while a dedicated goroutine reads the socket and
// sends DATA frames out.
type inletConn struct {
	inlet    *Inlet
	conn     net.Conn
	selfAddr address.Address
	ctx      *node.Context

	routeMu sync.RWMutex
	route   address.Route

	readyCh chan struct{}
	once    sync.Once
}

func (in *Inlet) spawnConnection(conn net.Conn) {
	id := in.counter.Add(1)
	selfAddr := address.NewWithTag(address.PORTAL, fmt.Sprintf("inlet#%s#%d", conn.RemoteAddr(), id))

	ic := &inletConn{
		inlet:    in,
		conn:     conn,
		selfAddr: selfAddr,
		readyCh:  make(chan struct{}),
	}

	ctx, err := in.node.StartWorker([]address.Address{selfAddr}, node.HandlerFunc(ic.handleInbound), consumerAC(in.node, selfAddr, in.opts.ConsumeFrom))
	if err != nil {
		in.logger.Error().Err(err).Msg("failed to start inlet connection worker")
		_ = conn.Close()
		return
	}
	ic.ctx = ctx
	metrics.PortalConnectionsTotal.WithLabelValues("inlet").Inc()
	in.node.Publish(events.EventPortalConnected, selfAddr, "portal inlet connection accepted")

	go ic.run()
}

func (ic *inletConn) run() {
	route := ic.inlet.currentOutletRoute()

	if ic.inlet.opts.SkipHandshake {
		ic.setRoute(route)
	} else {
		flags := encodeOptionFlags(ic.inlet.opts.EnableNagle)
		if err := ic.ctx.SendMessage(wire.TransportMessage{
			Onward:  route,
			Return:  address.Route{ic.selfAddr},
			Payload: encodeFrame(framePing, encodePing(flags)),
		}); err != nil {
			ic.inlet.logger.Warn().Err(err).Msg("failed to send portal ping")
			ic.cleanup()
			return
		}
		select {
		case <-ic.readyCh:
		case <-time.After(ic.inlet.opts.PingTimeout):
			ic.inlet.logger.Warn().Msg("portal handshake timed out waiting for pong")
			ic.cleanup()
			return
		}
	}

	// Every frame carries this worker's own return route: under
	// SkipHandshake it is the only way the outlet learns where the
	// reverse direction goes (there was no PING to carry it).
	bridgeLoop(ic.conn, ic.inlet.opts.PayloadLength, ic.inlet.paused.Load,
		func(chunk []byte) error {
			metrics.PortalBytesTotal.WithLabelValues("inlet", "out").Add(float64(len(chunk)))
			return ic.ctx.SendMessage(wire.TransportMessage{
				Onward:  ic.currentRoute(),
				Return:  address.Route{ic.selfAddr},
				Payload: encodeFrame(frameData, chunk),
			})
		},
		func() error {
			return ic.ctx.SendMessage(wire.TransportMessage{Onward: ic.currentRoute(), Return: address.Route{ic.selfAddr}, Payload: encodeFrame(frameFin, nil)})
		},
		func() error {
			return ic.ctx.SendMessage(wire.TransportMessage{Onward: ic.currentRoute(), Return: address.Route{ic.selfAddr}, Payload: encodeFrame(frameRst, nil)})
		},
	)
	ic.cleanup()
}

func (ic *inletConn) setRoute(r address.Route) {
	ic.routeMu.Lock()
	ic.route = r
	ic.routeMu.Unlock()
}

func (ic *inletConn) currentRoute() address.Route {
	ic.routeMu.RLock()
	defer ic.routeMu.RUnlock()
	return ic.route
}

func (ic *inletConn) handleInbound(_ *node.Context, msg wire.TransportMessage) error {
	kind, body, err := decodeFrame(msg.Payload)
	if err != nil {
		return err
	}
	switch kind {
	case framePong:
		ic.setRoute(msg.Return)
		ic.once.Do(func() { close(ic.readyCh) })
		return nil
	case frameData:
		metrics.PortalBytesTotal.WithLabelValues("inlet", "in").Add(float64(len(body)))
		_, err := ic.conn.Write(body)
		return err
	case frameFin:
		_ = ic.conn.Close()
		return nil
	case frameRst:
		_ = ic.conn.Close()
		return nil
	default:
		return fmt.Errorf("portal: inlet received unexpected frame kind %s", kind)
	}
}

func (ic *inletConn) cleanup() {
	_ = ic.conn.Close()
	_ = ic.inlet.node.StopAddress(ic.selfAddr)
	metrics.PortalConnectionsTotal.WithLabelValues("inlet").Dec()
	ic.inlet.node.Publish(events.EventPortalClosed, ic.selfAddr, "portal inlet connection closed")
}
