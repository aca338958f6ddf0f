package portal

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/rs/zerolog"
)

// Outlet listens for portal PING/DATA frames and, for each distinct
// peer, dials targetAddr and bridges the resulting TCP connection back
// across the route the frame arrived on.
type Outlet struct {
	node       *node.Node
	logger     zerolog.Logger
	opts       Options
	targetAddr string
	listener   address.Address
	counter    atomic.Uint64

	mu    sync.Mutex
	byKey map[string]*outletConn
}

// NewOutlet creates an outlet bridging to targetAddr ("host:port").
func NewOutlet(n *node.Node, targetAddr string, opts Options) *Outlet {
	return &Outlet{
		node:       n,
		logger:     log.WithComponent("portal.outlet"),
		opts:       opts.withDefaults(),
		targetAddr: targetAddr,
		listener:   address.NewWithTag(address.PORTAL, "outlet_listener"),
		byKey:      make(map[string]*outletConn),
	}
}

// ListenerAddress is the well-known address inlets send PING (or,
// under SkipHandshake, DATA) to in order to reach this outlet.
func (o *Outlet) ListenerAddress() address.Address { return o.listener }

// Listen registers the outlet's listener worker, flow-scoped when
// Options.ConsumeFrom names the ingress it should accept.
func (o *Outlet) Listen() error {
	_, err := o.node.StartWorker([]address.Address{o.listener}, node.HandlerFunc(o.onIncoming), consumerAC(o.node, o.listener, o.opts.ConsumeFrom))
	if err != nil {
		return fmt.Errorf("portal: outlet listen: %w", err)
	}
	return nil
}

func (o *Outlet) onIncoming(ctx *node.Context, msg wire.TransportMessage) error {
	kind, body, err := decodeFrame(msg.Payload)
	if err != nil {
		return err
	}

	if kind == framePing {
		return o.onPing(ctx, body, msg.Return)
	}

	// No PING was sent for this peer (SkipHandshake): find or lazily
	// create its bridge connection, keyed by the route it calls home.
	key := msg.Return.Key()
	o.mu.Lock()
	oc, ok := o.byKey[key]
	if !ok {
		conn, dialErr := net.Dial("tcp", o.targetAddr)
		if dialErr != nil {
			o.mu.Unlock()
			o.logger.Warn().Err(dialErr).Str("target", o.targetAddr).Msg("outlet dial failed")
			return ctx.SendMessage(wire.TransportMessage{Onward: msg.Return, Payload: encodeFrame(frameRst, nil)})
		}
		oc = o.newConn(conn, msg.Return, ctx, address.Address{}, key)
		o.byKey[key] = oc
		go oc.run()
	}
	o.mu.Unlock()

	switch kind {
	case frameData:
		return oc.onData(body)
	case frameFin, frameRst:
		oc.closeLocal()
		return nil
	default:
		return fmt.Errorf("portal: outlet received unexpected frame kind %s before handshake", kind)
	}
}

func (o *Outlet) onPing(ctx *node.Context, body []byte, peerRoute address.Route) error {
	if _, err := decodePing(body); err != nil {
		return err
	}
	conn, err := net.Dial("tcp", o.targetAddr)
	if err != nil {
		o.logger.Warn().Err(err).Str("target", o.targetAddr).Msg("outlet dial failed")
		return ctx.SendMessage(wire.TransportMessage{Onward: peerRoute, Payload: encodeFrame(frameRst, nil)})
	}

	id := o.counter.Add(1)
	selfAddr := address.NewWithTag(address.PORTAL, fmt.Sprintf("outlet#%d", id))

	oc := o.newConn(conn, peerRoute, nil, selfAddr, "")
	connCtx, err := o.node.StartWorker([]address.Address{selfAddr}, node.HandlerFunc(oc.handleInbound), consumerAC(o.node, selfAddr, o.opts.ConsumeFrom))
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("portal: start outlet connection worker: %w", err)
	}
	oc.ctx = connCtx

	if err := ctx.SendMessage(wire.TransportMessage{
		Onward:  peerRoute,
		Return:  address.Route{selfAddr},
		Payload: encodeFrame(framePong, nil),
	}); err != nil {
		_ = o.node.StopAddress(selfAddr)
		_ = conn.Close()
		return err
	}

	go oc.run()
	return nil
}

// outletConn is one bridged TCP connection to the outlet's target.
// When spawned from a PING it owns a dedicated worker address (ctx is
// that worker's context); when lazily created under SkipHandshake it
// shares the listener's ctx and key identifies it in Outlet.byKey.
type outletConn struct {
	outlet    *Outlet
	conn      net.Conn
	peerRoute address.Route
	ctx       *node.Context
	selfAddr  address.Address
	key       string
}

func (o *Outlet) newConn(conn net.Conn, peerRoute address.Route, sharedCtx *node.Context, selfAddr address.Address, key string) *outletConn {
	metrics.PortalConnectionsTotal.WithLabelValues("outlet").Inc()
	o.node.Publish(events.EventPortalConnected, selfAddr, "portal outlet connection bridged")
	return &outletConn{outlet: o, conn: conn, peerRoute: peerRoute, ctx: sharedCtx, selfAddr: selfAddr, key: key}
}

func (oc *outletConn) run() {
	bridgeLoop(oc.conn, oc.outlet.opts.PayloadLength, func() bool { return false },
		func(chunk []byte) error {
			metrics.PortalBytesTotal.WithLabelValues("outlet", "out").Add(float64(len(chunk)))
			return oc.ctx.SendMessage(wire.TransportMessage{Onward: oc.peerRoute, Payload: encodeFrame(frameData, chunk)})
		},
		func() error {
			return oc.ctx.SendMessage(wire.TransportMessage{Onward: oc.peerRoute, Payload: encodeFrame(frameFin, nil)})
		},
		func() error {
			return oc.ctx.SendMessage(wire.TransportMessage{Onward: oc.peerRoute, Payload: encodeFrame(frameRst, nil)})
		},
	)
	oc.cleanup()
}

func (oc *outletConn) onData(body []byte) error {
	metrics.PortalBytesTotal.WithLabelValues("outlet", "in").Add(float64(len(body)))
	_, err := oc.conn.Write(body)
	return err
}

func (oc *outletConn) closeLocal() {
	_ = oc.conn.Close()
}

func (oc *outletConn) handleInbound(_ *node.Context, msg wire.TransportMessage) error {
	kind, body, err := decodeFrame(msg.Payload)
	if err != nil {
		return err
	}
	switch kind {
	case frameData:
		return oc.onData(body)
	case frameFin, frameRst:
		oc.closeLocal()
		return nil
	default:
		return fmt.Errorf("portal: outlet connection received unexpected frame kind %s", kind)
	}
}

func (oc *outletConn) cleanup() {
	_ = oc.conn.Close()
	metrics.PortalConnectionsTotal.WithLabelValues("outlet").Dec()
	oc.outlet.node.Publish(events.EventPortalClosed, oc.selfAddr, "portal outlet connection closed")
	if oc.selfAddr != (address.Address{}) {
		_ = oc.outlet.node.StopAddress(oc.selfAddr)
		return
	}
	oc.outlet.mu.Lock()
	delete(oc.outlet.byKey, oc.key)
	oc.outlet.mu.Unlock()
}
