/*
Package node implements the address-routed message-passing kernel:
mailboxes, worker/processor lifecycles, and dispatch. A Node is a
registry of addresses to mailboxes plus the flow-controls registry and
shutdown coordination; it is created explicitly by the
caller and passed around rather than reached through a hidden
singleton.

# Dispatch algorithm

	1. Pop head of onward route -> next.
	2. Resolve next in the mailbox table. Missing -> drop, ErrUnknownAddress.
	3. Check next's incoming access control against (source, producer). Reject -> drop, ErrAccessDenied.
	4. Enqueue: blocking for in-process senders, drop-and-count for transport ingress.

# Scheduling

Each mailbox is drained by exactly one goroutine, so a worker instance
never processes two messages concurrently. Many such goroutines run
in parallel across the node's shared pool (the Go runtime scheduler
itself).
*/
package node

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultShutdownDeadline is the deadline StopAddress hands to an
// address's stop function. The stop functions do not wait on it: a
// stop closes the mailbox, unregisters its addresses and calls OnStop
// at once, without waiting for a message already being handled.
const DefaultShutdownDeadline = 5 * time.Second

// entry is the node's view of one registered address: which mailbox
// it maps to, and how to tear it down.
type entry struct {
	mb       *mailbox
	stopFunc func(deadline time.Duration)
}

// Node owns the mailbox table exclusively; a single mutex guards
// structural changes (register/unregister) over an otherwise
// read-mostly table.
type Node struct {
	mu      sync.RWMutex
	table   map[address.Address]*entry
	flows   *flowcontrol.FlowControls
	logger  zerolog.Logger
	closing bool
	events  *events.Broker
}

// New creates an empty node with its own flow-controls registry.
func New() *Node {
	return &Node{
		table:  make(map[address.Address]*entry),
		flows:  flowcontrol.New(),
		logger: log.WithComponent("node"),
	}
}

// Flows returns the node's flow-controls registry, so transports and
// secure channels can mint producer ids and register consumers.
func (n *Node) Flows() *flowcontrol.FlowControls { return n.flows }

// SetEventBroker attaches an event broker; worker/processor lifecycle
// transitions are published to it from then on. A node with no broker
// attached publishes nothing (the zero value is a no-op).
func (n *Node) SetEventBroker(b *events.Broker) { n.events = b }

// Events returns the node's attached event broker, or nil if none was
// set via SetEventBroker.
func (n *Node) Events() *events.Broker { return n.events }

// Publish emits an event through the node's attached broker, if any.
// Transports, secure channels, and portals use this to report
// connection and handshake lifecycle alongside the worker lifecycle
// events the node publishes for itself.
func (n *Node) Publish(typ events.EventType, addr address.Address, msg string) { n.publish(typ, addr, msg) }

func (n *Node) publish(typ events.EventType, addr address.Address, msg string) {
	if n.events == nil {
		return
	}
	n.events.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Message: msg,
		Metadata: map[string]string{
			"address": addr.String(),
		},
	})
}

// StartWorker registers a Handler under one or more addresses, each
// sharing a single mailbox and goroutine (spec: "Worker: set of
// mailboxes ... single-threaded cooperative per instance"). It fails
// if any address is already registered.
func (n *Node) StartWorker(addrs []address.Address, h Handler, ac AccessControlPair) (*Context, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("node: start_worker requires at least one address")
	}

	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: shutting down")
	}
	for _, a := range addrs {
		if _, exists := n.table[a]; exists {
			n.mu.Unlock()
			return nil, fmt.Errorf("node: start_worker %s: %w", a, ferrors.ErrAlreadyRegistered)
		}
	}

	mb := newMailbox(addrs, ac, 0)
	ctx := newContext(n, addrs[0], mb)
	e := &entry{mb: mb, stopFunc: func(deadline time.Duration) { n.drainAndStop(mb, h, ctx, deadline) }}
	for _, a := range addrs {
		n.table[a] = e
		if ac.Incoming == nil {
			n.flows.MarkAllowAll(a)
		}
	}
	n.mu.Unlock()
	metrics.WorkersTotal.Inc()

	if err := h.OnStart(ctx); err != nil {
		n.StopAddress(addrs[0])
		return nil, fmt.Errorf("node: worker on_start: %w", err)
	}

	n.publish(events.EventWorkerStarted, addrs[0], "worker started")
	go n.runWorker(mb, h, ctx)
	return ctx, nil
}

// StartProcessor registers a long-running Processor at a single
// address. Unlike a Worker it is not necessarily driven by incoming
// messages; Run is invoked once and expected to loop internally until
// its Context is stopped.
func (n *Node) StartProcessor(addr address.Address, p Processor, ac AccessControlPair) (*Context, error) {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: shutting down")
	}
	if _, exists := n.table[addr]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: start_processor %s: %w", addr, ferrors.ErrAlreadyRegistered)
	}

	mb := newMailbox([]address.Address{addr}, ac, 0)
	ctx := newContext(n, addr, mb)
	e := &entry{mb: mb, stopFunc: func(deadline time.Duration) { n.stopProcessor(mb, p, ctx, deadline) }}
	n.table[addr] = e
	if ac.Incoming == nil {
		n.flows.MarkAllowAll(addr)
	}
	n.mu.Unlock()
	metrics.WorkersTotal.Inc()

	n.publish(events.EventWorkerStarted, addr, "processor started")
	go n.runProcessor(mb, p, ctx)
	return ctx, nil
}

// SetShutdownPriority controls the order ShutdownNode tears addresses
// down: higher values stop first.
func (n *Node) SetShutdownPriority(addr address.Address, priority int) {
	n.mu.RLock()
	e, ok := n.table[addr]
	n.mu.RUnlock()
	if ok {
		e.mb.shutdownPriority = priority
	}
}

func (n *Node) runWorker(mb *mailbox, h Handler, ctx *Context) {
	for {
		// Stop wins over further dequeues: once an address is stopped
		// its remaining queue is discarded, not drained.
		select {
		case <-mb.stopCh:
			return
		default:
		}
		select {
		case im := <-mb.queue:
			if ctx.routeToWaiter(im.msg) {
				continue
			}
			if err := h.HandleMessage(ctx, im.msg); err != nil {
				n.logger.Warn().Str("address", ctx.self.String()).Err(err).Msg("worker handler returned error")
			}
		case <-mb.stopCh:
			return
		}
	}
}

func (n *Node) runProcessor(mb *mailbox, p Processor, ctx *Context) {
	if err := p.Run(ctx); err != nil {
		n.logger.Warn().Str("address", ctx.self.String()).Err(err).Msg("processor exited with error")
	}
}

// StopAddress signals the owning worker/processor, discards the queue,
// and unregisters the address. It returns without waiting for a
// message the worker is handling at that moment to finish.
func (n *Node) StopAddress(addr address.Address) error {
	n.mu.RLock()
	e, ok := n.table[addr]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node: stop_address %s: %w", addr, ferrors.ErrUnknownAddress)
	}
	e.stopFunc(DefaultShutdownDeadline)
	return nil
}

func (n *Node) drainAndStop(mb *mailbox, h Handler, ctx *Context, deadline time.Duration) {
	mb.stop()
	n.unregister(mb)
	_ = h.OnStop(ctx)
	n.publish(events.EventWorkerStopped, ctx.self, "worker stopped")
}

func (n *Node) stopProcessor(mb *mailbox, p Processor, ctx *Context, deadline time.Duration) {
	mb.stop()
	n.unregister(mb)
	_ = p.OnStop(ctx)
	n.publish(events.EventWorkerStopped, ctx.self, "processor stopped")
}

func (n *Node) unregister(mb *mailbox) {
	n.mu.Lock()
	removed := false
	for _, a := range mb.addresses {
		if e, ok := n.table[a]; ok && e.mb == mb {
			delete(n.table, a)
			removed = true
		}
	}
	n.mu.Unlock()
	if removed {
		metrics.WorkersTotal.Dec()
	}
}

// Send dispatches msg on route taking route's head as the next hop.
// The message's own Return route's head, if present, is treated as
// the source for flow-control/access-control purposes; otherwise the
// message is treated as having no in-process source (e.g. it
// originated from a transport already).
func (n *Node) Send(route address.Route, msg wire.TransportMessage) error {
	var source address.Address
	if s, ok := msg.Return.Next(); ok {
		source = s
	}
	return n.dispatch(route, msg, source, "", true)
}

// SendFrom dispatches msg as if sent by the worker at source,
// enqueuing in-process (blocking) semantics.
func (n *Node) SendFrom(source address.Address, route address.Route, msg wire.TransportMessage) error {
	return n.dispatch(route, msg, source, "", true)
}

// Inject is used by transport receivers and secure-channel decryptors
// to hand a message recovered from the wire to the node. It uses
// non-blocking enqueue semantics (spec: "for transport ingress,
// overflow drops and increments a counter") and tags the message with
// the producer id that the originating connection/channel was minted
// with.
func (n *Node) Inject(route address.Route, msg wire.TransportMessage, producer flowcontrol.ID) error {
	var source address.Address
	if s, ok := msg.Return.Next(); ok {
		source = s
	}
	return n.dispatch(route, msg, source, producer, false)
}

func (n *Node) dispatch(route address.Route, msg wire.TransportMessage, source address.Address, producer flowcontrol.ID, blocking bool) error {
	next, ok := route.Next()
	if !ok {
		return ferrors.ErrEmptyRoute
	}

	n.mu.RLock()
	e, ok := n.table[next]
	n.mu.RUnlock()
	if !ok {
		n.logger.Warn().Str("address", next.String()).Msg("dropping message: unknown address")
		metrics.MessagesDroppedTotal.WithLabelValues("unknown_address").Inc()
		return ferrors.ErrUnknownAddress
	}

	msgCtx := MessageContext{Source: source, ProducerID: producer}
	if !e.mb.ac.incoming().IsAuthorized(msgCtx) {
		n.logger.Warn().Str("address", next.String()).Str("source", source.String()).Msg("dropping message: access denied")
		metrics.MessagesDroppedTotal.WithLabelValues("access_denied").Inc()
		return ferrors.ErrAccessDenied
	}

	// The flow-control rule proper: a message arriving on a producer
	// flow reaches only allow-all workers and registered consumers of
	// that producer (or of its spawner).
	if producer != "" && !n.flows.IsAuthorized(next, producer) {
		n.logger.Warn().Str("address", next.String()).Str("flow_id", string(producer)).Msg("dropping message: producer not authorized for consumer")
		metrics.MessagesDroppedTotal.WithLabelValues("access_denied").Inc()
		return ferrors.ErrAccessDenied
	}

	if source != (address.Address{}) {
		n.flows.SetupFlowControlForAddresses([]address.Address{source}, next)
	}

	forwarded := msg
	forwarded.Onward = route.Step()

	im := inboundMessage{msg: forwarded, ctx: msgCtx}
	var enqueued bool
	if blocking {
		enqueued = e.mb.enqueueBlocking(im, nil)
	} else {
		enqueued = e.mb.enqueueNonBlocking(im)
	}
	if !enqueued {
		metrics.MessagesDroppedTotal.WithLabelValues("queue_full_or_closed").Inc()
		return ferrors.ErrClosed
	}
	metrics.MessagesDispatchedTotal.WithLabelValues(next.Tag.String()).Inc()
	return nil
}

// WorkerInfo summarizes one registered mailbox for ListWorkers.
type WorkerInfo struct {
	Addresses []address.Address
	Dropped   int64
}

// ListWorkers returns a snapshot of every registered mailbox.
func (n *Node) ListWorkers() []WorkerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	seen := make(map[*mailbox]bool)
	var out []WorkerInfo
	for _, e := range n.table {
		if seen[e.mb] {
			continue
		}
		seen[e.mb] = true
		out = append(out, WorkerInfo{Addresses: append([]address.Address(nil), e.mb.addresses...), Dropped: e.mb.Dropped()})
	}
	return out
}

// ShutdownNode stops every registered address in descending
// shutdown-priority order, moving on as soon as each one is stopped;
// deadline is passed to each stop function, which does not wait on
// it. Within this module only the TCP and WebSocket transports set a
// priority (10), so their sender workers stop before every other
// address, which keeps the default of 0.
func (n *Node) ShutdownNode(deadline time.Duration) {
	n.mu.Lock()
	n.closing = true
	mailboxes := make(map[*mailbox]*entry)
	for _, e := range n.table {
		mailboxes[e.mb] = e
	}
	n.mu.Unlock()

	ordered := make([]*entry, 0, len(mailboxes))
	for _, e := range mailboxes {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].mb.shutdownPriority > ordered[j].mb.shutdownPriority
	})

	for _, e := range ordered {
		e.stopFunc(deadline)
	}
}
