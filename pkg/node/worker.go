package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/google/uuid"
)

// Handler is the capability set a Worker must provide: handle a
// single message, and react to its own start/stop. A message-driven
// unit bound to one or more addresses processes at most one message
// at a time, cooperatively, never concurrently with itself.
type Handler interface {
	HandleMessage(ctx *Context, msg wire.TransportMessage) error
	OnStart(ctx *Context) error
	OnStop(ctx *Context) error
}

// HandlerFunc adapts a plain function into a Handler with no-op
// lifecycle hooks, for the common case of a stateless handler.
type HandlerFunc func(ctx *Context, msg wire.TransportMessage) error

func (f HandlerFunc) HandleMessage(ctx *Context, msg wire.TransportMessage) error { return f(ctx, msg) }
func (f HandlerFunc) OnStart(*Context) error                                     { return nil }
func (f HandlerFunc) OnStop(*Context) error                                      { return nil }

// BaseHandler can be embedded by Handler implementations that only
// need to override HandleMessage.
type BaseHandler struct{}

func (BaseHandler) OnStart(*Context) error { return nil }
func (BaseHandler) OnStop(*Context) error  { return nil }

// Processor is a long-running routine bound to an address that may
// self-yield and send messages, rather than being driven purely by
// incoming messages.
type Processor interface {
	Run(ctx *Context) error
	OnStop(ctx *Context) error
}

// BaseProcessor can be embedded by Processor implementations that
// only need to override Run.
type BaseProcessor struct{}

func (BaseProcessor) OnStop(*Context) error { return nil }

// Context is the suspension-point surface handed to a worker or
// processor: Send, Receive, and SendAndReceive are the only places
// this instance may yield. A Context is exclusive to the mailbox it
// was built for.
type Context struct {
	node *Node
	self address.Address
	mb   *mailbox

	pendingMu sync.Mutex
	pending   map[string]chan wire.TransportMessage
}

func newContext(n *Node, self address.Address, mb *mailbox) *Context {
	return &Context{node: n, self: self, mb: mb, pending: make(map[string]chan wire.TransportMessage)}
}

// Address returns the primary address this context's worker is
// running as.
func (c *Context) Address() address.Address { return c.self }

// Done returns a channel that is closed when this context's address
// is stopped. A processor's Run loop selects on it alongside its own
// work so StopAddress and node shutdown reach routines that are not
// driven through Receive.
func (c *Context) Done() <-chan struct{} { return c.mb.stopCh }

// Send enqueues payload on route, using c's own address as the return
// hop so replies retrace the path.
func (c *Context) Send(route address.Route, payload []byte) error {
	return c.node.SendFrom(c.self, route, wire.TransportMessage{
		Onward:  route,
		Return:  address.Route{c.self},
		Payload: payload,
	})
}

// SendMessage enqueues a fully-formed TransportMessage, letting the
// caller control the return route and tracing token explicitly (used
// by transports and secure channels that rebuild the envelope
// themselves).
func (c *Context) SendMessage(msg wire.TransportMessage) error {
	return c.node.SendFrom(c.self, msg.Onward, msg)
}

// Receive blocks until a message arrives in this context's mailbox,
// the timeout elapses, or the mailbox is stopped. Messages carrying a
// tracing token that matches a pending SendAndReceive waiter are
// routed to that waiter instead, so Receive only ever observes
// messages addressed to the worker's own handler loop.
func (c *Context) Receive(timeout time.Duration) (wire.TransportMessage, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case im := <-c.mb.queue:
			if c.routeToWaiter(im.msg) {
				continue
			}
			return im.msg, nil
		case <-t.C:
			return wire.TransportMessage{}, ferrors.ErrTimeout
		case <-c.mb.stopCh:
			return wire.TransportMessage{}, ferrors.ErrClosed
		}
	}
}

// SendAndReceive sends payload on route tagged with a fresh tracing
// token and suspends until a reply carrying the same token arrives or
// deadline expires. The token is forgotten when SendAndReceive
// returns, so a reply that arrives after the deadline is not
// discarded: it is delivered to the worker like any other message
// (to its handler, or to Receive).
func (c *Context) SendAndReceive(ctx context.Context, route address.Route, payload []byte, timeout time.Duration) ([]byte, error) {
	token := uuid.NewString()
	waiter := make(chan wire.TransportMessage, 1)

	c.pendingMu.Lock()
	c.pending[token] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, token)
		c.pendingMu.Unlock()
	}()

	msg := wire.TransportMessage{
		Onward:  route,
		Return:  address.Route{c.self},
		Payload: payload,
		Tracing: []byte(token),
	}
	if err := c.node.SendFrom(c.self, route, msg); err != nil {
		return nil, fmt.Errorf("node: send_and_receive dispatch: %w", err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case reply := <-waiter:
		return reply.Payload, nil
	case <-t.C:
		return nil, ferrors.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.mb.stopCh:
		return nil, ferrors.ErrClosed
	}
}

// routeToWaiter delivers msg to a pending SendAndReceive waiter if its
// tracing token matches one, returning true if it did so (meaning the
// caller should not also hand msg to the worker's HandleMessage).
func (c *Context) routeToWaiter(msg wire.TransportMessage) bool {
	if len(msg.Tracing) == 0 {
		return false
	}
	token := string(msg.Tracing)
	c.pendingMu.Lock()
	waiter, ok := c.pending[token]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case waiter <- msg:
	default:
	}
	return true
}
