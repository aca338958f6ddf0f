package node

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hopHandler forwards the onward route as-is and prepends itself to
// the return route, exercising a multi-hop route through several
// chained workers.
type hopHandler struct{ self address.Address }

func (h *hopHandler) OnStart(*Context) error { return nil }
func (h *hopHandler) OnStop(*Context) error  { return nil }
func (h *hopHandler) HandleMessage(ctx *Context, msg wire.TransportMessage) error {
	return ctx.node.SendFrom(h.self, msg.Onward, wire.TransportMessage{
		Onward:  msg.Onward,
		Return:  msg.Return.Prepend(h.self),
		Payload: msg.Payload,
		Tracing: msg.Tracing,
	})
}

type echoHandler struct{ self address.Address }

func (e *echoHandler) OnStart(*Context) error { return nil }
func (e *echoHandler) OnStop(*Context) error  { return nil }
func (e *echoHandler) HandleMessage(ctx *Context, msg wire.TransportMessage) error {
	return ctx.node.SendFrom(e.self, msg.Return, wire.TransportMessage{
		Onward:  msg.Return,
		Return:  address.Route{e.self},
		Payload: msg.Payload,
		Tracing: msg.Tracing,
	})
}

func TestManyHopEcho(t *testing.T) {
	n := New()

	echoerAddr := address.New("echoer")
	h1, h2, h3 := address.New("h1"), address.New("h2"), address.New("h3")

	_, err := n.StartWorker([]address.Address{echoerAddr}, &echoHandler{self: echoerAddr}, AccessControlPair{})
	require.NoError(t, err)
	_, err = n.StartWorker([]address.Address{h1}, &hopHandler{self: h1}, AccessControlPair{})
	require.NoError(t, err)
	_, err = n.StartWorker([]address.Address{h2}, &hopHandler{self: h2}, AccessControlPair{})
	require.NoError(t, err)
	_, err = n.StartWorker([]address.Address{h3}, &hopHandler{self: h3}, AccessControlPair{})
	require.NoError(t, err)

	sender := address.New("sender")
	senderCtx, err := n.StartWorker([]address.Address{sender}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)

	reply, err := senderCtx.SendAndReceive(context.Background(), address.R(h1, h2, h3, echoerAddr), []byte("Hello Ockam!"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ockam!", string(reply))
}

func TestFIFOPerMailbox(t *testing.T) {
	n := New()
	var received []string

	done := make(chan struct{})
	target := address.New("target")
	_, err := n.StartWorker([]address.Address{target}, HandlerFunc(func(_ *Context, msg wire.TransportMessage) error {
		received = append(received, string(msg.Payload))
		if len(received) == 3 {
			close(done)
		}
		return nil
	}), AccessControlPair{})
	require.NoError(t, err)

	sender := address.New("sender")
	senderCtx, err := n.StartWorker([]address.Address{sender}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)

	for _, p := range []string{"s1", "s2", "s3"} {
		require.NoError(t, senderCtx.Send(address.R(target), []byte(p)))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for messages")
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, received)
}

func TestAccessControlDeniesUnauthorizedDelivery(t *testing.T) {
	n := New()

	delivered := make(chan struct{}, 1)
	target := address.New("guarded")
	_, err := n.StartWorker([]address.Address{target}, HandlerFunc(func(*Context, wire.TransportMessage) error {
		delivered <- struct{}{}
		return nil
	}), AccessControlPair{Incoming: DenyAll})
	require.NoError(t, err)

	sender := address.New("sender")
	senderCtx, err := n.StartWorker([]address.Address{sender}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)

	err = senderCtx.Send(address.R(target), []byte("hi"))
	require.ErrorIs(t, err, ferrors.ErrAccessDenied)

	select {
	case <-delivered:
		t.Fatal("handler should never have observed the message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendToUnknownAddressDrops(t *testing.T) {
	n := New()
	sender := address.New("sender")
	senderCtx, err := n.StartWorker([]address.Address{sender}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)

	err = senderCtx.Send(address.R(address.New("nobody-home")), []byte("hi"))
	require.ErrorIs(t, err, ferrors.ErrUnknownAddress)
}

func TestStopAddressUnregisters(t *testing.T) {
	n := New()
	target := address.New("target")
	_, err := n.StartWorker([]address.Address{target}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)

	require.NoError(t, n.StopAddress(target))

	sender := address.New("sender")
	senderCtx, err := n.StartWorker([]address.Address{sender}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)

	err = senderCtx.Send(address.R(target), []byte("hi"))
	require.ErrorIs(t, err, ferrors.ErrUnknownAddress)
}

func TestFlowControlGatesTransportIngress(t *testing.T) {
	n := New()

	delivered := make(chan string, 4)
	scoped := address.New("scoped")
	_, err := n.StartWorker([]address.Address{scoped}, HandlerFunc(func(_ *Context, msg wire.TransportMessage) error {
		delivered <- string(msg.Payload)
		return nil
	}), AccessControlPair{Incoming: FlowControlAccessControl{Flows: n.Flows(), Addr: scoped}})
	require.NoError(t, err)

	trusted := n.Flows().NewProducerFlow("", address.NewWithTag(address.TCP, "conn-1"))
	foreign := n.Flows().NewProducerFlow("", address.NewWithTag(address.TCP, "conn-2"))
	n.Flows().AddConsumer(scoped, trusted)

	err = n.Inject(address.R(scoped), wire.TransportMessage{Payload: []byte("foreign")}, foreign)
	require.ErrorIs(t, err, ferrors.ErrAccessDenied)

	require.NoError(t, n.Inject(address.R(scoped), wire.TransportMessage{Payload: []byte("trusted")}, trusted))

	select {
	case got := <-delivered:
		assert.Equal(t, "trusted", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the authorized message")
	}
	select {
	case got := <-delivered:
		t.Fatalf("message %q from an unauthorized producer was delivered", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFlowControlAllowAllWorkerAcceptsAnyProducer(t *testing.T) {
	n := New()

	delivered := make(chan struct{}, 1)
	open := address.New("open")
	_, err := n.StartWorker([]address.Address{open}, HandlerFunc(func(*Context, wire.TransportMessage) error {
		delivered <- struct{}{}
		return nil
	}), AccessControlPair{})
	require.NoError(t, err)

	producer := n.Flows().NewProducerFlow("", address.NewWithTag(address.TCP, "conn-1"))
	require.NoError(t, n.Inject(address.R(open), wire.TransportMessage{Payload: []byte("hi")}, producer))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("allow-all worker must accept ingress from any producer")
	}
}

func TestFlowControlSendPromotesSenderToConsumer(t *testing.T) {
	n := New()

	// connAddr stands in for a transport connection's sender worker:
	// the registered owner of a producer flow.
	connAddr := address.NewWithTag(address.TCP, "conn-1")
	_, err := n.StartWorker([]address.Address{connAddr}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)
	producer := n.Flows().NewProducerFlow("", connAddr)

	scoped := address.New("scoped")
	scopedCtx, err := n.StartWorker([]address.Address{scoped}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{Incoming: FlowControlAccessControl{Flows: n.Flows(), Addr: scoped}})
	require.NoError(t, err)

	err = n.Inject(address.R(scoped), wire.TransportMessage{Payload: []byte("early")}, producer)
	require.ErrorIs(t, err, ferrors.ErrAccessDenied, "before sending through the connection, its ingress is rejected")

	// Dispatching outbound through the connection promotes the sender
	// into the connection's flow, so the reply is admitted.
	require.NoError(t, scopedCtx.Send(address.R(connAddr), []byte("out")))

	require.NoError(t, n.Inject(address.R(scoped), wire.TransportMessage{Payload: []byte("reply")}, producer))
}

// heartbeatProcessor is a long-running routine that emits ticks to a
// collector until its context is stopped.
type heartbeatProcessor struct {
	BaseProcessor
	target  address.Address
	stopped chan struct{}
}

func (p *heartbeatProcessor) Run(ctx *Context) error {
	defer close(p.stopped)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ctx.Send(address.R(p.target), []byte("tick")); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func TestProcessorLifecycle(t *testing.T) {
	n := New()

	ticks := make(chan struct{}, 16)
	collector := address.New("collector")
	_, err := n.StartWorker([]address.Address{collector}, HandlerFunc(func(*Context, wire.TransportMessage) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}), AccessControlPair{})
	require.NoError(t, err)

	heartbeat := address.New("heartbeat")
	proc := &heartbeatProcessor{target: collector, stopped: make(chan struct{})}
	_, err = n.StartProcessor(heartbeat, proc, AccessControlPair{})
	require.NoError(t, err)

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("processor never sent a tick")
	}

	_, err = n.StartProcessor(heartbeat, &heartbeatProcessor{target: collector, stopped: make(chan struct{})}, AccessControlPair{})
	require.ErrorIs(t, err, ferrors.ErrAlreadyRegistered)

	require.NoError(t, n.StopAddress(heartbeat))
	select {
	case <-proc.stopped:
	case <-time.After(time.Second):
		t.Fatal("processor Run did not observe Done after StopAddress")
	}

	sender := address.New("sender")
	senderCtx, err := n.StartWorker([]address.Address{sender}, HandlerFunc(func(*Context, wire.TransportMessage) error { return nil }), AccessControlPair{})
	require.NoError(t, err)
	err = senderCtx.Send(address.R(heartbeat), []byte("late"))
	require.ErrorIs(t, err, ferrors.ErrUnknownAddress)
}
